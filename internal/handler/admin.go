package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/auth"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	appctx "github.com/taskmgr818/credit-ledger/internal/context"
	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/plan"
	"github.com/taskmgr818/credit-ledger/internal/webhook"
)

// AuditLog lists operator audit events.
type AuditLog interface {
	AuditEvents(ctx context.Context, typ model.AuditType, limit int) ([]model.AuditEvent, error)
}

// AdminHandler handles admin-only endpoints.
type AdminHandler struct {
	userSvc   auth.UserService
	balance   *balance.Manager
	ledger    *ledger.Store
	plans     *plan.Store
	processor *webhook.Processor
	audit     AuditLog
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(userSvc auth.UserService, bal *balance.Manager, led *ledger.Store, plans *plan.Store, processor *webhook.Processor, audit AuditLog) *AdminHandler {
	return &AdminHandler{
		userSvc:   userSvc,
		balance:   bal,
		ledger:    led,
		plans:     plans,
		processor: processor,
		audit:     audit,
	}
}

// RegisterRoutes registers admin routes on the admin group.
func (h *AdminHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/users/:id/credits", h.GetCredits)
	admin.POST("/users/:id/credits/adjust", h.AdjustCredits)
	admin.POST("/users/:id/credits/spend", h.SpendCredits)
	admin.POST("/users/:id/credits/refund", h.RefundCredits)
	admin.POST("/users/:id/credits/recompute", h.RecomputeLedger)
	admin.GET("/users/:id/ledger", h.GetLedger)
	admin.POST("/users/:id/api-key", h.ResetAPIKey)

	admin.POST("/plans", h.CreatePlan)
	admin.GET("/plans", h.ListPlans)

	admin.GET("/webhooks/dead-letters", h.DeadLetters)
	admin.POST("/webhooks/:id/requeue", h.Requeue)

	admin.GET("/audit", h.AuditEvents)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id/credits
// ─────────────────────────────────────────────

// CreditsResponse is a user's credit state with its packages.
type CreditsResponse struct {
	UserID         string            `json:"user_id"`
	Credits        balance.Credits   `json:"credits"`
	PackageBalance int64             `json:"package_balance"`
	Packages       []balance.Package `json:"packages"`
}

// GetCredits returns the user's available credits and packages.
func (h *AdminHandler) GetCredits(c *gin.Context) {
	resp, err := creditsOf(c, h.balance, c.Param("id"))
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func creditsOf(c *gin.Context, bal *balance.Manager, userID string) (*CreditsResponse, error) {
	ctx := c.Request.Context()
	credits, err := bal.Available(ctx, userID)
	if err != nil {
		return nil, err
	}
	pkgBalance, err := bal.PackageBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	pkgs, err := bal.Packages(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CreditsResponse{
		UserID:         userID,
		Credits:        credits,
		PackageBalance: pkgBalance,
		Packages:       pkgs,
	}, nil
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/credits/adjust
// ─────────────────────────────────────────────

type AdjustCreditsRequest struct {
	Type      balance.Pool `json:"type" binding:"required"`
	Operation balance.Op   `json:"operation" binding:"required"`
	Amount    int64        `json:"amount" binding:"required"`
	Reason    string       `json:"reason" binding:"required"`
}

// AdjustCredits applies an administrative correction.
func (h *AdminHandler) AdjustCredits(c *gin.Context) {
	var req AdjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appctx.AbortWithError(c, apperr.Validation.Wrap(err))
		return
	}

	res, err := h.balance.Adjust(c.Request.Context(), balance.AdjustRequest{
		UserID:  c.Param("id"),
		Pool:    req.Type,
		Op:      req.Operation,
		Amount:  req.Amount,
		Reason:  req.Reason,
		AdminID: appctx.GetUserID(c),
	})
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/credits/spend|refund
// ─────────────────────────────────────────────

// UsageRequest is sent by the services that consume credits.
type UsageRequest struct {
	Amount      int64         `json:"amount" binding:"required"`
	Source      ledger.Source `json:"source"`
	ReferenceID string        `json:"reference_id"`
	Reason      string        `json:"reason"`
}

func (r *UsageRequest) validSource() error {
	switch r.Source {
	case "", ledger.SourceGeneration, ledger.SourceTraining:
		return nil
	}
	return apperr.Validation.New("source must be GENERATION or TRAINING")
}

// SpendCredits consumes credits for a unit of work.
func (h *AdminHandler) SpendCredits(c *gin.Context) {
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appctx.AbortWithError(c, apperr.Validation.Wrap(err))
		return
	}
	if err := req.validSource(); err != nil {
		appctx.AbortWithError(c, err)
		return
	}

	res, err := h.balance.Spend(c.Request.Context(), balance.SpendRequest{
		UserID:      c.Param("id"),
		Amount:      req.Amount,
		Source:      req.Source,
		ReferenceID: req.ReferenceID,
		Reason:      req.Reason,
	})
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RefundCredits returns credits for work that failed. Repeating a refund for
// the same reference is a no-op.
func (h *AdminHandler) RefundCredits(c *gin.Context) {
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appctx.AbortWithError(c, apperr.Validation.Wrap(err))
		return
	}
	if err := req.validSource(); err != nil {
		appctx.AbortWithError(c, err)
		return
	}

	res, err := h.balance.Refund(c.Request.Context(), balance.RefundRequest{
		UserID:      c.Param("id"),
		Amount:      req.Amount,
		Source:      req.Source,
		ReferenceID: req.ReferenceID,
		Reason:      req.Reason,
	})
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/credits/recompute
// ─────────────────────────────────────────────

// RecomputeLedger rewrites the user's balance_after snapshots.
func (h *AdminHandler) RecomputeLedger(c *gin.Context) {
	res, err := h.balance.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id/ledger
// ─────────────────────────────────────────────

// LedgerResponse is one page of ledger entries, newest first.
type LedgerResponse struct {
	Entries    []ledger.Entry `json:"entries"`
	Total      int64          `json:"total"`                 // entries recorded for the user
	NextCursor uint           `json:"next_cursor,omitempty"` // pass as before_id
}

// GetLedger pages through the user's ledger.
func (h *AdminHandler) GetLedger(c *gin.Context) {
	if _, err := h.userSvc.GetByID(c.Request.Context(), c.Param("id")); err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	ledgerPage(c, h.ledger, c.Param("id"))
}

func ledgerPage(c *gin.Context, led *ledger.Store, userID string) {
	page := ledger.Page{
		Limit:    queryInt(c, "limit"),
		BeforeID: uint(queryInt(c, "before_id")),
	}
	entries, err := led.List(c.Request.Context(), userID, page)
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}

	total, err := led.Count(c.Request.Context(), userID)
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}

	resp := LedgerResponse{Entries: entries, Total: total}
	if n := len(entries); n > 0 && n == page.Size() {
		resp.NextCursor = entries[n-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// queryInt reads a non-negative integer query parameter, 0 when absent or
// malformed.
func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/api-key
// ─────────────────────────────────────────────

type ResetKeyResponse struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// ResetAPIKey regenerates a user's API key.
func (h *AdminHandler) ResetAPIKey(c *gin.Context) {
	u, err := h.userSvc.ResetAPIKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ResetKeyResponse{UserID: u.ID, APIKey: u.APIKey})
}

// ─────────────────────────────────────────────
// Plans
// ─────────────────────────────────────────────

type CreatePlanRequest struct {
	ID             string `json:"id" binding:"required"`
	Name           string `json:"name" binding:"required"`
	MonthlyCredits int64  `json:"monthly_credits" binding:"required"`
	MonthlyPrice   int64  `json:"monthly_price"`
	YearlyPrice    int64  `json:"yearly_price"`
	Active         *bool  `json:"active"`
}

// CreatePlan adds a plan. A duplicate id answers 409.
func (h *AdminHandler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appctx.AbortWithError(c, apperr.Validation.Wrap(err))
		return
	}

	p := &plan.Plan{
		ID:             req.ID,
		Name:           req.Name,
		MonthlyCredits: req.MonthlyCredits,
		MonthlyPrice:   req.MonthlyPrice,
		YearlyPrice:    req.YearlyPrice,
		Active:         req.Active == nil || *req.Active,
	}
	if err := h.plans.Create(c.Request.Context(), p); err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// ListPlans returns every plan.
func (h *AdminHandler) ListPlans(c *gin.Context) {
	plans, err := h.plans.List(c.Request.Context())
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// ─────────────────────────────────────────────
// Webhook dead letters
// ─────────────────────────────────────────────

// DeadLetters lists events that exhausted their retries.
func (h *AdminHandler) DeadLetters(c *gin.Context) {
	evs, err := h.processor.DeadLetters(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "max_retries": h.processor.MaxRetries()})
}

// Requeue resets the retry budget of an event.
func (h *AdminHandler) Requeue(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		appctx.AbortWithError(c, apperr.Validation.New("invalid event id %q", c.Param("id")))
		return
	}
	if err := h.processor.Requeue(c.Request.Context(), uint(id)); err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": id})
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/audit
// ─────────────────────────────────────────────

// AuditEvents lists recent audit events, optionally filtered by ?type=.
func (h *AdminHandler) AuditEvents(c *gin.Context) {
	evs, err := h.audit.AuditEvents(c.Request.Context(), model.AuditType(c.Query("type")), queryInt(c, "limit"))
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}
