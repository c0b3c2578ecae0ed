package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	appctx "github.com/taskmgr818/credit-ledger/internal/context"
	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

// UserHandler handles user-related endpoints.
type UserHandler struct {
	balance *balance.Manager
	ledger  *ledger.Store
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(bal *balance.Manager, led *ledger.Store) *UserHandler {
	return &UserHandler{balance: bal, ledger: led}
}

// RegisterRoutes registers user routes on the api group.
func (h *UserHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/me", h.Me)
	api.GET("/me/credits", h.MyCredits)
	api.GET("/me/ledger", h.MyLedger)
}

// ─────────────────────────────────────────────
// GET /api/v1/me
// ─────────────────────────────────────────────

// ProfileResponse is the caller's account with its credits.
type ProfileResponse struct {
	User    *model.User     `json:"user"`
	Credits balance.Credits `json:"credits"`
}

// Me returns the authenticated user's profile.
func (h *UserHandler) Me(c *gin.Context) {
	user := appctx.MustGetUser(c)

	credits, err := h.balance.Available(c.Request.Context(), user.ID)
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProfileResponse{User: user, Credits: credits})
}

// ─────────────────────────────────────────────
// GET /api/v1/me/credits
// ─────────────────────────────────────────────

// MyCredits returns the caller's available credits and packages.
func (h *UserHandler) MyCredits(c *gin.Context) {
	resp, err := creditsOf(c, h.balance, appctx.GetUserID(c))
	if err != nil {
		appctx.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// GET /api/v1/me/ledger
// ─────────────────────────────────────────────

// MyLedger pages through the caller's ledger.
func (h *UserHandler) MyLedger(c *gin.Context) {
	ledgerPage(c, h.ledger, appctx.GetUserID(c))
}
