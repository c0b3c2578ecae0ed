package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	appctx "github.com/taskmgr818/credit-ledger/internal/context"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/webhook"
	"github.com/taskmgr818/credit-ledger/internal/ws"
)

// WebhookTokenHeader carries the shared secret of gateway deliveries.
const WebhookTokenHeader = "asaas-access-token"

// maxWebhookBody caps the size of a delivery.
const maxWebhookBody = 1 << 20

// Check is a named readiness probe.
type Check func(ctx context.Context) error

// Handler holds the webhook, health and observer endpoints.
type Handler struct {
	processor *webhook.Processor
	hub       *ws.Hub
	checks    map[string]Check
	metrics   http.Handler
	upgrader  websocket.Upgrader
	log       *logrus.Entry
}

// NewHandler creates the handler set.
func NewHandler(processor *webhook.Processor, hub *ws.Hub, checks map[string]Check, metrics http.Handler, logger logrus.FieldLogger) *Handler {
	return &Handler{
		processor: processor,
		hub:       hub,
		checks:    checks,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logging.Component(logger, "handler"),
	}
}

// RegisterRoutes registers all routes on the Gin engine. apiKey protects the
// observer websocket.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKey gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	// ── Gateway webhook (shared secret header) ──
	r.POST("/webhooks/payments", h.PaymentWebhook)

	// ── Realtime observers ──
	r.GET("/ws/credits", apiKey, h.WebSocket)
}

// ─────────────────────────────────────────────
// POST /webhooks/payments
// ─────────────────────────────────────────────

// PaymentWebhook ingests one gateway notification. The gateway only looks at
// the status code: 200 means stop redelivering, 401/400 are final, and 500
// asks for a redelivery because nothing was stored.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	receipt, err := h.processor.Ingest(c.Request.Context(), c.GetHeader(WebhookTokenHeader), body)
	switch {
	case err == nil:
		if receipt.Error != "" {
			h.log.WithFields(logrus.Fields{
				"event_id": receipt.EventID,
				"event":    receipt.Event,
				"cause":    receipt.Error,
			}).Warn("webhook stored for retry")
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	case apperr.Authorization.Has(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case apperr.Validation.Has(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).Error("webhook not stored")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ─────────────────────────────────────────────
// GET /ws/credits  (observer WebSocket)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and registers the observer. Users receive
// their own credit events, admins receive everyone's.
func (h *Handler) WebSocket(c *gin.Context) {
	user := appctx.MustGetUser(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade")
		return
	}

	ws.NewClient(user, conn, h.hub).Run()
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health runs every readiness probe and reports 503 when one fails.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"checks":    checks,
		"observers": h.hub.ClientCount(),
	})
}
