package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	appctx "github.com/taskmgr818/credit-ledger/internal/context"
	"github.com/taskmgr818/credit-ledger/internal/reconcile"
)

// CronHandler exposes the reconciliation jobs to an external scheduler.
type CronHandler struct {
	runner *reconcile.Runner
}

// NewCronHandler creates a new CronHandler.
func NewCronHandler(runner *reconcile.Runner) *CronHandler {
	return &CronHandler{runner: runner}
}

// RegisterRoutes registers the cron routes on a group protected by
// middleware.CronAuth.
func (h *CronHandler) RegisterRoutes(cron *gin.RouterGroup) {
	cron.GET("/webhooks/retry", h.run(reconcile.JobWebhookRetry))
	cron.GET("/credits/expire-purchased", h.run(reconcile.JobExpirePurchased))
	cron.GET("/credits/expire-yearly", h.run(reconcile.JobExpireYearly))
	cron.GET("/payments/inconsistencies", h.run(reconcile.JobPaymentInconsistencies))
	cron.GET("/subscriptions/sync-due-dates", h.run(reconcile.JobSyncDueDates))
}

// CronResponse wraps a job result.
type CronResponse struct {
	Success bool             `json:"success"`
	Job     string           `json:"job"`
	Results reconcile.Result `json:"results"`
}

func (h *CronHandler) run(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.runner.Run(c.Request.Context(), name)
		if err != nil {
			appctx.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, CronResponse{Success: true, Job: name, Results: res})
	}
}
