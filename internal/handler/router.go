package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/auth"
	"github.com/taskmgr818/credit-ledger/internal/middleware"
)

// Routes bundles the handler sets served by one engine.
type Routes struct {
	Handler *Handler
	Cron    *CronHandler
	Admin   *AdminHandler
	User    *UserHandler

	Users       auth.UserService
	CronSecret  string
	CORSOrigins []string
	Logger      logrus.FieldLogger
}

// NewRouter builds the Gin engine with middleware and every route group.
func NewRouter(rt Routes) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(rt.CORSOrigins))
	r.Use(middleware.Logger(rt.Logger))

	apiKey := middleware.APIKeyAuth(rt.Users)

	rt.Handler.RegisterRoutes(r, apiKey)
	rt.Cron.RegisterRoutes(r.Group("/api/cron", middleware.CronAuth(rt.CronSecret)))
	rt.User.RegisterRoutes(r.Group("/api/v1", apiKey))
	rt.Admin.RegisterRoutes(r.Group("/api/v1/admin", apiKey, middleware.RequireAdmin()))
	return r
}
