package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/auth"
	appctx "github.com/taskmgr818/credit-ledger/internal/context"
)

// APIKeyAuth returns a Gin middleware that validates the API key and
// injects the authenticated User into the context. The key is read from
// "Authorization: Bearer sk-xxx", then X-API-Key, then the api_key query
// parameter, which browsers need for websocket upgrades.
//
// Lookup is delegated to auth.UserService.GetByAPIKey.
func APIKeyAuth(userSvc auth.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearerToken(c)
		if raw == "" {
			raw = strings.TrimSpace(c.GetHeader("X-API-Key"))
		}
		if raw == "" {
			raw = c.Query("api_key")
		}
		if raw == "" {
			appctx.AbortWithError(c, apperr.Authorization.New(
				"missing or malformed Authorization header (expected: Bearer <api-key>)"))
			return
		}

		user, err := userSvc.GetByAPIKey(c.Request.Context(), raw)
		if err != nil {
			appctx.AbortWithError(c, err)
			return
		}

		c.Set(appctx.CtxKeyUser, user)
		c.Next()
	}
}

// RequireAdmin rejects authenticated users without the ADMIN role. It must
// run after APIKeyAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !appctx.MustGetUser(c).IsAdmin() {
			appctx.AbortWithError(c, apperr.Forbidden.New("admin role required"))
			return
		}
		c.Next()
	}
}

// CronAuth returns a Gin middleware that validates the cron secret from the
// Authorization header (format: "Bearer <secret>").
func CronAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			appctx.AbortWithError(c, apperr.Authorization.New("cron authentication not configured"))
			return
		}

		token := extractBearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			appctx.AbortWithError(c, apperr.Authorization.New("invalid cron secret"))
			return
		}

		c.Next()
	}
}

// extractBearerToken gets the token from "Authorization: Bearer <token>".
func extractBearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
