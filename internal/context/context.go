// Package context carries request-scoped values through gin and writes
// error responses in one shape.
package context

import (
	"github.com/gin-gonic/gin"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

// Context key for the authenticated user.
const CtxKeyUser = "auth_user"

// MustGetUser extracts the authenticated user from the Gin context.
// Panics if not present (should only be called after APIKeyAuth middleware).
func MustGetUser(c *gin.Context) *model.User {
	v, exists := c.Get(CtxKeyUser)
	if !exists {
		panic("MustGetUser called without APIKeyAuth middleware")
	}
	return v.(*model.User)
}

// GetUserID is a shorthand that returns the user ID string.
func GetUserID(c *gin.Context) string {
	u := MustGetUser(c)
	return u.ID
}

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error class and describes it.
type ErrorDetail struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// AbortWithError writes err with the status of its class and stops the
// handler chain. Internal errors are not echoed to the client.
func AbortWithError(c *gin.Context, err error) {
	class := apperr.ClassName(err)
	msg := err.Error()
	if class == "internal" {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), ErrorBody{
		Error: ErrorDetail{Class: class, Message: msg},
	})
}
