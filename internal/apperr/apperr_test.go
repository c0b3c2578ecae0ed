package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validation.New("amount must be positive"), http.StatusBadRequest},
		{"authorization", Authorization.New("bad token"), http.StatusUnauthorized},
		{"forbidden", Forbidden.New("admin role required"), http.StatusForbidden},
		{"not found", NotFound.New("user %q", "u1"), http.StatusNotFound},
		{"conflict", Conflict.New("plan exists"), http.StatusConflict},
		{"gateway", TransientGateway.Wrap(errors.New("503")), http.StatusBadGateway},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestClassSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("resolve customer: %w", NotFound.New("customer cus_1"))
	assert.True(t, NotFound.Has(err))
	assert.Equal(t, "not_found", ClassName(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(Validation.New("missing payment id")))
	assert.True(t, Retryable(NotFound.New("user")))
	assert.True(t, Retryable(TransientGateway.New("timeout")))
	assert.True(t, Retryable(errors.New("db down")))
}
