// Package apperr defines the error classes shared by the credit core and
// maps them onto HTTP status codes.
package apperr

import (
	"net/http"

	"github.com/zeebo/errs"
)

// ─────────────────────────────────────────────
// Error classes
// ─────────────────────────────────────────────

var (
	// Validation marks malformed or incomplete input. Rejected before side effects.
	Validation = errs.Class("validation")

	// Authorization marks a missing or wrong credential / role.
	Authorization = errs.Class("authorization")

	// Forbidden marks an authenticated caller without the required role.
	Forbidden = errs.Class("forbidden")

	// NotFound marks a referenced user, package or payment that does not exist.
	NotFound = errs.Class("not found")

	// Conflict marks a duplicate unique key.
	Conflict = errs.Class("conflict")

	// TransientGateway marks a failed payment-provider call that may succeed later.
	TransientGateway = errs.Class("transient gateway")

	// InvariantViolation marks a write that would have broken a balance invariant.
	// Callers clamp and log these, they are never returned to API clients.
	InvariantViolation = errs.Class("invariant violation")
)

// ClassName returns a short identifier of the first class err belongs to,
// or "internal" when it carries none.
func ClassName(err error) string {
	switch {
	case Validation.Has(err):
		return "validation"
	case Authorization.Has(err):
		return "authorization"
	case Forbidden.Has(err):
		return "forbidden"
	case NotFound.Has(err):
		return "not_found"
	case Conflict.Has(err):
		return "conflict"
	case TransientGateway.Has(err):
		return "transient_gateway"
	case InvariantViolation.Has(err):
		return "invariant_violation"
	default:
		return "internal"
	}
}

// HTTPStatus maps err onto the status code returned by the admin API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Validation.Has(err):
		return http.StatusBadRequest
	case Authorization.Has(err):
		return http.StatusUnauthorized
	case Forbidden.Has(err):
		return http.StatusForbidden
	case NotFound.Has(err):
		return http.StatusNotFound
	case Conflict.Has(err):
		return http.StatusConflict
	case TransientGateway.Has(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a failed webhook attempt should be left for the
// retry queue. Permanent classes still are, because an out-of-order delivery
// can turn a not-found into a success later; only validation errors are final.
func Retryable(err error) bool {
	return err != nil && !Validation.Has(err)
}
