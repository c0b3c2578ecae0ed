// Package gateway is the thin client of the payment provider.
package gateway

import (
	"context"
	"time"

	"github.com/taskmgr818/credit-ledger/internal/model"
)

// DateLayout is the provider's calendar date format.
const DateLayout = "2006-01-02"

// Subscription is the provider's view of a recurring charge.
type Subscription struct {
	ID                string  `json:"id"`
	Customer          string  `json:"customer"`
	Value             float64 `json:"value"`
	Cycle             string  `json:"cycle"`
	NextDueDate       string  `json:"nextDueDate"`
	Status            string  `json:"status"`
	ExternalReference string  `json:"externalReference"` // plan id
	Deleted           bool    `json:"deleted"`
}

// BillingCycle maps the provider cycle onto ours. Unknown cycles map to "".
func (s *Subscription) BillingCycle() model.BillingCycle {
	return ParseCycle(s.Cycle)
}

// NextDue parses NextDueDate. ok is false when it is absent or malformed.
func (s *Subscription) NextDue() (t time.Time, ok bool) {
	return ParseDate(s.NextDueDate)
}

// Payment is the provider's view of a single charge.
type Payment struct {
	ID                string  `json:"id"`
	Customer          string  `json:"customer"`
	Subscription      string  `json:"subscription"`
	Value             float64 `json:"value"`
	Status            string  `json:"status"`
	DueDate           string  `json:"dueDate"`
	ConfirmedDate     string  `json:"confirmedDate"`
	BillingType       string  `json:"billingType"`
	ExternalReference string  `json:"externalReference"`
	Description       string  `json:"description"`
	Deleted           bool    `json:"deleted"`
}

// Paid reports whether the provider considers the charge settled.
func (p *Payment) Paid() bool {
	switch p.Status {
	case "CONFIRMED", "RECEIVED", "RECEIVED_IN_CASH":
		return true
	}
	return false
}

// Closed reports whether the charge was refunded or removed.
func (p *Payment) Closed() bool {
	return p.Deleted || p.Status == "REFUNDED" || p.Status == "REFUND_REQUESTED"
}

// Client is what the credit core needs from the provider.
type Client interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
}

// ParseCycle maps a provider cycle name onto a billing cycle.
func ParseCycle(s string) model.BillingCycle {
	switch s {
	case "MONTHLY":
		return model.CycleMonthly
	case "YEARLY":
		return model.CycleYearly
	}
	return ""
}

// ParseDate parses a provider calendar date as UTC midnight.
func ParseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Cents converts a provider decimal amount to cents.
func Cents(v float64) int64 {
	if v < 0 {
		return -int64(-v*100 + 0.5)
	}
	return int64(v*100 + 0.5)
}
