// Package billing keeps users' subscription status and the payment records
// mirrored from the payment gateway.
package billing

import (
	"time"
)

// PaymentType tells subscription charges from one-off credit purchases.
type PaymentType string

const (
	PaymentSubscription   PaymentType = "SUBSCRIPTION"
	PaymentCreditPurchase PaymentType = "CREDIT_PURCHASE"
)

// PaymentStatus is the local state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentOverdue   PaymentStatus = "OVERDUE"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Valid reports whether s is one of the declared statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentConfirmed, PaymentOverdue, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a payment may move from s to next.
// Deliveries arrive out of order, so a late event must not walk a payment
// back: a refunded payment never becomes confirmed again.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case PaymentPending:
		return true
	case PaymentOverdue:
		return next == PaymentConfirmed || next == PaymentRefunded || next == PaymentCancelled
	case PaymentConfirmed:
		return next == PaymentRefunded
	}
	return false
}

// Payment mirrors a gateway charge.
type Payment struct {
	ID                 string        `json:"id" gorm:"primaryKey;size:64"` // gateway payment id
	UserID             string        `json:"user_id" gorm:"index;not null"`
	Type               PaymentType   `json:"type" gorm:"size:24"`
	Status             PaymentStatus `json:"status" gorm:"size:16;index"`
	Value              int64         `json:"value"` // cents
	DueDate            *time.Time    `json:"due_date,omitempty" gorm:"index"`
	ConfirmedDate      *time.Time    `json:"confirmed_date,omitempty"`
	SubscriptionID     string        `json:"subscription_id,omitempty" gorm:"index"`
	CreditAmount       int64         `json:"credit_amount,omitempty"`
	CreditValidityDays int           `json:"credit_validity_days,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// TableName pins the table name.
func (Payment) TableName() string {
	return "payments"
}

// CreditValidity is how long credits bought with p stay usable.
func (p *Payment) CreditValidity() time.Duration {
	days := p.CreditValidityDays
	if days <= 0 {
		days = DefaultCreditValidityDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// DefaultCreditValidityDays applies to purchases that do not state a validity.
const DefaultCreditValidityDays = 365
