package model

import (
	"time"
)

// ─────────────────────────────────────────────
// Closed enumerations
// ─────────────────────────────────────────────

// Role is the authorization role of a user.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// SubscriptionStatus is the billing state of a user's subscription.
type SubscriptionStatus string

const (
	SubscriptionInactive  SubscriptionStatus = "INACTIVE"
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionOverdue   SubscriptionStatus = "OVERDUE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// Valid reports whether s is one of the declared statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionInactive, SubscriptionActive, SubscriptionOverdue, SubscriptionCancelled:
		return true
	}
	return false
}

// BillingCycle is the length of one subscription period.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

// Valid reports whether c is one of the declared cycles.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Advance returns t moved forward by one cycle.
func (c BillingCycle) Advance(t time.Time) time.Time {
	if c == CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// CreditMultiplier is the number of monthly grants credited per renewal.
// Yearly credits are front-loaded and do not accumulate across years.
func (c BillingCycle) CreditMultiplier() int64 {
	if c == CycleYearly {
		return 12
	}
	return 1
}

// ─────────────────────────────────────────────
// User (account credit state embedded)
// ─────────────────────────────────────────────

// User is a platform user together with its subscription fields and its
// account credit state. The credit columns are written only by the balance
// manager, the subscription columns only by the billing status updater.
type User struct {
	ID     string `json:"id" gorm:"primaryKey"`
	Email  string `json:"email" gorm:"index"`
	Role   Role   `json:"role" gorm:"default:USER"`
	APIKey string `json:"-" gorm:"index"` // issued by the auth subsystem

	// Subscription
	SubscriptionStatus    SubscriptionStatus `json:"subscription_status" gorm:"index;default:INACTIVE"`
	PlanID                string             `json:"plan_id,omitempty"`
	BillingCycle          BillingCycle       `json:"billing_cycle,omitempty" gorm:"index"`
	GatewayCustomerID     string             `json:"gateway_customer_id,omitempty" gorm:"index"`
	GatewaySubscriptionID string             `json:"gateway_subscription_id,omitempty" gorm:"index"`
	SubscriptionStartedAt *time.Time         `json:"subscription_started_at,omitempty"`
	SubscriptionEndsAt    *time.Time         `json:"subscription_ends_at,omitempty"`
	NextDueDate           *time.Time         `json:"next_due_date,omitempty"`

	// Account credit state
	SubscriptionLimit     int64      `json:"subscription_limit"`
	SubscriptionUsed      int64      `json:"subscription_used"`
	PurchasedBalance      int64      `json:"purchased_balance"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty" gorm:"index"`
	LastRenewalAt         *time.Time `json:"last_renewal_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// ─────────────────────────────────────────────
// Observer WebSocket Protocol
// ─────────────────────────────────────────────

type MsgType string

const (
	// Server → Observer
	MsgTypeBalanceChanged MsgType = "BALANCE_CHANGED"
	MsgTypeStatusChanged  MsgType = "SUBSCRIPTION_STATUS_CHANGED"
	MsgTypeHello          MsgType = "HELLO"
)

// Envelope is the top-level WebSocket frame.
type Envelope struct {
	Type    MsgType     `json:"type"`
	Payload interface{} `json:"payload"`
}

// ─────────────────────────────────────────────
// Audit events (operator log, best effort)
// ─────────────────────────────────────────────

type AuditType string

const (
	AuditBalanceClamped      AuditType = "BALANCE_CLAMPED"
	AuditReviewRequired      AuditType = "REVIEW_REQUIRED"
	AuditWebhookDeadLettered AuditType = "WEBHOOK_DEAD_LETTERED"
)

// AuditEvent is a row of the operator audit log.
type AuditEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Type      AuditType `json:"type" gorm:"size:32;index"`
	UserID    string    `json:"user_id,omitempty" gorm:"index"`
	Subject   string    `json:"subject,omitempty"` // package / payment / event id
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Auditor accepts audit events. Implementations must not block the caller.
type Auditor interface {
	Audit(ev AuditEvent)
}

// AuditFunc adapts a function to Auditor.
type AuditFunc func(ev AuditEvent)

func (f AuditFunc) Audit(ev AuditEvent) { f(ev) }
