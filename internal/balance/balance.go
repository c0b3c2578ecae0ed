// Package balance owns the two-pool credit balance of every user.
//
// A user's credits live in two pools. The subscription pool is reset on each
// renewal and read as max(0, limit-used). The purchased pool is the cached
// sum of purchased and bonus packages, each with its own expiration. The
// Manager is the only writer of these columns and of ledger entries.
package balance

import (
	"time"

	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/plan"
)

// MinReasonLength is the shortest reason accepted for an admin adjustment.
const MinReasonLength = 10

// DefaultGraceWindow is how long expired subscription credits stay usable.
const DefaultGraceWindow = 24 * time.Hour

// ─────────────────────────────────────────────
// Purchased credit package
// ─────────────────────────────────────────────

// PackageStatus is the lifecycle state of a purchased package.
type PackageStatus string

const (
	PackagePending   PackageStatus = "PENDING"
	PackageConfirmed PackageStatus = "CONFIRMED"
	PackageRefunded  PackageStatus = "REFUNDED"
)

// Package is a block of purchased or bonus credits with its own expiry.
type Package struct {
	ID           uint          `json:"id" gorm:"primaryKey"`
	UserID       string        `json:"user_id" gorm:"index;not null"`
	PaymentID    string        `json:"payment_id" gorm:"uniqueIndex;size:64;not null"`
	Source       ledger.Source `json:"source" gorm:"size:32"`
	CreditAmount int64         `json:"credit_amount"`
	UsedCredits  int64         `json:"used_credits"`
	ValidUntil   time.Time     `json:"valid_until" gorm:"index"`
	IsExpired    bool          `json:"is_expired" gorm:"index"`
	Status       PackageStatus `json:"status" gorm:"size:16;index"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// TableName pins the table name.
func (Package) TableName() string {
	return "credit_packages"
}

// Remaining is the unused part of the package.
func (p *Package) Remaining() int64 {
	if r := p.CreditAmount - p.UsedCredits; r > 0 {
		return r
	}
	return 0
}

// ─────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────

// Credits is a snapshot of a user's available credits.
type Credits struct {
	Subscription      int64      `json:"subscription"`
	Purchased         int64      `json:"purchased"`
	Total             int64      `json:"total"`
	SubscriptionLimit int64      `json:"subscription_limit"`
	SubscriptionUsed  int64      `json:"subscription_used"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	InGrace           bool       `json:"in_grace"`
}

// creditsOf computes the available credits of u at now.
func creditsOf(u *model.User, now time.Time, grace time.Duration) Credits {
	c := Credits{
		SubscriptionLimit: u.SubscriptionLimit,
		SubscriptionUsed:  u.SubscriptionUsed,
		ExpiresAt:         u.SubscriptionExpiresAt,
		Purchased:         max(0, u.PurchasedBalance),
	}

	remaining := max(0, u.SubscriptionLimit-u.SubscriptionUsed)
	exp := u.SubscriptionExpiresAt
	switch {
	case exp == nil || now.Before(*exp):
		c.Subscription = remaining
	case u.LastRenewalAt != nil && !u.LastRenewalAt.Before(*exp):
		c.Subscription = remaining
	case !now.After(exp.Add(grace)):
		c.Subscription = remaining
		c.InGrace = true
	}

	c.Total = c.Subscription + c.Purchased
	return c
}

// ─────────────────────────────────────────────
// Requests and results
// ─────────────────────────────────────────────

// Pool selects which pool an admin adjustment targets.
type Pool string

const (
	PoolPlan      Pool = "PLAN"
	PoolPurchased Pool = "PURCHASED"
)

// Op is the direction of an admin adjustment.
type Op string

const (
	OpAdd    Op = "ADD"
	OpRemove Op = "REMOVE"
)

// AdjustRequest is an administrative balance correction.
type AdjustRequest struct {
	UserID  string
	Pool    Pool
	Op      Op
	Amount  int64
	Reason  string
	AdminID string
}

// AdjustResult carries the snapshots around an adjustment.
type AdjustResult struct {
	Before Credits       `json:"before"`
	After  Credits       `json:"after"`
	Entry  *ledger.Entry `json:"entry"`
}

// SpendRequest consumes credits for a unit of work.
type SpendRequest struct {
	UserID      string
	Amount      int64
	Source      ledger.Source // GENERATION or TRAINING
	ReferenceID string
	Reason      string
}

// RefundRequest returns credits for work that failed.
type RefundRequest struct {
	UserID      string
	Amount      int64
	Source      ledger.Source
	ReferenceID string
	Reason      string
}

// RenewRequest starts a new subscription cycle.
type RenewRequest struct {
	UserID     string
	Plan       *plan.Plan
	Cycle      model.BillingCycle
	CycleStart time.Time // lower bound of the cycle being paid for
	PaymentID  string
}

// GrantRequest credits a purchased or bonus package.
type GrantRequest struct {
	UserID     string
	PaymentID  string
	Credits    int64
	ValidUntil time.Time
	Source     ledger.Source // PURCHASE or BONUS
}

// MutationResult is returned by writes that may turn out to be no-ops.
type MutationResult struct {
	Applied bool           `json:"applied"`
	Credits Credits        `json:"credits"`
	Entries []ledger.Entry `json:"entries,omitempty"`
}

// PackageResult is returned by package expiration and revocation.
type PackageResult struct {
	Applied bool     `json:"applied"`
	Package *Package `json:"package,omitempty"`
	Removed int64    `json:"removed"` // credits taken off the purchased pool
}
