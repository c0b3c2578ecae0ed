// Package ledger is the append-only log of credit mutations.
//
// Entries are inserted by the balance manager inside the same transaction as
// the account mutation they describe. The only in-place update ever made is
// the administrative recomputation of balance_after snapshots; kind and amount
// never change after insert.
package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// Kind is the direction of a ledger entry.
type Kind string

const (
	KindEarned   Kind = "EARNED"
	KindSpent    Kind = "SPENT"
	KindExpired  Kind = "EXPIRED"
	KindRefunded Kind = "REFUNDED"
)

// Sign is +1 for kinds that add credits and -1 for kinds that remove them.
func (k Kind) Sign() int64 {
	switch k {
	case KindEarned, KindRefunded:
		return 1
	default:
		return -1
	}
}

// Source is the business reason behind an entry.
type Source string

const (
	SourceSubscription    Source = "SUBSCRIPTION"
	SourcePurchase        Source = "PURCHASE"
	SourceBonus           Source = "BONUS"
	SourceGeneration      Source = "GENERATION"
	SourceTraining        Source = "TRAINING"
	SourceRefund          Source = "REFUND"
	SourceExpiration      Source = "EXPIRATION"
	SourceAdminAdjustment Source = "ADMIN_ADJUSTMENT"
)

// Metadata is the audit context stored with an entry. The named fields are
// the ones other code reads back; Extra stays schema-less.
type Metadata struct {
	Reason          string         `json:"reason,omitempty"`
	AdminID         string         `json:"admin_id,omitempty"`
	PackageID       uint           `json:"package_id,omitempty"`
	PaymentID       string         `json:"payment_id,omitempty"`
	Pool            string         `json:"pool,omitempty"`
	RequestedAmount int64          `json:"requested_amount,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Entry is an immutable ledger row.
type Entry struct {
	ID           uint                         `json:"id" gorm:"primaryKey"`
	UserID       string                       `json:"user_id" gorm:"index;not null"`
	Kind         Kind                         `json:"kind" gorm:"size:16;not null"`
	Source       Source                       `json:"source" gorm:"size:32;not null"`
	Amount       int64                        `json:"amount"` // magnitude, Kind carries the direction
	BalanceAfter int64                        `json:"balance_after"`
	ReferenceID  string                       `json:"reference_id,omitempty" gorm:"index"`
	Metadata     datatypes.JSONType[Metadata] `json:"metadata"`
	CreatedAt    time.Time                    `json:"created_at"`
}

// TableName pins the table name.
func (Entry) TableName() string {
	return "ledger_entries"
}

// Signed returns the amount with the direction applied.
func (e *Entry) Signed() int64 {
	return e.Kind.Sign() * e.Amount
}

// Meta returns the decoded metadata.
func (e *Entry) Meta() Metadata {
	return e.Metadata.Data()
}

// NewMetadata wraps m for storage.
func NewMetadata(m Metadata) datatypes.JSONType[Metadata] {
	return datatypes.NewJSONType(m)
}
