// Package notify publishes credit changes to realtime observers.
//
// Notifications are best effort. They are sent after the originating
// transaction commits and a failure never reaches the caller.
package notify

import (
	"context"
	"time"

	"github.com/taskmgr818/credit-ledger/internal/model"
)

// Channel is the Redis Pub/Sub channel events are published on.
const Channel = "credits:events"

// Event is the payload delivered to observers.
type Event struct {
	ID                 string                   `json:"id"`
	Type               model.MsgType            `json:"type"`
	UserID             string                   `json:"user_id"`
	CreditsUsed        int64                    `json:"credits_used"`
	CreditsLimit       int64                    `json:"credits_limit"`
	PurchasedBalance   int64                    `json:"purchased_balance"`
	Reason             string                   `json:"reason,omitempty"`
	SubscriptionStatus model.SubscriptionStatus `json:"subscription_status,omitempty"`
	At                 time.Time                `json:"at"`
}

// Notifier delivers events to observers.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// BalanceEvent builds a BALANCE_CHANGED event from the user's credit state.
func BalanceEvent(u *model.User, reason string, at time.Time) Event {
	return Event{
		Type:               model.MsgTypeBalanceChanged,
		UserID:             u.ID,
		CreditsUsed:        u.SubscriptionUsed,
		CreditsLimit:       u.SubscriptionLimit,
		PurchasedBalance:   u.PurchasedBalance,
		Reason:             reason,
		SubscriptionStatus: u.SubscriptionStatus,
		At:                 at,
	}
}

// StatusEvent builds a SUBSCRIPTION_STATUS_CHANGED event.
func StatusEvent(u *model.User, reason string, at time.Time) Event {
	ev := BalanceEvent(u, reason, at)
	ev.Type = model.MsgTypeStatusChanged
	return ev
}
