// Package webhook ingests payment gateway notifications and retries the
// ones that could not be applied.
//
// Every delivery is persisted before it is processed. A delivery moves
// RECEIVED -> PROCESSING -> PROCESSED, or back to unprocessed with its retry
// count bumped when a handler fails. Once the count reaches the retry budget
// the event is dead-lettered: it stays unprocessed and the retry job no
// longer selects it.
package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"gorm.io/datatypes"
)

// EventType is a gateway notification kind.
type EventType string

const (
	PaymentCreated      EventType = "PAYMENT_CREATED"
	PaymentConfirmed    EventType = "PAYMENT_CONFIRMED"
	PaymentReceived     EventType = "PAYMENT_RECEIVED"
	PaymentOverdue      EventType = "PAYMENT_OVERDUE"
	PaymentRefunded     EventType = "PAYMENT_REFUNDED"
	PaymentDeleted      EventType = "PAYMENT_DELETED"
	SubscriptionCreated EventType = "SUBSCRIPTION_CREATED"
	SubscriptionUpdated EventType = "SUBSCRIPTION_UPDATED"
	SubscriptionDeleted EventType = "SUBSCRIPTION_DELETED"
)

// EventTypes lists every kind the processor handles.
var EventTypes = []EventType{
	PaymentCreated,
	PaymentConfirmed,
	PaymentReceived,
	PaymentOverdue,
	PaymentRefunded,
	PaymentDeleted,
	SubscriptionCreated,
	SubscriptionUpdated,
	SubscriptionDeleted,
}

// Known reports whether t is a handled kind.
func (t EventType) Known() bool {
	for _, k := range EventTypes {
		if k == t {
			return true
		}
	}
	return false
}

func (t EventType) isPayment() bool      { return strings.HasPrefix(string(t), "PAYMENT_") }
func (t EventType) isSubscription() bool { return strings.HasPrefix(string(t), "SUBSCRIPTION_") }

// Event is a persisted delivery.
type Event struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	GatewayEventID  *string        `json:"gateway_event_id,omitempty" gorm:"uniqueIndex;size:128"`
	Event           EventType      `json:"event" gorm:"size:64;index"`
	Payload         datatypes.JSON `json:"payload"`
	Processed       bool           `json:"processed" gorm:"index"`
	ProcessingError string         `json:"processing_error,omitempty"`
	RetryCount      int            `json:"retry_count"`
	LastAttemptAt   *time.Time     `json:"last_attempt_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"index"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

// TableName pins the table name.
func (Event) TableName() string {
	return "webhook_events"
}

// ─────────────────────────────────────────────
// Notification body
// ─────────────────────────────────────────────

// Notification is the JSON body the gateway posts.
type Notification struct {
	ID           string               `json:"id"`
	Event        EventType            `json:"event"`
	DateCreated  string               `json:"dateCreated"`
	Payment      *PaymentPayload      `json:"payment"`
	Subscription *SubscriptionPayload `json:"subscription"`
}

// PaymentPayload is the payment object of a PAYMENT_* notification.
type PaymentPayload struct {
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
}

// SubscriptionPayload is the subscription object of a SUBSCRIPTION_* notification.
type SubscriptionPayload struct {
	ID                string  `json:"id"`
	Customer          string  `json:"customer"`
	Value             float64 `json:"value"`
	Cycle             string  `json:"cycle"`
	NextDueDate       string  `json:"nextDueDate"`
	Status            string  `json:"status"`
	ExternalReference string  `json:"externalReference"`
	Deleted           bool    `json:"deleted"`
}

// ParseNotification decodes and validates a body. Payment kinds need the
// payment id and customer; subscription kinds need the subscription id and
// customer. Unknown kinds only need a name.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, apperr.Validation.New("malformed body: %v", err)
	}
	if n.Event == "" {
		return nil, apperr.Validation.New("event is required")
	}

	switch {
	case n.Event.isPayment():
		if n.Payment == nil || n.Payment.ID == "" || n.Payment.Customer == "" {
			return nil, apperr.Validation.New("%s: payment.id and payment.customer are required", n.Event)
		}
	case n.Event.isSubscription():
		if n.Subscription == nil || n.Subscription.ID == "" || n.Subscription.Customer == "" {
			return nil, apperr.Validation.New("%s: subscription.id and subscription.customer are required", n.Event)
		}
	}
	return &n, nil
}

// purchaseReference reads "credits:<amount>[:<validity days>]" from a
// credit purchase's external reference.
func purchaseReference(ref string) (credits int64, days int, ok bool) {
	parts := strings.Split(ref, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "credits" {
		return 0, 0, false
	}
	credits, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || credits <= 0 {
		return 0, 0, false
	}
	if len(parts) == 3 {
		days, err = strconv.Atoi(parts[2])
		if err != nil || days <= 0 {
			return 0, 0, false
		}
	}
	return credits, days, true
}
