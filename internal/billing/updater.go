package billing

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/notify"
	"gorm.io/gorm"
)

const (
	customerCacheSize = 4096
	customerCacheTTL  = 10 * time.Minute
)

// Updater is the only writer of subscription columns and payment rows.
type Updater struct {
	db        *gorm.DB
	customers *lru.LRU[string, string] // gateway customer id -> user id
	notifier  notify.Notifier
	now       func() time.Time
	log       *logrus.Entry
}

// Option configures an Updater.
type Option func(*Updater)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// NewUpdater creates an Updater. A nil notifier drops events.
func NewUpdater(db *gorm.DB, n notify.Notifier, logger logrus.FieldLogger, opts ...Option) *Updater {
	if n == nil {
		n = notify.Nop{}
	}
	u := &Updater{
		db:        db,
		customers: lru.NewLRU[string, string](customerCacheSize, nil, customerCacheTTL),
		notifier:  n,
		now:       time.Now,
		log:       logging.Component(logger, "billing"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ─────────────────────────────────────────────
// Users
// ─────────────────────────────────────────────

// User loads a user by id.
func (u *Updater) User(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := u.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound.New("user %q", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ResolveCustomer finds the user linked to a gateway customer id.
func (u *Updater) ResolveCustomer(ctx context.Context, customerID string) (*model.User, error) {
	if customerID == "" {
		return nil, apperr.Validation.New("customer id is required")
	}

	if userID, ok := u.customers.Get(customerID); ok {
		user, err := u.User(ctx, userID)
		if err == nil && user.GatewayCustomerID == customerID {
			return user, nil
		}
		u.customers.Remove(customerID)
	}

	var user model.User
	err := u.db.WithContext(ctx).Where("gateway_customer_id = ?", customerID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound.New("no user for customer %q", customerID)
	}
	if err != nil {
		return nil, err
	}
	u.customers.Add(customerID, user.ID)
	return &user, nil
}

// SetUserStatus moves the user's subscription status. It reports whether
// anything changed.
func (u *Updater) SetUserStatus(ctx context.Context, userID string, status model.SubscriptionStatus, reason string) (bool, error) {
	if !status.Valid() {
		return false, apperr.Validation.New("unknown subscription status %q", status)
	}
	res := u.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND subscription_status <> ?", userID, status).
		Updates(map[string]any{"subscription_status": status, "updated_at": u.now()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	u.statusChanged(ctx, userID, status, reason)
	return true, nil
}

// SubscriptionLink carries what the gateway says about a subscription.
// Empty fields leave the stored value untouched.
type SubscriptionLink struct {
	SubscriptionID string
	CustomerID     string
	PlanID         string
	Cycle          model.BillingCycle
	NextDueDate    *time.Time
	EndsAt         *time.Time
}

func (l SubscriptionLink) columns() map[string]any {
	cols := map[string]any{}
	if l.SubscriptionID != "" {
		cols["gateway_subscription_id"] = l.SubscriptionID
	}
	if l.CustomerID != "" {
		cols["gateway_customer_id"] = l.CustomerID
	}
	if l.PlanID != "" {
		cols["plan_id"] = l.PlanID
	}
	if l.Cycle.Valid() {
		cols["billing_cycle"] = l.Cycle
	}
	if l.NextDueDate != nil {
		cols["next_due_date"] = *l.NextDueDate
	}
	if l.EndsAt != nil {
		cols["subscription_ends_at"] = *l.EndsAt
	}
	return cols
}

// LinkSubscription records subscription details without touching status.
func (u *Updater) LinkSubscription(ctx context.Context, userID string, link SubscriptionLink) error {
	cols := link.columns()
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = u.now()
	return u.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(cols).Error
}

// Activate links the subscription and marks the user ACTIVE. The start date
// is set on first activation only.
func (u *Updater) Activate(ctx context.Context, userID string, link SubscriptionLink) (bool, error) {
	var changed bool
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.User
		if err := tx.Select("id", "subscription_status", "subscription_started_at").
			Where("id = ?", userID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound.New("user %q", userID)
			}
			return err
		}

		now := u.now()
		cols := link.columns()
		cols["subscription_status"] = model.SubscriptionActive
		cols["updated_at"] = now
		if user.SubscriptionStartedAt == nil {
			cols["subscription_started_at"] = now
		}
		changed = user.SubscriptionStatus != model.SubscriptionActive
		return tx.Model(&model.User{}).Where("id = ?", userID).Updates(cols).Error
	})
	if err != nil {
		return false, err
	}
	if changed {
		u.statusChanged(ctx, userID, model.SubscriptionActive, "subscription payment confirmed")
	}
	return changed, nil
}

// CancelSubscription marks the user CANCELLED and clears the next due date.
func (u *Updater) CancelSubscription(ctx context.Context, userID, reason string) (bool, error) {
	var changed bool
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.User
		if err := tx.Select("id", "subscription_status", "subscription_ends_at").
			Where("id = ?", userID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound.New("user %q", userID)
			}
			return err
		}

		now := u.now()
		cols := map[string]any{
			"subscription_status": model.SubscriptionCancelled,
			"next_due_date":       nil,
			"updated_at":          now,
		}
		if user.SubscriptionEndsAt == nil {
			cols["subscription_ends_at"] = now
		}
		changed = user.SubscriptionStatus != model.SubscriptionCancelled
		return tx.Model(&model.User{}).Where("id = ?", userID).Updates(cols).Error
	})
	if err != nil {
		return false, err
	}
	if changed {
		u.statusChanged(ctx, userID, model.SubscriptionCancelled, reason)
	}
	return changed, nil
}

// SetDueDates fills the next due date and the end of the current period.
func (u *Updater) SetDueDates(ctx context.Context, userID string, nextDue, endsAt time.Time) error {
	return u.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).
		Updates(map[string]any{
			"next_due_date":        nextDue,
			"subscription_ends_at": endsAt,
			"updated_at":           u.now(),
		}).Error
}

func (u *Updater) statusChanged(ctx context.Context, userID string, status model.SubscriptionStatus, reason string) {
	u.log.WithFields(logrus.Fields{"user_id": userID, "status": status, "reason": reason}).
		Info("subscription status changed")

	user, err := u.User(ctx, userID)
	if err != nil {
		u.log.WithError(err).WithField("user_id", userID).Warn("reload user for notification")
		return
	}
	u.notifier.Notify(ctx, notify.StatusEvent(user, reason, u.now()))
}

// ─────────────────────────────────────────────
// Payments
// ─────────────────────────────────────────────

// Payment loads a payment by gateway id.
func (u *Updater) Payment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	err := u.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound.New("payment %q", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPayment inserts p or refreshes the descriptive fields of the stored
// row. The stored status is kept unless p's status is a legal transition
// from it, so a late PAYMENT_CREATED never undoes a confirmation.
func (u *Updater) UpsertPayment(ctx context.Context, p *Payment) (*Payment, error) {
	if p.ID == "" || p.UserID == "" {
		return nil, apperr.Validation.New("payment id and user id are required")
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if !p.Status.Valid() {
		return nil, apperr.Validation.New("unknown payment status %q", p.Status)
	}

	var out Payment
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", p.ID).First(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = *p
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}

		cols := map[string]any{"updated_at": u.now()}
		if p.Type != "" {
			cols["type"] = p.Type
		}
		if p.Value != 0 {
			cols["value"] = p.Value
		}
		if p.DueDate != nil {
			cols["due_date"] = *p.DueDate
		}
		if p.SubscriptionID != "" {
			cols["subscription_id"] = p.SubscriptionID
		}
		if p.CreditAmount != 0 {
			cols["credit_amount"] = p.CreditAmount
		}
		if p.CreditValidityDays != 0 {
			cols["credit_validity_days"] = p.CreditValidityDays
		}
		if out.Status.CanTransition(p.Status) {
			cols["status"] = p.Status
		}
		if err := tx.Model(&out).Updates(cols).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", p.ID).First(&out).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return u.Payment(ctx, p.ID)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPaymentStatus moves a payment to status when the transition is legal
// and reports whether it did. Confirmations stamp the confirmed date.
func (u *Updater) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus) (bool, error) {
	if !status.Valid() {
		return false, apperr.Validation.New("unknown payment status %q", status)
	}

	var changed bool
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Payment
		if err := tx.Where("id = ?", id).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound.New("payment %q", id)
			}
			return err
		}
		if !p.Status.CanTransition(status) {
			if p.Status != status {
				u.log.WithFields(logrus.Fields{"payment_id": id, "from": p.Status, "to": status}).
					Debug("payment transition ignored")
			}
			return nil
		}

		now := u.now()
		cols := map[string]any{"status": status, "updated_at": now}
		if status == PaymentConfirmed && p.ConfirmedDate == nil {
			cols["confirmed_date"] = now
		}
		changed = true
		return tx.Model(&p).Updates(cols).Error
	})
	return changed, err
}
