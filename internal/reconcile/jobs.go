// Package reconcile holds the periodic jobs that heal drift between the
// ledger, the payment records and the gateway.
//
// Every job works on a bounded batch and isolates failures per record: one
// bad row is logged and counted, the rest of the batch still runs. All
// mutations go through the balance manager or the billing updater, so the
// jobs are safe to run concurrently with webhook traffic and with each other.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	"github.com/taskmgr818/credit-ledger/internal/billing"
	"github.com/taskmgr818/credit-ledger/internal/gateway"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"gorm.io/gorm"
)

const (
	DefaultBatchSize = 50
	// DefaultDueOffset is used when neither the gateway nor the stored start
	// date yields a next due date.
	DefaultDueOffset = 30 * 24 * time.Hour
)

// Config holds job settings.
type Config struct {
	BatchSize int
}

// Deps are the collaborators of Jobs.
type Deps struct {
	DB      *gorm.DB
	Balance *balance.Manager
	Billing *billing.Updater
	Gateway gateway.Client
	Auditor model.Auditor
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// Jobs runs the reconciliation jobs.
type Jobs struct {
	db      *gorm.DB
	balance *balance.Manager
	billing *billing.Updater
	gateway gateway.Client
	auditor model.Auditor
	batch   int
	now     func() time.Time
	log     *logrus.Entry

	reviewMu    sync.Mutex
	reviewAfter string // last user id flagged by the previous review scan
}

// New creates Jobs.
func New(cfg Config, d Deps) *Jobs {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Auditor == nil {
		d.Auditor = model.AuditFunc(func(model.AuditEvent) {})
	}
	return &Jobs{
		db:      d.DB,
		balance: d.Balance,
		billing: d.Billing,
		gateway: d.Gateway,
		auditor: d.Auditor,
		batch:   cfg.BatchSize,
		now:     d.Now,
		log:     logging.Component(d.Logger, "reconcile"),
	}
}

// ─────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────

// Result is implemented by every job result so the runner can export the
// per-category counts.
type Result interface {
	Counts() map[string]int
}

// ExpirePurchasedResult summarises ExpirePurchasedCredits.
type ExpirePurchasedResult struct {
	Found          int   `json:"found"`
	Expired        int   `json:"expired"`
	CreditsExpired int64 `json:"creditsExpired"`
	Failed         int   `json:"failed"`
}

func (r *ExpirePurchasedResult) Counts() map[string]int {
	return map[string]int{"found": r.Found, "expired": r.Expired, "failed": r.Failed}
}

// ExpireYearlyResult summarises ExpireYearlyCredits.
type ExpireYearlyResult struct {
	Found   int `json:"found"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

func (r *ExpireYearlyResult) Counts() map[string]int {
	return map[string]int{"found": r.Found, "expired": r.Expired, "failed": r.Failed}
}

// InconsistencyResult summarises DetectPaymentInconsistencies.
type InconsistencyResult struct {
	ActiveWithOverdue     int `json:"activeWithOverdue"`
	PendingPastDue        int `json:"pendingPastDue"`
	ActiveWithoutPayments int `json:"activeWithoutPayments"`
	Fixed                 int `json:"fixed"`
	Failed                int `json:"failed"`
}

func (r *InconsistencyResult) Counts() map[string]int {
	return map[string]int{
		"active_with_overdue":     r.ActiveWithOverdue,
		"pending_past_due":        r.PendingPastDue,
		"active_without_payments": r.ActiveWithoutPayments,
		"fixed":                   r.Fixed,
		"failed":                  r.Failed,
	}
}

// SyncDueDatesResult summarises SyncDueDates.
type SyncDueDatesResult struct {
	Found       int `json:"found"`
	Synced      int `json:"synced"`
	FromGateway int `json:"fromGateway"`
	FromStart   int `json:"fromStart"`
	FromDefault int `json:"fromDefault"`
	Failed      int `json:"failed"`
}

func (r *SyncDueDatesResult) Counts() map[string]int {
	return map[string]int{
		"found":        r.Found,
		"synced":       r.Synced,
		"from_gateway": r.FromGateway,
		"from_start":   r.FromStart,
		"from_default": r.FromDefault,
		"failed":       r.Failed,
	}
}

// ─────────────────────────────────────────────
// Expiration
// ─────────────────────────────────────────────

// ExpirePurchasedCredits closes confirmed credit packages whose validity has
// passed and removes their unused credits from the purchased pool.
func (j *Jobs) ExpirePurchasedCredits(ctx context.Context) (*ExpirePurchasedResult, error) {
	var pkgs []balance.Package
	err := j.db.WithContext(ctx).
		Where("valid_until < ? AND is_expired = ? AND status = ?", j.now(), false, balance.PackageConfirmed).
		Order("valid_until ASC, id ASC").
		Limit(j.batch).
		Find(&pkgs).Error
	if err != nil {
		return nil, err
	}

	res := &ExpirePurchasedResult{Found: len(pkgs)}
	for _, p := range pkgs {
		out, err := j.balance.ExpirePurchasePackage(ctx, p.ID)
		if err != nil {
			j.log.WithError(err).WithFields(logrus.Fields{"package_id": p.ID, "user_id": p.UserID}).
				Error("expire credit package")
			res.Failed++
			continue
		}
		if out.Applied {
			res.Expired++
			res.CreditsExpired += out.Removed
		}
	}

	j.log.WithFields(logrus.Fields{
		"found":           res.Found,
		"expired":         res.Expired,
		"credits_expired": res.CreditsExpired,
		"failed":          res.Failed,
	}).Info("purchased credit expiration finished")
	return res, nil
}

// ExpireYearlyCredits zeroes the subscription pool of yearly subscribers
// whose grant ran out more than one grace window ago without a renewal.
func (j *Jobs) ExpireYearlyCredits(ctx context.Context) (*ExpireYearlyResult, error) {
	cutoff := j.now().Add(-j.balance.GraceWindow())

	var users []model.User
	err := j.db.WithContext(ctx).
		Select("id").
		Where("billing_cycle = ? AND subscription_expires_at IS NOT NULL AND subscription_expires_at < ?",
			model.CycleYearly, cutoff).
		Where("last_renewal_at IS NULL OR last_renewal_at < subscription_expires_at").
		Order("subscription_expires_at ASC").
		Limit(j.batch).
		Find(&users).Error
	if err != nil {
		return nil, err
	}

	res := &ExpireYearlyResult{Found: len(users)}
	for _, u := range users {
		out, err := j.balance.ExpireSubscriptionCredits(ctx, u.ID)
		if err != nil {
			j.log.WithError(err).WithField("user_id", u.ID).Error("expire yearly credits")
			res.Failed++
			continue
		}
		if out.Applied {
			res.Expired++
		}
	}

	j.log.WithFields(logrus.Fields{
		"found":   res.Found,
		"expired": res.Expired,
		"failed":  res.Failed,
	}).Info("yearly credit expiration finished")
	return res, nil
}

// ─────────────────────────────────────────────
// Payment inconsistencies
// ─────────────────────────────────────────────

// DetectPaymentInconsistencies looks for three kinds of drift:
//
//   - ACTIVE users whose latest subscription payment is OVERDUE are moved to
//     OVERDUE.
//   - PENDING payments whose due date has passed are marked OVERDUE, and an
//     ACTIVE owner of such a subscription payment follows.
//   - ACTIVE users with a gateway subscription but no payment at all are
//     flagged for review and left untouched.
func (j *Jobs) DetectPaymentInconsistencies(ctx context.Context) (*InconsistencyResult, error) {
	res := &InconsistencyResult{}
	if err := j.activeWithOverdue(ctx, res); err != nil {
		return nil, err
	}
	if err := j.pendingPastDue(ctx, res); err != nil {
		return nil, err
	}
	if err := j.activeWithoutPayments(ctx, res); err != nil {
		return nil, err
	}

	j.log.WithFields(logrus.Fields{
		"active_with_overdue":     res.ActiveWithOverdue,
		"pending_past_due":        res.PendingPastDue,
		"active_without_payments": res.ActiveWithoutPayments,
		"fixed":                   res.Fixed,
		"failed":                  res.Failed,
	}).Info("payment inconsistency check finished")
	return res, nil
}

// latestOverdue matches users whose most recent subscription payment, by
// due date then creation time, is OVERDUE. The condition lives in SQL so
// users that recovered never take up room in the batch.
const latestOverdue = `EXISTS (
	SELECT 1 FROM payments p
	WHERE p.user_id = users.id AND p.type = @sub AND p.status = @overdue
	AND NOT EXISTS (
		SELECT 1 FROM payments q
		WHERE q.user_id = p.user_id AND q.type = @sub AND q.id <> p.id
		AND (COALESCE(q.due_date, q.created_at) > COALESCE(p.due_date, p.created_at)
			OR (COALESCE(q.due_date, q.created_at) = COALESCE(p.due_date, p.created_at)
				AND q.created_at > p.created_at))
	)
)`

func (j *Jobs) activeWithOverdue(ctx context.Context, res *InconsistencyResult) error {
	var users []model.User
	err := j.db.WithContext(ctx).
		Select("id").
		Where("subscription_status = ?", model.SubscriptionActive).
		Where(latestOverdue, map[string]any{
			"sub":     billing.PaymentSubscription,
			"overdue": billing.PaymentOverdue,
		}).
		Order("id").
		Limit(j.batch).
		Find(&users).Error
	if err != nil {
		return err
	}

	for _, u := range users {
		res.ActiveWithOverdue++
		changed, err := j.billing.SetUserStatus(ctx, u.ID, model.SubscriptionOverdue, "latest payment overdue")
		if err != nil {
			j.log.WithError(err).WithField("user_id", u.ID).Error("mark user overdue")
			res.Failed++
			continue
		}
		if changed {
			res.Fixed++
		}
	}
	return nil
}

func (j *Jobs) pendingPastDue(ctx context.Context, res *InconsistencyResult) error {
	// A payment is past due once its whole due day has gone by.
	today := j.now().UTC().Truncate(24 * time.Hour)

	var payments []billing.Payment
	err := j.db.WithContext(ctx).
		Where("status = ? AND due_date IS NOT NULL AND due_date < ?", billing.PaymentPending, today).
		Order("due_date ASC, id ASC").
		Limit(j.batch).
		Find(&payments).Error
	if err != nil {
		return err
	}

	for _, p := range payments {
		res.PendingPastDue++
		changed, err := j.billing.SetPaymentStatus(ctx, p.ID, billing.PaymentOverdue)
		if err != nil {
			j.log.WithError(err).WithField("payment_id", p.ID).Error("mark payment overdue")
			res.Failed++
			continue
		}
		if changed {
			res.Fixed++
		}
		if p.Type != billing.PaymentSubscription {
			continue
		}

		u, err := j.billing.User(ctx, p.UserID)
		if err != nil {
			j.log.WithError(err).WithField("user_id", p.UserID).Error("load payment owner")
			res.Failed++
			continue
		}
		if u.SubscriptionStatus != model.SubscriptionActive {
			continue
		}
		changed, err = j.billing.SetUserStatus(ctx, u.ID, model.SubscriptionOverdue, "pending payment past due")
		if err != nil {
			j.log.WithError(err).WithField("user_id", u.ID).Error("mark user overdue")
			res.Failed++
			continue
		}
		if changed {
			res.Fixed++
		}
	}
	return nil
}

// activeWithoutPayments flags users for review. Flagged users keep their
// state, so the scan resumes after the last user seen and wraps around once
// it reaches the end.
func (j *Jobs) activeWithoutPayments(ctx context.Context, res *InconsistencyResult) error {
	paid := j.db.Model(&billing.Payment{}).Select("user_id")

	j.reviewMu.Lock()
	defer j.reviewMu.Unlock()

	var users []model.User
	err := j.db.WithContext(ctx).
		Select("id", "gateway_subscription_id").
		Where("subscription_status = ? AND gateway_subscription_id <> ''", model.SubscriptionActive).
		Where("id NOT IN (?)", paid).
		Where("id > ?", j.reviewAfter).
		Order("id").
		Limit(j.batch).
		Find(&users).Error
	if err != nil {
		return err
	}

	j.reviewAfter = ""
	if len(users) == j.batch {
		j.reviewAfter = users[len(users)-1].ID
	}

	for _, u := range users {
		res.ActiveWithoutPayments++
		j.log.WithFields(logrus.Fields{
			"user_id":         u.ID,
			"subscription_id": u.GatewaySubscriptionID,
		}).Warn("REVIEW_REQUIRED: active subscription without payments")
		j.auditor.Audit(model.AuditEvent{
			Type:      model.AuditReviewRequired,
			UserID:    u.ID,
			Subject:   u.GatewaySubscriptionID,
			Message:   "active subscription without any recorded payment",
			CreatedAt: j.now(),
		})
	}
	return nil
}

// ─────────────────────────────────────────────
// Due dates
// ─────────────────────────────────────────────

// SyncDueDates fills in missing next due dates of active subscriptions. The
// gateway is asked first. Without an answer the date is derived from the
// subscription start, and as a last resort set a fixed offset from now.
func (j *Jobs) SyncDueDates(ctx context.Context) (*SyncDueDatesResult, error) {
	var users []model.User
	err := j.db.WithContext(ctx).
		Where("subscription_status = ? AND gateway_subscription_id <> ''", model.SubscriptionActive).
		Where("next_due_date IS NULL OR subscription_ends_at IS NULL").
		Order("id").
		Limit(j.batch).
		Find(&users).Error
	if err != nil {
		return nil, err
	}

	res := &SyncDueDatesResult{Found: len(users)}
	for i := range users {
		u := &users[i]
		due, from := j.resolveDueDate(ctx, u)

		if err := j.billing.SetDueDates(ctx, u.ID, due, due); err != nil {
			j.log.WithError(err).WithField("user_id", u.ID).Error("store due dates")
			res.Failed++
			continue
		}

		res.Synced++
		switch from {
		case dueFromGateway:
			res.FromGateway++
		case dueFromStart:
			res.FromStart++
		default:
			res.FromDefault++
		}
	}

	j.log.WithFields(logrus.Fields{
		"found":        res.Found,
		"synced":       res.Synced,
		"from_gateway": res.FromGateway,
		"from_start":   res.FromStart,
		"from_default": res.FromDefault,
		"failed":       res.Failed,
	}).Info("due date sync finished")
	return res, nil
}

type dueSource int

const (
	dueFromGateway dueSource = iota
	dueFromStart
	dueFromDefault
)

func (j *Jobs) resolveDueDate(ctx context.Context, u *model.User) (time.Time, dueSource) {
	now := j.now()

	if j.gateway != nil {
		sub, err := j.gateway.GetSubscription(ctx, u.GatewaySubscriptionID)
		if err != nil {
			j.log.WithError(err).WithFields(logrus.Fields{
				"user_id":         u.ID,
				"subscription_id": u.GatewaySubscriptionID,
			}).Warn("gateway subscription lookup failed, falling back")
		} else if due, ok := sub.NextDue(); ok {
			return due, dueFromGateway
		}
	}

	if u.SubscriptionStartedAt != nil {
		cycle := u.BillingCycle
		if !cycle.Valid() {
			cycle = model.CycleMonthly
		}
		due := cycle.Advance(*u.SubscriptionStartedAt)
		// Roll a stale start forward to the first due date still ahead.
		for !due.After(now) {
			due = cycle.Advance(due)
		}
		return due, dueFromStart
	}

	return now.Add(DefaultDueOffset), dueFromDefault
}
