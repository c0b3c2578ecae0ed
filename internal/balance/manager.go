package balance

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/notify"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// creditColumns are the user columns owned by the Manager.
var creditColumns = []string{
	"subscription_limit",
	"subscription_used",
	"purchased_balance",
	"subscription_expires_at",
	"last_renewal_at",
	"updated_at",
}

// Manager applies every credit mutation. Each write runs in one transaction
// that locks the user row first and any package rows after it.
type Manager struct {
	db       *gorm.DB
	ledger   *ledger.Store
	grace    time.Duration
	now      func() time.Time
	notifier notify.Notifier
	auditor  model.Auditor
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithGraceWindow sets how long expired subscription credits stay usable.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithAuditor(a model.Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = logging.Component(l, "balance") }
}

// NewManager creates a Manager backed by db.
func NewManager(db *gorm.DB, led *ledger.Store, opts ...Option) *Manager {
	m := &Manager{
		db:       db,
		ledger:   led,
		grace:    DefaultGraceWindow,
		now:      time.Now,
		notifier: notify.Nop{},
		auditor:  model.AuditFunc(func(model.AuditEvent) {}),
		log:      logging.Component(nil, "balance"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GraceWindow returns the configured grace window.
func (m *Manager) GraceWindow() time.Duration {
	return m.grace
}

// ─────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────

// Available returns the user's current credits.
func (m *Manager) Available(ctx context.Context, userID string) (Credits, error) {
	u, err := m.loadUser(m.db.WithContext(ctx), userID, false)
	if err != nil {
		return Credits{}, err
	}
	return creditsOf(u, m.now(), m.grace), nil
}

// PackageBalance sums the unused credits of live confirmed packages. It
// should match the cached purchased balance; a difference is drift that
// admin adjustments or clamps introduced.
func (m *Manager) PackageBalance(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := m.db.WithContext(ctx).Model(&Package{}).
		Select("COALESCE(SUM(credit_amount - used_credits), 0)").
		Where("user_id = ? AND is_expired = ? AND status = ?", userID, false, PackageConfirmed).
		Scan(&sum).Error
	return sum, err
}

// Packages lists the user's packages, soonest expiry first.
func (m *Manager) Packages(ctx context.Context, userID string) ([]Package, error) {
	var pkgs []Package
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("valid_until ASC, id ASC").
		Find(&pkgs).Error
	return pkgs, err
}

// ─────────────────────────────────────────────
// Writes
// ─────────────────────────────────────────────

// Adjust applies an administrative correction and records exactly one
// ledger entry. The entry amount is the effective change of the total; the
// requested amount is kept in the metadata.
func (m *Manager) Adjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	switch {
	case req.UserID == "":
		return nil, apperr.Validation.New("user id is required")
	case req.Amount <= 0:
		return nil, apperr.Validation.New("amount must be positive")
	case len(strings.TrimSpace(req.Reason)) < MinReasonLength:
		return nil, apperr.Validation.New("reason must be at least %d characters", MinReasonLength)
	case req.Pool != PoolPlan && req.Pool != PoolPurchased:
		return nil, apperr.Validation.New("unknown pool %q", req.Pool)
	case req.Op != OpAdd && req.Op != OpRemove:
		return nil, apperr.Validation.New("unknown operation %q", req.Op)
	}

	res := &AdjustResult{}
	_, err := m.mutate(ctx, req.UserID, req.Reason, func(tx *gorm.DB, mu *mutation) error {
		u := mu.user
		res.Before = mu.credits()

		switch {
		case req.Pool == PoolPlan && req.Op == OpAdd:
			dec := min(req.Amount, max(0, u.SubscriptionUsed))
			if dec < req.Amount {
				mu.clamp(PoolPlan, req.Amount, dec, "admin adjustment")
			}
			u.SubscriptionUsed -= dec
		case req.Pool == PoolPlan && req.Op == OpRemove:
			u.SubscriptionUsed += req.Amount
		case req.Pool == PoolPurchased && req.Op == OpAdd:
			u.PurchasedBalance += req.Amount
		default:
			mu.removePurchased(req.Amount, "admin adjustment")
		}
		mu.dirty = true

		res.After = mu.credits()
		kind := ledger.KindEarned
		if req.Op == OpRemove {
			kind = ledger.KindSpent
		}
		delta := res.After.Total - res.Before.Total
		if delta < 0 {
			delta = -delta
		}

		e, err := m.appendEntry(tx, mu, kind, ledger.SourceAdminAdjustment, delta, "", ledger.Metadata{
			Reason:          req.Reason,
			AdminID:         req.AdminID,
			Pool:            string(req.Pool),
			RequestedAmount: req.Amount,
		})
		res.Entry = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Spend consumes credits from the subscription pool first and the purchased
// pool after it, packages closest to expiry first. A second spend with the
// same reference is a no-op.
func (m *Manager) Spend(ctx context.Context, req SpendRequest) (*MutationResult, error) {
	switch {
	case req.UserID == "":
		return nil, apperr.Validation.New("user id is required")
	case req.Amount <= 0:
		return nil, apperr.Validation.New("amount must be positive")
	}
	if req.Source == "" {
		req.Source = ledger.SourceGeneration
	}

	mu, err := m.mutate(ctx, req.UserID, req.Reason, func(tx *gorm.DB, mu *mutation) error {
		if req.ReferenceID != "" {
			dup, err := m.ledger.HasReference(tx, req.UserID, ledger.KindSpent, req.Source, req.ReferenceID)
			if err != nil || dup {
				return err
			}
		}

		u := mu.user
		c := mu.credits()
		if c.Total < req.Amount {
			return apperr.Validation.New("insufficient credits: need %d, have %d", req.Amount, c.Total)
		}

		fromSub := min(req.Amount, c.Subscription)
		fromPurchased := req.Amount - fromSub
		u.SubscriptionUsed += fromSub
		if fromPurchased > 0 {
			u.PurchasedBalance -= fromPurchased
			if err := m.consumePackages(tx, u.ID, fromPurchased, mu.now); err != nil {
				return err
			}
		}
		mu.dirty = true

		_, err := m.appendEntry(tx, mu, ledger.KindSpent, req.Source, req.Amount, req.ReferenceID, ledger.Metadata{
			Reason: req.Reason,
			Extra: map[string]any{
				"from_subscription": fromSub,
				"from_purchased":    fromPurchased,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return mu.result(m.grace), nil
}

// Refund returns credits for failed work. The subscription pool is refilled
// first (used is floored at zero) and what is left goes back to the
// purchased pool. A second refund with the same reference is a no-op.
func (m *Manager) Refund(ctx context.Context, req RefundRequest) (*MutationResult, error) {
	switch {
	case req.UserID == "":
		return nil, apperr.Validation.New("user id is required")
	case req.Amount <= 0:
		return nil, apperr.Validation.New("amount must be positive")
	case req.ReferenceID == "":
		return nil, apperr.Validation.New("reference id is required")
	}
	if req.Source == "" {
		req.Source = ledger.SourceGeneration
	}

	mu, err := m.mutate(ctx, req.UserID, req.Reason, func(tx *gorm.DB, mu *mutation) error {
		dup, err := m.ledger.HasReference(tx, req.UserID, ledger.KindRefunded, req.Source, req.ReferenceID)
		if err != nil || dup {
			return err
		}

		u := mu.user
		toSub := min(req.Amount, max(0, u.SubscriptionUsed))
		u.SubscriptionUsed -= toSub
		u.PurchasedBalance += req.Amount - toSub
		mu.dirty = true

		_, err = m.appendEntry(tx, mu, ledger.KindRefunded, req.Source, req.Amount, req.ReferenceID, ledger.Metadata{
			Reason: req.Reason,
			Extra: map[string]any{
				"to_subscription": toSub,
				"to_purchased":    req.Amount - toSub,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return mu.result(m.grace), nil
}

// Renew starts a new subscription cycle: unused credits of the previous
// cycle expire and the plan grant replaces them. It is a no-op when the
// cycle was already renewed or the payment already granted credits.
func (m *Manager) Renew(ctx context.Context, req RenewRequest) (*MutationResult, error) {
	switch {
	case req.UserID == "":
		return nil, apperr.Validation.New("user id is required")
	case req.Plan == nil:
		return nil, apperr.Validation.New("plan is required")
	case !req.Cycle.Valid():
		return nil, apperr.Validation.New("unknown billing cycle %q", req.Cycle)
	}

	mu, err := m.mutate(ctx, req.UserID, "subscription renewal", func(tx *gorm.DB, mu *mutation) error {
		u := mu.user
		if req.PaymentID != "" {
			dup, err := m.ledger.HasReference(tx, u.ID, ledger.KindEarned, ledger.SourceSubscription, req.PaymentID)
			if err != nil || dup {
				return err
			}
		}
		if !req.CycleStart.IsZero() && u.LastRenewalAt != nil && !u.LastRenewalAt.Before(req.CycleStart) {
			return nil
		}

		if prev := max(0, u.SubscriptionLimit-u.SubscriptionUsed); prev > 0 {
			u.SubscriptionLimit, u.SubscriptionUsed = 0, 0
			if _, err := m.appendEntry(tx, mu, ledger.KindExpired, ledger.SourceExpiration, prev, req.PaymentID, ledger.Metadata{
				Reason:    "previous cycle credits expired on renewal",
				PaymentID: req.PaymentID,
			}); err != nil {
				return err
			}
		}

		grant := req.Plan.Credits(req.Cycle)
		now := mu.now
		expires := req.Cycle.Advance(now)
		u.SubscriptionLimit = grant
		u.SubscriptionUsed = 0
		u.LastRenewalAt = &now
		u.SubscriptionExpiresAt = &expires
		mu.dirty = true

		_, err := m.appendEntry(tx, mu, ledger.KindEarned, ledger.SourceSubscription, grant, req.PaymentID, ledger.Metadata{
			Reason:    "subscription renewal",
			PaymentID: req.PaymentID,
			Extra: map[string]any{
				"plan_id": req.Plan.ID,
				"cycle":   string(req.Cycle),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return mu.result(m.grace), nil
}

// GrantPurchase creates a confirmed package for a paid credit purchase and
// adds it to the purchased pool. Repeated calls for one payment are no-ops.
func (m *Manager) GrantPurchase(ctx context.Context, req GrantRequest) (*MutationResult, error) {
	switch {
	case req.UserID == "":
		return nil, apperr.Validation.New("user id is required")
	case req.PaymentID == "":
		return nil, apperr.Validation.New("payment id is required")
	case req.Credits <= 0:
		return nil, apperr.Validation.New("credits must be positive")
	case req.ValidUntil.IsZero():
		return nil, apperr.Validation.New("valid until is required")
	}
	switch req.Source {
	case "":
		req.Source = ledger.SourcePurchase
	case ledger.SourcePurchase, ledger.SourceBonus:
	default:
		return nil, apperr.Validation.New("source %q cannot grant a package", req.Source)
	}

	mu, err := m.mutate(ctx, req.UserID, "credit purchase", func(tx *gorm.DB, mu *mutation) error {
		var n int64
		if err := tx.Model(&Package{}).Where("payment_id = ?", req.PaymentID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		pkg := Package{
			UserID:       req.UserID,
			PaymentID:    req.PaymentID,
			Source:       req.Source,
			CreditAmount: req.Credits,
			ValidUntil:   req.ValidUntil,
			Status:       PackageConfirmed,
			CreatedAt:    mu.now,
			UpdatedAt:    mu.now,
		}
		if err := tx.Create(&pkg).Error; err != nil {
			return err
		}

		mu.user.PurchasedBalance += req.Credits
		mu.dirty = true

		_, err := m.appendEntry(tx, mu, ledger.KindEarned, req.Source, req.Credits, req.PaymentID, ledger.Metadata{
			Reason:    "credit package granted",
			PackageID: pkg.ID,
			PaymentID: req.PaymentID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return mu.result(m.grace), nil
}

// ExpirePurchasePackage removes the unused credits of a package and marks it
// expired. An already expired package is left alone.
func (m *Manager) ExpirePurchasePackage(ctx context.Context, packageID uint) (*PackageResult, error) {
	var pkg Package
	err := m.db.WithContext(ctx).Select("id", "user_id").First(&pkg, packageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound.New("package %d", packageID)
	}
	if err != nil {
		return nil, err
	}

	return m.closePackage(ctx, pkg.UserID, packageID, false)
}

// RevokePurchasePackage closes the package granted for a refunded payment.
// A payment that never granted a package yields an unapplied result.
func (m *Manager) RevokePurchasePackage(ctx context.Context, paymentID string) (*PackageResult, error) {
	var pkg Package
	err := m.db.WithContext(ctx).Select("id", "user_id").Where("payment_id = ?", paymentID).First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &PackageResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	return m.closePackage(ctx, pkg.UserID, pkg.ID, true)
}

func (m *Manager) closePackage(ctx context.Context, userID string, packageID uint, revoke bool) (*PackageResult, error) {
	res := &PackageResult{}
	_, err := m.mutate(ctx, userID, "package closed", func(tx *gorm.DB, mu *mutation) error {
		var pkg Package
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&pkg, packageID).Error; err != nil {
			return err
		}
		res.Package = &pkg

		// Expiration stops at an expired package; a refund still flips the
		// status of one, without removing credits a second time.
		if pkg.Status == PackageRefunded || (!revoke && pkg.IsExpired) {
			return nil
		}

		remaining := int64(0)
		if !pkg.IsExpired {
			remaining = pkg.Remaining()
		}
		subject := "package " + strconv.FormatUint(uint64(pkg.ID), 10)

		pkg.IsExpired = true
		if revoke {
			pkg.Status = PackageRefunded
		}
		pkg.UpdatedAt = mu.now
		if err := tx.Model(&pkg).Select("is_expired", "status", "updated_at").Updates(&pkg).Error; err != nil {
			return err
		}
		res.Applied = true

		if remaining == 0 {
			return nil
		}
		res.Removed = mu.removePurchased(remaining, subject)
		mu.dirty = true

		source, reason := ledger.SourceExpiration, "purchased credits expired"
		if revoke {
			source, reason = ledger.SourceRefund, "purchased credits revoked by refund"
		}
		_, err := m.appendEntry(tx, mu, ledger.KindExpired, source, res.Removed, pkg.PaymentID, ledger.Metadata{
			Reason:          reason,
			PackageID:       pkg.ID,
			PaymentID:       pkg.PaymentID,
			RequestedAmount: remaining,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExpireSubscriptionCredits zeroes the subscription pool of a user whose
// cycle ended more than the grace window ago without a renewal.
func (m *Manager) ExpireSubscriptionCredits(ctx context.Context, userID string) (*MutationResult, error) {
	mu, err := m.mutate(ctx, userID, "subscription credits expired", func(tx *gorm.DB, mu *mutation) error {
		u := mu.user
		exp := u.SubscriptionExpiresAt
		switch {
		case exp == nil:
			return nil
		case u.LastRenewalAt != nil && !u.LastRenewalAt.Before(*exp):
			return nil
		case !mu.now.After(exp.Add(m.grace)):
			return nil
		}

		remaining := max(0, u.SubscriptionLimit-u.SubscriptionUsed)
		u.SubscriptionLimit, u.SubscriptionUsed = 0, 0
		u.SubscriptionExpiresAt = nil
		mu.dirty = true

		if remaining == 0 {
			return nil
		}
		_, err := m.appendEntry(tx, mu, ledger.KindExpired, ledger.SourceExpiration, remaining, "", ledger.Metadata{
			Reason: "subscription credits expired",
			Extra:  map[string]any{"expired_at": exp.UTC().Format(time.RFC3339)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return mu.result(m.grace), nil
}

// Recompute rewrites the user's balance_after snapshots so the ledger ends
// at the current total.
func (m *Manager) Recompute(ctx context.Context, userID string) (*ledger.RecomputeResult, error) {
	var res *ledger.RecomputeResult
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := m.loadUser(tx, userID, true)
		if err != nil {
			return err
		}
		res, err = m.ledger.RecomputeTx(tx, userID, creditsOf(u, m.now(), m.grace).Total)
		return err
	})
	if err != nil {
		return nil, err
	}

	l := m.log.WithFields(logrus.Fields{
		"user_id": userID,
		"entries": res.Entries,
		"updated": res.Updated,
		"opening": res.Opening,
	})
	if res.Opening < 0 {
		l.Warn("ledger history does not reconcile with current total")
	} else {
		l.Info("ledger recomputed")
	}
	return res, nil
}

// ─────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────

type clampNote struct {
	pool      Pool
	requested int64
	applied   int64
	subject   string
}

// mutation is the state shared by one locked write.
type mutation struct {
	user    *model.User
	now     time.Time
	grace   time.Duration
	reason  string
	dirty   bool
	entries []ledger.Entry
	clamps  []clampNote
}

func (mu *mutation) credits() Credits {
	return creditsOf(mu.user, mu.now, mu.grace)
}

func (mu *mutation) clamp(pool Pool, requested, applied int64, subject string) {
	mu.clamps = append(mu.clamps, clampNote{pool: pool, requested: requested, applied: applied, subject: subject})
}

// removePurchased takes up to amount off the purchased pool, clamping at
// zero, and returns what was actually removed.
func (mu *mutation) removePurchased(amount int64, subject string) int64 {
	have := max(0, mu.user.PurchasedBalance)
	take := min(amount, have)
	if take < amount {
		mu.clamp(PoolPurchased, amount, take, subject)
	}
	mu.user.PurchasedBalance = have - take
	return take
}

func (mu *mutation) result(grace time.Duration) *MutationResult {
	return &MutationResult{
		Applied: mu.dirty,
		Credits: creditsOf(mu.user, mu.now, grace),
		Entries: mu.entries,
	}
}

// mutate locks the user, runs fn and persists the credit columns when fn
// marked them dirty. Side effects outside the database run after commit.
func (m *Manager) mutate(ctx context.Context, userID, reason string, fn func(tx *gorm.DB, mu *mutation) error) (*mutation, error) {
	mu := &mutation{now: m.now(), grace: m.grace, reason: reason}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := m.loadUser(tx, userID, true)
		if err != nil {
			return err
		}
		mu.user = u

		if err := fn(tx, mu); err != nil {
			return err
		}
		if !mu.dirty {
			return nil
		}
		u.UpdatedAt = mu.now
		return tx.Model(u).Select(creditColumns).Updates(u).Error
	})
	if err != nil {
		return nil, err
	}

	m.afterCommit(ctx, mu)
	return mu, nil
}

func (m *Manager) afterCommit(ctx context.Context, mu *mutation) {
	for _, e := range mu.entries {
		if m.metrics != nil {
			m.metrics.LedgerEntriesTotal.WithLabelValues(string(e.Kind), string(e.Source)).Inc()
		}
	}

	for _, c := range mu.clamps {
		m.log.WithFields(logrus.Fields{
			"user_id":   mu.user.ID,
			"pool":      c.pool,
			"requested": c.requested,
			"applied":   c.applied,
			"subject":   c.subject,
		}).Warn("BALANCE_CLAMPED")
		if m.metrics != nil {
			m.metrics.BalanceClampsTotal.WithLabelValues(string(c.pool)).Inc()
		}
		m.auditor.Audit(model.AuditEvent{
			Type:    model.AuditBalanceClamped,
			UserID:  mu.user.ID,
			Subject: c.subject,
			Message: "removal of " + strconv.FormatInt(c.requested, 10) + " from " + string(c.pool) +
				" clamped to " + strconv.FormatInt(c.applied, 10),
			CreatedAt: mu.now,
		})
	}

	if mu.dirty {
		m.notifier.Notify(ctx, notify.BalanceEvent(mu.user, mu.reason, mu.now))
	}
}

// appendEntry writes one entry whose balance_after is the total after the
// in-memory mutation made so far.
func (m *Manager) appendEntry(tx *gorm.DB, mu *mutation, kind ledger.Kind, source ledger.Source, amount int64, ref string, meta ledger.Metadata) (*ledger.Entry, error) {
	e := ledger.Entry{
		UserID:       mu.user.ID,
		Kind:         kind,
		Source:       source,
		Amount:       amount,
		BalanceAfter: mu.credits().Total,
		ReferenceID:  ref,
		Metadata:     ledger.NewMetadata(meta),
		CreatedAt:    mu.now,
	}
	if err := m.ledger.Append(tx, &e); err != nil {
		return nil, err
	}
	mu.entries = append(mu.entries, e)
	return &e, nil
}

// consumePackages marks amount credits as used across the user's live
// packages, soonest expiry first. Credits added without a package (admin
// adjustments) leave part of amount uncovered, which is fine.
func (m *Manager) consumePackages(tx *gorm.DB, userID string, amount int64, now time.Time) error {
	var pkgs []Package
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND is_expired = ? AND status = ? AND used_credits < credit_amount AND valid_until > ?",
			userID, false, PackageConfirmed, now).
		Order("valid_until ASC, id ASC").
		Find(&pkgs).Error
	if err != nil {
		return err
	}

	for i := range pkgs {
		if amount == 0 {
			break
		}
		p := &pkgs[i]
		take := min(amount, p.Remaining())
		if err := tx.Model(p).Updates(map[string]any{
			"used_credits": p.UsedCredits + take,
			"updated_at":   now,
		}).Error; err != nil {
			return err
		}
		amount -= take
	}
	return nil
}

func (m *Manager) loadUser(tx *gorm.DB, userID string, lock bool) (*model.User, error) {
	if lock {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var u model.User
	err := tx.Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound.New("user %q", userID)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
