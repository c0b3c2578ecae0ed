package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	"github.com/taskmgr818/credit-ledger/internal/billing"
	"github.com/taskmgr818/credit-ledger/internal/dbtest"
	"github.com/taskmgr818/credit-ledger/internal/gateway"
	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/notify"
	"gorm.io/gorm"
)

type fakeGateway struct {
	subs map[string]*gateway.Subscription
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	if s, ok := g.subs[id]; ok {
		return s, nil
	}
	return nil, apperr.NotFound.New("gateway subscription %q", id)
}

func (g *fakeGateway) GetPayment(_ context.Context, id string) (*gateway.Payment, error) {
	return nil, apperr.NotFound.New("gateway payment %q", id)
}

type auditLog struct {
	mu  sync.Mutex
	all []model.AuditEvent
}

func (a *auditLog) Audit(ev model.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.all = append(a.all, ev)
}

type env struct {
	db     *gorm.DB
	jobs   *Jobs
	gw     *fakeGateway
	audits *auditLog
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		db: dbtest.Open(t,
			&model.User{}, &ledger.Entry{}, &balance.Package{}, &billing.Payment{},
		),
		gw:     &fakeGateway{subs: map[string]*gateway.Subscription{}},
		audits: &auditLog{},
		now:    time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	logger := logging.Discard()

	bal := balance.NewManager(e.db, ledger.NewStore(e.db),
		balance.WithClock(clock),
		balance.WithLogger(logger),
	)
	upd := billing.NewUpdater(e.db, notify.Nop{}, logger, billing.WithClock(clock))
	e.jobs = New(Config{}, Deps{
		DB:      e.db,
		Balance: bal,
		Billing: upd,
		Gateway: e.gw,
		Auditor: e.audits,
		Logger:  logger,
		Now:     clock,
	})
	return e
}

func (e *env) user(t *testing.T, id string, set func(u *model.User)) {
	t.Helper()
	u := &model.User{ID: id, Email: id + "@example.com", Role: model.RoleUser, SubscriptionStatus: model.SubscriptionActive}
	if set != nil {
		set(u)
	}
	require.NoError(t, e.db.Create(u).Error)
}

func (e *env) payment(t *testing.T, p billing.Payment) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now.Add(-60 * 24 * time.Hour)
	}
	require.NoError(t, e.db.Create(&p).Error)
}

func (e *env) reload(t *testing.T, id string) *model.User {
	t.Helper()
	var u model.User
	require.NoError(t, e.db.First(&u, "id = ?", id).Error)
	return &u
}

func ptr[T any](v T) *T { return &v }

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// ─────────────────────────────────────────────
// ExpirePurchasedCredits
// ─────────────────────────────────────────────

func TestExpirePurchasedCredits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.user(t, "u1", func(u *model.User) { u.PurchasedBalance = 50 })
	stale := &balance.Package{
		UserID: "u1", PaymentID: "pay_old", Source: ledger.SourcePurchase,
		CreditAmount: 200, UsedCredits: 150,
		ValidUntil: e.now.Add(-24 * time.Hour), Status: balance.PackageConfirmed,
	}
	fresh := &balance.Package{
		UserID: "u1", PaymentID: "pay_new", Source: ledger.SourcePurchase,
		CreditAmount: 100, ValidUntil: e.now.Add(24 * time.Hour), Status: balance.PackageConfirmed,
	}
	pending := &balance.Package{
		UserID: "u1", PaymentID: "pay_pending", Source: ledger.SourcePurchase,
		CreditAmount: 100, ValidUntil: e.now.Add(-time.Hour), Status: balance.PackagePending,
	}
	require.NoError(t, e.db.Create(stale).Error)
	require.NoError(t, e.db.Create(fresh).Error)
	require.NoError(t, e.db.Create(pending).Error)

	res, err := e.jobs.ExpirePurchasedCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ExpirePurchasedResult{Found: 1, Expired: 1, CreditsExpired: 50}, res)

	assert.Equal(t, int64(0), e.reload(t, "u1").PurchasedBalance)

	var got balance.Package
	require.NoError(t, e.db.First(&got, stale.ID).Error)
	assert.True(t, got.IsExpired)

	var entries []ledger.Entry
	require.NoError(t, e.db.Where("user_id = ?", "u1").Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindExpired, entries[0].Kind)
	assert.Equal(t, int64(50), entries[0].Amount)

	// A second run finds nothing left to do.
	res, err = e.jobs.ExpirePurchasedCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ExpirePurchasedResult{}, res)
}

func TestExpirePurchasedCreditsIsolatesFailures(t *testing.T) {
	e := newEnv(t)

	// The owner row is missing, so the manager fails for this package only.
	require.NoError(t, e.db.Create(&balance.Package{
		UserID: "ghost", PaymentID: "pay_ghost", CreditAmount: 10,
		ValidUntil: e.now.Add(-time.Hour), Status: balance.PackageConfirmed,
	}).Error)
	e.user(t, "u1", func(u *model.User) { u.PurchasedBalance = 30 })
	require.NoError(t, e.db.Create(&balance.Package{
		UserID: "u1", PaymentID: "pay_1", CreditAmount: 30,
		ValidUntil: e.now.Add(-time.Minute), Status: balance.PackageConfirmed,
	}).Error)

	res, err := e.jobs.ExpirePurchasedCredits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int64(30), res.CreditsExpired)
}

// ─────────────────────────────────────────────
// ExpireYearlyCredits
// ─────────────────────────────────────────────

func TestExpireYearlyCredits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	yearly := func(expires time.Time, renewed *time.Time) func(u *model.User) {
		return func(u *model.User) {
			u.BillingCycle = model.CycleYearly
			u.SubscriptionLimit = 6000
			u.SubscriptionUsed = 1000
			u.SubscriptionExpiresAt = &expires
			u.LastRenewalAt = renewed
		}
	}

	e.user(t, "lapsed", yearly(e.now.Add(-48*time.Hour), ptr(e.now.AddDate(-1, 0, 0))))
	e.user(t, "in-grace", yearly(e.now.Add(-time.Hour), nil))
	e.user(t, "renewed", yearly(e.now.Add(-48*time.Hour), ptr(e.now.Add(-24*time.Hour))))
	e.user(t, "monthly", func(u *model.User) {
		u.BillingCycle = model.CycleMonthly
		u.SubscriptionLimit = 500
		u.SubscriptionExpiresAt = ptr(e.now.Add(-48 * time.Hour))
	})

	res, err := e.jobs.ExpireYearlyCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ExpireYearlyResult{Found: 1, Expired: 1}, res)

	u := e.reload(t, "lapsed")
	assert.Zero(t, u.SubscriptionLimit)
	assert.Zero(t, u.SubscriptionUsed)
	assert.Nil(t, u.SubscriptionExpiresAt)

	var entries []ledger.Entry
	require.NoError(t, e.db.Where("user_id = ?", "lapsed").Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindExpired, entries[0].Kind)
	assert.Equal(t, int64(5000), entries[0].Amount)

	assert.Equal(t, int64(6000), e.reload(t, "in-grace").SubscriptionLimit)
	assert.Equal(t, int64(6000), e.reload(t, "renewed").SubscriptionLimit)
	assert.Equal(t, int64(500), e.reload(t, "monthly").SubscriptionLimit)

	res, err = e.jobs.ExpireYearlyCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ExpireYearlyResult{}, res)
}

// ─────────────────────────────────────────────
// DetectPaymentInconsistencies
// ─────────────────────────────────────────────

func TestDetectPaymentInconsistencies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Latest subscription payment overdue while the user is still ACTIVE.
	e.user(t, "late", func(u *model.User) { u.GatewaySubscriptionID = "sub_late" })
	e.payment(t, billing.Payment{ID: "p1", UserID: "late", Type: billing.PaymentSubscription,
		Status: billing.PaymentConfirmed, DueDate: day(2026, 2, 1)})
	e.payment(t, billing.Payment{ID: "p2", UserID: "late", Type: billing.PaymentSubscription,
		Status: billing.PaymentOverdue, DueDate: day(2026, 3, 1)})

	// An old overdue charge that was followed by a paid one is fine.
	e.user(t, "recovered", func(u *model.User) { u.GatewaySubscriptionID = "sub_rec" })
	e.payment(t, billing.Payment{ID: "p3", UserID: "recovered", Type: billing.PaymentSubscription,
		Status: billing.PaymentOverdue, DueDate: day(2026, 1, 1)})
	e.payment(t, billing.Payment{ID: "p4", UserID: "recovered", Type: billing.PaymentSubscription,
		Status: billing.PaymentConfirmed, DueDate: day(2026, 3, 1)})

	// Pending subscription charge past its due day.
	e.user(t, "pending", func(u *model.User) { u.GatewaySubscriptionID = "sub_pen" })
	e.payment(t, billing.Payment{ID: "p5", UserID: "pending", Type: billing.PaymentSubscription,
		Status: billing.PaymentPending, DueDate: day(2026, 3, 10)})

	// Pending purchase past due: the payment moves, the user does not.
	e.user(t, "buyer", func(u *model.User) { u.SubscriptionStatus = model.SubscriptionInactive })
	e.payment(t, billing.Payment{ID: "p6", UserID: "buyer", Type: billing.PaymentCreditPurchase,
		Status: billing.PaymentPending, DueDate: day(2026, 3, 1)})

	// Due today is not past due yet.
	e.user(t, "today", func(u *model.User) { u.SubscriptionStatus = model.SubscriptionInactive })
	e.payment(t, billing.Payment{ID: "p7", UserID: "today", Type: billing.PaymentCreditPurchase,
		Status: billing.PaymentPending, DueDate: day(2026, 3, 15)})

	// Active subscription with no payment at all.
	e.user(t, "orphan", func(u *model.User) { u.GatewaySubscriptionID = "sub_orphan" })

	res, err := e.jobs.DetectPaymentInconsistencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, &InconsistencyResult{
		ActiveWithOverdue:     1,
		PendingPastDue:        2,
		ActiveWithoutPayments: 1,
		Fixed:                 4,
	}, res)

	assert.Equal(t, model.SubscriptionOverdue, e.reload(t, "late").SubscriptionStatus)
	assert.Equal(t, model.SubscriptionActive, e.reload(t, "recovered").SubscriptionStatus)
	assert.Equal(t, model.SubscriptionOverdue, e.reload(t, "pending").SubscriptionStatus)
	assert.Equal(t, model.SubscriptionInactive, e.reload(t, "buyer").SubscriptionStatus)
	assert.Equal(t, model.SubscriptionActive, e.reload(t, "orphan").SubscriptionStatus)

	status := func(id string) billing.PaymentStatus {
		var p billing.Payment
		require.NoError(t, e.db.First(&p, "id = ?", id).Error)
		return p.Status
	}
	assert.Equal(t, billing.PaymentOverdue, status("p5"))
	assert.Equal(t, billing.PaymentOverdue, status("p6"))
	assert.Equal(t, billing.PaymentPending, status("p7"))

	require.Len(t, e.audits.all, 1)
	assert.Equal(t, model.AuditReviewRequired, e.audits.all[0].Type)
	assert.Equal(t, "orphan", e.audits.all[0].UserID)

	// Fixed drift stays fixed; the orphan is flagged again.
	res, err = e.jobs.DetectPaymentInconsistencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, &InconsistencyResult{ActiveWithoutPayments: 1}, res)
}

func TestRecoveredUsersDoNotCrowdOutOverdueOnes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.jobs.batch = 2

	// Each of these had an overdue charge that a later payment settled.
	for _, id := range []string{"a1", "a2", "a3"} {
		e.user(t, id, func(u *model.User) { u.GatewaySubscriptionID = "sub_" + id })
		e.payment(t, billing.Payment{ID: id + "_old", UserID: id, Type: billing.PaymentSubscription,
			Status: billing.PaymentOverdue, DueDate: day(2026, 1, 1)})
		e.payment(t, billing.Payment{ID: id + "_new", UserID: id, Type: billing.PaymentSubscription,
			Status: billing.PaymentConfirmed, DueDate: day(2026, 2, 1)})
	}
	e.user(t, "z_late", func(u *model.User) { u.GatewaySubscriptionID = "sub_z" })
	e.payment(t, billing.Payment{ID: "z_1", UserID: "z_late", Type: billing.PaymentSubscription,
		Status: billing.PaymentOverdue, DueDate: day(2026, 3, 1)})

	res, err := e.jobs.DetectPaymentInconsistencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ActiveWithOverdue)
	assert.Equal(t, 1, res.Fixed)
	assert.Equal(t, model.SubscriptionOverdue, e.reload(t, "z_late").SubscriptionStatus)
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, model.SubscriptionActive, e.reload(t, id).SubscriptionStatus, id)
	}
}

func TestReviewScanReachesEveryUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.jobs.batch = 2

	for _, id := range []string{"o1", "o2", "o3"} {
		e.user(t, id, func(u *model.User) { u.GatewaySubscriptionID = "sub_" + id })
	}

	flagged := func() []string {
		e.audits.mu.Lock()
		defer e.audits.mu.Unlock()
		ids := make([]string, 0, len(e.audits.all))
		for _, ev := range e.audits.all {
			ids = append(ids, ev.UserID)
		}
		e.audits.all = nil
		return ids
	}

	for _, want := range [][]string{{"o1", "o2"}, {"o3"}, {"o1", "o2"}} {
		res, err := e.jobs.DetectPaymentInconsistencies(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(want), res.ActiveWithoutPayments)
		assert.Equal(t, want, flagged())
	}
}

func TestOverduePaymentDoesNotWriteLedger(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", func(u *model.User) {
		u.GatewaySubscriptionID = "sub_1"
		u.SubscriptionLimit = 500
	})
	e.payment(t, billing.Payment{ID: "p1", UserID: "u1", Type: billing.PaymentSubscription,
		Status: billing.PaymentPending, DueDate: day(2026, 3, 1)})

	_, err := e.jobs.DetectPaymentInconsistencies(context.Background())
	require.NoError(t, err)

	var n int64
	require.NoError(t, e.db.Model(&ledger.Entry{}).Count(&n).Error)
	assert.Zero(t, n)
	assert.Equal(t, int64(500), e.reload(t, "u1").SubscriptionLimit)
}

// ─────────────────────────────────────────────
// SyncDueDates
// ─────────────────────────────────────────────

func TestSyncDueDates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.gw.subs["sub_gw"] = &gateway.Subscription{ID: "sub_gw", NextDueDate: "2026-04-10"}

	e.user(t, "from-gateway", func(u *model.User) { u.GatewaySubscriptionID = "sub_gw" })
	e.user(t, "from-start", func(u *model.User) {
		u.GatewaySubscriptionID = "sub_start"
		u.BillingCycle = model.CycleMonthly
		u.SubscriptionStartedAt = day(2026, 1, 20)
	})
	e.user(t, "from-default", func(u *model.User) { u.GatewaySubscriptionID = "sub_default" })
	e.user(t, "complete", func(u *model.User) {
		u.GatewaySubscriptionID = "sub_ok"
		u.NextDueDate = day(2026, 4, 1)
		u.SubscriptionEndsAt = day(2026, 4, 1)
	})
	e.user(t, "cancelled", func(u *model.User) {
		u.GatewaySubscriptionID = "sub_gone"
		u.SubscriptionStatus = model.SubscriptionCancelled
	})

	res, err := e.jobs.SyncDueDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SyncDueDatesResult{
		Found: 3, Synced: 3, FromGateway: 1, FromStart: 1, FromDefault: 1,
	}, res)

	due := func(id string) time.Time {
		u := e.reload(t, id)
		require.NotNil(t, u.NextDueDate)
		require.NotNil(t, u.SubscriptionEndsAt)
		return u.NextDueDate.UTC()
	}
	assert.Equal(t, *day(2026, 4, 10), due("from-gateway"))
	assert.Equal(t, *day(2026, 3, 20), due("from-start"))
	assert.Equal(t, e.now.Add(DefaultDueOffset), due("from-default"))
	assert.Equal(t, *day(2026, 4, 1), due("complete"))
	assert.Nil(t, e.reload(t, "cancelled").NextDueDate)

	res, err = e.jobs.SyncDueDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SyncDueDatesResult{}, res)
}
