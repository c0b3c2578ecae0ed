package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/dbtest"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/notify"
	"gorm.io/gorm"
)

type events struct {
	mu  sync.Mutex
	all []notify.Event
}

func (e *events) Notify(_ context.Context, ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func setup(t *testing.T) (*Updater, *gorm.DB, *events) {
	t.Helper()
	db := dbtest.Open(t, &model.User{}, &Payment{})
	ev := &events{}
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	u := NewUpdater(db, ev, logging.Discard(), WithClock(func() time.Time { return now }))
	return u, db, ev
}

func seedUser(t *testing.T, db *gorm.DB, id, customer string, status model.SubscriptionStatus) {
	t.Helper()
	require.NoError(t, db.Create(&model.User{
		ID:                 id,
		Email:              id + "@example.com",
		Role:               model.RoleUser,
		GatewayCustomerID:  customer,
		SubscriptionStatus: status,
	}).Error)
}

func TestResolveCustomer(t *testing.T) {
	ctx := context.Background()
	u, db, _ := setup(t)
	seedUser(t, db, "u1", "cus_1", model.SubscriptionActive)

	user, err := u.ResolveCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	// The cached mapping is dropped once the user is relinked elsewhere.
	require.NoError(t, db.Model(&model.User{}).Where("id = ?", "u1").Update("gateway_customer_id", "cus_9").Error)
	seedUser(t, db, "u2", "cus_1", model.SubscriptionInactive)

	user, err = u.ResolveCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u2", user.ID)

	_, err = u.ResolveCustomer(ctx, "cus_unknown")
	assert.True(t, apperr.NotFound.Has(err))
}

func TestSetUserStatusNotifiesOnChange(t *testing.T) {
	ctx := context.Background()
	u, db, ev := setup(t)
	seedUser(t, db, "u1", "cus_1", model.SubscriptionActive)

	changed, err := u.SetUserStatus(ctx, "u1", model.SubscriptionOverdue, "payment overdue")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = u.SetUserStatus(ctx, "u1", model.SubscriptionOverdue, "payment overdue")
	require.NoError(t, err)
	assert.False(t, changed)

	require.Len(t, ev.all, 1)
	assert.Equal(t, model.MsgTypeStatusChanged, ev.all[0].Type)
	assert.Equal(t, model.SubscriptionOverdue, ev.all[0].SubscriptionStatus)

	_, err = u.SetUserStatus(ctx, "u1", "PAUSED", "")
	assert.True(t, apperr.Validation.Has(err))
}

func TestActivateAndCancel(t *testing.T) {
	ctx := context.Background()
	u, db, _ := setup(t)
	seedUser(t, db, "u1", "cus_1", model.SubscriptionInactive)
	due := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

	changed, err := u.Activate(ctx, "u1", SubscriptionLink{
		SubscriptionID: "sub_1", PlanID: "starter", Cycle: model.CycleMonthly, NextDueDate: &due,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	user, err := u.User(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, user.SubscriptionStatus)
	assert.Equal(t, "sub_1", user.GatewaySubscriptionID)
	assert.Equal(t, model.CycleMonthly, user.BillingCycle)
	require.NotNil(t, user.SubscriptionStartedAt)
	started := *user.SubscriptionStartedAt

	changed, err = u.Activate(ctx, "u1", SubscriptionLink{SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.False(t, changed)
	user, _ = u.User(ctx, "u1")
	assert.True(t, started.Equal(*user.SubscriptionStartedAt))

	changed, err = u.CancelSubscription(ctx, "u1", "subscription deleted")
	require.NoError(t, err)
	assert.True(t, changed)
	user, _ = u.User(ctx, "u1")
	assert.Equal(t, model.SubscriptionCancelled, user.SubscriptionStatus)
	assert.Nil(t, user.NextDueDate)
	assert.NotNil(t, user.SubscriptionEndsAt)

	_, err = u.Activate(ctx, "ghost", SubscriptionLink{})
	assert.True(t, apperr.NotFound.Has(err))
}

func TestUpsertPaymentKeepsLaterStatus(t *testing.T) {
	ctx := context.Background()
	u, db, _ := setup(t)
	seedUser(t, db, "u1", "cus_1", model.SubscriptionActive)

	_, err := u.UpsertPayment(ctx, &Payment{ID: "pay_1", UserID: "u1", Type: PaymentSubscription, Status: PaymentConfirmed, Value: 2900})
	require.NoError(t, err)

	// A late PAYMENT_CREATED redelivery.
	due := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	p, err := u.UpsertPayment(ctx, &Payment{ID: "pay_1", UserID: "u1", Status: PaymentPending, DueDate: &due})
	require.NoError(t, err)
	assert.Equal(t, PaymentConfirmed, p.Status)
	require.NotNil(t, p.DueDate)
	assert.Equal(t, int64(2900), p.Value)
}

func TestSetPaymentStatusTransitions(t *testing.T) {
	ctx := context.Background()
	u, db, _ := setup(t)
	seedUser(t, db, "u1", "cus_1", model.SubscriptionActive)
	_, err := u.UpsertPayment(ctx, &Payment{ID: "pay_1", UserID: "u1", Type: PaymentCreditPurchase})
	require.NoError(t, err)

	steps := []struct {
		to      PaymentStatus
		changed bool
	}{
		{PaymentOverdue, true},
		{PaymentConfirmed, true},
		{PaymentConfirmed, false},
		{PaymentPending, false},
		{PaymentRefunded, true},
		{PaymentConfirmed, false},
	}
	for _, s := range steps {
		changed, err := u.SetPaymentStatus(ctx, "pay_1", s.to)
		require.NoError(t, err)
		assert.Equal(t, s.changed, changed, "-> %s", s.to)
	}

	p, err := u.Payment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, p.Status)
	assert.NotNil(t, p.ConfirmedDate)

	_, err = u.SetPaymentStatus(ctx, "missing", PaymentConfirmed)
	assert.True(t, apperr.NotFound.Has(err))
}

func TestCreditValidity(t *testing.T) {
	assert.Equal(t, 365*24*time.Hour, (&Payment{}).CreditValidity())
	assert.Equal(t, 30*24*time.Hour, (&Payment{CreditValidityDays: 30}).CreditValidity())
}
