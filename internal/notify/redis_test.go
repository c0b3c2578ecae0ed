package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisNotifierPublishes(t *testing.T) {
	rdb := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := rdb.Subscribe(ctx, Channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	m := metrics.New(nil)
	n := NewRedisNotifier(rdb, 8, m, logging.Discard())
	go func() { _ = n.Run(ctx) }()

	u := &model.User{ID: "u1", SubscriptionLimit: 500, SubscriptionUsed: 50, PurchasedBalance: 100,
		SubscriptionStatus: model.SubscriptionActive}
	n.Notify(ctx, BalanceEvent(u, "spend", time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, model.MsgTypeBalanceChanged, ev.Type)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, int64(50), ev.CreditsUsed)
		assert.Equal(t, int64(500), ev.CreditsLimit)
		assert.Equal(t, int64(100), ev.PurchasedBalance)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("published")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRedisNotifierDropsWhenFull(t *testing.T) {
	rdb := newRedis(t)
	m := metrics.New(nil)
	n := NewRedisNotifier(rdb, 1, m, logging.Discard())

	// No worker is running, so the second event has nowhere to go.
	n.Notify(context.Background(), Event{UserID: "u1"})
	n.Notify(context.Background(), Event{UserID: "u1"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("dropped")))
}

func TestRedisNotifierSurvivesRedisFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	m := metrics.New(nil)
	n := NewRedisNotifier(rdb, 4, m, logging.Discard())
	n.Notify(context.Background(), Event{UserID: "u1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("failed")))
}
