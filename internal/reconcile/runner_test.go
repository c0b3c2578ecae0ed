package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

func TestRegistryNames(t *testing.T) {
	r := NewRunner(Registry(nil, nil), nil, 0, nil, logging.Discard())
	assert.Equal(t, []string{
		JobExpirePurchased,
		JobExpireYearly,
		JobPaymentInconsistencies,
		JobSyncDueDates,
		JobWebhookRetry,
	}, r.Names())
}

func TestRunnerRecordsOutcome(t *testing.T) {
	m := metrics.New(nil)
	jobs := map[string]JobFunc{
		"ok": func(context.Context) (Result, error) {
			return &ExpireYearlyResult{Found: 3, Expired: 2, Failed: 1}, nil
		},
		"broken": func(context.Context) (Result, error) {
			return nil, errors.New("db down")
		},
	}
	r := NewRunner(jobs, nil, 0, m, logging.Discard())
	ctx := context.Background()

	res, err := r.Run(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, 2, res.(*ExpireYearlyResult).Expired)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("ok", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobRecordsTotal.WithLabelValues("ok", "found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRecordsTotal.WithLabelValues("ok", "failed")))

	_, err = r.Run(ctx, "broken")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("broken", "error")))

	_, err = r.Run(ctx, "missing")
	assert.True(t, apperr.NotFound.Has(err))
}

type countingLocker struct {
	Locker
	extends atomic.Int32
}

func (l *countingLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.extends.Add(1)
	return l.Locker.Extend(ctx, key, token, ttl)
}

func TestRunnerExtendsLeaseWhileRunning(t *testing.T) {
	base, mr := newLocker(t)
	l := &countingLocker{Locker: base}
	key := LockKey(JobSyncDueDates)

	jobs := map[string]JobFunc{
		JobSyncDueDates: func(context.Context) (Result, error) {
			assert.Eventually(t, func() bool { return l.extends.Load() >= 2 }, time.Second, 5*time.Millisecond)
			assert.True(t, mr.Exists(key))
			return &SyncDueDatesResult{}, nil
		},
	}
	r := NewRunner(jobs, l, 30*time.Millisecond, nil, logging.Discard())

	_, err := r.Run(context.Background(), JobSyncDueDates)
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))

	// The keep-alive stops with the run.
	n := l.extends.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, l.extends.Load())
}

func TestRunnerSkipsWhileLocked(t *testing.T) {
	l, mr := newLocker(t)
	m := metrics.New(nil)
	calls := 0
	jobs := map[string]JobFunc{
		JobExpirePurchased: func(context.Context) (Result, error) {
			calls++
			return &ExpirePurchasedResult{}, nil
		},
	}
	r := NewRunner(jobs, l, time.Minute, m, logging.Discard())
	ctx := context.Background()

	// Another instance holds the lease.
	token, ok, err := l.TryLock(ctx, LockKey(JobExpirePurchased), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Run(ctx, JobExpirePurchased)
	assert.True(t, apperr.Conflict.Has(err))
	assert.Zero(t, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRunsTotal.WithLabelValues(JobExpirePurchased, "skipped")))

	require.NoError(t, l.Unlock(ctx, LockKey(JobExpirePurchased), token))

	_, err = r.Run(ctx, JobExpirePurchased)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, mr.Exists(LockKey(JobExpirePurchased)), "lock released after the run")
}

func TestRunnerRunsRealJobs(t *testing.T) {
	e := newEnv(t)
	l, _ := newLocker(t)
	r := NewRunner(Registry(e.jobs, nil), l, time.Minute, metrics.New(nil), logging.Discard())

	e.user(t, "orphan", func(u *model.User) { u.GatewaySubscriptionID = "sub_x" })

	res, err := r.Run(context.Background(), JobPaymentInconsistencies)
	require.NoError(t, err)
	assert.Equal(t, 1, res.(*InconsistencyResult).ActiveWithoutPayments)
}

func TestSchedule(t *testing.T) {
	r := NewRunner(Registry(nil, nil), nil, 0, nil, logging.Discard())
	c := NewCron()

	err := r.Schedule(context.Background(), c, map[string]string{
		JobWebhookRetry:    "*/5 * * * *",
		JobExpirePurchased: "@daily",
		JobSyncDueDates:    "",
	})
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)

	err = r.Schedule(context.Background(), NewCron(), map[string]string{JobExpireYearly: "not a spec"})
	assert.True(t, apperr.Validation.Has(err))
}
