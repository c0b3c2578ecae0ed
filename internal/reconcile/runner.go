package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
	"github.com/taskmgr818/credit-ledger/internal/tracing"
	"github.com/taskmgr818/credit-ledger/internal/webhook"
	"go.opentelemetry.io/otel/attribute"
)

// Job names, shared by the cron schedule, the cron endpoints and the CLI.
const (
	JobWebhookRetry           = "webhook-retry"
	JobExpirePurchased        = "expire-purchased"
	JobExpireYearly           = "expire-yearly"
	JobPaymentInconsistencies = "payment-inconsistencies"
	JobSyncDueDates           = "sync-due-dates"
)

// DefaultLockTTL bounds how long a crashed run can keep others out.
const DefaultLockTTL = 10 * time.Minute

// JobFunc runs one job to completion.
type JobFunc func(ctx context.Context) (Result, error)

// Registry returns the standard jobs keyed by name.
func Registry(j *Jobs, retry *webhook.Processor) map[string]JobFunc {
	return map[string]JobFunc{
		JobWebhookRetry: func(ctx context.Context) (Result, error) {
			return retry.RetryFailed(ctx)
		},
		JobExpirePurchased: func(ctx context.Context) (Result, error) {
			return j.ExpirePurchasedCredits(ctx)
		},
		JobExpireYearly: func(ctx context.Context) (Result, error) {
			return j.ExpireYearlyCredits(ctx)
		},
		JobPaymentInconsistencies: func(ctx context.Context) (Result, error) {
			return j.DetectPaymentInconsistencies(ctx)
		},
		JobSyncDueDates: func(ctx context.Context) (Result, error) {
			return j.SyncDueDates(ctx)
		},
	}
}

// Runner runs named jobs under a lease lock and records their outcome.
type Runner struct {
	jobs    map[string]JobFunc
	locker  Locker
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewRunner creates a Runner. A nil locker runs jobs without locking.
func NewRunner(jobs map[string]JobFunc, locker Locker, ttl time.Duration, m *metrics.Metrics, logger logrus.FieldLogger) *Runner {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Runner{
		jobs:    jobs,
		locker:  locker,
		ttl:     ttl,
		metrics: m,
		log:     logging.Component(logger, "jobs"),
	}
}

// Names lists the registered jobs in order.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes job name. It fails with a Conflict error when another run of
// the same job holds the lock, and with NotFound for an unknown name.
func (r *Runner) Run(ctx context.Context, name string) (res Result, err error) {
	fn, ok := r.jobs[name]
	if !ok {
		return nil, apperr.NotFound.New("job %q", name)
	}

	ctx, span := tracing.Start(ctx, "reconcile.run", attribute.String(tracing.AttrJob, name))
	defer func() { tracing.End(span, err) }()

	if r.locker != nil {
		key := LockKey(name)
		token, held, err := r.locker.TryLock(ctx, key, r.ttl)
		if err != nil {
			r.countRun(name, "error")
			return nil, err
		}
		if !held {
			r.countRun(name, "skipped")
			r.log.WithField("job", name).Info("job already running elsewhere, skipping")
			return nil, apperr.Conflict.New("job %q is already running", name)
		}
		defer func() {
			if err := r.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				r.log.WithError(err).WithField("job", name).Warn("release job lock")
			}
		}()
		stop := r.keepLease(ctx, name, key, token)
		defer stop()
	}

	start := time.Now()
	res, err = fn(ctx)
	elapsed := time.Since(start)

	if r.metrics != nil {
		r.metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	if err != nil {
		r.countRun(name, "error")
		r.log.WithError(err).WithField("job", name).Error("job failed")
		return nil, err
	}

	r.countRun(name, "success")
	if r.metrics != nil {
		for result, n := range res.Counts() {
			if n > 0 {
				r.metrics.JobRecordsTotal.WithLabelValues(name, result).Add(float64(n))
			}
		}
	}
	r.log.WithFields(logrus.Fields{"job": name, "elapsed": elapsed}).Debug("job finished")
	return res, nil
}

// keepLease extends the job lock every third of its TTL until stop is
// called, so a run longer than the TTL is not taken over by another instance.
func (r *Runner) keepLease(ctx context.Context, name, key, token string) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.locker.Extend(ctx, key, token, r.ttl)
				if err != nil {
					r.log.WithError(err).WithField("job", name).Warn("extend job lock")
					continue
				}
				if !ok {
					r.log.WithField("job", name).Warn("job lock lost before the run finished")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) countRun(name, outcome string) {
	if r.metrics != nil {
		r.metrics.JobRunsTotal.WithLabelValues(name, outcome).Inc()
	}
}

// ─────────────────────────────────────────────
// Cron scheduling
// ─────────────────────────────────────────────

// NewCron creates a scheduler using standard five-field specs. A run that is
// still going when its next tick comes is skipped.
func NewCron() *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
}

// Schedule adds one cron entry per spec. Empty specs are left unscheduled.
// ctx is the base context of every scheduled run.
func (r *Runner) Schedule(ctx context.Context, c *cron.Cron, specs map[string]string) error {
	for _, name := range r.Names() {
		spec := specs[name]
		if spec == "" {
			continue
		}
		if _, err := c.AddFunc(spec, func() {
			if _, err := r.Run(ctx, name); err != nil && !apperr.Conflict.Has(err) {
				r.log.WithError(err).WithField("job", name).Warn("scheduled job failed")
			}
		}); err != nil {
			return apperr.Validation.Wrap(err)
		}
		r.log.WithFields(logrus.Fields{"job": name, "spec": spec}).Info("job scheduled")
	}
	return nil
}
