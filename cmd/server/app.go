package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/auth"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	"github.com/taskmgr818/credit-ledger/internal/billing"
	"github.com/taskmgr818/credit-ledger/internal/config"
	"github.com/taskmgr818/credit-ledger/internal/gateway"
	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
	"github.com/taskmgr818/credit-ledger/internal/notify"
	"github.com/taskmgr818/credit-ledger/internal/plan"
	"github.com/taskmgr818/credit-ledger/internal/reconcile"
	"github.com/taskmgr818/credit-ledger/internal/store"
	"github.com/taskmgr818/credit-ledger/internal/webhook"
)

// app holds every long-lived component of the process.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	store    *store.Store
	rdb      *redis.Client
	metrics  *metrics.Metrics
	notifier *notify.RedisNotifier

	users     auth.UserService
	ledger    *ledger.Store
	balance   *balance.Manager
	billing   *billing.Updater
	plans     *plan.Store
	processor *webhook.Processor
	runner    *reconcile.Runner
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg: cfg,
		log: logging.New(cfg.LogLevel, cfg.LogFormat, nil),
	}
	log := a.log

	// ── Redis ──
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		_ = a.rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	log.WithField("addr", cfg.RedisAddr).Info("connected to redis")

	// ── SQL Store ──
	st, err := store.NewStore(cfg.DSN(), log)
	if err != nil {
		_ = a.rdb.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.store = st
	log.WithFields(logrus.Fields{
		"host": cfg.DBHost,
		"db":   cfg.DBName,
	}).Info("database initialised")

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)

	// ── Services ──
	a.notifier = notify.NewRedisNotifier(a.rdb, notify.DefaultBuffer, a.metrics, log)
	db := st.DB()
	a.users = auth.NewUserService(db)
	a.ledger = ledger.NewStore(db)
	a.balance = balance.NewManager(db, a.ledger,
		balance.WithGraceWindow(cfg.GraceWindow),
		balance.WithNotifier(a.notifier),
		balance.WithAuditor(st),
		balance.WithMetrics(a.metrics),
		balance.WithLogger(log),
	)
	a.billing = billing.NewUpdater(db, a.notifier, log)
	a.plans = plan.NewStore(db)

	gw := gateway.NewHTTPClient(gateway.Config{
		BaseURL:    cfg.GatewayBaseURL,
		APIKey:     cfg.GatewayAPIKey,
		Timeout:    cfg.GatewayTimeout,
		MaxRetries: uint64(max(0, cfg.GatewayMaxRetries)),
	}, log)

	a.processor = webhook.NewProcessor(webhook.Config{
		Token:      cfg.WebhookToken,
		MaxRetries: cfg.WebhookMaxRetries,
		MinBackoff: cfg.WebhookMinBackoff,
		BatchSize:  cfg.JobBatchSize,
	}, webhook.Deps{
		Queue:   webhook.NewQueue(db),
		Balance: a.balance,
		Billing: a.billing,
		Plans:   a.plans,
		Gateway: gw,
		Auditor: st,
		Metrics: a.metrics,
		Logger:  log,
	})

	jobs := reconcile.New(reconcile.Config{BatchSize: cfg.JobBatchSize}, reconcile.Deps{
		DB:      db,
		Balance: a.balance,
		Billing: a.billing,
		Gateway: gw,
		Auditor: st,
		Logger:  log,
	})
	a.runner = reconcile.NewRunner(
		reconcile.Registry(jobs, a.processor),
		reconcile.NewRedisLocker(a.rdb),
		cfg.JobLockTTL,
		a.metrics,
		log,
	)

	if err := a.seedPlans(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// seedPlans loads the plan catalog file when one is configured.
func (a *app) seedPlans(ctx context.Context) error {
	if a.cfg.PlansFile == "" {
		return nil
	}
	catalog, err := plan.LoadCatalog(a.cfg.PlansFile)
	if err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}
	n, err := a.plans.Seed(ctx, catalog)
	if err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	a.log.WithFields(logrus.Fields{"file": a.cfg.PlansFile, "plans": n}).Info("plan catalog seeded")
	return nil
}

// startNotifier publishes queued events until the returned stop func is
// called. stop drains what is still buffered.
func (a *app) startNotifier(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.notifier.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Close releases the store and the Redis client.
func (a *app) Close() {
	a.store.Close()
	if err := a.rdb.Close(); err != nil {
		a.log.WithError(err).Warn("redis close")
	}
}
