// Package store opens the database and runs the asynchronous audit writer.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	"github.com/taskmgr818/credit-ledger/internal/billing"
	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/plan"
	"github.com/taskmgr818/credit-ledger/internal/webhook"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table owned by the service, in migration order.
func Models() []any {
	return []any{
		&model.User{},
		&ledger.Entry{},
		&balance.Package{},
		&billing.Payment{},
		&plan.Plan{},
		&webhook.Event{},
		&model.AuditEvent{},
	}
}

// Options tune the connection pool and startup.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	AuditBuffer     int
}

// DefaultOptions are used for PostgreSQL.
var DefaultOptions = Options{
	MaxOpenConns:    25,
	MaxIdleConns:    5,
	ConnMaxLifetime: time.Hour,
	AutoMigrate:     true,
	AuditBuffer:     1024,
}

// Store provides SQL persistence via GORM plus an async audit writer.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry

	mu      sync.RWMutex
	closed  bool
	auditCh chan model.AuditEvent // buffered channel for async writes
	done    chan struct{}
}

// NewStore opens PostgreSQL at dsn with DefaultOptions.
func NewStore(dsn string, log logrus.FieldLogger) (*Store, error) {
	return Open(postgres.Open(dsn), DefaultOptions, log)
}

// Open opens dialector and wraps it in a Store.
func Open(dialector gorm.Dialector, opts Options, log logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	return New(db, opts, log)
}

// New configures the pool of an open database, migrates the schema when
// asked to, and starts the audit writer.
func New(db *gorm.DB, opts Options, log logrus.FieldLogger) (*Store, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if opts.AutoMigrate {
		if err := db.AutoMigrate(Models()...); err != nil {
			return nil, err
		}
	}

	if opts.AuditBuffer <= 0 {
		opts.AuditBuffer = DefaultOptions.AuditBuffer
	}
	s := &Store{
		db:      db,
		log:     logging.Component(log, "store"),
		auditCh: make(chan model.AuditEvent, opts.AuditBuffer),
		done:    make(chan struct{}),
	}

	// Start async write worker
	go s.writeWorker()

	return s, nil
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close stops the audit writer after flushing queued events. The database
// handle itself stays open.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.auditCh)
	s.mu.Unlock()
	<-s.done
}

// ─────────────────────────────────────────────
// Async audit log
// ─────────────────────────────────────────────

// Audit queues ev for insertion. It never blocks: when the queue is full or
// the store is closed the event is logged and dropped.
func (s *Store) Audit(ev model.AuditEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.log.WithField("type", ev.Type).Warn("audit after close, dropping")
		return
	}
	select {
	case s.auditCh <- ev:
	default:
		s.log.WithFields(logrus.Fields{"type": ev.Type, "user_id": ev.UserID}).
			Warn("audit queue full, dropping")
	}
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for ev := range s.auditCh {
		if err := s.db.Create(&ev).Error; err != nil {
			s.log.WithError(err).WithField("type", ev.Type).Error("write audit event")
		}
	}
}

// AuditEvents returns the most recent audit events, optionally of one type.
func (s *Store) AuditEvents(ctx context.Context, typ model.AuditType, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx)
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	var evs []model.AuditEvent
	if err := q.Order("id DESC").Limit(limit).Find(&evs).Error; err != nil {
		return nil, err
	}
	return evs, nil
}
