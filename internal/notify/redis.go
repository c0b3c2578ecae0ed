package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
)

const (
	// DefaultBuffer is the number of events held while the publisher catches up.
	DefaultBuffer = 1024

	// drainTimeout bounds the flush of buffered events on shutdown.
	drainTimeout = 2 * time.Second
)

// RedisNotifier publishes events to a Redis Pub/Sub channel from a single
// background worker. Notify never blocks: when the buffer is full the event
// is dropped and counted.
type RedisNotifier struct {
	rdb     *redis.Client
	ch      chan Event
	now     func() time.Time
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewRedisNotifier creates a notifier. Run must be started for events to be
// delivered.
func NewRedisNotifier(rdb *redis.Client, buffer int, m *metrics.Metrics, logger logrus.FieldLogger) *RedisNotifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &RedisNotifier{
		rdb:     rdb,
		ch:      make(chan Event, buffer),
		now:     time.Now,
		metrics: m,
		log:     logging.Component(logger, "notify"),
	}
}

// Notify enqueues ev.
func (n *RedisNotifier) Notify(_ context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = n.now()
	}
	select {
	case n.ch <- ev:
	default:
		n.count("dropped")
		n.log.WithFields(logrus.Fields{"user_id": ev.UserID, "type": ev.Type}).
			Warn("notification buffer full, dropping event")
	}
}

// Run publishes queued events until ctx is done, then flushes what is left.
func (n *RedisNotifier) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-n.ch:
			n.publish(ctx, ev)
		case <-ctx.Done():
			n.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (n *RedisNotifier) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-n.ch:
			n.publish(ctx, ev)
		default:
			return
		}
	}
}

func (n *RedisNotifier) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.count("failed")
		n.log.WithError(err).Error("marshal notification")
		return
	}
	if err := n.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		n.count("failed")
		n.log.WithError(err).WithField("user_id", ev.UserID).Warn("publish notification")
		return
	}
	n.count("published")
}

func (n *RedisNotifier) count(outcome string) {
	if n.metrics != nil {
		n.metrics.NotificationsTotal.WithLabelValues(outcome).Inc()
	}
}
