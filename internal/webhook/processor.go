package webhook

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	"github.com/taskmgr818/credit-ledger/internal/billing"
	"github.com/taskmgr818/credit-ledger/internal/gateway"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/plan"
	"github.com/taskmgr818/credit-ledger/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxRetries = 5
	DefaultMinBackoff = 5 * time.Minute
	DefaultBatchSize  = 50
)

// noteUnhandled is stored on events accepted without a handler.
const noteUnhandled = "unhandled event type"

// Config holds the ingestion settings.
type Config struct {
	Token      string // shared secret expected in the asaas-access-token header
	MaxRetries int
	MinBackoff time.Duration
	BatchSize  int
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Queue   *Queue
	Balance *balance.Manager
	Billing *billing.Updater
	Plans   *plan.Store
	Gateway gateway.Client
	Auditor model.Auditor
	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// Processor validates, records and applies gateway notifications.
type Processor struct {
	cfg     Config
	queue   *Queue
	balance *balance.Manager
	billing *billing.Updater
	plans   *plan.Store
	gateway gateway.Client
	auditor model.Auditor
	metrics *metrics.Metrics
	now     func() time.Time
	log     *logrus.Entry
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config, d Deps) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Auditor == nil {
		d.Auditor = model.AuditFunc(func(model.AuditEvent) {})
	}
	return &Processor{
		cfg:     cfg,
		queue:   d.Queue,
		balance: d.Balance,
		billing: d.Billing,
		plans:   d.Plans,
		gateway: d.Gateway,
		auditor: d.Auditor,
		metrics: d.Metrics,
		now:     d.Now,
		log:     logging.Component(d.Logger, "webhook"),
	}
}

// MaxRetries returns the retry budget per event.
func (p *Processor) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Receipt describes what happened to one delivery.
type Receipt struct {
	EventID   uint      `json:"event_id,omitempty"`
	Event     EventType `json:"event"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Processed bool      `json:"processed"`
	Error     string    `json:"error,omitempty"`
}

// Ingest handles one delivery. Authorization and validation failures are
// returned before anything is stored. Once the event is stored, handler
// failures are not returned: the event is left for the retry job and the
// receipt carries the error. Any other returned error means the event could
// not be stored and the gateway should redeliver.
func (p *Processor) Ingest(ctx context.Context, token string, body []byte) (*Receipt, error) {
	if p.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(p.cfg.Token)) != 1 {
		return nil, apperr.Authorization.New("invalid webhook token")
	}

	n, err := ParseNotification(body)
	if err != nil {
		return nil, err
	}

	now := p.now()
	ev, dup, err := p.queue.Record(ctx, n, body, now)
	if err != nil {
		return nil, err
	}

	rc := &Receipt{EventID: ev.ID, Event: ev.Event, Duplicate: dup, Processed: ev.Processed}
	if dup && ev.Processed {
		p.count(ev.Event, "duplicate")
		return rc, nil
	}
	if ev.RetryCount >= p.cfg.MaxRetries {
		// Dead letters only come back through a manual requeue.
		return rc, nil
	}

	won, err := p.queue.Claim(ctx, ev, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return rc, nil
	}

	if err := p.attempt(ctx, ev, n); err != nil {
		rc.Error = err.Error()
	}
	rc.Processed = ev.Processed
	return rc, nil
}

// RetryResult summarises a retry run.
type RetryResult struct {
	Total             int `json:"total"`
	Success           int `json:"success"`
	Failed            int `json:"failed"`
	MaxRetriesReached int `json:"maxRetriesReached"`
	Skipped           int `json:"skipped"`
}

// Counts exposes the tallies to the job runner's metrics.
func (r *RetryResult) Counts() map[string]int {
	return map[string]int{
		"total":               r.Total,
		"success":             r.Success,
		"failed":              r.Failed,
		"max_retries_reached": r.MaxRetriesReached,
		"skipped":             r.Skipped,
	}
}

// RetryFailed reprocesses due events. Events another runner claimed first
// are skipped.
func (p *Processor) RetryFailed(ctx context.Context) (*RetryResult, error) {
	now := p.now()
	evs, err := p.queue.Due(ctx, now, p.cfg.MaxRetries, p.cfg.MinBackoff, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	res := &RetryResult{Total: len(evs)}
	for i := range evs {
		ev := &evs[i]

		won, err := p.queue.Claim(ctx, ev, now)
		if err != nil {
			p.log.WithError(err).WithField("event_id", ev.ID).Error("claim webhook event")
			res.Failed++
			continue
		}
		if !won {
			res.Skipped++
			continue
		}

		n, err := ParseNotification(ev.Payload)
		if err == nil {
			err = p.attempt(ctx, ev, n)
		} else {
			p.deadLetter(ctx, ev, err)
		}

		switch {
		case err == nil:
			res.Success++
		case ev.RetryCount >= p.cfg.MaxRetries:
			res.Failed++
			res.MaxRetriesReached++
		default:
			res.Failed++
		}
	}

	p.log.WithFields(logrus.Fields{
		"total":               res.Total,
		"success":             res.Success,
		"failed":              res.Failed,
		"max_retries_reached": res.MaxRetriesReached,
		"skipped":             res.Skipped,
	}).Info("webhook retry run finished")
	return res, nil
}

// Requeue resets the retry budget of an unprocessed event.
func (p *Processor) Requeue(ctx context.Context, id uint) error {
	if err := p.queue.Requeue(ctx, id); err != nil {
		return err
	}
	p.log.WithField("event_id", id).Info("webhook event requeued")
	return nil
}

// DeadLetters lists events that exhausted their retries.
func (p *Processor) DeadLetters(ctx context.Context, limit int) ([]Event, error) {
	return p.queue.DeadLetters(ctx, p.cfg.MaxRetries, limit)
}

// attempt runs the handler for a claimed event and records the outcome.
func (p *Processor) attempt(ctx context.Context, ev *Event, n *Notification) (err error) {
	ctx, span := tracing.Start(ctx, "webhook.process",
		attribute.String(tracing.AttrEventType, string(ev.Event)),
		attribute.Int64(tracing.AttrEventID, int64(ev.ID)),
	)
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		if p.metrics != nil {
			p.metrics.WebhookProcessDuration.WithLabelValues(string(ev.Event)).Observe(time.Since(start).Seconds())
		}
	}()

	l := p.log.WithFields(logrus.Fields{"event_id": ev.ID, "event": ev.Event})

	note, err := p.dispatch(ctx, n)
	now := p.now()
	if err == nil {
		if err := p.queue.MarkProcessed(ctx, ev, note, now); err != nil {
			l.WithError(err).Error("mark webhook event processed")
			return err
		}
		outcome := "processed"
		if note != "" {
			outcome = "ignored"
		}
		p.count(ev.Event, outcome)
		l.Debug("webhook event processed")
		return nil
	}

	if !apperr.Retryable(err) {
		p.deadLetter(ctx, ev, err)
		return err
	}

	count, markErr := p.queue.MarkFailed(ctx, ev, err, now)
	if markErr != nil {
		l.WithError(markErr).Error("mark webhook event failed")
		return err
	}
	p.count(ev.Event, "failed")
	l.WithError(err).WithField("retry_count", count).Warn("webhook event failed")

	if count >= p.cfg.MaxRetries {
		p.deadLettered(ev, err)
	}
	return err
}

// deadLetter exhausts the retry budget of an event that cannot succeed.
func (p *Processor) deadLetter(ctx context.Context, ev *Event, cause error) {
	if err := p.queue.DeadLetter(ctx, ev, cause, p.cfg.MaxRetries, p.now()); err != nil {
		p.log.WithError(err).WithField("event_id", ev.ID).Error("dead-letter webhook event")
		return
	}
	p.deadLettered(ev, cause)
}

func (p *Processor) deadLettered(ev *Event, cause error) {
	p.count(ev.Event, "dead_letter")
	if p.metrics != nil {
		p.metrics.WebhookDeadLetters.Inc()
	}
	p.log.WithFields(logrus.Fields{"event_id": ev.ID, "event": ev.Event}).
		WithError(cause).Error("WEBHOOK_DEAD_LETTERED")

	subject := ""
	if ev.GatewayEventID != nil {
		subject = *ev.GatewayEventID
	}
	p.auditor.Audit(model.AuditEvent{
		Type:      model.AuditWebhookDeadLettered,
		Subject:   subject,
		Message:   string(ev.Event) + ": " + cause.Error(),
		CreatedAt: p.now(),
	})
}

func (p *Processor) count(ev EventType, outcome string) {
	if p.metrics == nil {
		return
	}
	label := string(ev)
	if !ev.Known() {
		label = "UNKNOWN"
	}
	p.metrics.WebhookEventsTotal.WithLabelValues(label, outcome).Inc()
}
