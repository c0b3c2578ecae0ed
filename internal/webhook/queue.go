package webhook

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Queue is the only writer of webhook event processing fields.
type Queue struct {
	db *gorm.DB
}

// NewQueue creates a queue on db.
func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Record persists a delivery. When the gateway event id was seen before the
// stored event is returned with duplicate set.
func (q *Queue) Record(ctx context.Context, n *Notification, body []byte, now time.Time) (ev *Event, duplicate bool, err error) {
	if n.ID != "" {
		var existing Event
		err := q.db.WithContext(ctx).Where("gateway_event_id = ?", n.ID).First(&existing).Error
		if err == nil {
			return &existing, true, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	ev = &Event{
		Event:     n.Event,
		Payload:   datatypes.JSON(body),
		CreatedAt: now,
	}
	if n.ID != "" {
		id := n.ID
		ev.GatewayEventID = &id
	}

	if err := q.db.WithContext(ctx).Create(ev).Error; err != nil {
		// Lost a race with a concurrent redelivery.
		if errors.Is(err, gorm.ErrDuplicatedKey) && n.ID != "" {
			var existing Event
			if err := q.db.WithContext(ctx).Where("gateway_event_id = ?", n.ID).First(&existing).Error; err != nil {
				return nil, false, err
			}
			return &existing, true, nil
		}
		return nil, false, err
	}
	return ev, false, nil
}

// Get loads an event by id.
func (q *Queue) Get(ctx context.Context, id uint) (*Event, error) {
	var ev Event
	err := q.db.WithContext(ctx).First(&ev, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound.New("webhook event %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Claim stamps last_attempt_at on an unprocessed event, provided nobody else
// stamped it since prev was read. It reports whether this caller won.
func (q *Queue) Claim(ctx context.Context, ev *Event, now time.Time) (bool, error) {
	tx := q.db.WithContext(ctx).Model(&Event{}).Where("id = ? AND processed = ?", ev.ID, false)
	if ev.LastAttemptAt == nil {
		tx = tx.Where("last_attempt_at IS NULL")
	} else {
		tx = tx.Where("last_attempt_at = ?", *ev.LastAttemptAt)
	}

	res := tx.Update("last_attempt_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	ev.LastAttemptAt = &now
	return true, nil
}

// MarkProcessed records a successful attempt. note is kept in
// processing_error for events accepted without effect.
func (q *Queue) MarkProcessed(ctx context.Context, ev *Event, note string, now time.Time) error {
	err := q.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).Updates(map[string]any{
		"processed":        true,
		"processed_at":     now,
		"processing_error": note,
	}).Error
	if err != nil {
		return err
	}
	ev.Processed = true
	ev.ProcessedAt = &now
	ev.ProcessingError = note
	return nil
}

// MarkFailed records a failed attempt and returns the new retry count.
func (q *Queue) MarkFailed(ctx context.Context, ev *Event, cause error, now time.Time) (int, error) {
	err := q.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).Updates(map[string]any{
		"retry_count":      gorm.Expr("retry_count + 1"),
		"processing_error": truncate(cause.Error(), 1000),
		"last_attempt_at":  now,
	}).Error
	if err != nil {
		return ev.RetryCount, err
	}
	ev.RetryCount++
	ev.ProcessingError = cause.Error()
	ev.LastAttemptAt = &now
	return ev.RetryCount, nil
}

// DeadLetter exhausts the retry budget of an event that can never succeed.
func (q *Queue) DeadLetter(ctx context.Context, ev *Event, cause error, maxRetries int, now time.Time) error {
	err := q.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).Updates(map[string]any{
		"retry_count":      maxRetries,
		"processing_error": truncate(cause.Error(), 1000),
		"last_attempt_at":  now,
	}).Error
	if err != nil {
		return err
	}
	ev.RetryCount = maxRetries
	ev.ProcessingError = cause.Error()
	ev.LastAttemptAt = &now
	return nil
}

// Due selects unprocessed events with retry budget left whose last attempt
// is older than minBackoff, oldest first.
func (q *Queue) Due(ctx context.Context, now time.Time, maxRetries int, minBackoff time.Duration, limit int) ([]Event, error) {
	var evs []Event
	err := q.db.WithContext(ctx).
		Where("processed = ? AND retry_count < ? AND COALESCE(last_attempt_at, created_at) < ?",
			false, maxRetries, now.Add(-minBackoff)).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&evs).Error
	return evs, err
}

// DeadLetters lists events that exhausted their retry budget, newest first.
func (q *Queue) DeadLetters(ctx context.Context, maxRetries, limit int) ([]Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var evs []Event
	err := q.db.WithContext(ctx).
		Where("processed = ? AND retry_count >= ?", false, maxRetries).
		Order("id DESC").
		Limit(limit).
		Find(&evs).Error
	return evs, err
}

// Requeue gives a dead-lettered or failing event a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id uint) error {
	res := q.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{
			"retry_count":      0,
			"last_attempt_at":  nil,
			"processing_error": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound.New("no unprocessed webhook event %d", id)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
