// Package ws fans credit events out to websocket observers.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/metrics"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/notify"
)

// ─────────────────────────────────────────────
// Hub: manages all connected observers
// ─────────────────────────────────────────────

// Hub maintains the set of connected observers and delivers each event to
// the ones allowed to see it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewHub creates a new Hub.
func NewHub(m *metrics.Metrics, logger logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		metrics: m,
		log:     logging.Component(logger, "hub"),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ObserversConnected.Inc()
	}
	h.log.WithFields(logrus.Fields{"user_id": c.UserID, "admin": c.Admin, "total": total}).
		Debug("observer connected")
}

// Unregister removes a client from the hub and closes its send queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ObserversConnected.Dec()
	}
	h.log.WithFields(logrus.Fields{"user_id": c.UserID, "total": total}).Debug("observer disconnected")
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers ev to every observer that may see it. Observers whose
// send buffer is full miss the event.
func (h *Hub) Broadcast(ev notify.Event) {
	data, err := json.Marshal(model.Envelope{Type: ev.Type, Payload: ev})
	if err != nil {
		h.log.WithError(err).Error("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.Sees(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.WithField("user_id", c.UserID).Warn("send buffer full, dropping")
		}
	}
}

// Listen subscribes to the notification channel and broadcasts every event
// until ctx is done.
func (h *Hub) Listen(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, notify.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	h.log.WithField("channel", notify.Channel).Info("listening for credit events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev notify.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.WithError(err).Warn("invalid event on channel")
				continue
			}
			h.Broadcast(ev)
		}
	}
}
