package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"github.com/taskmgr818/credit-ledger/internal/notify"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Observers only send control frames.
	maxMessageSize = 4 << 10

	// Send buffer size
	sendBufSize = 64
)

// Client is one observer connection.
type Client struct {
	UserID string
	Admin  bool
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
}

// NewClient wraps a WebSocket connection for the authenticated user.
func NewClient(u *model.User, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		UserID: u.ID,
		Admin:  u.IsAdmin(),
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufSize),
	}
}

// Sees reports whether ev may be delivered to this observer. Users see their
// own events; admins see all of them.
func (c *Client) Sees(ev notify.Event) bool {
	return c.Admin || ev.UserID == c.UserID
}

// Run greets the observer, then starts the pumps. Blocks until the
// connection closes.
func (c *Client) Run() {
	c.hub.Register(c)
	if hello, err := json.Marshal(model.Envelope{
		Type:    model.MsgTypeHello,
		Payload: map[string]any{"user_id": c.UserID, "admin": c.Admin},
	}); err == nil {
		c.send <- hello
	}
	go c.writePump()
	c.readPump() // blocks
	c.hub.Unregister(c)
}

// ─────────────────────────────────────────────
// Read pump: keeps the read deadline moving
// ─────────────────────────────────────────────

func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("user_id", c.UserID).Debug("observer read error")
			}
			return
		}
	}
}

// ─────────────────────────────────────────────
// Write pump: Server → Observer
// ─────────────────────────────────────────────

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
