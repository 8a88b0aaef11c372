package sync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/patleeman/pi-deck/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MB; snapshots can be large
	sendQueueLimit = 256
)

// Client is one browser tab's WebSocket session: SyncHub's per-client state
// (clientId, subscribed workspaces via lastSent/lastAcked cursors, and a
// bounded outbound queue), per §4.6. The ReadPump/WritePump/ping-pong
// structure mirrors the reference backend's gateway client exactly; only the
// wire vocabulary (protocol.Envelope) and the catch-up/backpressure rules
// differ.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger

	// mu guards every field below: lastSentVersion/lastAckedVersion are
	// written from the hub's commit-dispatch goroutine (broadcast) and from
	// this client's own read-pump goroutine (handleHello, handleAck);
	// closed guards against a send racing the close of the send channel.
	mu               sync.Mutex
	lastSentVersion  uint64
	lastAckedVersion uint64
	closed           bool
}

func newClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		hub:  hub,
		send: make(chan []byte, sendQueueLimit),
		log:  log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue attempts a non-blocking send. Returning false means the client's
// outbound queue is full: the caller must treat this as client_too_slow and
// disconnect (§7), since a stalled browser tab must never back-pressure the
// single commit worker. Guarded by mu so a concurrent close never races a
// send on c.send: sending on a closed channel panics even inside a select.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) setLastSentVersion(v uint64) {
	c.mu.Lock()
	c.lastSentVersion = v
	c.mu.Unlock()
}

// recordAck updates the client's ack cursor monotonically and returns the
// resulting cursor value.
func (c *Client) recordAck(v uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.lastAckedVersion {
		c.lastAckedVersion = v
	}
	return c.lastAckedVersion
}

func (c *Client) readPump(ctx context.Context) {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.hub.handleFrame(ctx, c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
