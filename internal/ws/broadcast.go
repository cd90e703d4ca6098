package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/xeudoxus/pitboss-grill-driver/internal/controller"
)

// ErrTooManyConnections is returned by AddClient when the maximum number
// of concurrent WebSocket connections has been reached.
var ErrTooManyConnections = errors.New("too many WebSocket connections")

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans controller state updates out to connected hosts,
// throttling bursts into batched frames.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int

	snapshotFn func() []controller.StateUpdate

	throttle   time.Duration
	flushMu    sync.Mutex
	pending    []controller.StateUpdate
	flushTimer *time.Timer

	seq atomic.Uint64
}

// NewBroadcaster builds a broadcaster. snapshotFn supplies the current
// full state for newly connected clients.
func NewBroadcaster(snapshotFn func() []controller.StateUpdate, throttle time.Duration, maxConns int) *Broadcaster {
	return &Broadcaster{
		clients:    make(map[*client]bool),
		maxConns:   maxConns,
		snapshotFn: snapshotFn,
		throttle:   throttle,
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return nil, ErrTooManyConnections
	}

	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()

	b.sendSnapshot(c)
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueUpdate batches a state update into the next throttled flush.
func (b *Broadcaster) QueueUpdate(u controller.StateUpdate) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending = append(b.pending, u)
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 {
		return
	}
	b.broadcast(WSMessage{
		Type:    MsgState,
		Payload: StatePayload{Updates: updates},
	})
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// sendSnapshot sends a sequenced full snapshot to a single client.
func (b *Broadcaster) sendSnapshot(c *client) {
	msg := WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Updates: b.snapshotFn()},
	}
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("snapshot marshal error: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Stop flushes nothing further; pending timers are cancelled.
func (b *Broadcaster) Stop() {
	b.flushMu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushMu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
