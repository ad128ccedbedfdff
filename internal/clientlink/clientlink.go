// Package clientlink manages the many WebSockets CDP clients open against
// the relay: each gets a clientId, an id-translation boundary is kept by
// the router rather than here, and an outbound mailbox the client's writer
// goroutine drains in order.
package clientlink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// MailboxSize bounds each client's outbound queue; once full the link is
// closed with a policy code rather than growing unbounded or blocking the
// fan-out path.
const MailboxSize = 256

// Conn is the minimal WebSocket surface the link needs, mirroring the
// extension link's abstraction so both can be driven by fakes in tests.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Handler receives inbound frames and close notifications. The router
// implements this.
type Handler interface {
	HandleClientFrame(ctx context.Context, clientID string, raw []byte)
	HandleClientClose(clientID string)
}

type client struct {
	conn    Conn
	mailbox chan []byte
	cancel  context.CancelFunc

	closed   atomic.Bool
	closedCh chan struct{}
	done     chan struct{}
}

// Manager owns every accepted client connection, keyed by clientId. It
// implements router.Deliverer.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*client
	handler Handler
}

// NewManager creates an empty client link manager.
func NewManager(handler Handler) *Manager {
	return &Manager{
		clients: make(map[string]*client),
		handler: handler,
	}
}

// Accept registers conn under clientID, starting its reader and writer
// tasks. A duplicate clientID closes the older connection first
// (last-writer-wins), matching the path-segment contract of the client
// WebSocket endpoint.
func (m *Manager) Accept(clientID string, conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:     conn,
		mailbox:  make(chan []byte, MailboxSize),
		cancel:   cancel,
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.clients[clientID]
	m.clients[clientID] = c
	m.mu.Unlock()

	if prev != nil {
		prev.close(websocket.StatusInternalError, "duplicate clientId, replaced by a newer connection")
		m.handler.HandleClientClose(clientID)
	}

	go m.writeLoop(c)
	go m.readLoop(ctx, clientID, c)
}

// Deliver enqueues a frame on clientID's mailbox. If the client cannot keep
// up, its link is closed with a policy code and the router reaps its
// pending requests via HandleClientClose.
func (m *Manager) Deliver(clientID string, data []byte) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case c.mailbox <- data:
	default:
		c.close(websocket.StatusInternalError, "backpressure overflow")
		m.removeIfCurrent(clientID, c)
		m.handler.HandleClientClose(clientID)
	}
}

// Close closes a specific client's link, e.g. on process shutdown.
func (m *Manager) Close(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if ok {
		c.close(websocket.StatusNormalClosure, "server closing")
	}
}

func (m *Manager) readLoop(ctx context.Context, clientID string, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			break
		}
		// HandleClientFrame runs synchronously: a forwarded command blocks
		// here until the extension replies, so this client's replies stay
		// in command-send order (the ordering guarantee in §5) at the cost
		// of head-of-line blocking its own next command. Other clients are
		// unaffected, since each has its own reader goroutine.
		m.handler.HandleClientFrame(ctx, clientID, data)
	}

	c.close(websocket.StatusNormalClosure, "")
	m.removeIfCurrent(clientID, c)
	m.handler.HandleClientClose(clientID)
}

func (m *Manager) writeLoop(c *client) {
	defer close(c.done)
	ctx := context.Background()
	for {
		select {
		case data := <-c.mailbox:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-c.closedCh:
			return
		}
	}
}

func (m *Manager) removeIfCurrent(clientID string, c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clients[clientID] == c {
		delete(m.clients, clientID)
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	close(c.closedCh)
	_ = c.conn.Close(code, reason)
}
