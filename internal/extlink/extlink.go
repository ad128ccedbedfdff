// Package extlink manages the single WebSocket to the browser extension:
// ordered outbound delivery and request/response correlation over the
// envelope protocol described in the external interfaces. It never parses
// CDP semantics itself; it hands decoded frames to callbacks the router
// installs.
package extlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// ErrDisconnected is delivered to every pending waiter when the link closes,
// matching the extension-disconnected error kind.
var ErrDisconnected = errors.New("extension link disconnected")

// ExtError carries a CDP-shaped error the extension itself returned for a
// request, so callers can propagate its code/message instead of a generic
// failure.
type ExtError struct {
	Code    int
	Message string
}

func (e *ExtError) Error() string {
	return fmt.Sprintf("extension error %d: %s", e.Code, e.Message)
}

// ErrReplaced is the close reason given to an extension connection that
// lost a race to a newer one.
const ErrReplaced = "replaced by a new extension connection"

// Conn is the minimal WebSocket surface the link needs; it lets tests swap
// in a fake instead of a real network connection.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// EventHandler is invoked for every CDP event the extension reports on a
// session.
type EventHandler func(sessionID, method string, params json.RawMessage)

// MetaHandler is invoked for every unsolicited meta notification (no
// matching pending request): target attached/detached/infoChanged, and
// similar.
type MetaHandler func(kind, sessionID string, data json.RawMessage)

// Link wraps a single extension WebSocket. Writes are serialized through
// writeMu so frames are never interleaved; at most one Link is ever active
// (the owning Manager enforces that).
type Link struct {
	conn    Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	pending sync.Map // map[int64]chan reply

	onEvent EventHandler
	onMeta  MetaHandler
	onClose func()

	closed   atomic.Bool
	closedCh chan struct{}
	done     chan struct{}
}

type reply struct {
	result       json.RawMessage
	err          *cdpPayloadErr
	disconnected bool
}

// New wraps conn in a Link and starts its read loop. onEvent/onMeta may be
// nil during tests that only exercise request/response correlation. onClose
// fires exactly once, however the link ends up closed, so callers can reset
// dependent state (the registry, subscriber notifications) uniformly.
func New(conn Conn, onEvent EventHandler, onMeta MetaHandler, onClose func()) *Link {
	l := &Link{
		conn:     conn,
		onEvent:  onEvent,
		onMeta:   onMeta,
		onClose:  onClose,
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Request allocates a relay-assigned id, sends a CDP command on the given
// session, and blocks until the matching reply arrives or the link closes.
func (l *Link) Request(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	return l.RequestWithExtra(ctx, sessionID, method, params, nil)
}

// RequestWithExtra behaves like Request but merges extra (unrecognized
// top-level fields the wire codec preserved off the originating client
// frame) into the outbound payload, so a verbatim forward stays
// forward-compatible per §4.1.
func (l *Link) RequestWithExtra(ctx context.Context, sessionID, method string, params json.RawMessage, extra map[string]json.RawMessage) (json.RawMessage, error) {
	id := l.nextID.Add(1)
	payload, err := marshalCDPCommand(id, method, params, extra)
	if err != nil {
		return nil, fmt.Errorf("marshal cdp payload: %w", err)
	}
	return l.roundTrip(ctx, id, Envelope{Type: FrameCDP, SessionID: sessionID, Payload: payload})
}

// RequestMeta allocates a relay-assigned id and sends a meta-level RPC to
// the extension (e.g. createTarget), blocking for the matching reply.
func (l *Link) RequestMeta(ctx context.Context, action string, data json.RawMessage) (json.RawMessage, error) {
	id := l.nextID.Add(1)
	payload, err := json.Marshal(metaPayload{ID: id, Action: action, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal meta payload: %w", err)
	}
	return l.roundTrip(ctx, id, Envelope{Type: FrameMeta, Payload: payload})
}

func (l *Link) roundTrip(ctx context.Context, id int64, env Envelope) (json.RawMessage, error) {
	if l.closed.Load() {
		return nil, ErrDisconnected
	}

	ch := make(chan reply, 1)
	l.pending.Store(id, ch)
	defer l.pending.Delete(id)

	if err := l.send(ctx, env); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.disconnected {
			return nil, ErrDisconnected
		}
		if r.err != nil {
			return nil, &ExtError{Code: r.err.Code, Message: r.err.Message}
		}
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closedCh:
		return nil, ErrDisconnected
	}
}

// Send enqueues a frame on the single-writer outbound queue without
// waiting for any reply, for fire-and-forget meta signals.
func (l *Link) Send(ctx context.Context, env Envelope) error {
	if l.closed.Load() {
		return ErrDisconnected
	}
	return l.send(ctx, env)
}

func (l *Link) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the link, resolving every pending waiter with
// ErrDisconnected. Safe to call multiple times.
func (l *Link) Close(reason string) error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closedCh)
	err := l.conn.Close(websocket.StatusInternalError, reason) // 1011: this relay's policy-close code
	<-l.done
	return err
}

// Closed reports whether the link has been torn down, used by status
// derivation (connected iff exactly one link is open).
func (l *Link) Closed() bool {
	return l.closed.Load()
}

func (l *Link) readLoop() {
	defer close(l.done)
	defer l.failPending()
	defer func() {
		if l.onClose != nil {
			l.onClose()
		}
	}()

	ctx := context.Background()
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			l.closed.Store(true)
			select {
			case <-l.closedCh:
			default:
				close(l.closedCh)
			}
			return
		}
		l.dispatch(data)
	}
}

func (l *Link) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return // malformed extension frame, drop
	}

	switch env.Type {
	case FrameCDP:
		var p cdpPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if p.ID != 0 {
			l.resolve(p.ID, reply{result: p.Result, err: p.Error})
			return
		}
		if p.Method != "" && l.onEvent != nil {
			l.onEvent(env.SessionID, p.Method, p.Params)
		}
	case FrameMeta:
		var p metaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if p.ID != 0 {
			l.resolve(p.ID, reply{result: p.Result, err: p.Error})
			return
		}
		if p.Kind != "" && l.onMeta != nil {
			l.onMeta(p.Kind, env.SessionID, p.Data)
		}
	}
}

func (l *Link) resolve(id int64, r reply) {
	if ch, ok := l.pending.LoadAndDelete(id); ok {
		select {
		case ch.(chan reply) <- r:
		default:
		}
	}
}

func (l *Link) failPending() {
	l.pending.Range(func(key, value any) bool {
		select {
		case value.(chan reply) <- reply{disconnected: true}:
		default:
		}
		l.pending.Delete(key)
		return true
	})
}
