package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cdprelay/cdprelay/internal/extlink"
	"github.com/cdprelay/cdprelay/internal/registry"
)

type fakeConn struct {
	inbox  chan []byte
	outbox chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 32), outbox: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.inbox:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, context.Canceled
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	f.outbox <- append([]byte(nil), p...)
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type fakeDeliverer struct {
	mu  chan struct{}
	out map[string][][]byte
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{mu: make(chan struct{}, 1), out: make(map[string][][]byte)}
}

func (d *fakeDeliverer) Deliver(clientID string, data []byte) {
	d.mu <- struct{}{}
	d.out[clientID] = append(d.out[clientID], append([]byte(nil), data...))
	<-d.mu
}

func (d *fakeDeliverer) messages(clientID string) [][]byte {
	d.mu <- struct{}{}
	defer func() { <-d.mu }()
	return append([][]byte(nil), d.out[clientID]...)
}

// extensionFixture wires a router to a fake extension connection driven
// entirely by the test via conn.inbox/outbox.
type extensionFixture struct {
	router  *Router
	deliver *fakeDeliverer
	conn    *fakeConn
}

func newExtensionFixture(t *testing.T) *extensionFixture {
	t.Helper()
	reg := registry.New()
	mgr := extlink.NewManager()
	deliver := newFakeDeliverer()
	rt := New(reg, mgr, deliver, "cdprelay/test")

	conn := newFakeConn()
	link, _ := mgr.Accept(conn, rt.OnExtensionEvent, rt.OnExtensionMeta, rt.OnExtensionClosed)
	t.Cleanup(func() {
		// Close whichever link is current (a test may have replaced the
		// first one) so no read loop outlives the test.
		if cur := mgr.Current(); cur != nil {
			cur.Close("test done")
		}
		link.Close("test done")
	})

	return &extensionFixture{router: rt, deliver: deliver, conn: conn}
}

func (f *extensionFixture) attachTarget(t *testing.T, targetID, sessionID, url, title string) {
	t.Helper()
	meta := metaNotification(t, "targetAttached", map[string]any{
		"targetId": targetID, "sessionId": sessionID, "url": url, "title": title,
	})
	f.conn.inbox <- meta
	waitForDelivery()
}

func metaNotification(t *testing.T, kind string, data any) []byte {
	t.Helper()
	dataJSON, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	metaPayload, err := json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: kind, Data: dataJSON})
	if err != nil {
		t.Fatalf("marshal meta payload: %v", err)
	}
	env, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: "meta", Payload: metaPayload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return env
}

func waitForDelivery() { time.Sleep(20 * time.Millisecond) }

func TestDiscoveryHandshakeReplaysExistingTargets(t *testing.T) {
	f := newExtensionFixture(t)
	f.attachTarget(t, "T1", "S1", "https://example.com/", "Example")

	f.router.HandleClientFrame(context.Background(), "c1",
		[]byte(`{"id":4,"method":"Target.setDiscoverTargets","params":{"discover":true}}`))

	msgs := f.deliver.messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("expected reply + one attachedToTarget event, got %d: %s", len(msgs), msgs)
	}

	var reply struct {
		ID     int64          `json:"id"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(msgs[0], &reply); err != nil || reply.ID != 4 {
		t.Fatalf("unexpected reply: %s", msgs[0])
	}

	var evt struct {
		Method string `json:"method"`
		Params struct {
			SessionID string `json:"sessionId"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msgs[1], &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Method != "Target.attachedToTarget" || evt.Params.SessionID != "S1" {
		t.Fatalf("unexpected event: %s", msgs[1])
	}
}

func TestCookieReadRewrite(t *testing.T) {
	f := newExtensionFixture(t)
	f.attachTarget(t, "T1", "S1", "https://example.com/", "Example")

	go func() {
		sent := <-f.conn.outbox
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		json.Unmarshal(sent, &env)
		var p struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		json.Unmarshal(env.Payload, &p)
		if p.Method != "Network.getCookies" {
			t.Errorf("expected Network.getCookies, got %s", p.Method)
		}
		reply, _ := json.Marshal(struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: p.ID, Result: json.RawMessage(`{"cookies":[{"name":"s","value":"1","domain":"example.com","path":"/"}]}`)})
		env2, _ := json.Marshal(struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}{Type: "cdp", Payload: reply})
		f.conn.inbox <- env2
	}()

	f.router.HandleClientFrame(context.Background(), "c1", []byte(`{"id":1,"method":"Storage.getCookies"}`))
	waitForDelivery()

	msgs := f.deliver.messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 reply, got %d", len(msgs))
	}
	var reply struct {
		ID     int64 `json:"id"`
		Result struct {
			Cookies []struct{ Name string } `json:"cookies"`
		} `json:"result"`
	}
	if err := json.Unmarshal(msgs[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.ID != 1 || len(reply.Result.Cookies) != 1 || reply.Result.Cookies[0].Name != "s" {
		t.Fatalf("unexpected reply: %s", msgs[0])
	}
}

func TestNoSessionReturnsDashError(t *testing.T) {
	f := newExtensionFixture(t)

	f.router.HandleClientFrame(context.Background(), "c1", []byte(`{"id":3,"method":"Storage.getCookies"}`))
	waitForDelivery()

	msgs := f.deliver.messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 reply, got %d", len(msgs))
	}
	var reply struct {
		ID    int64 `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msgs[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error.Code != -32000 {
		t.Fatalf("expected code -32000, got %d", reply.Error.Code)
	}
}

func TestMalformedFrameReturnsInvalidRequest(t *testing.T) {
	f := newExtensionFixture(t)

	f.router.HandleClientFrame(context.Background(), "c1", []byte(`not json`))
	waitForDelivery()

	msgs := f.deliver.messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 reply, got %d", len(msgs))
	}
	var reply struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msgs[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error.Code != -32600 {
		t.Fatalf("expected code -32600, got %d", reply.Error.Code)
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	f := newExtensionFixture(t)

	f.router.HandleClientFrame(context.Background(), "c1", []byte(`{"id":9,"method":"Foo.bar"}`))
	waitForDelivery()

	msgs := f.deliver.messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 reply, got %d", len(msgs))
	}
	var reply struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msgs[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error.Code != -32601 {
		t.Fatalf("expected code -32601, got %d", reply.Error.Code)
	}
}

func TestClearCookiesZeroCookiesIsOneExtensionCall(t *testing.T) {
	f := newExtensionFixture(t)
	f.attachTarget(t, "T1", "S1", "https://example.com/", "Example")

	calls := 0
	go func() {
		sent := <-f.conn.outbox
		calls++
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		json.Unmarshal(sent, &env)
		var p struct {
			ID int64 `json:"id"`
		}
		json.Unmarshal(env.Payload, &p)
		reply, _ := json.Marshal(struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: p.ID, Result: json.RawMessage(`{"cookies":[]}`)})
		env2, _ := json.Marshal(struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}{Type: "cdp", Payload: reply})
		f.conn.inbox <- env2
	}()

	f.router.HandleClientFrame(context.Background(), "c1", []byte(`{"id":2,"method":"Storage.clearCookies"}`))
	waitForDelivery()

	if calls != 1 {
		t.Fatalf("expected exactly 1 extension call, got %d", calls)
	}
	msgs := f.deliver.messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 reply, got %d", len(msgs))
	}
}

func TestExtensionReplacementDetachesAllSessions(t *testing.T) {
	f := newExtensionFixture(t)
	f.attachTarget(t, "T1", "S1", "https://example.com/", "Example")
	f.router.HandleClientFrame(context.Background(), "c1",
		[]byte(`{"id":4,"method":"Target.setDiscoverTargets","params":{"discover":true}}`))
	waitForDelivery()
	f.deliver.out["c1"] = nil // clear the handshake replay for a clean assertion

	conn2 := newFakeConn()
	mgr := f.router.ExtensionManager()
	_, replaced := mgr.Accept(conn2, f.router.OnExtensionEvent, f.router.OnExtensionMeta, nil)
	if !replaced {
		t.Fatal("expected replacement to be reported")
	}
	f.router.OnExtensionReplaced()
	waitForDelivery()

	msgs := f.deliver.messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 detachedFromTarget event, got %d", len(msgs))
	}
	var evt struct {
		Method string `json:"method"`
	}
	json.Unmarshal(msgs[0], &evt)
	if evt.Method != "Target.detachedFromTarget" {
		t.Fatalf("expected detachedFromTarget, got %s", msgs[0])
	}
}
