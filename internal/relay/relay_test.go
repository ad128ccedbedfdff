package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cdprelay/cdprelay/internal/config"
)

// newTestServer builds a Server and wraps it in an httptest.Server driven by
// the same handler path relay.Serve would install, without binding a real
// loopback port (httptest picks an ephemeral one and manages lifecycle).
func newTestServer(t *testing.T) (s *Server, httpSrv *httptest.Server, wsURL func(path string) string) {
	t.Helper()
	cfg := config.DefaultConfig()
	s = New(cfg, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/extension", s.handleExtensionUpgrade)
	mux.HandleFunc("/client/{clientId}", s.handleClientUpgrade)
	mux.Handle("/", s.api.Mux())

	httpSrv = httptest.NewServer(s.authMiddleware(mux))
	t.Cleanup(httpSrv.Close)

	_, port, err := net.SplitHostPort(strings.TrimPrefix(httpSrv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	_ = p

	return s, httpSrv, func(path string) string {
		return "ws" + strings.TrimPrefix(httpSrv.URL, "http") + path
	}
}

func TestVersionEndpointServesConfiguredVersion(t *testing.T) {
	_, httpSrv, _ := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] == "" {
		t.Fatal("expected a non-empty version")
	}
}

func TestExtensionAndClientEndToEndCookieRewrite(t *testing.T) {
	_, _, wsURL := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extConn, _, err := websocket.Dial(ctx, wsURL("/extension"), nil)
	if err != nil {
		t.Fatalf("dial extension: %v", err)
	}
	defer extConn.Close(websocket.StatusNormalClosure, "")

	// Extension reports one attached target.
	sendMeta(t, ctx, extConn, "targetAttached", map[string]any{
		"targetId": "T1", "sessionId": "S1", "url": "https://example.com/", "title": "Example",
	})

	clientConn, _, err := websocket.Dial(ctx, wsURL("/client/c1"), nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer clientConn.Close(websocket.StatusNormalClosure, "")

	// Respond to the extension-bound Network.getCookies the rewrite issues.
	go func() {
		_, data, err := extConn.Read(ctx)
		if err != nil {
			return
		}
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		_ = json.Unmarshal(data, &env)
		var p struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		reply, _ := json.Marshal(struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: p.ID, Result: json.RawMessage(`{"cookies":[{"name":"s","value":"1","domain":"example.com","path":"/"}]}`)})
		env2, _ := json.Marshal(struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}{Type: "cdp", Payload: reply})
		_ = extConn.Write(ctx, websocket.MessageText, env2)
	}()

	if err := clientConn.Write(ctx, websocket.MessageText, []byte(`{"id":1,"method":"Storage.getCookies"}`)); err != nil {
		t.Fatal(err)
	}

	_, data, err := clientConn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var reply struct {
		ID     int64 `json:"id"`
		Result struct {
			Cookies []struct{ Name string } `json:"cookies"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v, data=%s", err, data)
	}
	if reply.ID != 1 || len(reply.Result.Cookies) != 1 || reply.Result.Cookies[0].Name != "s" {
		t.Fatalf("unexpected reply: %s", data)
	}
}

func sendMeta(t *testing.T, ctx context.Context, conn *websocket.Conn, kind string, data any) {
	t.Helper()
	dataJSON, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: kind, Data: dataJSON})
	if err != nil {
		t.Fatal(err)
	}
	env, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: "meta", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, env); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
}
