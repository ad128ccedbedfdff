// Package relay wires the registry, router, extension link, client link, and
// HTTP discovery surface into one process: it binds the loopback port,
// authenticates non-loopback connections, and dispatches the two WebSocket
// upgrade paths.
package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/cdprelay/cdprelay/internal/clientlink"
	"github.com/cdprelay/cdprelay/internal/config"
	"github.com/cdprelay/cdprelay/internal/extlink"
	"github.com/cdprelay/cdprelay/internal/httpapi"
	"github.com/cdprelay/cdprelay/internal/logx"
	"github.com/cdprelay/cdprelay/internal/registry"
	"github.com/cdprelay/cdprelay/internal/router"
)

// ErrPortInUse is returned by Server.Bind when the configured port is
// already held by something else.
var ErrPortInUse = errors.New("relay: port already in use")

// Server owns the whole relay process: it binds the port before doing any
// other work (so the lifecycle supervisor's readiness check is equivalent to
// "the port serves the expected version"), then serves HTTP discovery and
// both WebSocket upgrade paths until its context is cancelled.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	reg     *registry.Registry
	ext     *extlink.Manager
	clients *clientlink.Manager
	router  *router.Router
	api     *httpapi.Handler

	ln  net.Listener
	srv *http.Server
}

// New constructs a Server around cfg, wiring the registry, router, and both
// link managers together. log may be logx.Discard in tests.
func New(cfg config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = logx.Discard
	}

	s := &Server{cfg: cfg, log: log}
	s.reg = registry.New()
	s.ext = extlink.NewManager()

	clientRootWSURL := fmt.Sprintf("ws://%s:%d/%s/default", loopbackHostForDisplay(cfg.Host), cfg.Port, cfg.ClientRoot)

	s.router = router.New(s.reg, s.ext, nil, config.Version)
	s.clients = clientlink.NewManager(s.router)
	s.router.SetDeliverer(s.clients)
	s.api = httpapi.New(s.router, config.Version, clientRootWSURL)

	return s
}

func loopbackHostForDisplay(host string) string {
	if host == "" {
		return "127.0.0.1"
	}
	return host
}

// Bind opens the listening socket. It must succeed before any other startup
// work happens: the lifecycle supervisor relies on "port serves expected
// version" being equivalent to "this process bound the port". Returns
// ErrPortInUse (wrapped) if the bind fails.
func (s *Server) Bind() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPortInUse, s.cfg.Addr(), err)
	}
	s.ln = ln
	return nil
}

// Serve runs the HTTP server on the already-bound listener until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Bind(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/extension", s.handleExtensionUpgrade)
	mux.HandleFunc(fmt.Sprintf("/%s/{clientId}", s.cfg.ClientRoot), s.handleClientUpgrade)
	// More specific patterns above win over this catch-all per Go's
	// ServeMux precedence rules, so the discovery mux only ever sees the
	// exact GET paths it defines (/version, /json/version, /json/list,
	// /json, /extension-status).
	mux.Handle("/", s.api.Mux())

	s.srv = &http.Server{Handler: s.authMiddleware(mux)}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()

	select {
	case <-ctx.Done():
		_ = s.srv.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authMiddleware refuses non-loopback connections unless an auth token is
// configured and supplied via header or query parameter, compared in
// constant time.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Loopback() {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.Token == "" {
			http.Error(w, "auth token required for non-loopback access", http.StatusForbidden)
			return
		}
		supplied := r.Header.Get("X-CDP-Relay-Token")
		if supplied == "" {
			supplied = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.Token)) != 1 {
			http.Error(w, "invalid auth token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleExtensionUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Error("extension websocket accept failed", "err", err)
		return
	}

	link, replaced := s.ext.Accept(conn, s.router.OnExtensionEvent, s.router.OnExtensionMeta, s.router.OnExtensionClosed)
	s.log.Info("extension connected", "replaced", replaced)
	if replaced {
		s.router.OnExtensionReplaced()
	}
	_ = link
}

func (s *Server) handleClientUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	if clientID == "" || len(clientID) > 64 {
		http.Error(w, "invalid clientId", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Error("client websocket accept failed", "clientId", clientID, "err", err)
		return
	}

	s.clients.Accept(clientID, conn)
	s.log.Info("client connected", "clientId", clientID)
}

// Router exposes the router for in-process callers that need to observe
// relay state without going through HTTP.
func (s *Server) Router() *router.Router { return s.router }
