// Package router is the command router: it decides, for every inbound
// client command, whether to synthesize a reply, rewrite it into page-scope
// equivalents, forward it verbatim to the extension, or reject it — and it
// fans extension events back out to subscribed clients.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cdprelay/cdprelay/internal/extlink"
	"github.com/cdprelay/cdprelay/internal/httpapi"
	"github.com/cdprelay/cdprelay/internal/registry"
	"github.com/cdprelay/cdprelay/internal/wire"
)

// Deliverer hands an encoded frame to a specific client's outbound mailbox.
// The client link implements this.
type Deliverer interface {
	Deliver(clientID string, data []byte)
}

// handlerFunc fully owns replying to (and possibly following up after) a
// command: it calls back into the router's reply/emit helpers itself,
// which lets Target.setDiscoverTargets answer once and then stream a
// variable number of attachedToTarget events in response order.
type handlerFunc func(rt *Router, ctx context.Context, clientID string, cmd *wire.Command)

// Router ties the registry, the extension link manager, and client
// delivery together. Its mutex is the single logical lock guarding the
// registry and the discovery-subscription set; it is held only across the
// small critical sections described in the concurrency model, never while
// sending or awaiting a reply.
type Router struct {
	mu       sync.Mutex
	reg      *registry.Registry
	discover map[string]bool

	ext     *extlink.Manager
	deliver Deliverer
	version string

	synth    map[string]handlerFunc
	rewrites map[string]handlerFunc
}

// New builds a router around a registry, an extension link manager, and a
// client deliverer. version is the product string returned from
// Browser.getVersion and served at /version for the lifecycle supervisor.
func New(reg *registry.Registry, ext *extlink.Manager, deliver Deliverer, version string) *Router {
	rt := &Router{
		reg:      reg,
		discover: make(map[string]bool),
		ext:      ext,
		deliver:  deliver,
		version:  version,
	}
	rt.synth = map[string]handlerFunc{
		"Target.getTargets":        synthGetTargets,
		"Target.setDiscoverTargets": synthEnableDiscovery,
		"Target.setAutoAttach":     synthEnableDiscovery,
		"Target.attachToTarget":    synthAttachToTarget,
		"Browser.getVersion":       synthGetVersion,
		"Target.createTarget":      synthCreateTarget,
	}
	rt.rewrites = map[string]handlerFunc{
		"Storage.getCookies":   rewriteGetCookies,
		"Storage.setCookies":   rewriteSetCookies,
		"Storage.clearCookies": rewriteClearCookies,
	}
	return rt
}

// ExtensionManager exposes the extension link manager the router reads link
// state from. The HTTP discovery surface does not use it; it derives the
// status snapshot through ExtensionStatus.
func (rt *Router) ExtensionManager() *extlink.Manager {
	return rt.ext
}

// SetDeliverer binds the client deliverer after construction, breaking the
// construction cycle between the router and the client link manager (each
// needs a reference to the other): relay.New builds the router first with a
// nil deliverer, builds the clientlink.Manager around it, then calls this.
func (rt *Router) SetDeliverer(d Deliverer) {
	rt.deliver = d
}

// ListTargets implements httpapi.Snapshotter for /json/list.
func (rt *Router) ListTargets() []registry.TargetInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.reg.ListTargets()
}

// ExtensionStatus implements httpapi.Snapshotter: connected iff exactly one
// extension link is open, pages projecting the current target set.
func (rt *Router) ExtensionStatus() httpapi.Status {
	rt.mu.Lock()
	targets := rt.reg.ListTargets()
	rt.mu.Unlock()
	return httpapi.Status{
		Connected: rt.ext.Connected(),
		PageCount: len(targets),
		Pages:     targets,
	}
}

// HandleClientFrame is the client link's single entry point for an inbound
// frame. A malformed frame gets -32600 back on whatever id (if any) could
// be recovered and the link stays open, per the wire codec's contract.
func (rt *Router) HandleClientFrame(ctx context.Context, clientID string, raw []byte) {
	cmd, err := wire.ParseCommand(raw)
	if err != nil {
		rt.replyError(clientID, recoverID(raw), wire.NewError(wire.CodeInvalidRequest, err.Error()))
		return
	}

	if handler, ok := rt.synth[cmd.Method]; ok {
		handler(rt, ctx, clientID, cmd)
		return
	}
	if handler, ok := rt.rewrites[cmd.Method]; ok {
		handler(rt, ctx, clientID, cmd)
		return
	}

	rt.mu.Lock()
	known := cmd.SessionID != "" && rt.reg.HasSession(cmd.SessionID)
	rt.mu.Unlock()

	if !known {
		rt.replyError(clientID, cmd.ID, wire.Errorf(wire.CodeMethodNotFound, "method not found: %s", cmd.Method))
		return
	}
	forward(rt, ctx, clientID, cmd)
}

// HandleClientClose reaps every registry subscription a closing client
// held. Pending forwards for that client are cancelled by the context the
// client link derives and passes to HandleClientFrame/forward; this only
// cleans up event routing.
func (rt *Router) HandleClientClose(clientID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.discover, clientID)
	rt.reg.UnsubscribeClient(clientID)
}

// OnExtensionEvent is wired as the extension link's event callback: a CDP
// domain event is fanned out to every client subscribed to its session, or
// broadcast to all clients if it is a browser-scope (session-less) event.
func (rt *Router) OnExtensionEvent(sessionID, method string, params json.RawMessage) {
	rt.mu.Lock()
	var targets []string
	if sessionID != "" {
		targets = rt.reg.Subscribers(sessionID)
	} else {
		targets = rt.reg.AllClientIDs()
	}
	rt.mu.Unlock()

	data, err := wire.EncodeEvent(&wire.Event{Method: method, Params: params, SessionID: sessionID})
	if err != nil {
		return
	}
	for _, cid := range targets {
		rt.deliver.Deliver(cid, data)
	}
}

// OnExtensionMeta is wired as the extension link's meta callback: target
// lifecycle notifications the extension reports unprompted.
func (rt *Router) OnExtensionMeta(kind, sessionID string, data json.RawMessage) {
	switch kind {
	case "targetAttached":
		rt.handleTargetAttached(data)
	case "targetDetached":
		rt.handleTargetDetached(data)
	case "targetInfoChanged":
		rt.handleTargetInfoChanged(data)
	}
}

// OnExtensionReplaced is wired as the extension manager's replacement
// signal: a second extension connected, so the prior one's targets are
// gone. Every previously subscribed client is told so, scoped per session.
func (rt *Router) OnExtensionReplaced() {
	rt.mu.Lock()
	details := rt.reg.ResetDetails()
	rt.mu.Unlock()
	rt.emitDetachedForEach(details)
}

// OnExtensionClosed is wired as the extension link's close callback: the
// link disconnected (gracefully or otherwise) with no replacement waiting.
// Every pending forward already failed inside extlink itself; this clears
// the registry and notifies subscribers exactly like a replacement would.
// If a replacement has already taken over by the time this fires (the
// async close of a replaced link racing the new link's acceptance), it is a
// no-op: OnExtensionReplaced already reset the registry for the new link.
func (rt *Router) OnExtensionClosed() {
	if rt.ext.Connected() {
		return
	}
	rt.mu.Lock()
	details := rt.reg.ResetDetails()
	rt.mu.Unlock()
	rt.emitDetachedForEach(details)
}

func (rt *Router) emitDetachedForEach(details []registry.DetachedSession) {
	for _, d := range details {
		data, err := wire.EncodeEvent(&wire.Event{
			Method:    "Target.detachedFromTarget",
			Params:    mustJSON(map[string]any{"sessionId": d.SessionID}),
			SessionID: d.SessionID,
		})
		if err != nil {
			continue
		}
		for _, cid := range d.Subscribers {
			rt.deliver.Deliver(cid, data)
		}
	}
}

func (rt *Router) handleTargetAttached(data json.RawMessage) {
	var in struct {
		TargetID  string `json:"targetId"`
		SessionID string `json:"sessionId"`
		URL       string `json:"url"`
		Title     string `json:"title"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.TargetID == "" || in.SessionID == "" {
		return
	}

	rt.mu.Lock()
	sid, isNew := rt.reg.Attach(in.TargetID, in.SessionID, in.URL, in.Title)
	var discoverers []string
	if isNew {
		for cid := range rt.discover {
			rt.reg.Subscribe(cid, sid)
			discoverers = append(discoverers, cid)
		}
	}
	rt.mu.Unlock()

	if !isNew {
		return
	}
	info := registry.TargetInfo{TargetID: in.TargetID, Type: "page", Title: in.Title, URL: in.URL, Attached: true}
	for _, cid := range discoverers {
		rt.emitTo(cid, "Target.attachedToTarget", map[string]any{
			"sessionId":          sid,
			"targetInfo":         info,
			"waitingForDebugger": false,
		}, "")
	}
}

func (rt *Router) handleTargetDetached(data json.RawMessage) {
	var in struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.TargetID == "" {
		return
	}

	rt.mu.Lock()
	sid, subs, ok := rt.reg.Detach(in.TargetID)
	rt.mu.Unlock()
	if !ok {
		return
	}
	for _, cid := range subs {
		rt.emitTo(cid, "Target.detachedFromTarget", map[string]any{"sessionId": sid}, sid)
	}
}

func (rt *Router) handleTargetInfoChanged(data json.RawMessage) {
	var in struct {
		TargetID string `json:"targetId"`
		URL      string `json:"url"`
		Title    string `json:"title"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.TargetID == "" {
		return
	}

	rt.mu.Lock()
	rt.reg.Update(in.TargetID, in.URL, in.Title)
	sid, hasSession := rt.reg.SessionForTarget(in.TargetID)
	var subs []string
	if hasSession {
		subs = rt.reg.Subscribers(sid)
	}
	rt.mu.Unlock()

	if !hasSession {
		return
	}
	info := registry.TargetInfo{TargetID: in.TargetID, Type: "page", Title: in.Title, URL: in.URL, Attached: true}
	for _, cid := range subs {
		rt.emitTo(cid, "Target.targetInfoChanged", map[string]any{"targetInfo": info}, sid)
	}
}

func (rt *Router) emitTo(clientID, method string, params any, sessionID string) {
	data, err := wire.EncodeEvent(&wire.Event{Method: method, Params: mustJSON(params), SessionID: sessionID})
	if err != nil {
		return
	}
	rt.deliver.Deliver(clientID, data)
}

func (rt *Router) replyResult(clientID string, id int64, result any) {
	data, err := wire.EncodeResponse(&wire.Response{ID: id, Result: mustJSON(result)})
	if err != nil {
		return
	}
	rt.deliver.Deliver(clientID, data)
}

func (rt *Router) replyRaw(clientID string, id int64, result json.RawMessage) {
	data, err := wire.EncodeResponse(&wire.Response{ID: id, Result: result})
	if err != nil {
		return
	}
	rt.deliver.Deliver(clientID, data)
}

func (rt *Router) replyError(clientID string, id int64, cdpErr *wire.CDPError) {
	data, err := wire.EncodeResponse(&wire.Response{ID: id, Error: cdpErr})
	if err != nil {
		return
	}
	rt.deliver.Deliver(clientID, data)
}

// replyExtensionErr translates an error from the extension link into the
// CDP error the router sends back to the client.
func (rt *Router) replyExtensionErr(clientID string, id int64, err error) {
	var extErr *extlink.ExtError
	switch {
	case errors.Is(err, extlink.ErrDisconnected):
		rt.replyError(clientID, id, wire.NewError(wire.CodeExtensionDisconnected, "extension disconnected"))
	case errors.As(err, &extErr):
		rt.replyError(clientID, id, wire.NewError(extErr.Code, extErr.Message))
	default:
		rt.replyError(clientID, id, wire.Errorf(wire.CodeInternalError, "%v", err))
	}
}

func forward(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	link := rt.ext.Current()
	if link == nil {
		rt.replyError(clientID, cmd.ID, wire.NewError(wire.CodeExtensionDisconnected, "extension disconnected"))
		return
	}
	result, err := link.RequestWithExtra(ctx, cmd.SessionID, cmd.Method, cmd.Params, cmd.Extra)
	if err != nil {
		rt.replyExtensionErr(clientID, cmd.ID, err)
		return
	}
	rt.replyRaw(clientID, cmd.ID, result)
}

func mustJSON(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// recoverID best-effort extracts an id from an otherwise-unparseable frame
// so the invalid-request error can still echo the sender's original id.
func recoverID(raw []byte) int64 {
	var probe struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.ID
}
