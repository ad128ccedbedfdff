package router

import (
	"context"
	"encoding/json"

	"github.com/cdprelay/cdprelay/internal/wire"
)

// synthGetTargets answers Target.getTargets from the registry snapshot,
// shaped as Target.TargetInfo[].
func synthGetTargets(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	rt.mu.Lock()
	targets := rt.reg.ListTargets()
	rt.mu.Unlock()
	rt.replyResult(clientID, cmd.ID, map[string]any{"targetInfos": targets})
}

// synthEnableDiscovery answers Target.setDiscoverTargets/setAutoAttach
// with an empty result, then replays one Target.attachedToTarget per
// existing target to the requesting client. Every call replays every
// existing target again, so a client that calls it twice receives a second
// attachedToTarget per target; targets attached later are announced once,
// when they attach, since only new targets (isNew) are emitted.
func synthEnableDiscovery(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	rt.mu.Lock()
	rt.discover[clientID] = true
	attached := rt.reg.ListAttached()
	for _, a := range attached {
		rt.reg.Subscribe(clientID, a.SessionID)
	}
	rt.mu.Unlock()

	rt.replyResult(clientID, cmd.ID, map[string]any{})

	for _, a := range attached {
		rt.emitTo(clientID, "Target.attachedToTarget", map[string]any{
			"sessionId":          a.SessionID,
			"targetInfo":         a.Info,
			"waitingForDebugger": false,
		}, "")
	}
}

// synthAttachToTarget binds the requesting client to an existing target's
// session and returns its sessionId.
func synthAttachToTarget(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil || params.TargetID == "" {
		rt.replyError(clientID, cmd.ID, wire.NewError(wire.CodeInvalidParams, "attachToTarget requires targetId"))
		return
	}

	rt.mu.Lock()
	sid, ok := rt.reg.SessionForTarget(params.TargetID)
	if ok {
		rt.reg.Subscribe(clientID, sid)
	}
	rt.mu.Unlock()

	if !ok {
		rt.replyError(clientID, cmd.ID, wire.Errorf(wire.CodeInvalidParams, "unknown targetId %q", params.TargetID))
		return
	}
	rt.replyResult(clientID, cmd.ID, map[string]any{"sessionId": sid})
}

// synthGetVersion answers Browser.getVersion with a stable product string
// identifying the relay, never contacting the extension.
func synthGetVersion(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	rt.replyResult(clientID, cmd.ID, map[string]any{
		"protocolVersion": "1.3",
		"product":         rt.version,
		"revision":        "",
		"userAgent":       "cdprelay/" + rt.version,
		"jsVersion":       "",
	})
}

// synthCreateTarget forwards Target.createTarget to the extension as a
// meta-level RPC: target creation is a browser operation the extension
// performs, not something any existing session can be asked to do.
func synthCreateTarget(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	link := rt.ext.Current()
	if link == nil {
		rt.replyError(clientID, cmd.ID, wire.NewError(wire.CodeExtensionDisconnected, "extension disconnected"))
		return
	}
	result, err := link.RequestMeta(ctx, "createTarget", cmd.Params)
	if err != nil {
		rt.replyExtensionErr(clientID, cmd.ID, err)
		return
	}
	rt.replyRaw(clientID, cmd.ID, result)
}

// rewriteGetCookies rewrites Storage.getCookies to Network.getCookies with
// empty urls on the earliest-attached live session.
func rewriteGetCookies(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	sid, link, ok := rt.pickRewriteSession(clientID, cmd.ID, "Storage.getCookies")
	if !ok {
		return
	}
	result, err := link.Request(ctx, sid, "Network.getCookies", json.RawMessage(`{}`))
	if err != nil {
		rt.replyExtensionErr(clientID, cmd.ID, err)
		return
	}
	rt.replyRaw(clientID, cmd.ID, result)
}

// rewriteSetCookies rewrites Storage.setCookies to Network.setCookies on
// the earliest-attached live session, stripping browserContextId (a
// browser-scope concept with no page-level equivalent).
func rewriteSetCookies(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	sid, link, ok := rt.pickRewriteSession(clientID, cmd.ID, "Storage.setCookies")
	if !ok {
		return
	}

	var params struct {
		Cookies json.RawMessage `json:"cookies"`
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		rt.replyError(clientID, cmd.ID, wire.NewError(wire.CodeInvalidParams, "setCookies requires cookies"))
		return
	}

	forwardParams, err := json.Marshal(map[string]any{"cookies": params.Cookies})
	if err != nil {
		rt.replyError(clientID, cmd.ID, wire.NewError(wire.CodeInvalidParams, "malformed cookies"))
		return
	}

	result, err := link.Request(ctx, sid, "Network.setCookies", forwardParams)
	if err != nil {
		rt.replyExtensionErr(clientID, cmd.ID, err)
		return
	}
	rt.replyRaw(clientID, cmd.ID, result)
}

type cookieRecord struct {
	Name         string          `json:"name"`
	Domain       string          `json:"domain"`
	Path         string          `json:"path"`
	PartitionKey json.RawMessage `json:"partitionKey,omitempty"`
}

// rewriteClearCookies fetches the live cookie set and deletes each one in
// iteration order. It continues past individual failures and returns the
// first error only if zero deletions succeeded, per the formalized
// partial-failure policy.
func rewriteClearCookies(rt *Router, ctx context.Context, clientID string, cmd *wire.Command) {
	sid, link, ok := rt.pickRewriteSession(clientID, cmd.ID, "Storage.clearCookies")
	if !ok {
		return
	}

	result, err := link.Request(ctx, sid, "Network.getCookies", json.RawMessage(`{}`))
	if err != nil {
		rt.replyExtensionErr(clientID, cmd.ID, err)
		return
	}

	var cookies struct {
		Cookies []cookieRecord `json:"cookies"`
	}
	if err := json.Unmarshal(result, &cookies); err != nil {
		rt.replyError(clientID, cmd.ID, wire.NewError(wire.CodeInvalidParams, "malformed cookie list from extension"))
		return
	}

	var firstErr error
	successCount := 0
	for _, c := range cookies.Cookies {
		delParams := map[string]any{"name": c.Name, "domain": c.Domain}
		if c.Path != "" {
			delParams["path"] = c.Path
		}
		if len(c.PartitionKey) > 0 {
			delParams["partitionKey"] = c.PartitionKey
		}
		data, merr := json.Marshal(delParams)
		if merr != nil {
			if firstErr == nil {
				firstErr = merr
			}
			continue
		}
		if _, derr := link.Request(ctx, sid, "Network.deleteCookies", data); derr != nil {
			if firstErr == nil {
				firstErr = derr
			}
			continue
		}
		successCount++
	}

	if successCount == 0 && firstErr != nil {
		rt.replyExtensionErr(clientID, cmd.ID, firstErr)
		return
	}
	rt.replyResult(clientID, cmd.ID, map[string]any{})
}

// pickRewriteSession resolves the deterministic session a Storage.* rewrite
// runs against, replying with the appropriate error and returning ok=false
// when no session or extension is available.
func (rt *Router) pickRewriteSession(clientID string, id int64, method string) (sessionID string, link rewriteLink, ok bool) {
	rt.mu.Lock()
	sid, found := rt.reg.EarliestSession()
	rt.mu.Unlock()
	if !found {
		rt.replyError(clientID, id, wire.Errorf(wire.CodeNoSession, "no page context available for %s", method))
		return "", nil, false
	}

	l := rt.ext.Current()
	if l == nil {
		rt.replyError(clientID, id, wire.NewError(wire.CodeExtensionDisconnected, "extension disconnected"))
		return "", nil, false
	}
	return sid, l, true
}

// rewriteLink is the subset of *extlink.Link the rewrite handlers need;
// declared narrowly so handlers.go does not have to know about extlink's
// full surface.
type rewriteLink interface {
	Request(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error)
}
