// Package registry tracks targets, sessions, and client↔session
// subscriptions for the relay. A Registry holds no lock of its own: the
// router serializes every access behind its single mutex, and long
// operations (sending frames, waiting on replies) never run while that
// mutex is held.
package registry

import "sort"

// TargetInfo is the CDP-shaped descriptor returned by Target.getTargets and
// carried on Target.attachedToTarget/targetInfoChanged events.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

type target struct {
	info     TargetInfo
	seq      int // attachment order
	sessionID string
}

type session struct {
	sessionID string
	targetID  string
	domains   map[string]bool
	outSeq    uint64 // monotonically increasing outbound event counter
	subs      map[string]bool // clientIDs subscribed to this session's events
}

// Registry is the relay's single source of truth for targets and sessions.
// It has no knowledge of transports; callers (the router) decide what to do
// with the events it reports.
type Registry struct {
	targets  map[string]*target  // targetID -> target
	sessions map[string]*session // sessionID -> session
	order    []string            // targetIDs in attachment order
	nextSeq  int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		targets:  make(map[string]*target),
		sessions: make(map[string]*session),
	}
}

// Attach records a newly reported target/session pair. It is idempotent: a
// second attach for a known targetId returns the existing sessionId and
// isNew=false.
func (r *Registry) Attach(targetID, sessionID, url, title string) (resolvedSessionID string, isNew bool) {
	if t, ok := r.targets[targetID]; ok {
		return t.sessionID, false
	}

	r.nextSeq++
	t := &target{
		info: TargetInfo{
			TargetID: targetID,
			Type:     "page",
			Title:    title,
			URL:      url,
			Attached: true,
		},
		seq:       r.nextSeq,
		sessionID: sessionID,
	}
	r.targets[targetID] = t
	r.order = append(r.order, targetID)

	r.sessions[sessionID] = &session{
		sessionID: sessionID,
		targetID:  targetID,
		domains:   make(map[string]bool),
		subs:      make(map[string]bool),
	}

	return sessionID, true
}

// Detach removes a target and its session. It returns the prior sessionId
// and the set of clientIds that were subscribed to it, so the caller can
// emit a synthetic Target.detachedFromTarget to each before dropping the
// entry.
func (r *Registry) Detach(targetID string) (sessionID string, subscribers []string, ok bool) {
	t, exists := r.targets[targetID]
	if !exists {
		return "", nil, false
	}

	sessionID = t.sessionID
	if s, exists := r.sessions[sessionID]; exists {
		subscribers = subscriberList(s.subs)
		delete(r.sessions, sessionID)
	}

	delete(r.targets, targetID)
	for i, id := range r.order {
		if id == targetID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	return sessionID, subscribers, true
}

// Update refreshes a target's URL/title, e.g. on Target.targetInfoChanged.
func (r *Registry) Update(targetID, url, title string) {
	t, ok := r.targets[targetID]
	if !ok {
		return
	}
	if url != "" {
		t.info.URL = url
	}
	if title != "" {
		t.info.Title = title
	}
}

// Subscribe binds a client to a session's event stream.
func (r *Registry) Subscribe(clientID, sessionID string) bool {
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.subs[clientID] = true
	return true
}

// Unsubscribe removes a single client/session binding.
func (r *Registry) Unsubscribe(clientID, sessionID string) {
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.subs, clientID)
	}
}

// UnsubscribeClient removes a client from every session it was subscribed
// to, e.g. when its link closes.
func (r *Registry) UnsubscribeClient(clientID string) {
	for _, s := range r.sessions {
		delete(s.subs, clientID)
	}
}

// Subscribers returns the clientIds currently subscribed to sessionID.
func (r *Registry) Subscribers(sessionID string) []string {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return subscriberList(s.subs)
}

// AllClientIDs returns every clientId subscribed to any session, used for
// broadcasting session-less (browser-scope) events.
func (r *Registry) AllClientIDs() []string {
	seen := make(map[string]bool)
	for _, s := range r.sessions {
		for id := range s.subs {
			seen[id] = true
		}
	}
	return subscriberList(seen)
}

// SessionTarget returns the targetId a session is bound to.
func (r *Registry) SessionTarget(sessionID string) (string, bool) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.targetID, true
}

// SessionForTarget returns the current sessionId for a known targetId.
func (r *Registry) SessionForTarget(targetID string) (string, bool) {
	t, ok := r.targets[targetID]
	if !ok {
		return "", false
	}
	return t.sessionID, true
}

// HasSession reports whether sessionID names a live session.
func (r *Registry) HasSession(sessionID string) bool {
	_, ok := r.sessions[sessionID]
	return ok
}

// ListTargets returns target descriptors ordered by attachment time
// ascending, ties broken by targetId lexicographic order (ties cannot
// actually occur since attachment order is strictly increasing, but the
// rule is kept explicit per spec).
func (r *Registry) ListTargets() []TargetInfo {
	type entry struct {
		info TargetInfo
		seq  int
	}
	entries := make([]entry, 0, len(r.targets))
	for _, t := range r.targets {
		entries = append(entries, entry{info: t.info, seq: t.seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seq != entries[j].seq {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].info.TargetID < entries[j].info.TargetID
	})

	out := make([]TargetInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}

// AttachedTarget pairs a target descriptor with its current sessionId.
type AttachedTarget struct {
	SessionID string
	Info      TargetInfo
}

// ListAttached returns every target with its sessionId, in attachment
// order, for replaying Target.attachedToTarget to a newly discovering
// client.
func (r *Registry) ListAttached() []AttachedTarget {
	type entry struct {
		at  AttachedTarget
		seq int
	}
	entries := make([]entry, 0, len(r.targets))
	for _, t := range r.targets {
		entries = append(entries, entry{at: AttachedTarget{SessionID: t.sessionID, Info: t.info}, seq: t.seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seq != entries[j].seq {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].at.Info.TargetID < entries[j].at.Info.TargetID
	})
	out := make([]AttachedTarget, len(entries))
	for i, e := range entries {
		out[i] = e.at
	}
	return out
}

// EarliestSession returns the sessionId of the earliest-attached target
// that still has a live session, used by the router's cookie rewrite rule.
func (r *Registry) EarliestSession() (sessionID string, ok bool) {
	best := -1
	for _, targetID := range r.order {
		t := r.targets[targetID]
		if best == -1 || t.seq < best {
			best = t.seq
			sessionID = t.sessionID
			ok = true
		}
	}
	return sessionID, ok
}

// NextOutSeq increments and returns the outbound event sequence number for
// a session; ok is false for an unknown session.
func (r *Registry) NextOutSeq(sessionID string) (uint64, bool) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	s.outSeq++
	return s.outSeq, true
}

// DetachedSession is one entry of a ResetDetails report: a session that
// existed at reset time together with the clients that were subscribed to
// it, so the caller can emit a per-session Target.detachedFromTarget to
// exactly the clients that need one.
type DetachedSession struct {
	SessionID   string
	Subscribers []string
}

// Reset clears every target and session, used when the extension link is
// replaced: the new extension re-reports its targets from scratch. It
// returns the union of clients that were subscribed to anything.
func (r *Registry) Reset() (allSubscribers []string) {
	allSubscribers = r.AllClientIDs()
	r.targets = make(map[string]*target)
	r.sessions = make(map[string]*session)
	r.order = nil
	return allSubscribers
}

// ResetDetails behaves like Reset but reports subscribers per session, so
// each one can receive a correctly-scoped Target.detachedFromTarget event.
func (r *Registry) ResetDetails() []DetachedSession {
	out := make([]DetachedSession, 0, len(r.sessions))
	for sid, s := range r.sessions {
		out = append(out, DetachedSession{SessionID: sid, Subscribers: subscriberList(s.subs)})
	}
	r.targets = make(map[string]*target)
	r.sessions = make(map[string]*session)
	r.order = nil
	return out
}

func subscriberList(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
