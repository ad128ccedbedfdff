// Package httpapi serves the relay's tiny HTTP discovery surface: version
// probe, target list, and extension status, in the /json/version shapes CDP
// clients expect from a real browser endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cdprelay/cdprelay/internal/registry"
)

// Snapshotter is the subset of router state httpapi needs: the target list
// and the extension status snapshot. The router implements this.
type Snapshotter interface {
	ListTargets() []registry.TargetInfo
	ExtensionStatus() Status
}

// Status is the extension status snapshot: { connected, pageCount, pages[] }.
type Status struct {
	Connected bool                   `json:"connected"`
	PageCount int                    `json:"pageCount"`
	Pages     []registry.TargetInfo  `json:"pages"`
}

// Handler builds the /version, /json/version, /json/list, and
// /extension-status HTTP mux.
type Handler struct {
	snap    Snapshotter
	version string
	wsURL   string // default client-root webSocketDebuggerUrl, e.g. ws://127.0.0.1:19988/client/default
}

// New builds the discovery handler. version is the product string shared
// with Browser.getVersion; wsURL is the default client debugger URL
// advertised by /json/version.
func New(snap Snapshotter, version, wsURL string) *Handler {
	return &Handler{snap: snap, version: version, wsURL: wsURL}
}

// Mux returns an http.Handler serving every discovery endpoint.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/version", h.handleVersion)
	mux.HandleFunc("/json/version", h.handleJSONVersion)
	mux.HandleFunc("/json/list", h.handleJSONList)
	mux.HandleFunc("/json", h.handleJSONList) // CDP clients also probe the bare /json alias
	mux.HandleFunc("/extension-status", h.handleExtensionStatus)
	return mux
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

func (h *Handler) handleJSONVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"Browser":               h.version,
		"Protocol-Version":      "1.3",
		"webSocketDebuggerUrl":  h.wsURL,
	})
}

func (h *Handler) handleJSONList(w http.ResponseWriter, r *http.Request) {
	targets := h.snap.ListTargets()
	if targets == nil {
		targets = []registry.TargetInfo{}
	}
	writeJSON(w, http.StatusOK, targets)
}

func (h *Handler) handleExtensionStatus(w http.ResponseWriter, r *http.Request) {
	status := h.snap.ExtensionStatus()
	if status.Pages == nil {
		status.Pages = []registry.TargetInfo{}
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
