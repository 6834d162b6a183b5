// Package transport implements the HTTP API: a single path accepting
// mutually exclusive ?platform= and ?session= query parameters, backed by
// an orchestrator.State.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/mozilla-services/patches-server/internal/vuln"
)

// Orchestrator is the subset of orchestrator.State the handler drives.
// Narrowing it to an interface keeps handler tests from needing a fully
// wired State.
type Orchestrator interface {
	Update(ctx context.Context)
	QueueSession(platform string) (string, bool)
	RetrieveVulns(sessionID string) ([]vuln.Vulnerability, bool)
}

// errorBody is the envelope for a failed request: only the error key is
// present.
type errorBody struct {
	Error string `json:"error"`
}

// sessionBody is the envelope for a successful ?platform= request.
type sessionBody struct {
	Error   *string `json:"error"`
	Session string  `json:"session"`
}

// vulnsBody is the envelope for a successful ?session= request. Note
// Vulnerabilities carries no omitempty: an empty (but non-nil) list still
// marshals to "vulnerabilities": [], which is distinct from the field
// being absent entirely.
type vulnsBody struct {
	Error           *string              `json:"error"`
	Vulnerabilities []vuln.Vulnerability `json:"vulnerabilities"`
}

// Handler serves GET /, the server's only route.
type Handler struct {
	state Orchestrator
}

// NewHandler wraps state behind an http.Handler.
func NewHandler(state Orchestrator) *Handler {
	return &Handler{state: state}
}

// Routes registers Handler at "/" on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handle)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("Content-Type", "application/json")

	h.state.Update(r.Context())

	platform := r.URL.Query().Get("platform")
	sessionID := r.URL.Query().Get("session")

	switch {
	case platform != "" && sessionID != "":
		log.Printf("transport[%s]: both platform and session given", requestID)
		writeError(w, http.StatusBadRequest, "platform and session are mutually exclusive")
	case platform != "":
		h.handleQueueSession(w, requestID, platform)
	case sessionID != "":
		h.handleRetrieveVulns(w, requestID, sessionID)
	default:
		log.Printf("transport[%s]: neither platform nor session given", requestID)
		writeError(w, http.StatusBadRequest, "either platform or session is required")
	}
}

func (h *Handler) handleQueueSession(w http.ResponseWriter, requestID, platform string) {
	id, ok := h.state.QueueSession(platform)
	if !ok {
		log.Printf("transport[%s]: queue_session(%s) rejected", requestID, platform)
		writeError(w, http.StatusBadRequest, "platform unsupported or admission failed")
		return
	}

	log.Printf("transport[%s]: queue_session(%s) -> %s", requestID, platform, id)
	writeJSON(w, http.StatusOK, sessionBody{Session: id})
}

func (h *Handler) handleRetrieveVulns(w http.ResponseWriter, requestID, sessionID string) {
	vulns, ok := h.state.RetrieveVulns(sessionID)
	if !ok {
		log.Printf("transport[%s]: retrieve_vulns(%s) rejected", requestID, sessionID)
		writeError(w, http.StatusBadRequest, "session unknown, queued, or expired")
		return
	}
	if vulns == nil {
		vulns = []vuln.Vulnerability{}
	}

	log.Printf("transport[%s]: retrieve_vulns(%s) -> %d record(s)", requestID, sessionID, len(vulns))
	writeJSON(w, http.StatusOK, vulnsBody{Vulnerabilities: vulns})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: message}); err != nil {
		log.Printf("transport: encode error response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("transport: encode response: %v", err)
	}
}
