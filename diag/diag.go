// Package diag exposes the instrumentation core's diagnostics over HTTP:
// liveness, session counters, and the most recent persisted visits and
// transitions. It is read-only and meant for a loopback listener.
package diag

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/pagetrace/session"
	"github.com/hazyhaar/pagetrace/visitstore"
)

const defaultRecent = 20

// Handler serves the diagnostics API.
type Handler struct {
	sess   *session.Session
	store  *visitstore.SQLite
	logger *slog.Logger
}

// New creates the handler. store may be nil when no SQLite sink is
// configured; the recent endpoints then answer 404.
func New(sess *session.Session, store *visitstore.SQLite, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sess: sess, store: store, logger: logger}
}

// Router builds the chi router for the diagnostics endpoints.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/stats", h.stats)
	if h.store != nil {
		r.Get("/visits/recent", h.recentVisits)
		r.Get("/transitions/recent", h.recentTransitions)
	}
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sess.Stats())
}

func (h *Handler) recentVisits(w http.ResponseWriter, r *http.Request) {
	visits, err := h.store.RecentVisits(r.Context(), limitParam(r))
	if err != nil {
		h.logger.Error("diag: recent visits query failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, visits)
}

func (h *Handler) recentTransitions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.RecentTransitions(r.Context(), limitParam(r))
	if err != nil {
		h.logger.Error("diag: recent transitions query failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("diag: encode response", "error", err)
	}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 || n > 500 {
		return defaultRecent
	}
	return n
}
