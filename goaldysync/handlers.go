package goaldysync

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handlers serves the two sync endpoints over an allowlisted set of tables.
type Handlers struct {
	store  Store
	auth   *Authenticator
	logger *slog.Logger
	tables map[string]bool
}

// NewHandlers creates the HTTP layer. Only the named tables are accepted;
// requests for anything else are rejected before touching the store.
func NewHandlers(store Store, auth *Authenticator, tables []string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}
	return &Handlers{store: store, auth: auth, logger: logger, tables: allowed}
}

// Router mounts the sync routes.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/sync/{table}/changes", h.HandleChanges)
	r.Put("/sync/{table}/rows", h.HandleUpsert)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// HandleChanges serves GET /sync/{table}/changes?since=..., scoped to the
// authenticated user. A missing since parameter means first sync: all rows.
func (h *Handlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	sess, err := h.auth.Authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	table := chi.URLParam(r, "table")
	if !h.tables[table] {
		h.writeError(w, http.StatusBadRequest, "unknown_table", "table is not registered for sync")
		return
	}

	since := r.URL.Query().Get("since")
	rows, err := h.store.ChangedSince(r.Context(), sess.UserID, table, since)
	if err != nil {
		h.logger.Error("failed to read changes", "table", table, "user", sess.UserID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "changes_failed", "failed to read changes")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ChangesResponse{Rows: rows}); err != nil {
		h.logger.Error("failed to encode changes response", "error", err)
	}
}

// HandleUpsert serves PUT /sync/{table}/rows. The upsert is keyed by the
// request's conflict key and is idempotent under replay.
func (h *Handlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	sess, err := h.auth.Authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	table := chi.URLParam(r, "table")
	if !h.tables[table] {
		h.writeError(w, http.StatusBadRequest, "unknown_table", "table is not registered for sync")
		return
	}

	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse upsert request")
		return
	}
	if req.ConflictKey == "" || req.Row == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "row and conflict_key are required")
		return
	}

	if err := h.store.UpsertRow(r.Context(), sess.UserID, table, req.Row, req.ConflictKey); err != nil {
		h.logger.Error("failed to upsert row", "table", table, "user", sess.UserID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "upsert_failed", "failed to store row")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}
