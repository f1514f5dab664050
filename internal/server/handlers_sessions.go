package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/recording"
	"github.com/ashita-ai/tapedeck/internal/storage"
)

// HandleListSessions handles GET /v1/sessions, newest first.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	limit := queryLimit(r, storage.DefaultListLimit)

	// Ask for one extra row to learn whether more exist.
	sessions, err := h.store.ListSessions(r.Context(), limit+1)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sessions", err)
		return
	}
	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}
	if sessions == nil {
		sessions = []model.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    sessions,
		HasMore: hasMore,
		Limit:   limit,
		Meta:    responseMeta(r),
	})
}

// HandleGetSession handles GET /v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadMessage, err.Error())
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "failed to get session", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleExportSession handles GET /v1/sessions/{id}/events. It streams the
// session as NDJSON SequencedEvents in replay order, ready to be fed back
// through FILL_REPLAY_BUFFER chunks.
func (h *Handlers) HandleExportSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadMessage, err.Error())
		return
	}

	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		h.writeStoreError(w, r, "failed to get session", err)
		return
	}
	recorded, err := h.store.SessionEvents(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load session events", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="tapedeck-%s.ndjson"`, id))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	for _, ev := range recording.Export(recorded) {
		if err := encoder.Encode(ev); err != nil {
			return // Client disconnected.
		}
	}
}

func (h *Handlers) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "recording storage is disabled")
		return false
	}
	return true
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	h.writeInternalError(w, r, msg, err)
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("session id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id: %s", raw)
	}
	return id, nil
}
