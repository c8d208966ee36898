package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"gather-ingest/internal/queue"

	"github.com/google/uuid"
)

// adminBackfillRequest is the manual-enqueue payload. Source must be one of
// the queue message tags.
type adminBackfillRequest struct {
	Source               string `json:"source"`
	TenantID             string `json:"tenant_id"`
	BackfillID           string `json:"backfill_id,omitempty"`
	DurationSeconds      int    `json:"duration_seconds,omitempty"`
	SuppressNotification bool   `json:"suppress_notification,omitempty"`
}

func (s *Server) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	token := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

func (s *Server) handleAdminBackfill(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req adminBackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	msg := queue.Message{
		ID:                   uuid.New().String(),
		Source:               req.Source,
		TenantID:             req.TenantID,
		BackfillID:           req.BackfillID,
		DurationSeconds:      req.DurationSeconds,
		SuppressNotification: req.SuppressNotification,
	}
	if msg.BackfillID == "" {
		msg.BackfillID = uuid.New().String()
	}
	if err := msg.Validate(); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	if err := s.queue.Enqueue(r.Context(), msg); err != nil {
		s.log.Error().Err(err).Str("source", msg.Source).Msg("admin enqueue")
		http.Error(w, `{"error":"enqueue failed"}`, http.StatusInternalServerError)
		return
	}

	s.log.Info().
		Str("source", msg.Source).
		Str("tenant_id", msg.TenantID).
		Str("backfill_id", msg.BackfillID).
		Msg("admin backfill enqueued")

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"message_id":  msg.ID,
		"backfill_id": msg.BackfillID,
	})
}
