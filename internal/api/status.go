package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus reports queue depths, and per-tenant watermark/completion
// state when ?tenant_id= is supplied. The tenantless payload is cached
// briefly; the per-tenant view is always fresh.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID != "" {
		payload, err := s.buildStatusPayload(r.Context(), tenantID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(payload)
		return
	}

	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r.Context(), "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context, tenantID string) ([]byte, error) {
	pending, processing, err := s.queue.Depths(ctx)
	if err != nil {
		return nil, err
	}

	status := map[string]any{
		"queue": map[string]int64{
			"pending":    pending,
			"processing": processing,
		},
		"time": time.Now().UTC().Format(time.RFC3339),
	}

	if tenantID != "" {
		syncState, err := s.store.ListSyncState(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		counts, err := s.store.CountArtifactsByKind(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		status["tenant_id"] = tenantID
		status["sync_state"] = syncState
		status["artifacts"] = counts
	}

	return json.Marshal(status)
}
