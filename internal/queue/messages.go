package queue

import (
	"encoding/json"
	"fmt"

	"gather-ingest/internal/models"
)

// Message source tags. The queue payload is a tagged union discriminated by
// the Source field; the worker dispatches on it.
const (
	MsgAsanaFullBackfill         = "asana_full_backfill"
	MsgAsanaIncrBackfill         = "asana_incr_backfill"
	MsgClickUpFullBackfill       = "clickup_full_backfill"
	MsgClickUpIncrBackfill       = "clickup_incr_backfill"
	MsgClickUpPermissionsRefresh = "clickup_permissions_backfill"
	MsgPylonFullBackfill         = "pylon_full_backfill"
	MsgPylonIncrBackfill         = "pylon_incr_backfill"
	MsgCustomDataIngest          = "custom_data_ingest"
)

// Message is one queue entry. ID makes the serialized payload unique so the
// ack's LREM removes exactly this delivery.
type Message struct {
	ID                   string `json:"id"`
	Source               string `json:"source"`
	TenantID             string `json:"tenant_id"`
	BackfillID           string `json:"backfill_id,omitempty"`
	SuppressNotification bool   `json:"suppress_notification,omitempty"`

	// DurationSeconds is the processing budget for long historical jobs.
	// Zero means the worker applies its configured default.
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// Custom-data ingest payload.
	Slug      string                  `json:"slug,omitempty"`
	Documents []models.CustomDocument `json:"documents,omitempty"`
}

func (m Message) Validate() error {
	if m.Source == "" {
		return fmt.Errorf("message has no source tag")
	}
	if m.TenantID == "" {
		return fmt.Errorf("%s message has no tenant_id", m.Source)
	}
	if m.Source == MsgCustomDataIngest && m.Slug == "" {
		return fmt.Errorf("custom_data_ingest message has no slug")
	}
	return nil
}

func encodeMessage(m Message) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", m.Source, err)
	}
	return string(raw), nil
}

func decodeMessage(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, fmt.Errorf("decode queue payload: %w", err)
	}
	return m, m.Validate()
}
