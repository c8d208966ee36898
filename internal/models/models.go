package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DocumentSource identifies the upstream system an artifact or document
// originated from. It doubles as the dispatch discriminator on queue messages.
type DocumentSource string

const (
	SourceAsana   DocumentSource = "asana"
	SourceClickUp DocumentSource = "clickup"
	SourcePylon   DocumentSource = "pylon"
	SourceCustom  DocumentSource = "custom"
)

// EntityKind is the closed set of raw record types the engine persists.
// The (EntityKind, EntityID) pair is the repository key for an artifact.
type EntityKind string

const (
	KindAsanaTask              EntityKind = "asana_task"
	KindAsanaStory             EntityKind = "asana_story"
	KindAsanaProject           EntityKind = "asana_project"
	KindAsanaProjectMembership EntityKind = "asana_project_membership"
	KindAsanaWorkspace         EntityKind = "asana_workspace"
	KindAsanaUser              EntityKind = "asana_user"
	KindAsanaTeam              EntityKind = "asana_team"

	KindClickUpTask       EntityKind = "clickup_task"
	KindClickUpComment    EntityKind = "clickup_comment"
	KindClickUpList       EntityKind = "clickup_list"
	KindClickUpListMember EntityKind = "clickup_list_member"
	KindClickUpSpace      EntityKind = "clickup_space"
	KindClickUpWorkspace  EntityKind = "clickup_workspace"

	KindPylonIssue   EntityKind = "pylon_issue"
	KindPylonMessage EntityKind = "pylon_message"
	KindPylonAccount EntityKind = "pylon_account"

	KindCustomDataItem EntityKind = "custom_data_item"

	// Kinds owned by connectors outside this build; the exclusion engine
	// still understands their rule shapes.
	KindGithubFile   EntityKind = "github_file"
	KindSlackChannel EntityKind = "slack_channel"
	KindLinearIssue  EntityKind = "linear_issue"
)

// Source returns the DocumentSource an entity kind belongs to.
func (k EntityKind) Source() DocumentSource {
	switch {
	case len(k) > 6 && k[:6] == "asana_":
		return SourceAsana
	case len(k) > 8 && k[:8] == "clickup_":
		return SourceClickUp
	case len(k) > 6 && k[:6] == "pylon_":
		return SourcePylon
	default:
		return SourceCustom
	}
}

// Artifact is the raw per-entity record persisted by the ingest core.
// Content holds the vendor payload as captured; Metadata holds the fields
// extractors promise to keep queryable for every instance of the kind.
type Artifact struct {
	ID                 uuid.UUID       `json:"id"`
	EntityKind         EntityKind      `json:"entity"`
	EntityID           string          `json:"entity_id"`
	IngestJobID        uuid.UUID       `json:"ingest_job_id"`
	SourceUpdatedAt    time.Time       `json:"source_updated_at"`
	IndexedAt          *time.Time      `json:"indexed_at,omitempty"`
	LastSeenBackfillID *string         `json:"last_seen_backfill_id,omitempty"`
	Content            json.RawMessage `json:"content"`
	Metadata           map[string]any  `json:"metadata"`
}

// NewArtifact builds an artifact with a fresh id. Callers marshal the vendor
// payload themselves so the stored content stays byte-faithful.
func NewArtifact(kind EntityKind, entityID string, jobID uuid.UUID, updatedAt time.Time, content json.RawMessage, metadata map[string]any) Artifact {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Artifact{
		ID:              uuid.New(),
		EntityKind:      kind,
		EntityID:        entityID,
		IngestJobID:     jobID,
		SourceUpdatedAt: updatedAt.UTC(),
		Content:         content,
		Metadata:        metadata,
	}
}

// DecodeContent unmarshals the stored vendor payload into out.
func (a *Artifact) DecodeContent(out any) error {
	return json.Unmarshal(a.Content, out)
}

// MetadataString returns metadata[key] as a string, or "" when absent or
// not a string. JSON round-trips leave everything as any, so most lookups
// go through here.
func (a *Artifact) MetadataString(key string) string {
	v, ok := a.Metadata[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// PermissionPolicy controls who may read a derived document.
type PermissionPolicy string

const (
	// PolicyTenant makes the document visible to every principal in the tenant.
	PolicyTenant PermissionPolicy = "tenant"
	// PolicyPrivate requires the principal to hold one of the allowed tokens.
	PolicyPrivate PermissionPolicy = "private"
)

// Document is the derived, permission-aware view built by a transformer.
// It is transient: the sink may recompute it from artifacts at any time.
type Document struct {
	ID               string           `json:"id"`
	Source           DocumentSource   `json:"source"`
	SourceUpdatedAt  time.Time        `json:"source_updated_at"`
	PermissionPolicy PermissionPolicy `json:"permission_policy"`
	// AllowedTokens is nil for tenant-visible documents.
	AllowedTokens []string       `json:"permission_allowed_tokens,omitempty"`
	Header        string         `json:"header"`
	Body          string         `json:"body"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Chunks        []Chunk        `json:"chunks"`
}

// Chunk is one embedding-sized slice of a document. IDs are deterministic
// (uuid5 over document id + unique key) so re-indexing is idempotent, and
// ContentHash gates whether re-embedding is needed at all.
type Chunk struct {
	ID          uuid.UUID      `json:"id"`
	ContentHash string         `json:"content_hash"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ExclusionRule suppresses artifacts post-read. Rule shape is per-kind.
type ExclusionRule struct {
	EntityKind EntityKind      `json:"entity_type"`
	Rule       json.RawMessage `json:"rule"`
	IsActive   bool            `json:"is_active"`
}

// UsageMetric names one billable counter.
type UsageMetric string

const (
	MetricRequests        UsageMetric = "requests"
	MetricInputTokens     UsageMetric = "input_tokens"
	MetricOutputTokens    UsageMetric = "output_tokens"
	MetricEmbeddingTokens UsageMetric = "embedding_tokens"
)

// UsageRecord is one persisted usage observation.
type UsageRecord struct {
	TenantID      string         `json:"tenant_id"`
	Metric        UsageMetric    `json:"metric_type"`
	Value         int64          `json:"metric_value"`
	SourceType    string         `json:"source_type"`
	SourceDetails map[string]any `json:"source_details,omitempty"`
	RecordedAt    time.Time      `json:"recorded_at"`
}

// CustomDocument is one inline item on a custom-data ingest message.
type CustomDocument struct {
	ItemID       string         `json:"item_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Content      string         `json:"content"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}
