package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gather-ingest/internal/models"
)

// CustomTransformer builds documents from custom_data_item artifacts. The
// item carries its full content inline, so no closure loading is needed;
// custom data is always tenant-visible.
type CustomTransformer struct{}

func NewCustomTransformer() *CustomTransformer {
	return &CustomTransformer{}
}

func (t *CustomTransformer) Source() models.DocumentSource {
	return models.SourceCustom
}

func (t *CustomTransformer) Transform(ctx context.Context, tenantID string, primary models.Artifact) (*models.Document, error) {
	if primary.EntityKind != models.KindCustomDataItem {
		return nil, nil
	}

	var item models.CustomDocument
	if err := primary.DecodeContent(&item); err != nil {
		return nil, fmt.Errorf("decode custom item %s: %w", primary.EntityID, err)
	}

	policy, tokens, err := ResolvePermissions(true, nil)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:               DocumentID(models.KindCustomDataItem, primary.EntityID),
		Source:           models.SourceCustom,
		SourceUpdatedAt:  primary.SourceUpdatedAt,
		PermissionPolicy: policy,
		AllowedTokens:    tokens,
		Header:           customHeader(item),
		Body:             item.Content,
		Metadata: map[string]any{
			"item_id": item.ItemID,
			"slug":    primary.MetadataString("slug"),
		},
	}
	BuildChunks(doc)
	return doc, nil
}

func customHeader(item models.CustomDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", item.Name)
	fmt.Fprintf(&b, "Item ID: %s", item.ItemID)
	if item.Description != "" {
		fmt.Fprintf(&b, "\nDescription: %s", item.Description)
	}
	if len(item.CustomFields) > 0 {
		keys := make([]string, 0, len(item.CustomFields))
		for k := range item.CustomFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %v", k, item.CustomFields[k])
		}
	}
	return b.String()
}
