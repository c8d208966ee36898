package transform

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"
	"gather-ingest/internal/sourceclient"
)

// PylonTransformer builds issue documents from a pylon_issue artifact and
// its message thread. Support issues name a requester and an assignee;
// those two principals plus the account scope drive permissions.
type PylonTransformer struct {
	reader ArtifactReader
}

func NewPylonTransformer(reader ArtifactReader) *PylonTransformer {
	return &PylonTransformer{reader: reader}
}

func (t *PylonTransformer) Source() models.DocumentSource {
	return models.SourcePylon
}

func (t *PylonTransformer) Transform(ctx context.Context, tenantID string, primary models.Artifact) (*models.Document, error) {
	if primary.EntityKind != models.KindPylonIssue {
		return nil, nil
	}

	var issue sourceclient.PylonIssue
	if err := primary.DecodeContent(&issue); err != nil {
		return nil, fmt.Errorf("decode pylon issue %s: %w", primary.EntityID, err)
	}

	messages, err := t.loadMessages(ctx, tenantID, issue.ID)
	if err != nil {
		return nil, err
	}

	// Support threads carry customer conversations: private to the agents
	// and requester involved, never tenant-wide.
	var emails []string
	if issue.Requester != nil {
		emails = append(emails, issue.Requester.Email)
	}
	if issue.Assignee != nil {
		emails = append(emails, issue.Assignee.Email)
	}
	for _, m := range messages {
		if m.Author != nil {
			emails = append(emails, m.Author.Email)
		}
	}
	policy, tokens, err := ResolvePermissions(false, emails)
	if err != nil {
		return nil, fmt.Errorf("derive permissions for issue %s: %w", issue.ID, err)
	}

	accountID := ""
	if issue.Account != nil {
		accountID = issue.Account.ID
	}

	doc := &models.Document{
		ID:               DocumentID(models.KindPylonIssue, issue.ID),
		Source:           models.SourcePylon,
		SourceUpdatedAt:  primary.SourceUpdatedAt,
		PermissionPolicy: policy,
		AllowedTokens:    tokens,
		Header:           pylonHeader(issue),
		Metadata: map[string]any{
			"issue_id":   issue.ID,
			"account_id": accountID,
		},
	}

	doc.Body = pylonBody(issue, messages)
	BuildChunks(doc)
	return doc, nil
}

func (t *PylonTransformer) loadMessages(ctx context.Context, tenantID, issueID string) ([]sourceclient.PylonMessage, error) {
	artifacts, err := t.reader.GetArtifactsByMetadata(ctx, tenantID, models.KindPylonMessage, repository.MetadataFilter{
		Equals: map[string]any{"issue_id": issueID},
	})
	if err != nil {
		return nil, fmt.Errorf("load messages for issue %s: %w", issueID, err)
	}

	messages := make([]sourceclient.PylonMessage, 0, len(artifacts))
	for _, a := range artifacts {
		var m sourceclient.PylonMessage
		if err := a.DecodeContent(&m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", a.EntityID, err)
		}
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Timestamp.Before(messages[j].Timestamp) })
	return messages, nil
}

func pylonHeader(issue sourceclient.PylonIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", issue.Title)
	fmt.Fprintf(&b, "Issue ID: %s\n", issue.ID)
	fmt.Fprintf(&b, "State: %s\n", issue.State)
	if issue.Requester != nil {
		fmt.Fprintf(&b, "Requester: %s\n", renderUser(issue.Requester.Name, issue.Requester.Email, issue.Requester.ID))
	}
	if issue.Assignee != nil {
		fmt.Fprintf(&b, "Assignee: %s\n", renderUser(issue.Assignee.Name, issue.Assignee.Email, issue.Assignee.ID))
	}
	fmt.Fprintf(&b, "Created: %s\n", issue.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Updated: %s", issue.ModifiedAt.UTC().Format(time.RFC3339))
	if issue.Link != "" {
		fmt.Fprintf(&b, "\nURL: %s", issue.Link)
	}
	return b.String()
}

func pylonBody(issue sourceclient.PylonIssue, messages []sourceclient.PylonMessage) string {
	var parts []string
	if body := strings.TrimSpace(stripHTML(issue.BodyHTML)); body != "" {
		parts = append(parts, body)
	}
	for _, m := range messages {
		text := strings.TrimSpace(stripHTML(m.BodyHTML))
		if text == "" {
			continue
		}
		author := "unknown"
		if m.Author != nil {
			author = renderUser(m.Author.Name, m.Author.Email, m.Author.ID)
		}
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", m.Timestamp.UTC().Format("2006-01-02 15:04"), author, text))
	}
	return strings.Join(parts, "\n\n")
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// stripHTML is a coarse tag stripper. Pylon bodies are simple rich text;
// full HTML fidelity is not worth a parser dependency here.
func stripHTML(s string) string {
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "</p>", "\n")
	s = htmlTag.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	return s
}
