package sourceclient

import (
	"context"
	"time"
)

// PylonClient speaks the Pylon REST API for one tenant. Pylon's issue
// search rejects time ranges wider than 30 days, so callers window their
// sweeps; see the Pylon extractors.
type PylonClient struct {
	c *Client
}

func NewPylonClient(tenantID, apiKey string) *PylonClient {
	return &PylonClient{c: NewClient(Options{
		TenantID: tenantID,
		Source:   "pylon",
		BaseURL:  "https://api.usepylon.com",
		Token:    apiKey,
		Limits: map[EndpointClass]LimiterParams{
			ClassGeneral: {RequestsPerMinute: 120, Burst: 10},
			ClassSearch:  {RequestsPerMinute: 30, Burst: 3},
		},
	})}
}

// PylonWindowLimit is the widest time range Pylon's search accepts.
const PylonWindowLimit = 30 * 24 * time.Hour

type PylonRequester struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type PylonIssue struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	BodyHTML   string          `json:"body_html,omitempty"`
	State      string          `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Requester  *PylonRequester `json:"requester,omitempty"`
	Assignee   *PylonRequester `json:"assignee,omitempty"`
	Account    *struct {
		ID string `json:"id"`
	} `json:"account,omitempty"`
	Link string `json:"link,omitempty"`
}

func (i PylonIssue) RecordID() string            { return i.ID }
func (i PylonIssue) RecordModifiedAt() time.Time { return i.ModifiedAt }

type PylonMessage struct {
	ID        string          `json:"id"`
	BodyHTML  string          `json:"body_html"`
	Author    *PylonRequester `json:"author,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type PylonAccount struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

// PylonIssuePage is one cursor page of issues.
type PylonIssuePage struct {
	Issues  []PylonIssue
	Cursor  string
	HasNext bool
}

type pylonSearchRequest struct {
	Filter struct {
		Field    string `json:"field"`
		Operator string `json:"operator"`
		Values   []any  `json:"values"`
	} `json:"filter"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit"`
}

type pylonEnvelope[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor      string `json:"cursor"`
		HasNextPage bool   `json:"has_next_page"`
	} `json:"pagination"`
}

// SearchIssues returns one cursor page of issues modified within
// [start, end]. The range must not exceed PylonWindowLimit; Pylon rejects
// wider filters outright. Pass the cursor from the previous page to
// continue, empty to start.
func (p *PylonClient) SearchIssues(ctx context.Context, start, end time.Time, cursor string) (*PylonIssuePage, error) {
	req := pylonSearchRequest{Cursor: cursor, Limit: 100}
	req.Filter.Field = "modified_at"
	req.Filter.Operator = "time_range"
	req.Filter.Values = []any{start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)}

	var env pylonEnvelope[PylonIssue]
	if err := p.c.Do(ctx, ClassSearch, "POST", "/issues/search", nil, req, &env); err != nil {
		return nil, err
	}
	return &PylonIssuePage{
		Issues:  env.Data,
		Cursor:  env.Pagination.Cursor,
		HasNext: env.Pagination.HasNextPage,
	}, nil
}

// GetIssue fetches one issue by id.
func (p *PylonClient) GetIssue(ctx context.Context, id string) (*PylonIssue, error) {
	var out struct {
		Data PylonIssue `json:"data"`
	}
	if err := p.c.Do(ctx, ClassGeneral, "GET", "/issues/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// GetMessages returns the full message thread of an issue, following the
// cursor until exhausted.
func (p *PylonClient) GetMessages(ctx context.Context, issueID string) ([]PylonMessage, error) {
	var all []PylonMessage
	cursor := ""
	for {
		path := "/issues/" + issueID + "/messages"
		if cursor != "" {
			path += "?cursor=" + cursor
		}
		var env pylonEnvelope[PylonMessage]
		if err := p.c.Do(ctx, ClassGeneral, "GET", path, nil, nil, &env); err != nil {
			return nil, err
		}
		all = append(all, env.Data...)
		if !env.Pagination.HasNextPage || env.Pagination.Cursor == "" {
			return all, nil
		}
		cursor = env.Pagination.Cursor
	}
}

// GetAccount fetches one account by id.
func (p *PylonClient) GetAccount(ctx context.Context, id string) (*PylonAccount, error) {
	var out struct {
		Data PylonAccount `json:"data"`
	}
	if err := p.c.Do(ctx, ClassGeneral, "GET", "/accounts/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}
