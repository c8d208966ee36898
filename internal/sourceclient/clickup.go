package sourceclient

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// ClickUpClient speaks the ClickUp v2 REST API for one tenant.
type ClickUpClient struct {
	c *Client
}

// NewClickUpClient builds a client with ClickUp's free-forever budget
// (100 requests/minute). ClickUp does not advertise paid budgets in
// headers, so no probe upgrade.
func NewClickUpClient(tenantID, token string) *ClickUpClient {
	return &ClickUpClient{c: NewClient(Options{
		TenantID: tenantID,
		Source:   "clickup",
		BaseURL:  "https://api.clickup.com/api/v2",
		Token:    token,
		Limits: map[EndpointClass]LimiterParams{
			ClassGeneral: {RequestsPerMinute: 100, Burst: 10},
		},
	})}
}

const clickupPageSize = 100

// clickupTime is a unix-milliseconds timestamp encoded as a JSON string.
type clickupTime struct {
	time.Time
}

func (t *clickupTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

type ClickUpWorkspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ClickUpSpace struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

type ClickUpList struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Space struct {
		ID string `json:"id"`
	} `json:"space"`
}

type ClickUpUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type ClickUpTask struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	TextContent string      `json:"text_content,omitempty"`
	DateUpdated clickupTime `json:"date_updated"`
	DateCreated clickupTime `json:"date_created"`
	URL         string      `json:"url,omitempty"`
	Status      struct {
		Status string `json:"status"`
	} `json:"status"`
	Assignees []ClickUpUser `json:"assignees,omitempty"`
	List      struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"list"`
	Space struct {
		ID string `json:"id"`
	} `json:"space"`
}

func (t ClickUpTask) RecordID() string            { return t.ID }
func (t ClickUpTask) RecordModifiedAt() time.Time { return t.DateUpdated.Time }

type ClickUpComment struct {
	ID          string      `json:"id"`
	CommentText string      `json:"comment_text"`
	User        ClickUpUser `json:"user"`
	Date        clickupTime `json:"date"`
}

// ListWorkspaces returns the authorized teams (ClickUp calls workspaces
// "teams" in the API).
func (cu *ClickUpClient) ListWorkspaces(ctx context.Context) ([]ClickUpWorkspace, error) {
	var out struct {
		Teams []ClickUpWorkspace `json:"teams"`
	}
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/team", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Teams, nil
}

// ListSpaces returns the spaces of a workspace.
func (cu *ClickUpClient) ListSpaces(ctx context.Context, workspaceID string) ([]ClickUpSpace, error) {
	var out struct {
		Spaces []ClickUpSpace `json:"spaces"`
	}
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/team/"+workspaceID+"/space", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Spaces, nil
}

// ListLists returns the folderless lists of a space.
func (cu *ClickUpClient) ListLists(ctx context.Context, spaceID string) ([]ClickUpList, error) {
	var out struct {
		Lists []ClickUpList `json:"lists"`
	}
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/space/"+spaceID+"/list", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Lists, nil
}

// SearchTasksBefore returns one page of tasks updated strictly before the
// bound, newest first. date_updated_lt is exclusive on whole milliseconds.
func (cu *ClickUpClient) SearchTasksBefore(ctx context.Context, workspaceID string, before time.Time) ([]ClickUpTask, error) {
	q := url.Values{}
	q.Set("order_by", "updated")
	q.Set("reverse", "false")
	q.Set("date_updated_lt", strconv.FormatInt(before.UnixMilli(), 10))
	q.Set("include_closed", "true")
	q.Set("subtasks", "true")
	q.Set("page", "0")

	var out struct {
		Tasks []ClickUpTask `json:"tasks"`
	}
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/team/"+workspaceID+"/task", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// SearchTasksAfter is the ascending variant for incremental sweeps.
func (cu *ClickUpClient) SearchTasksAfter(ctx context.Context, workspaceID string, after time.Time) ([]ClickUpTask, error) {
	q := url.Values{}
	q.Set("order_by", "updated")
	q.Set("reverse", "true")
	q.Set("date_updated_gt", strconv.FormatInt(after.UnixMilli()-1, 10))
	q.Set("include_closed", "true")
	q.Set("subtasks", "true")
	q.Set("page", "0")

	var out struct {
		Tasks []ClickUpTask `json:"tasks"`
	}
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/team/"+workspaceID+"/task", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// GetTask fetches one task by id.
func (cu *ClickUpClient) GetTask(ctx context.Context, id string) (*ClickUpTask, error) {
	var out ClickUpTask
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/task/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetComments returns the comments on a task, newest first (vendor order).
func (cu *ClickUpClient) GetComments(ctx context.Context, taskID string) ([]ClickUpComment, error) {
	var out struct {
		Comments []ClickUpComment `json:"comments"`
	}
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/task/"+taskID+"/comment", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

// GetListMembers returns the users with access to a list. Membership is the
// permission closure for ClickUp documents, re-read by the weekly
// permissions job because it carries no modified timestamp.
func (cu *ClickUpClient) GetListMembers(ctx context.Context, listID string) ([]ClickUpUser, error) {
	var out struct {
		Members []ClickUpUser `json:"members"`
	}
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/list/"+listID+"/member", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// GetList fetches one list by id.
func (cu *ClickUpClient) GetList(ctx context.Context, id string) (*ClickUpList, error) {
	var out ClickUpList
	if err := cu.c.Do(ctx, ClassGeneral, "GET", "/list/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
