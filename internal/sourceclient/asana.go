package sourceclient

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// AsanaClient speaks the Asana REST API for one tenant.
type AsanaClient struct {
	c *Client
}

// NewAsanaClient builds a client with Asana's published free-tier budget.
// Paid tiers advertise their budget via X-RateLimit-Limit, so the probe
// upgrade is enabled.
func NewAsanaClient(tenantID, token string) *AsanaClient {
	return &AsanaClient{c: NewClient(Options{
		TenantID: tenantID,
		Source:   "asana",
		BaseURL:  "https://app.asana.com/api/1.0",
		Token:    token,
		Limits: map[EndpointClass]LimiterParams{
			ClassGeneral: {RequestsPerMinute: 150, Burst: 10},
			ClassSearch:  {RequestsPerMinute: 60, Burst: 5},
		},
		ProbeRateHeader: true,
	})}
}

const asanaPageSize = 100

// asanaTaskFields is the opt_fields set requested for every task read so
// transformers can rely on the content shape.
const asanaTaskFields = "gid,name,notes,completed,due_on,modified_at,created_at,permalink_url," +
	"assignee.name,assignee.email,followers.name,followers.email," +
	"projects.gid,projects.name,memberships.project.gid"

type AsanaUser struct {
	GID   string `json:"gid"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type AsanaRef struct {
	GID  string `json:"gid"`
	Name string `json:"name,omitempty"`
}

type AsanaWorkspace struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

type AsanaTask struct {
	GID          string      `json:"gid"`
	Name         string      `json:"name"`
	Notes        string      `json:"notes"`
	Completed    bool        `json:"completed"`
	DueOn        string      `json:"due_on,omitempty"`
	ModifiedAt   time.Time   `json:"modified_at"`
	CreatedAt    time.Time   `json:"created_at"`
	PermalinkURL string      `json:"permalink_url,omitempty"`
	Assignee     *AsanaUser  `json:"assignee,omitempty"`
	Followers    []AsanaUser `json:"followers,omitempty"`
	Projects     []AsanaRef  `json:"projects,omitempty"`
}

func (t AsanaTask) RecordID() string            { return t.GID }
func (t AsanaTask) RecordModifiedAt() time.Time { return t.ModifiedAt }

type AsanaStory struct {
	GID             string    `json:"gid"`
	Text            string    `json:"text"`
	ResourceSubtype string    `json:"resource_subtype"`
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       AsanaUser `json:"created_by"`
}

type AsanaProject struct {
	GID            string    `json:"gid"`
	Name           string    `json:"name"`
	PrivacySetting string    `json:"privacy_setting"` // public_to_workspace | private_to_team | private
	Team           *AsanaRef `json:"team,omitempty"`
	ModifiedAt     time.Time `json:"modified_at"`
}

type AsanaProjectMembership struct {
	GID    string    `json:"gid"`
	User   AsanaUser `json:"user"`
	Parent AsanaRef  `json:"parent"`
}

type AsanaTeam struct {
	GID        string `json:"gid"`
	Name       string `json:"name"`
	Visibility string `json:"visibility"` // public | request_to_join | secret
}

// AsanaEvent is one entry from the events stream.
type AsanaEvent struct {
	Action   string    `json:"action"` // added | changed | removed | deleted | undeleted
	Resource AsanaRef  `json:"resource"`
	Parent   *AsanaRef `json:"parent,omitempty"`
	Type     string    `json:"type,omitempty"`
	User     AsanaUser `json:"user,omitempty"`
}

// AsanaEventPage carries one page of events plus the replacement sync token.
type AsanaEventPage struct {
	Events  []AsanaEvent
	Sync    string
	HasMore bool
}

type asanaEnvelope[T any] struct {
	Data     []T    `json:"data"`
	Sync     string `json:"sync,omitempty"`
	HasMore  bool   `json:"has_more,omitempty"`
	NextPage *struct {
		Offset string `json:"offset"`
	} `json:"next_page,omitempty"`
}

type asanaSingle[T any] struct {
	Data T `json:"data"`
}

// listPages follows offset pagination until the server stops supplying a
// next_page.offset.
func listPages[T any](ctx context.Context, c *Client, class EndpointClass, path string, query url.Values) ([]T, error) {
	var all []T
	offset := ""
	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(asanaPageSize))
		if offset != "" {
			q.Set("offset", offset)
		}

		var env asanaEnvelope[T]
		if err := c.Do(ctx, class, "GET", path, q, nil, &env); err != nil {
			return nil, err
		}
		all = append(all, env.Data...)
		if env.NextPage == nil || env.NextPage.Offset == "" {
			return all, nil
		}
		offset = env.NextPage.Offset
	}
}

// ListWorkspaces returns every workspace the token can see.
func (a *AsanaClient) ListWorkspaces(ctx context.Context) ([]AsanaWorkspace, error) {
	return listPages[AsanaWorkspace](ctx, a.c, ClassGeneral, "/workspaces", nil)
}

// ListProjects returns every project in a workspace. Used by the
// incremental extractor when workspace-level events need service-account
// auth and it steps down to per-project event streams.
func (a *AsanaClient) ListProjects(ctx context.Context, workspaceGID string) ([]AsanaRef, error) {
	q := url.Values{}
	q.Set("workspace", workspaceGID)
	q.Set("opt_fields", "gid,name")
	return listPages[AsanaRef](ctx, a.c, ClassGeneral, "/projects", q)
}

// SearchTasksBefore returns one page of tasks modified strictly before the
// bound, newest first. Feed it to a DescendingSweep; Asana's search caps at
// 100 results per call and has no offset, which is exactly why the moving
// upper bound exists.
func (a *AsanaClient) SearchTasksBefore(ctx context.Context, workspaceGID string, before time.Time) ([]AsanaTask, error) {
	q := url.Values{}
	q.Set("modified_at.before", before.UTC().Format("2006-01-02T15:04:05.000Z"))
	q.Set("sort_by", "modified_at")
	q.Set("sort_ascending", "false")
	q.Set("limit", strconv.Itoa(asanaPageSize))
	q.Set("opt_fields", asanaTaskFields)

	var env asanaEnvelope[AsanaTask]
	if err := a.c.Do(ctx, ClassSearch, "GET", "/workspaces/"+workspaceGID+"/tasks/search", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// SearchTasksAfter is the ascending variant used by incremental sweeps and
// the invalid-sync-token fallback window.
func (a *AsanaClient) SearchTasksAfter(ctx context.Context, workspaceGID string, after time.Time) ([]AsanaTask, error) {
	q := url.Values{}
	q.Set("modified_at.after", after.UTC().Format("2006-01-02T15:04:05.000Z"))
	q.Set("sort_by", "modified_at")
	q.Set("sort_ascending", "true")
	q.Set("limit", strconv.Itoa(asanaPageSize))
	q.Set("opt_fields", asanaTaskFields)

	var env asanaEnvelope[AsanaTask]
	if err := a.c.Do(ctx, ClassSearch, "GET", "/workspaces/"+workspaceGID+"/tasks/search", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetTask fetches a single task. 404/403 surface as NotFoundError for
// best-effort refresh paths.
func (a *AsanaClient) GetTask(ctx context.Context, gid string) (*AsanaTask, error) {
	q := url.Values{}
	q.Set("opt_fields", asanaTaskFields)
	var out asanaSingle[AsanaTask]
	if err := a.c.Do(ctx, ClassGeneral, "GET", "/tasks/"+gid, q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// GetStories returns every story (comment, system event) on a task.
func (a *AsanaClient) GetStories(ctx context.Context, taskGID string) ([]AsanaStory, error) {
	q := url.Values{}
	q.Set("opt_fields", "gid,text,resource_subtype,created_at,created_by.name,created_by.email")
	return listPages[AsanaStory](ctx, a.c, ClassGeneral, "/tasks/"+taskGID+"/stories", q)
}

// GetProject fetches one project including its privacy setting.
func (a *AsanaClient) GetProject(ctx context.Context, gid string) (*AsanaProject, error) {
	q := url.Values{}
	q.Set("opt_fields", "gid,name,privacy_setting,team.gid,team.name,modified_at")
	var out asanaSingle[AsanaProject]
	if err := a.c.Do(ctx, ClassGeneral, "GET", "/projects/"+gid, q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// GetProjectMemberships lists the users on a project.
func (a *AsanaClient) GetProjectMemberships(ctx context.Context, projectGID string) ([]AsanaProjectMembership, error) {
	q := url.Values{}
	q.Set("opt_fields", "gid,user.name,user.email,parent.gid")
	return listPages[AsanaProjectMembership](ctx, a.c, ClassGeneral, "/projects/"+projectGID+"/project_memberships", q)
}

// GetTeam fetches one team's visibility.
func (a *AsanaClient) GetTeam(ctx context.Context, gid string) (*AsanaTeam, error) {
	q := url.Values{}
	q.Set("opt_fields", "gid,name,visibility")
	var out asanaSingle[AsanaTeam]
	if err := a.c.Do(ctx, ClassGeneral, "GET", "/teams/"+gid, q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// GetTeamUsers lists the members of a team.
func (a *AsanaClient) GetTeamUsers(ctx context.Context, teamGID string) ([]AsanaUser, error) {
	q := url.Values{}
	q.Set("opt_fields", "gid,name,email")
	return listPages[AsanaUser](ctx, a.c, ClassGeneral, "/teams/"+teamGID+"/users", q)
}

// GetEvents reads the events stream for a resource (workspace or project)
// from the stored sync token. An expired token surfaces as
// InvalidSyncTokenError carrying the fresh token Asana returns with the 412.
// Pages keep coming while has_more; the final page carries the token to
// persist for next time.
func (a *AsanaClient) GetEvents(ctx context.Context, resourceGID, syncToken string) ([]AsanaEvent, string, error) {
	var all []AsanaEvent
	token := syncToken
	for {
		q := url.Values{}
		q.Set("resource", resourceGID)
		if token != "" {
			q.Set("sync", token)
		}

		var env asanaEnvelope[AsanaEvent]
		if err := a.c.Do(ctx, ClassGeneral, "GET", "/events", q, nil, &env); err != nil {
			return nil, "", err
		}
		all = append(all, env.Data...)
		token = env.Sync
		if !env.HasMore {
			return all, token, nil
		}
	}
}
