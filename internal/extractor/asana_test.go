package extractor

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/sourceclient"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type asanaEventsResult struct {
	events []sourceclient.AsanaEvent
	token  string
	err    error
}

type fakeAsanaClient struct {
	workspaces []sourceclient.AsanaWorkspace
	projects   map[string][]sourceclient.AsanaRef // workspace -> projects
	tasks      []sourceclient.AsanaTask           // the full corpus, any order
	pageSize   int

	stories       map[string][]sourceclient.AsanaStory
	projectByGID  map[string]sourceclient.AsanaProject
	memberships   map[string][]sourceclient.AsanaProjectMembership
	teamByGID     map[string]sourceclient.AsanaTeam
	teamUsers     map[string][]sourceclient.AsanaUser
	eventsByRes   map[string]asanaEventsResult
	searchErr     error
	searchAfterLo []time.Time // records the bounds SearchTasksAfter was called with
}

func (f *fakeAsanaClient) ListWorkspaces(context.Context) ([]sourceclient.AsanaWorkspace, error) {
	return f.workspaces, nil
}

func (f *fakeAsanaClient) ListProjects(_ context.Context, workspaceGID string) ([]sourceclient.AsanaRef, error) {
	return f.projects[workspaceGID], nil
}

func (f *fakeAsanaClient) SearchTasksBefore(_ context.Context, _ string, before time.Time) ([]sourceclient.AsanaTask, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var hits []sourceclient.AsanaTask
	for _, t := range f.tasks {
		if t.ModifiedAt.Before(before) {
			hits = append(hits, t)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ModifiedAt.After(hits[j].ModifiedAt) })
	if len(hits) > f.pageSize {
		hits = hits[:f.pageSize]
	}
	return hits, nil
}

func (f *fakeAsanaClient) SearchTasksAfter(_ context.Context, _ string, after time.Time) ([]sourceclient.AsanaTask, error) {
	f.searchAfterLo = append(f.searchAfterLo, after)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var hits []sourceclient.AsanaTask
	for _, t := range f.tasks {
		if !t.ModifiedAt.Before(after) {
			hits = append(hits, t)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ModifiedAt.Before(hits[j].ModifiedAt) })
	if len(hits) > f.pageSize {
		hits = hits[:f.pageSize]
	}
	return hits, nil
}

func (f *fakeAsanaClient) GetTask(_ context.Context, gid string) (*sourceclient.AsanaTask, error) {
	for _, t := range f.tasks {
		if t.GID == gid {
			return &t, nil
		}
	}
	return nil, &sourceclient.NotFoundError{StatusCode: 404, EntityID: gid}
}

func (f *fakeAsanaClient) GetStories(_ context.Context, taskGID string) ([]sourceclient.AsanaStory, error) {
	return f.stories[taskGID], nil
}

func (f *fakeAsanaClient) GetProject(_ context.Context, gid string) (*sourceclient.AsanaProject, error) {
	p, ok := f.projectByGID[gid]
	if !ok {
		return nil, &sourceclient.NotFoundError{StatusCode: 404, EntityID: gid}
	}
	return &p, nil
}

func (f *fakeAsanaClient) GetProjectMemberships(_ context.Context, projectGID string) ([]sourceclient.AsanaProjectMembership, error) {
	return f.memberships[projectGID], nil
}

func (f *fakeAsanaClient) GetTeam(_ context.Context, gid string) (*sourceclient.AsanaTeam, error) {
	t, ok := f.teamByGID[gid]
	if !ok {
		return nil, &sourceclient.NotFoundError{StatusCode: 404, EntityID: gid}
	}
	return &t, nil
}

func (f *fakeAsanaClient) GetTeamUsers(_ context.Context, teamGID string) ([]sourceclient.AsanaUser, error) {
	return f.teamUsers[teamGID], nil
}

func (f *fakeAsanaClient) GetEvents(_ context.Context, resourceGID, _ string) ([]sourceclient.AsanaEvent, string, error) {
	r := f.eventsByRes[resourceGID]
	return r.events, r.token, r.err
}

func newAsanaUnderTest(client *fakeAsanaClient, store *fakeStore, sink *fakeSink, now time.Time) *Asana {
	a := NewAsana(client, store, sink, "t1")
	a.now = func() time.Time { return now }
	return a
}

func asanaTaskCorpus(base time.Time, n int) []sourceclient.AsanaTask {
	tasks := make([]sourceclient.AsanaTask, n)
	for i := range tasks {
		tasks[i] = sourceclient.AsanaTask{
			GID:        fmt.Sprintf("task-%03d", i),
			Name:       fmt.Sprintf("Task %d", i),
			ModifiedAt: base.Add(-time.Duration(i) * time.Minute),
			CreatedAt:  base.Add(-time.Duration(i+1) * time.Hour),
		}
	}
	return tasks
}

// A 250-task corpus with a budget of one page per message: each run commits
// one page, saves the watermark and reports incomplete; the final run drains
// the sweep and flips the completion flag.
func TestAsanaFullBackfillTimeboxAndResume(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeAsanaClient{
		workspaces: []sourceclient.AsanaWorkspace{{GID: "ws1", Name: "Main"}},
		tasks:      asanaTaskCorpus(now.Add(-time.Hour), 250),
		pageSize:   100,
	}
	store := newFakeStore()
	sink := &fakeSink{}
	a := newAsanaUnderTest(client, store, sink, now)

	// Deadline already elapsed: exactly one page per message.
	expired := Job{TenantID: "t1", BackfillID: "bf-1", Deadline: now}

	res, err := a.FullBackfill(context.Background(), expired)
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Len(t, store.artifactIDs(models.KindAsanaTask), 100)

	_, found, err := store.GetSyncStateTime(context.Background(), "t1", asanaSyncedAfterKey("ws1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, sink.triggers, 1)
	require.Equal(t, "bf-1", sink.triggers[0].backfillID)

	// Second and third messages advance by one page each.
	for i := 0; i < 2; i++ {
		res, err = a.FullBackfill(context.Background(), expired)
		require.NoError(t, err)
		require.False(t, res.Complete)
	}
	require.Len(t, store.artifactIDs(models.KindAsanaTask), 250)

	// Final message finds the stream drained and marks the scope complete.
	res, err = a.FullBackfill(context.Background(), Job{TenantID: "t1", BackfillID: "bf-1"})
	require.NoError(t, err)
	require.True(t, res.Complete)
	done, err := store.GetSyncStateBool(context.Background(), "t1", asanaFullCompleteKey("ws1"))
	require.NoError(t, err)
	require.True(t, done)

	// Once complete, reruns are no-ops.
	upserts := len(store.upserts)
	res, err = a.FullBackfill(context.Background(), Job{TenantID: "t1"})
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Len(t, store.upserts, upserts)
}

func TestClassifyTaskEvents(t *testing.T) {
	t.Parallel()

	events := []sourceclient.AsanaEvent{
		{Type: "task", Action: "added", Resource: sourceclient.AsanaRef{GID: "A"}},
		{Type: "task", Action: "added", Resource: sourceclient.AsanaRef{GID: "B"}},
		{Type: "task", Action: "changed", Resource: sourceclient.AsanaRef{GID: "B"}},
		{Type: "task", Action: "changed", Resource: sourceclient.AsanaRef{GID: "C"}},
		{Type: "task", Action: "deleted", Resource: sourceclient.AsanaRef{GID: "B"}},
		{Type: "task", Action: "deleted", Resource: sourceclient.AsanaRef{GID: "D"}},
	}

	refresh, remove := classifyTaskEvents(events)
	// B was added and deleted inside the window: it never existed for us.
	require.Equal(t, []string{"A", "C"}, refresh)
	require.Equal(t, []string{"D"}, remove)
}

func TestClassifyTaskEventsParentOfChange(t *testing.T) {
	t.Parallel()

	events := []sourceclient.AsanaEvent{
		{Type: "story", Action: "added",
			Resource: sourceclient.AsanaRef{GID: "story-1"},
			Parent:   &sourceclient.AsanaRef{GID: "T"}},
	}
	refresh, remove := classifyTaskEvents(events)
	require.Equal(t, []string{"T"}, refresh)
	require.Empty(t, remove)
}

// An invalid sync token must persist its fresh replacement before the
// fallback search runs; a payment-gated fallback then short-circuits with
// nothing written.
func TestAsanaIncrementalFreshTokenPersistedBeforeFallback(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeAsanaClient{
		workspaces: []sourceclient.AsanaWorkspace{{GID: "ws1"}},
		eventsByRes: map[string]asanaEventsResult{
			"ws1": {err: &sourceclient.InvalidSyncTokenError{FreshToken: "t2"}},
		},
		searchErr: &sourceclient.PaymentRequiredError{Scope: "ws1"},
		pageSize:  100,
	}
	store := newFakeStore()
	sink := &fakeSink{}
	a := newAsanaUnderTest(client, store, sink, now)

	res, err := a.IncrementalBackfill(context.Background(), Job{TenantID: "t1"})
	require.NoError(t, err)
	require.True(t, res.Complete)

	token, found, err := store.GetSyncState(context.Background(), "t1", asanaSyncTokenKey("ws1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "t2", token)
	require.Zero(t, store.totalUpserted())
	require.Empty(t, sink.triggers)
}

func TestAsanaIncrementalFallbackWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeAsanaClient{
		workspaces: []sourceclient.AsanaWorkspace{{GID: "ws1"}},
		tasks: []sourceclient.AsanaTask{
			{GID: "recent", ModifiedAt: now.Add(-5 * time.Minute)},
			{GID: "old", ModifiedAt: now.Add(-2 * time.Hour)},
		},
		eventsByRes: map[string]asanaEventsResult{
			"ws1": {err: &sourceclient.InvalidSyncTokenError{FreshToken: "t2"}},
		},
		pageSize: 100,
	}
	store := newFakeStore()
	sink := &fakeSink{}
	a := newAsanaUnderTest(client, store, sink, now)

	res, err := a.IncrementalBackfill(context.Background(), Job{TenantID: "t1"})
	require.NoError(t, err)
	require.True(t, res.Complete)

	// Only the task inside the 10-minute window is re-read.
	require.Equal(t, []string{"recent"}, store.artifactIDs(models.KindAsanaTask))
	require.Len(t, client.searchAfterLo, 1)
	require.Equal(t, now.Add(-searchFallbackWindow), client.searchAfterLo[0])
}

func TestAsanaIncrementalEventsRefreshAndPrune(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeAsanaClient{
		workspaces: []sourceclient.AsanaWorkspace{{GID: "ws1"}},
		tasks: []sourceclient.AsanaTask{
			{GID: "C", Name: "changed task", ModifiedAt: now.Add(-time.Minute)},
		},
		eventsByRes: map[string]asanaEventsResult{
			"ws1": {
				events: []sourceclient.AsanaEvent{
					{Type: "task", Action: "changed", Resource: sourceclient.AsanaRef{GID: "C"}},
					{Type: "task", Action: "deleted", Resource: sourceclient.AsanaRef{GID: "D"}},
					{Type: "task", Action: "changed", Resource: sourceclient.AsanaRef{GID: "gone"}},
				},
				token: "t-next",
			},
		},
		pageSize: 100,
	}
	store := newFakeStore()
	// Pre-existing artifacts for the deleted task and one of its stories.
	require.NoError(t, store.UpsertArtifactBatch(context.Background(), "t1", []models.Artifact{
		models.NewArtifact(models.KindAsanaTask, "D", uuid.Nil, now.Add(-time.Hour), []byte(`{}`), nil),
		models.NewArtifact(models.KindAsanaStory, "D-s1", uuid.Nil, now.Add(-time.Hour), []byte(`{}`),
			map[string]any{"task_gid": "D"}),
	}))
	sink := &fakeSink{}
	a := newAsanaUnderTest(client, store, sink, now)

	res, err := a.IncrementalBackfill(context.Background(), Job{TenantID: "t1", BackfillID: "bf-2"})
	require.NoError(t, err)
	require.True(t, res.Complete)

	// C was re-fetched; "gone" 404ed and was dropped best-effort.
	require.Contains(t, store.artifactIDs(models.KindAsanaTask), "C")

	// D and its story are pruned, and its document delete was requested.
	require.NotContains(t, store.artifactIDs(models.KindAsanaTask), "D")
	require.Empty(t, store.artifactIDs(models.KindAsanaStory))
	require.Len(t, sink.deletes, 1)
	require.Equal(t, []string{"D"}, sink.deletes[0].ids)

	token, _, err := store.GetSyncState(context.Background(), "t1", asanaSyncTokenKey("ws1"))
	require.NoError(t, err)
	require.Equal(t, "t-next", token)
}

func TestAsanaIncrementalServiceAccountStepdown(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeAsanaClient{
		workspaces: []sourceclient.AsanaWorkspace{{GID: "ws1"}},
		projects:   map[string][]sourceclient.AsanaRef{"ws1": {{GID: "p1"}, {GID: "p2"}}},
		eventsByRes: map[string]asanaEventsResult{
			"ws1": {err: &sourceclient.ServiceAccountOnlyError{}},
			"p1":  {token: "tok-p1"},
			"p2":  {token: "tok-p2"},
		},
		pageSize: 100,
	}
	store := newFakeStore()
	sink := &fakeSink{}
	a := newAsanaUnderTest(client, store, sink, now)

	res, err := a.IncrementalBackfill(context.Background(), Job{TenantID: "t1"})
	require.NoError(t, err)
	require.True(t, res.Complete)

	for _, p := range []string{"p1", "p2"} {
		token, found, err := store.GetSyncState(context.Background(), "t1", asanaSyncTokenKey(p))
		require.NoError(t, err)
		require.True(t, found, p)
		require.Equal(t, "tok-"+p, token)
	}
	// The workspace-level token must not have been written.
	_, found, err := store.GetSyncState(context.Background(), "t1", asanaSyncTokenKey("ws1"))
	require.NoError(t, err)
	require.False(t, found)
}
