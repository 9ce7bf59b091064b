package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/outbox"
	"github.com/realartists/shipsync/syncer"
)

// fakeBackend serves both halves of the protocol: the sync websocket at
// /sync and the REST mutation endpoints everything else.
type fakeBackend struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server

	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []any // frames pushed on every new sync connection
	hellos int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	fb := &fakeBackend{t: t, mux: http.NewServeMux()}
	fb.mux.HandleFunc("/sync", fb.handleSync)
	fb.srv = httptest.NewServer(fb.mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) handleSync(w http.ResponseWriter, r *http.Request) {
	con, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer con.Close()

	var hello map[string]any
	if err := con.ReadJSON(&hello); err != nil {
		return
	}
	fb.mu.Lock()
	fb.hellos++
	frames := fb.frames
	fb.mu.Unlock()

	for _, frame := range frames {
		if err := con.WriteJSON(frame); err != nil {
			return
		}
	}
	// hold the connection open; reads discard client frames
	for {
		if _, _, err := con.ReadMessage(); err != nil {
			return
		}
	}
}

func (fb *fakeBackend) pushOnConnect(frames ...any) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.frames = append(fb.frames, frames...)
}

func entry(kind models.SyncEntityKind, version int64, obj any) map[string]any {
	raw, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	return map[string]any{
		"action":  "set",
		"type":    string(kind),
		"version": version,
		"object":  json.RawMessage(raw),
	}
}

func syncFrame(remaining int64, entries ...map[string]any) map[string]any {
	versions := map[string]int64{}
	for _, e := range entries {
		kind := e["type"].(string)
		v := e["version"].(int64)
		if v > versions[kind] {
			versions[kind] = v
		}
	}
	return map[string]any{
		"msg":       "sync",
		"entries":   entries,
		"remaining": remaining,
		"versions":  versions,
	}
}

// seedFrames is a small but fully linked dataset: a repo with a label and
// a milestone, an open and a closed issue, and one unread notification.
func seedFrames() []any {
	return []any{
		syncFrame(0,
			entry(models.KindAccounts, 1, models.Account{ID: 9, Login: "me", Type: models.AccountTypeUser}),
			entry(models.KindRepos, 1, models.Repo{ID: 10, FullName: "octo/hello", OwnerID: 9, HasIssues: true}),
			entry(models.KindLabels, 1, models.Label{ID: 20, RepoID: 10, Name: "bug", Color: "fc2929"}),
			entry(models.KindMilestones, 1, models.Milestone{ID: 30, RepoID: 10, Title: "v1", State: models.IssueStateOpen}),
			entry(models.KindIssues, 1, models.Issue{ID: 100, RepoID: 10, Number: 1, Title: "first bug", State: models.IssueStateOpen, MilestoneID: 30}),
			entry(models.KindIssues, 2, models.Issue{ID: 101, RepoID: 10, Number: 2, Title: "done already", State: models.IssueStateClosed}),
			entry(models.KindRelationships, 1, models.RelationshipObject{Relationship: models.RelationshipLabel, Issue: 100, Label: 20}),
			entry(models.KindNotifications, 1, models.Notification{ID: 40, IssueID: 100, Unread: true, Reason: "mention"}),
		),
	}
}

var testDBSeq int

func newTestDataStore(t *testing.T, fb *fakeBackend) *DataStore {
	t.Helper()
	testDBSeq++
	ds := New(Config{
		DatabaseURL: fmt.Sprintf("sqlite://file:datastore%d?mode=memory&cache=shared", testDBSeq),
		ServerURL:   fb.srv.URL,
		Token:       "tok",
		AccountID:   9,
		Sync:        syncer.Config{ClientVersion: "1.0-test", PingInterval: 50 * time.Millisecond, ReadTimeout: time.Second},
		Outbox:      outbox.Config{SweepInterval: 20 * time.Millisecond},
	})
	t.Cleanup(ds.Deactivate)
	return ds
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSyncFlowsIntoQueries(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.pushOnConnect(seedFrames()...)

	ds := newTestDataStore(t, fb)
	require.NoError(t, ds.Activate(ctx))

	waitFor(t, func() bool {
		n, err := ds.CountIssues(ctx, IssueQuery{})
		return err == nil && n == 2
	})

	open, err := ds.Issues(ctx, IssueQuery{State: models.IssueStateOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "first bug", open[0].Title)

	labeled, err := ds.Issues(ctx, IssueQuery{Label: "bug"})
	require.NoError(t, err)
	require.Len(t, labeled, 1)
	assert.Equal(t, models.RecordID(100), labeled[0].ID)

	progress, err := ds.IssueProgress(ctx, IssueQuery{Repo: 10})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, progress, 0.001)

	detail, err := ds.LoadIssue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "octo/hello", detail.Repo.FullName)
	require.NotNil(t, detail.Milestone)
	assert.Equal(t, "v1", detail.Milestone.Title)
	require.Len(t, detail.Labels, 1)
	assert.Equal(t, "bug", detail.Labels[0].Name)
	assert.True(t, detail.Unread)

	md, err := ds.Metadata(ctx)
	require.NoError(t, err)
	require.Len(t, md.Repos, 1)

	unread, err := ds.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	assert.False(t, ds.Offline())
	assert.True(t, ds.Valid())
	assert.Equal(t, 1.0, ds.SyncProgress())
}

func TestIssueProgressEmpty(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	ds := newTestDataStore(t, fb)
	require.NoError(t, ds.Activate(ctx))

	progress, err := ds.IssueProgress(ctx, IssueQuery{})
	require.NoError(t, err)
	assert.Equal(t, -1.0, progress)
}

func TestEventsOnSync(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.pushOnConnect(seedFrames()...)
	ds := newTestDataStore(t, fb)

	sub, err := ds.Subscribe(nil)
	require.NoError(t, err)
	defer ds.Unsubscribe(sub)

	require.NoError(t, ds.Activate(ctx))

	seen := map[EventKind]bool{}
	deadline := time.After(5 * time.Second)
	for !(seen[EvtActiveChanged] && seen[EvtIssuesUpdated] && seen[EvtMetadataUpdated] && seen[EvtNotificationsUpdated]) {
		select {
		case evt := <-sub.Events():
			seen[evt.Kind] = true
			if evt.Kind == EvtIssuesUpdated {
				assert.Equal(t, SourceSync, evt.Source)
			}
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestOfflineMutationQueues(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.pushOnConnect(seedFrames()...)
	// every REST call fails, as if the network dropped after the sync
	fb.mux.HandleFunc("/repos/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ds := newTestDataStore(t, fb)
	require.NoError(t, ds.Activate(ctx))
	waitFor(t, func() bool {
		n, err := ds.CountIssues(ctx, IssueQuery{})
		return err == nil && n == 2
	})

	id, err := ds.PostComment(ctx, 100, "works offline")
	require.NoError(t, err)
	assert.True(t, id.IsPlaceholder())

	detail, err := ds.LoadIssue(ctx, 100)
	require.NoError(t, err)
	require.Len(t, detail.Comments, 1)
	assert.Equal(t, "works offline", detail.Comments[0].Body)

	pending, err := ds.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OutboxCreateComment, pending[0].Kind)
}

func TestActivateIsExclusive(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)

	ds1 := newTestDataStore(t, fb)
	ds2 := newTestDataStore(t, fb)

	require.NoError(t, ds1.Activate(ctx))
	assert.Same(t, ds1, Active())

	require.NoError(t, ds2.Activate(ctx))
	assert.Same(t, ds2, Active())
	assert.False(t, ds1.Valid(), "first store torn down")
	assert.True(t, ds2.Valid())

	_, err := ds1.Issues(ctx, IssueQuery{})
	require.Error(t, err)

	ds2.Deactivate()
	assert.Nil(t, Active())
}

func TestHiddenRepoFiltered(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.pushOnConnect(seedFrames()...)

	ds := newTestDataStore(t, fb)
	require.NoError(t, ds.Activate(ctx))
	waitFor(t, func() bool {
		md, err := ds.Metadata(ctx)
		return err == nil && len(md.Repos) == 1
	})

	require.NoError(t, ds.SetRepoHidden(ctx, 10, true))
	md, err := ds.Metadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, md.Repos)

	require.NoError(t, ds.SetRepoHidden(ctx, 10, false))
	md, err = ds.Metadata(ctx)
	require.NoError(t, err)
	assert.Len(t, md.Repos, 1)
}

func TestMarkIssueRead(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.pushOnConnect(seedFrames()...)
	var mu sync.Mutex
	acked := false
	fb.mux.HandleFunc("PATCH /notifications/threads/40", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		acked = true
		mu.Unlock()
		w.WriteHeader(http.StatusResetContent)
	})

	ds := newTestDataStore(t, fb)
	require.NoError(t, ds.Activate(ctx))
	waitFor(t, func() bool {
		n, err := ds.UnreadCount(ctx)
		return err == nil && n == 1
	})

	require.NoError(t, ds.MarkIssueRead(ctx, 100))

	unread, err := ds.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, unread)

	waitFor(t, func() bool {
		mu.Lock()
		ok := acked
		mu.Unlock()
		if !ok {
			return false
		}
		pending, err := ds.PendingMutations(ctx)
		return err == nil && len(pending) == 0
	})

	// already read: nothing new is queued
	require.NoError(t, ds.MarkIssueRead(ctx, 100))
	pending, err := ds.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCloseShutsDownEventBus(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.pushOnConnect(seedFrames()...)

	ds := newTestDataStore(t, fb)
	sub, err := ds.Subscribe(nil)
	require.NoError(t, err)
	require.NoError(t, ds.Activate(ctx))

	ds.Close()

	// every subscriber channel drains and closes
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-sub.Events():
		case <-deadline:
			t.Fatal("subscriber channel never closed")
		}
	}

	_, err = ds.Subscribe(nil)
	require.Error(t, err)
	assert.False(t, ds.Valid())
}
