package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realartists/shipsync/api"
	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/store"
)

// fakeSyncServer accepts websocket connections, records each hello frame,
// and hands the connection to a per-connection script.
type fakeSyncServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	hellos   []helloFrame
	scripts  []func(conn *websocket.Conn, hello helloFrame)
	rejected bool
}

func newFakeSyncServer(t *testing.T) *fakeSyncServer {
	t.Helper()
	fs := &fakeSyncServer{t: t}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		reject := fs.rejected
		fs.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello helloFrame
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}

		fs.mu.Lock()
		fs.hellos = append(fs.hellos, hello)
		var script func(conn *websocket.Conn, hello helloFrame)
		if len(fs.scripts) > 0 {
			script = fs.scripts[0]
			fs.scripts = fs.scripts[1:]
		}
		fs.mu.Unlock()

		if script != nil {
			script(conn, hello)
		}
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeSyncServer) url() string {
	return fs.server.URL
}

// onConnection queues a script for the next accepted connection.
func (fs *fakeSyncServer) onConnection(fn func(conn *websocket.Conn, hello helloFrame)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.scripts = append(fs.scripts, fn)
}

func (fs *fakeSyncServer) helloCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.hellos)
}

func (fs *fakeSyncServer) helloAt(i int) helloFrame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hellos[i]
}

func issueEntry(t *testing.T, id models.RecordID, title string, version int64) *models.SyncEntry {
	t.Helper()
	obj, err := json.Marshal(models.Issue{ID: id, RepoID: 1, Number: int64(id), Title: title, State: models.IssueStateOpen})
	require.NoError(t, err)
	return &models.SyncEntry{Action: models.SyncActionSet, Kind: models.KindIssues, Version: version, Object: obj}
}

func sendSync(t *testing.T, conn *websocket.Conn, entries []*models.SyncEntry, remaining int64) {
	t.Helper()
	versions := map[models.SyncEntityKind]int64{}
	for _, e := range entries {
		if e.Version > versions[e.Kind] {
			versions[e.Kind] = e.Version
		}
	}
	err := conn.WriteJSON(&serverFrame{
		Msg:       msgSync,
		Entries:   entries,
		Remaining: remaining,
		Versions:  versions,
	})
	require.NoError(t, err)
}

func newTestSyncer(t *testing.T, serverURL string, hooks Hooks) (*Syncer, *store.Store, *api.Auth) {
	t.Helper()
	st, err := store.Open(store.Config{DatabaseURL: "sqlite://file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auth := api.NewAuth("test-token", 1)
	s := New(st, auth, nil, Config{ServerURL: serverURL, ClientVersion: "1.0-test"}, hooks)
	return s, st, auth
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func issueCount(t *testing.T, st *store.Store) int64 {
	t.Helper()
	var count int64
	require.NoError(t, st.Read(context.Background(), func(tx *store.Tx) error {
		return tx.DB().Model(&models.Issue{}).Count(&count).Error
	}))
	return count
}

func TestInitialSyncAndResume(t *testing.T) {
	fs := newFakeSyncServer(t)

	// first connection: three issues, then hang up mid-stream
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		assert.Empty(t, hello.Versions)
		sendSync(t, conn, []*models.SyncEntry{
			issueEntry(t, 1, "one", 41),
			issueEntry(t, 2, "two", 42),
			issueEntry(t, 3, "three", 43),
		}, 2)
		conn.Close()
	})

	done := make(chan struct{})
	// second connection: must resume from 43, close the syncer when done
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		assert.Equal(t, int64(43), hello.Versions[models.KindIssues])
		sendSync(t, conn, []*models.SyncEntry{
			issueEntry(t, 4, "four", 44),
			issueEntry(t, 5, "five", 45),
		}, 0)
		<-done
	})

	s, st, _ := newTestSyncer(t, fs.url(), Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return issueCount(t, st) == 5 })
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateLive })
	close(done)

	require.Equal(t, 2, fs.helloCount())
	require.NoError(t, st.Read(context.Background(), func(tx *store.Tx) error {
		versions, err := tx.Versions()
		if err != nil {
			return err
		}
		assert.Equal(t, int64(45), versions[models.KindIssues])
		return nil
	}))
}

func TestProgressAndLive(t *testing.T) {
	fs := newFakeSyncServer(t)
	hold := make(chan struct{})
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		sendSync(t, conn, []*models.SyncEntry{issueEntry(t, 1, "one", 1)}, 1)
		<-hold
		sendSync(t, conn, []*models.SyncEntry{issueEntry(t, 2, "two", 2)}, 0)
		<-hold
	})

	s, st, _ := newTestSyncer(t, fs.url(), Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return issueCount(t, st) == 1 })
	assert.InDelta(t, 0.5, s.Progress(), 0.001)
	assert.Equal(t, StateSyncing, s.State())

	hold <- struct{}{}
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateLive })
	assert.InDelta(t, 1.0, s.Progress(), 0.001)
	close(hold)
}

func TestPurgeTokenChangeWipes(t *testing.T) {
	fs := newFakeSyncServer(t)

	done := make(chan struct{})
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		require.NoError(t, conn.WriteJSON(&serverFrame{Msg: msgPurge, Purge: "epoch-1"}))
		sendSync(t, conn, []*models.SyncEntry{issueEntry(t, 1, "stale", 41)}, 0)

		// new epoch: the client must wipe and say hello again from zero
		require.NoError(t, conn.WriteJSON(&serverFrame{Msg: msgPurge, Purge: "epoch-2"}))

		var rehello helloFrame
		require.NoError(t, conn.ReadJSON(&rehello))
		assert.Empty(t, rehello.Versions)

		sendSync(t, conn, []*models.SyncEntry{issueEntry(t, 2, "fresh", 1)}, 0)
		<-done
	})

	var purged bool
	s, st, _ := newTestSyncer(t, fs.url(), Hooks{DidPurge: func() { purged = true }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		var fresh int64
		st.Read(context.Background(), func(tx *store.Tx) error {
			return tx.DB().Model(&models.Issue{}).Where("title = ?", "fresh").Count(&fresh).Error
		})
		return fresh == 1
	})
	close(done)

	assert.True(t, purged)
	var stale int64
	require.NoError(t, st.Read(context.Background(), func(tx *store.Tx) error {
		return tx.DB().Model(&models.Issue{}).Where("title = ?", "stale").Count(&stale).Error
	}))
	assert.Zero(t, stale)
}

func TestNeedsUpdateIsTerminal(t *testing.T) {
	fs := newFakeSyncServer(t)
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		require.NoError(t, conn.WriteJSON(&serverFrame{Msg: msgNeedsUpdate}))
	})

	notified := make(chan struct{})
	s, _, _ := newTestSyncer(t, fs.url(), Hooks{NeedsUpdate: func() { close(notified) }})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNeedsUpdate)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	<-notified

	// no reconnect happened
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fs.helloCount())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestInvalidAuthDoesNotDial(t *testing.T) {
	fs := newFakeSyncServer(t)
	s, _, auth := newTestSyncer(t, fs.url(), Hooks{})
	auth.Invalidate()

	err := s.Run(context.Background())
	var authErr *api.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, fs.helloCount())
}

func TestInvalidateStopsLiveConnection(t *testing.T) {
	fs := newFakeSyncServer(t)
	invalidated := make(chan struct{})
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		sendSync(t, conn, []*models.SyncEntry{issueEntry(t, 1, "one", 1)}, 0)
		<-invalidated
		// the client hung up already; this frame must not land
		conn.WriteJSON(&serverFrame{
			Msg:      msgSync,
			Entries:  []*models.SyncEntry{issueEntry(t, 2, "two", 2)},
			Versions: map[models.SyncEntityKind]int64{models.KindIssues: 2},
		})
	})

	s, st, auth := newTestSyncer(t, fs.url(), Hooks{})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	waitFor(t, 5*time.Second, func() bool { return s.State() == StateLive })
	auth.Invalidate()
	close(invalidated)

	select {
	case err := <-errCh:
		var authErr *api.AuthError
		require.ErrorAs(t, err, &authErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after invalidation")
	}

	assert.Equal(t, int64(1), issueCount(t, st))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestHandshake401InvalidatesAuth(t *testing.T) {
	fs := newFakeSyncServer(t)
	fs.mu.Lock()
	fs.rejected = true
	fs.mu.Unlock()

	s, _, auth := newTestSyncer(t, fs.url(), Hooks{})
	err := s.Run(context.Background())
	var authErr *api.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, auth.Valid())
}

func TestRateLimitFrame(t *testing.T) {
	fs := newFakeSyncServer(t)
	until := time.Now().Add(time.Hour).Truncate(time.Second)
	done := make(chan struct{})
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		require.NoError(t, conn.WriteJSON(&serverFrame{Msg: msgRateLimit, Until: &until}))
		<-done
	})

	var gotPrev, gotUntil time.Time
	limited := make(chan struct{})
	s, _, _ := newTestSyncer(t, fs.url(), Hooks{RateLimited: func(prev, upd time.Time) {
		gotPrev, gotUntil = prev, upd
		close(limited)
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-limited:
	case <-time.After(5 * time.Second):
		t.Fatal("rate limit hook not called")
	}
	close(done)

	assert.True(t, gotPrev.IsZero())
	assert.True(t, gotUntil.Equal(until))
	assert.True(t, s.RateLimitedUntil().Equal(until))
}

func TestBackoffNeverNegative(t *testing.T) {
	for _, retries := range []int{0, 5, 31, 63, 100} {
		d := backoff(retries, 60)
		assert.Greater(t, d, time.Duration(0), "retries=%d", retries)
		assert.LessOrEqual(t, d, 61*time.Second, "retries=%d", retries)
	}
}

func TestUnknownFramesSkipped(t *testing.T) {
	fs := newFakeSyncServer(t)
	done := make(chan struct{})
	fs.onConnection(func(conn *websocket.Conn, hello helloFrame) {
		require.NoError(t, conn.WriteJSON(map[string]any{"msg": "somethingNew", "payload": 42}))
		sendSync(t, conn, []*models.SyncEntry{issueEntry(t, 1, "still works", 1)}, 0)
		<-done
	})

	s, st, _ := newTestSyncer(t, fs.url(), Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return issueCount(t, st) == 1 })
	close(done)
}
