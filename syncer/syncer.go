package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"

	"github.com/realartists/shipsync/api"
	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/store"
)

// ErrNeedsUpdate means the server refused this client version outright.
// There is no point reconnecting; only a software update helps.
var ErrNeedsUpdate = errors.New("syncer: client too old, server requires an update")

// State is the connection lifecycle. Reconnecting covers the backoff gaps
// between attempts after the first successful connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	ServerURL string

	// ClientVersion is sent in the hello frame; empty means the build's
	// version string.
	ClientVersion string

	// MaxBackoffSecs caps the reconnect backoff. Zero means 60.
	MaxBackoffSecs int

	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// Hooks are the syncer's upward notifications. All fields are optional.
// They are called from the syncer's goroutine and must not block.
type Hooks struct {
	StateChanged func(State)
	Progress     func(float64)
	WillPurge    func()
	DidPurge     func()
	NeedsUpdate  func()
	RateLimited  func(previous, until time.Time)
}

// Syncer maintains the persistent sync connection: dial, hello handshake
// with the stored cursor, ordered entry application, and reconnection with
// exponential backoff. One Syncer serves one store and one credential.
type Syncer struct {
	log    *slog.Logger
	store  *store.Store
	auth   *api.Auth
	client *api.Client
	cfg    Config
	hooks  Hooks

	state     atomic.Int32
	progress  atomic.Uint64 // float64 bits
	rateLimit atomic.Int64  // unix seconds, 0 = none

	conMu sync.Mutex
	con   *websocket.Conn

	// applied entries since the current connection's hello
	applied int64
}

func New(st *store.Store, auth *api.Auth, client *api.Client, cfg Config, hooks Hooks) *Syncer {
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = versioninfo.Short()
	}
	if cfg.MaxBackoffSecs == 0 {
		cfg.MaxBackoffSecs = 60
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Minute
	}
	s := &Syncer{
		log:    slog.Default().With("component", "syncer"),
		store:  st,
		auth:   auth,
		client: client,
		cfg:    cfg,
		hooks:  hooks,
	}
	s.setProgress(-1)
	return s
}

func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	connectionState.Set(float64(st))
	s.log.Info("connection state changed", "from", old.String(), "to", st.String())
	if s.hooks.StateChanged != nil {
		s.hooks.StateChanged(st)
	}
}

// Progress reports the fraction of the initial sync applied so far, in
// [0,1]. It returns -1 before the first sync frame of a connection.
func (s *Syncer) Progress() float64 {
	return math.Float64frombits(s.progress.Load())
}

func (s *Syncer) setProgress(p float64) {
	s.progress.Store(math.Float64bits(p))
	if p >= 0 {
		syncProgress.Set(p)
	}
	if s.hooks.Progress != nil {
		s.hooks.Progress(p)
	}
}

// RateLimitedUntil returns the end of the current rate-limit window, zero
// time when not limited.
func (s *Syncer) RateLimitedUntil() time.Time {
	secs := s.rateLimit.Load()
	if secs == 0 || secs < time.Now().Unix() {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

func backoff(retries int, maxSecs int) time.Duration {
	// cap the shift; an outage long enough to push retries this high
	// would otherwise overflow into a negative duration
	if retries > 30 {
		retries = 30
	}
	dur := 1 << retries
	if dur > maxSecs {
		dur = maxSecs
	}

	jitter := time.Millisecond * time.Duration(rand.Intn(1000))
	return time.Second*time.Duration(dur) + jitter
}

func (s *Syncer) wsURL() (string, error) {
	u, err := url.Parse(s.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sync"
	}
	return u.String(), nil
}

// Run connects and consumes sync frames until the context is cancelled,
// the credential is invalidated, or the server demands a newer client.
// Every other failure reconnects with backoff, resuming from the durable
// cursor.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	// a credential rejected anywhere (an outbox replay, another holder)
	// must stop a live connection right away, not at the next dial
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.auth.OnInvalidate(func() {
		cancel()
		s.closeCon()
	})

	urlStr, err := s.wsURL()
	if err != nil {
		return err
	}

	var retries int
	for {
		if !s.auth.Valid() {
			s.log.Info("credential invalid, not dialing")
			return &api.AuthError{}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if retries == 0 {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		s.log.Info("connecting to sync server", "url", urlStr, "retries", retries)

		dialer := websocket.DefaultDialer
		con, resp, err := dialer.DialContext(ctx, urlStr, http.Header{
			"Authorization": []string{"Bearer " + s.auth.Token},
			"User-Agent":    []string{"shipsync/" + versioninfo.Short()},
		})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				s.log.Warn("credential rejected during handshake")
				s.auth.Invalidate()
				return &api.AuthError{Status: resp.StatusCode}
			}
			s.log.Warn("dialing failed", "error", err, "retries", retries)
			connectionRetries.Inc()
			select {
			case <-ctx.Done():
			case <-time.After(backoff(retries, s.cfg.MaxBackoffSecs)):
			}
			retries++
			continue
		}

		s.log.Info("connected to sync server")
		retries = 0

		err = s.handleConnection(ctx, con)
		con.Close()
		switch {
		case errors.Is(err, ErrNeedsUpdate):
			if s.hooks.NeedsUpdate != nil {
				s.hooks.NeedsUpdate()
			}
			return err
		case !s.auth.Valid():
			s.log.Warn("credential invalidated, stopping sync")
			return &api.AuthError{}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.log.Warn("sync connection failed", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(backoff(retries, s.cfg.MaxBackoffSecs)):
		}
	}
}

func (s *Syncer) handleConnection(ctx context.Context, con *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.conMu.Lock()
	s.con = con
	s.conMu.Unlock()
	defer func() {
		s.conMu.Lock()
		s.con = nil
		s.conMu.Unlock()
	}()

	go s.pingLoop(ctx, con)

	con.SetPingHandler(func(message string) error {
		err := con.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Minute))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	con.SetPongHandler(func(_ string) error {
		return con.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	if err := con.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return err
	}

	s.applied = 0
	s.setProgress(-1)
	s.setState(StateSyncing)
	if err := s.sendHello(ctx); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var frame serverFrame
		if err := con.ReadJSON(&frame); err != nil {
			return fmt.Errorf("websocket read error: %w", err)
		}
		framesReceived.WithLabelValues(frame.Msg).Inc()

		if err := s.handleFrame(ctx, &frame); err != nil {
			return err
		}
	}
}

func (s *Syncer) sendHello(ctx context.Context) error {
	var versions map[models.SyncEntityKind]int64
	err := s.store.Read(ctx, func(tx *store.Tx) error {
		var err error
		versions, err = tx.Versions()
		return err
	})
	if err != nil {
		return err
	}

	if err := s.waitForRateLimit(ctx); err != nil {
		return err
	}
	return s.writeJSON(&helloFrame{
		Msg:      msgHello,
		Client:   s.cfg.ClientVersion,
		Versions: versions,
	})
}

func (s *Syncer) closeCon() {
	s.conMu.Lock()
	defer s.conMu.Unlock()
	if s.con != nil {
		s.con.Close()
	}
}

// writeJSON serializes frame writers; gorilla allows only one concurrent
// writer per connection.
func (s *Syncer) writeJSON(v any) error {
	s.conMu.Lock()
	defer s.conMu.Unlock()
	if s.con == nil {
		return fmt.Errorf("not connected")
	}
	return s.con.WriteJSON(v)
}

// Viewing tells the server which issue the user has open, so the server
// can push that issue's updates ahead of the rest of the stream. Best
// effort; a dropped frame just means slightly staler data.
func (s *Syncer) Viewing(issue models.RecordID) {
	if err := s.writeJSON(&viewingFrame{Msg: msgViewing, Issue: issue}); err != nil {
		s.log.Debug("viewing frame not sent", "error", err)
	}
}

func (s *Syncer) handleFrame(ctx context.Context, frame *serverFrame) error {
	switch frame.Msg {
	case msgRoot:
		// informational; the entry stream carries everything we store
		s.log.Debug("received root frame", "version", frame.Version)
		return nil
	case msgSync:
		return s.handleSync(ctx, frame)
	case msgPurge:
		return s.handlePurge(ctx, frame.Purge)
	case msgNeedsUpdate:
		return ErrNeedsUpdate
	case msgRateLimit:
		s.handleRateLimit(frame.Until)
		return nil
	default:
		// unknown frames are skipped so old clients survive new servers
		s.log.Debug("skipping unknown frame", "msg", frame.Msg)
		return nil
	}
}

// handleSync applies one batch: every entry plus the cursor rows in a
// single store transaction, so a crash never splits a batch.
func (s *Syncer) handleSync(ctx context.Context, frame *serverFrame) error {
	err := s.store.Write(ctx, func(tx *store.Tx) error {
		for _, entry := range frame.Entries {
			if err := tx.ApplyEntry(entry); err != nil {
				return err
			}
		}
		for kind, v := range frame.Versions {
			if err := tx.SetVersion(kind, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("applying sync batch: %w", err)
	}

	s.applied += int64(len(frame.Entries))
	if total := s.applied + frame.Remaining; total > 0 {
		s.setProgress(float64(s.applied) / float64(total))
	} else {
		s.setProgress(1)
	}

	if frame.Remaining == 0 {
		s.setState(StateLive)
	}
	return nil
}

// handlePurge compares the server's purge token against the stored one. A
// mismatch means the server rebuilt its log: everything local is stale, so
// wipe and resync from zero. The very first token is simply adopted.
func (s *Syncer) handlePurge(ctx context.Context, token string) error {
	var stored string
	err := s.store.Read(ctx, func(tx *store.Tx) error {
		var err error
		stored, err = tx.PurgeToken()
		return err
	})
	if err != nil {
		return err
	}

	if stored == token {
		return nil
	}

	if stored == "" {
		return s.store.Write(ctx, func(tx *store.Tx) error {
			return tx.SetPurgeToken(token)
		})
	}

	s.log.Info("purge token changed, wiping local replica", "old", stored, "new", token)
	if s.hooks.WillPurge != nil {
		s.hooks.WillPurge()
	}
	if err := s.store.Purge(ctx); err != nil {
		return fmt.Errorf("purging store: %w", err)
	}
	if err := s.store.Write(ctx, func(tx *store.Tx) error {
		return tx.SetPurgeToken(token)
	}); err != nil {
		return err
	}
	if s.hooks.DidPurge != nil {
		s.hooks.DidPurge()
	}

	// resync from zero on the same connection
	s.applied = 0
	s.setProgress(-1)
	s.setState(StateSyncing)
	return s.sendHello(ctx)
}

func (s *Syncer) handleRateLimit(until *time.Time) {
	previous := s.RateLimitedUntil()
	var updated time.Time
	if until != nil {
		updated = *until
	}
	if updated.IsZero() {
		s.rateLimit.Store(0)
	} else {
		s.rateLimit.Store(updated.Unix())
	}
	s.log.Warn("rate limited", "until", updated)
	if s.hooks.RateLimited != nil {
		s.hooks.RateLimited(previous, updated)
	}
}

// waitForRateLimit blocks outgoing frames until any active rate-limit
// window passes. Incoming frames keep flowing.
func (s *Syncer) waitForRateLimit(ctx context.Context) error {
	until := s.RateLimitedUntil()
	if until.IsZero() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(until)):
		return nil
	}
}

func (s *Syncer) pingLoop(ctx context.Context, con *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			// unblock the read loop so shutdown doesn't wait out the
			// read deadline
			if err := con.Close(); err != nil {
				s.log.Debug("closing websocket on shutdown", "error", err)
			}
			return
		case <-ticker.C:
			err := con.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(s.cfg.PingInterval))
			if err == nil {
				failures = 0
				continue
			}

			s.log.Warn("failed to ping sync server", "error", err)
			failures++
			if failures >= 4 {
				s.log.Error("too many ping failures, closing connection")
				if err := con.Close(); err != nil {
					s.log.Error("failed to close websocket connection", "error", err)
				}
				return
			}
		}
	}
}

// RequestIssue fetches one issue and its collections over REST and applies
// them through the normal entry path. Used when the user opens an issue
// and wants it fresher than the stream has gotten to yet.
func (s *Syncer) RequestIssue(ctx context.Context, repo string, number int64) error {
	if s.client == nil {
		return fmt.Errorf("no api client configured")
	}
	detail, err := s.client.Issue(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("fetching issue %s#%d: %w", repo, number, err)
	}

	return s.store.Write(ctx, func(tx *store.Tx) error {
		if err := applyObject(tx, models.KindIssues, detail.Issue); err != nil {
			return err
		}
		for _, c := range detail.Comments {
			if err := applyObject(tx, models.KindComments, c); err != nil {
				return err
			}
		}
		for _, e := range detail.Events {
			if err := applyObject(tx, models.KindEvents, e); err != nil {
				return err
			}
		}
		for _, r := range detail.Reviews {
			if err := applyObject(tx, models.KindReviews, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyObject(tx *store.Tx, kind models.SyncEntityKind, obj any) error {
	raw, err := marshalRaw(obj)
	if err != nil {
		return err
	}
	return tx.ApplyEntry(&models.SyncEntry{
		Action: models.SyncActionSet,
		Kind:   kind,
		Object: raw,
	})
}
