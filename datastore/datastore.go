// Package datastore ties the pieces together behind one handle: the
// durable replica, the sync connection, the outbox, and an event bus the
// UI layer watches. At most one store is active per process.
package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/realartists/shipsync/api"
	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/outbox"
	"github.com/realartists/shipsync/store"
	"github.com/realartists/shipsync/syncer"
)

type Config struct {
	DatabaseURL string
	ServerURL   string

	// Token and AccountID identify the credential this store belongs to.
	Token     string
	AccountID models.RecordID

	Sync   syncer.Config
	Outbox outbox.Config
}

// DataStore is the app-facing handle. Construct with New, then Activate;
// reads and queued mutations work regardless of connectivity.
type DataStore struct {
	log    *slog.Logger
	cfg    Config
	events *EventManager

	mu        sync.Mutex
	st        *store.Store
	auth      *api.Auth
	client    *api.Client
	sync      *syncer.Syncer
	ob        *outbox.Outbox
	cancel    context.CancelFunc
	unobserve func()
	wg        sync.WaitGroup

	active    atomic.Bool
	migrating atomic.Bool
}

var (
	activeMu sync.Mutex
	activeDS *DataStore
)

// Active returns the currently active store, or nil.
func Active() *DataStore {
	activeMu.Lock()
	defer activeMu.Unlock()
	return activeDS
}

func New(cfg Config) *DataStore {
	return &DataStore{
		log:    slog.Default().With("component", "datastore"),
		cfg:    cfg,
		events: newEventManager(),
	}
}

// Activate opens the database, runs migrations, and starts the sync
// connection and outbox workers. Any previously active store is torn down
// first; there is never more than one.
func (d *DataStore) Activate(ctx context.Context) error {
	activeMu.Lock()
	defer activeMu.Unlock()

	if activeDS == d && d.active.Load() {
		return nil
	}
	if activeDS != nil && activeDS != d {
		activeDS.deactivate()
	}
	activeDS = nil

	if err := d.activate(ctx); err != nil {
		return err
	}
	activeDS = d
	activeStores.Set(1)
	d.events.publish(&Event{Kind: EvtActiveChanged})
	return nil
}

func (d *DataStore) activate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.migrating.Store(true)
	d.events.publish(&Event{Kind: EvtMigrationBegan})
	st, err := store.Open(store.Config{DatabaseURL: d.cfg.DatabaseURL})
	d.migrating.Store(false)
	d.events.publish(&Event{Kind: EvtMigrationEnded})
	if err != nil {
		d.events.publish(&Event{Kind: EvtCannotOpenDatabase, Err: err})
		return fmt.Errorf("activating data store: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	auth := api.NewAuth(d.cfg.Token, d.cfg.AccountID)
	client := api.NewClient(d.cfg.ServerURL, auth)

	ob, err := outbox.New(runCtx, st, client, d.cfg.Outbox, outbox.Hooks{
		Resolved: func(kind models.SyncEntityKind, placeholder, assigned models.RecordID) {
			d.events.publish(&Event{
				Kind:        EvtOutboxResolved,
				EntityKind:  kind,
				Placeholder: placeholder,
				Assigned:    assigned,
			})
		},
		SaveFailed: func(placeholder models.RecordID, cause error) {
			d.events.publish(&Event{
				Kind:        EvtOutboxSaveError,
				Placeholder: placeholder,
				Err:         cause,
			})
		},
	})
	if err != nil {
		cancel()
		st.Close()
		return err
	}

	syncCfg := d.cfg.Sync
	if syncCfg.ServerURL == "" {
		syncCfg.ServerURL = d.cfg.ServerURL
	}
	sy := syncer.New(st, auth, client, syncCfg, syncer.Hooks{
		WillPurge: func() { d.events.publish(&Event{Kind: EvtWillPurge}) },
		DidPurge:  func() { d.events.publish(&Event{Kind: EvtDidPurge}) },
		NeedsUpdate: func() {
			d.events.publish(&Event{Kind: EvtNeedsSoftwareUpdate})
		},
		RateLimited: func(previous, until time.Time) {
			d.events.publish(&Event{
				Kind:     EvtRateLimitChanged,
				Previous: previous,
				Until:    until,
			})
		},
	})

	d.st = st
	d.auth = auth
	d.client = client
	d.ob = ob
	d.sync = sy
	d.cancel = cancel
	d.unobserve = st.Observe(d.routeChanges)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := sy.Run(runCtx); err != nil && runCtx.Err() == nil {
			d.log.Error("sync connection ended", "error", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		if err := ob.Run(runCtx); err != nil && runCtx.Err() == nil {
			d.log.Error("outbox worker ended", "error", err)
		}
	}()

	d.active.Store(true)
	return nil
}

// Close deactivates the store and shuts down the event bus, closing
// every subscriber channel. Unlike Deactivate this is final; the
// DataStore cannot be activated again.
func (d *DataStore) Close() {
	d.Deactivate()
	d.events.shutdown()
}

// Deactivate stops the sync connection, waits out in-flight outbox
// deliveries, and closes the database. Safe to call twice.
func (d *DataStore) Deactivate() {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeDS == d {
		activeDS = nil
		activeStores.Set(0)
	}
	d.deactivate()
}

func (d *DataStore) deactivate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active.Load() {
		return
	}
	d.active.Store(false)

	d.cancel()
	d.wg.Wait()
	d.unobserve()
	if err := d.st.Close(); err != nil {
		d.log.Error("failed to close database", "error", err)
	}

	d.st = nil
	d.sync = nil
	d.ob = nil
	d.cancel = nil
	d.unobserve = nil
	d.events.publish(&Event{Kind: EvtActiveChanged})
}

// routeChanges translates a committed write into bus events by entity
// kind. Changes from the sync stream and from outbox replays both land
// here; mutation entry points report their own save-sourced events.
func (d *DataStore) routeChanges(cs *store.ChangeSet) {
	if cs.Purged {
		d.events.publish(&Event{Kind: EvtMetadataUpdated})
		d.events.publish(&Event{Kind: EvtIssuesUpdated, Source: SourceSync})
		return
	}

	var issues, notifications, upnext []models.RecordID
	issuesTouched := false
	metadata := false

	// Issue and relationship changes are keyed by issue id; dependent rows
	// (comments, reactions, statuses) carry their own ids, so those only
	// say "some issue changed".
	collect := func(kind models.SyncEntityKind, ids []models.RecordID) {
		switch kind {
		case models.KindIssues, models.KindRelationships:
			issues = append(issues, ids...)
		case models.KindComments, models.KindPRComments, models.KindReviews,
			models.KindReactions, models.KindEvents, models.KindCommitStatuses:
			issuesTouched = true
		case models.KindNotifications:
			notifications = append(notifications, ids...)
		case models.KindUpNext:
			upnext = append(upnext, ids...)
		default:
			metadata = true
		}
	}
	for kind, ids := range cs.Updated {
		collect(kind, ids)
	}
	for kind, ids := range cs.Deleted {
		collect(kind, ids)
	}

	if len(issues) > 0 || issuesTouched {
		d.events.publish(&Event{Kind: EvtIssuesUpdated, IssueIDs: issues, Source: SourceSync})
	}
	if len(notifications) > 0 {
		d.events.publish(&Event{Kind: EvtNotificationsUpdated, IssueIDs: notifications})
	}
	if len(upnext) > 0 {
		d.events.publish(&Event{Kind: EvtUpNextUpdated, IssueIDs: upnext})
	}
	if metadata {
		d.events.publish(&Event{Kind: EvtMetadataUpdated})
	}
}

// Subscribe registers an event listener; see EventManager.Subscribe.
func (d *DataStore) Subscribe(filter func(*Event) bool) (*Subscriber, error) {
	return d.events.Subscribe(filter)
}

func (d *DataStore) Unsubscribe(sub *Subscriber) {
	d.events.Unsubscribe(sub)
}

// Valid reports whether the store is usable: active, authed, and not
// mid-migration.
func (d *DataStore) Valid() bool {
	d.mu.Lock()
	auth := d.auth
	d.mu.Unlock()
	return d.active.Load() && auth.Valid() && !d.migrating.Load()
}

// Offline reports whether the sync connection is down. Reads and queued
// mutations still work offline.
func (d *DataStore) Offline() bool {
	d.mu.Lock()
	sy := d.sync
	d.mu.Unlock()
	if sy == nil {
		return true
	}
	switch sy.State() {
	case syncer.StateSyncing, syncer.StateLive:
		return false
	}
	return true
}

// SyncProgress returns the fraction of the current catch-up applied, or
// -1 when unknown.
func (d *DataStore) SyncProgress() float64 {
	d.mu.Lock()
	sy := d.sync
	d.mu.Unlock()
	if sy == nil {
		return -1
	}
	return sy.Progress()
}

// RateLimitedUntil returns the server-imposed backoff deadline, zero when
// none applies.
func (d *DataStore) RateLimitedUntil() time.Time {
	d.mu.Lock()
	sy := d.sync
	d.mu.Unlock()
	if sy == nil {
		return time.Time{}
	}
	return sy.RateLimitedUntil()
}

// Viewing tells the server which issue the user is looking at so its
// entries get priority on the stream.
func (d *DataStore) Viewing(issue models.RecordID) {
	d.mu.Lock()
	sy := d.sync
	d.mu.Unlock()
	if sy != nil {
		sy.Viewing(issue)
	}
}

// RefreshIssue pulls one issue over REST ahead of the stream.
func (d *DataStore) RefreshIssue(ctx context.Context, repo string, number int64) error {
	d.mu.Lock()
	sy := d.sync
	d.mu.Unlock()
	if sy == nil {
		return fmt.Errorf("data store is not active")
	}
	return sy.RequestIssue(ctx, repo, number)
}
