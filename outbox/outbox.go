package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/realartists/shipsync/api"
	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/store"
)

type Config struct {
	// Parallelism bounds concurrent replays. Zero means 4.
	Parallelism int

	// MaxAttempts is how many transient failures an entry survives before
	// it is marked failed and left for the user. Zero means 5.
	MaxAttempts int

	// SweepInterval drives the retry sweep. Zero means 30s.
	SweepInterval time.Duration
}

// Hooks are the outbox's upward notifications, called off the replay
// goroutines.
type Hooks struct {
	// Resolved fires after a successful replay commits: the placeholder
	// has been rewritten to the server-assigned identifier everywhere.
	Resolved func(kind models.SyncEntityKind, placeholder, assigned models.RecordID)

	// SaveFailed fires when an entry is rejected or exhausts its retries.
	SaveFailed func(placeholder models.RecordID, err error)
}

// Outbox queues local mutations durably and replays them against the
// server. Each queued mutation owns a fresh negative placeholder id; the
// speculative rows written under it keep the UI honest until the server
// answers, at which point the placeholder is remapped atomically.
type Outbox struct {
	log    *slog.Logger
	store  *store.Store
	client *api.Client
	cfg    Config
	hooks  Hooks

	notify chan struct{}

	// most negative id handed out so far; allocation decrements
	placeholder atomic.Int64

	inflightMu sync.Mutex
	inflight   map[models.RecordID]bool
}

func New(ctx context.Context, st *store.Store, client *api.Client, cfg Config, hooks Hooks) (*Outbox, error) {
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 4
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	o := &Outbox{
		log:      slog.Default().With("component", "outbox"),
		store:    st,
		client:   client,
		cfg:      cfg,
		hooks:    hooks,
		notify:   make(chan struct{}, 1),
		inflight: make(map[models.RecordID]bool),
	}

	// resume placeholder allocation below every id already on disk
	var lowest *int64
	err := st.Read(ctx, func(tx *store.Tx) error {
		return tx.DB().Model(&models.OutboxEntry{}).
			Select("MIN(placeholder_id)").Scan(&lowest).Error
	})
	if err != nil {
		return nil, err
	}
	if lowest != nil && *lowest < 0 {
		o.placeholder.Store(*lowest)
	}

	return o, nil
}

func (o *Outbox) allocPlaceholder() models.RecordID {
	return models.RecordID(o.placeholder.Add(-1))
}

// kick wakes the replay loop without blocking.
func (o *Outbox) kick() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Run replays pending entries until the context is cancelled: immediately
// when a mutation is queued, and on a sweep ticker that picks up retries
// whose backoff has passed.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, o.cfg.Parallelism)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.notify:
		case <-ticker.C:
		}
		o.deliverPending(ctx, sem, &wg)
	}
}

// deliverPending dispatches every eligible entry to the worker pool. An
// entry is eligible when it is not failed, not already in flight, its
// backoff has passed, and its target is not itself a placeholder still
// waiting on an earlier remap.
func (o *Outbox) deliverPending(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	var entries []models.OutboxEntry
	err := o.store.Read(ctx, func(tx *store.Tx) error {
		return tx.DB().
			Where("failed = ?", false).
			Where("target_id >= 0").
			Where("next_attempt <= ?", time.Now()).
			Order("created_at").
			Find(&entries).Error
	})
	if err != nil {
		o.log.Error("failed to load pending entries", "error", err)
		return
	}

	for i := range entries {
		entry := entries[i]
		if !o.markInflight(entry.PlaceholderID) {
			continue
		}

		select {
		case <-ctx.Done():
			o.clearInflight(entry.PlaceholderID)
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer o.clearInflight(entry.PlaceholderID)
			o.replay(ctx, &entry)
		}()
	}
}

func (o *Outbox) markInflight(id models.RecordID) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if o.inflight[id] {
		return false
	}
	o.inflight[id] = true
	return true
}

func (o *Outbox) clearInflight(id models.RecordID) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, id)
}

// Pending returns every queued entry, failed ones included, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]models.OutboxEntry, error) {
	var entries []models.OutboxEntry
	err := o.store.Read(ctx, func(tx *store.Tx) error {
		return tx.DB().Order("created_at").Find(&entries).Error
	})
	return entries, err
}

// Retry clears the failed flag and replays the entry again.
func (o *Outbox) Retry(ctx context.Context, placeholder models.RecordID) error {
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		return tx.DB().Model(&models.OutboxEntry{}).
			Where("placeholder_id = ?", placeholder).
			Updates(map[string]any{
				"failed":       false,
				"attempts":     0,
				"next_attempt": time.Time{},
				"last_error":   "",
			}).Error
	})
	if err != nil {
		return err
	}
	o.kick()
	return nil
}

// Discard drops the entry and whatever speculative rows it wrote. The
// local edit is gone as if it never happened.
func (o *Outbox) Discard(ctx context.Context, placeholder models.RecordID) error {
	return o.store.Write(ctx, func(tx *store.Tx) error {
		var entry models.OutboxEntry
		if err := tx.DB().First(&entry, "placeholder_id = ?", placeholder).Error; err != nil {
			return err
		}
		if err := o.deleteSpeculative(tx, &entry); err != nil {
			return err
		}
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", placeholder).Error
	})
}

// queue writes the speculative rows and the entry in one transaction, then
// wakes the replay loop. speculative runs inside that transaction.
func (o *Outbox) queue(ctx context.Context, entry *models.OutboxEntry, speculative func(tx *store.Tx) error) error {
	entry.CreatedAt = time.Now().UTC()
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		if speculative != nil {
			if err := speculative(tx); err != nil {
				return err
			}
		}
		return tx.DB().Create(entry).Error
	})
	if err != nil {
		return err
	}
	entriesQueued.WithLabelValues(string(entry.Kind)).Inc()
	o.kick()
	return nil
}

func marshalPayload(p *entryPayload) json.RawMessage {
	buf, err := json.Marshal(p)
	if err != nil {
		// payloads are built from plain structs; this cannot fail
		panic(err)
	}
	return buf
}
