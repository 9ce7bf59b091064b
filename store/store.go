package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/realartists/shipsync/models"
)

// ErrCannotOpen wraps any failure to open or migrate the local replica,
// so callers can distinguish a broken database file from runtime errors.
var ErrCannotOpen = errors.New("store: cannot open database")

type Config struct {
	// DatabaseURL accepts sqlite:// and postgres:// (or postgresql://)
	// schemes. sqlite gets WAL mode and a single writer connection.
	DatabaseURL string
	MaxConns    int
}

// Store is the durable local replica. All writes go through Write, which
// serializes them behind a mutex and a gorm transaction; reads run
// concurrently. Observers see a ChangeSet after each committed write.
type Store struct {
	db  *gorm.DB
	log *slog.Logger

	writeMu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]func(*ChangeSet)
	nextObsID int
}

func allModels() []any {
	return []any{
		&models.Account{},
		&models.Repo{},
		&models.Issue{},
		&models.Comment{},
		&models.PRReview{},
		&models.PullRequest{},
		&models.Reaction{},
		&models.Label{},
		&models.Milestone{},
		&models.Project{},
		&models.CommitStatus{},
		&models.IssueEvent{},
		&models.Notification{},
		&models.UpNext{},
		&models.IssueLabel{},
		&models.IssueAssignee{},
		&models.RequestedReviewer{},
		&models.SyncVersion{},
		&models.PurgeState{},
		&models.OutboxEntry{},
	}
}

func Open(cfg Config) (*Store, error) {
	db, err := setupDatabase(cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotOpen, err)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", ErrCannotOpen, err)
	}

	return &Store{
		db:        db,
		log:       slog.Default().With("component", "store"),
		observers: make(map[int]func(*ChangeSet)),
	}, nil
}

func setupDatabase(dburl string, maxConnections int) (*gorm.DB, error) {
	var dial gorm.Dialector

	isSqlite := false
	openConns := maxConnections
	if openConns == 0 {
		openConns = 40
	}
	switch {
	case strings.HasPrefix(dburl, "sqlite://"):
		sqliteSuffix := dburl[len("sqlite://"):]
		// ensure the parent directory exists when initializing a fresh
		// database file
		if !strings.Contains(sqliteSuffix, ":?") && sqliteSuffix != ":memory:" {
			os.MkdirAll(filepath.Dir(sqliteSuffix), os.ModePerm)
		}
		dial = sqlite.Open(sqliteSuffix)
		openConns = 1
		isSqlite = true
	case strings.HasPrefix(dburl, "postgresql://"), strings.HasPrefix(dburl, "postgres://"):
		dial = postgres.Open(dburl)
	default:
		return nil, fmt.Errorf("unsupported or unrecognized database URL scheme")
	}

	gormLogger := slogGorm.New()

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxIdleConns(openConns)
	sqldb.SetMaxOpenConns(openConns)
	sqldb.SetConnMaxIdleTime(time.Hour)

	if isSqlite {
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, err
		}
		if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
			return nil, err
		}
	}

	return db, nil
}

func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

// Observe registers fn to be called after each committed write with the
// transaction's ChangeSet. The returned func removes the observer.
func (s *Store) Observe(fn func(*ChangeSet)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) notify(cs *ChangeSet) {
	if cs.Empty() {
		return
	}
	s.obsMu.Lock()
	fns := make([]func(*ChangeSet), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(cs)
	}
}

// Write runs fn inside a serialized transaction. The ChangeSet that fn
// accumulates on the Tx is delivered to observers only if the transaction
// commits.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	cs := newChangeSet()
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db, changes: cs})
	})
	writeTxDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	s.notify(cs)
	return nil
}

// Read runs fn inside its own transaction, without taking the write
// lock, so multi-query reads see one consistent snapshot. Changes
// recorded on the Tx are discarded.
func (s *Store) Read(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db, changes: newChangeSet()})
	})
}

// Purge drops every row of every kind, including sync cursors, the purge
// token, and the outbox. It is the response to a purge token change: the
// replica is stale beyond incremental repair and will resync from zero.
func (s *Store) Purge(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		for _, m := range allModels() {
			if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	purgesTotal.Inc()

	cs := newChangeSet()
	cs.Purged = true
	s.notify(cs)
	return nil
}

// Metadata is the cheap-to-cache snapshot of the low-churn entities.
type Metadata struct {
	Accounts   []models.Account
	Repos      []models.Repo
	Labels     []models.Label
	Milestones []models.Milestone
}

func (s *Store) Metadata(ctx context.Context) (*Metadata, error) {
	md := &Metadata{}
	err := s.Read(ctx, func(tx *Tx) error {
		if err := tx.db.Order("id").Find(&md.Accounts).Error; err != nil {
			return err
		}
		if err := tx.db.Order("id").Find(&md.Repos).Error; err != nil {
			return err
		}
		if err := tx.db.Order("id").Find(&md.Labels).Error; err != nil {
			return err
		}
		return tx.db.Order("id").Find(&md.Milestones).Error
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}
