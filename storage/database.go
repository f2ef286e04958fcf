package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "meshnet.db"
	// DefaultMaintenanceInterval spaces WAL truncation and retention pruning.
	DefaultMaintenanceInterval = 6 * time.Hour
	// DefaultEventRetention controls automatic connectivity event pruning.
	DefaultEventRetention = 30 * 24 * time.Hour
	// DefaultSeenRetention bounds how long ids of pruned messages are
	// remembered.
	DefaultSeenRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id   TEXT PRIMARY KEY,
  sender       TEXT NOT NULL,
  text         TEXT NOT NULL,
  timestamp_ms INTEGER NOT NULL,
  stored_at    INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id TEXT PRIMARY KEY,
  first_seen INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_time
ON messages (timestamp_ms, stored_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_message_first_seen
ON seen_message_ids (first_seen);
`,
	`
CREATE TABLE IF NOT EXISTS endpoints (
  endpoint_id         TEXT NOT NULL,
  backend             TEXT NOT NULL,
  name                TEXT NOT NULL DEFAULT '',
  first_seen          INTEGER NOT NULL,
  last_seen           INTEGER NOT NULL,
  last_connected      INTEGER,
  PRIMARY KEY (endpoint_id, backend)
);
`,
	`
CREATE TABLE IF NOT EXISTS connectivity_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  op          TEXT NOT NULL,
  endpoint_id TEXT,
  message_id  TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','error')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_connectivity_events_time
ON connectivity_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_connectivity_events_op
ON connectivity_events (op, timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection. It implements
// connectivity.Persister for the message log.
type Store struct {
	db *sql.DB

	maintenanceInterval time.Duration
	messageRetention    time.Duration
	eventRetention      time.Duration
	seenRetention       time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option adjusts a Store before it is first maintained.
type Option func(*Store)

// WithMessageRetention prunes messages stored longer than retention. Zero
// keeps messages forever.
func WithMessageRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.messageRetention = retention
		}
	}
}

// WithSeenRetention sets how long ids of pruned messages are remembered.
func WithSeenRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.seenRetention = retention
		}
	}
}

// WithEventRetention sets the connectivity event pruning horizon.
func WithEventRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.eventRetention = retention
		}
	}
}

// Open opens (or creates) meshnet.db under the given data directory and runs migrations.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, runs schema migrations and
// starts the background maintenance loop.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                  db,
		maintenanceInterval: DefaultMaintenanceInterval,
		eventRetention:      DefaultEventRetention,
		seenRetention:       DefaultSeenRetention,
		stop:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Maintain(time.Now()); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// Close stops maintenance and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// Maintain prunes expired messages, seen ids and connectivity events
// relative to now and truncates the WAL. Messages go first so their ids
// start ageing out of seen_message_ids.
func (s *Store) Maintain(now time.Time) error {
	var errs []error
	if s.messageRetention > 0 {
		if _, err := s.PruneMessages(now.Add(-s.messageRetention)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.seenRetention > 0 {
		if _, err := s.PruneSeen(now.Add(-s.seenRetention)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.eventRetention > 0 {
		if _, err := s.PruneConnectivityEvents(now.Add(-s.eventRetention).UnixMilli()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.checkpointWAL(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startMaintenanceLoop() {
	if s.maintenanceInterval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				_ = s.Maintain(now)
			case <-s.stop:
				return
			}
		}
	}()
}
