// Package storage persists decrypted message history and security events in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DBFileSuffix is appended to the operator's user ID to name the database.
	DBFileSuffix = "_messages.db"
	// DefaultMaintenanceInterval controls retention pruning and WAL truncation.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultMessageRetention is how long persisted messages are kept.
	DefaultMessageRetention = 7 * 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id          TEXT PRIMARY KEY,
  sender      TEXT NOT NULL,
  recipient   TEXT NOT NULL,
  message     TEXT NOT NULL,
  direction   TEXT NOT NULL CHECK(direction IN ('sent','received')),
  priority    INTEGER NOT NULL DEFAULT 0,
  auto_delete INTEGER NOT NULL DEFAULT 0,
  timestamp   INTEGER NOT NULL,
  recorded_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_recorded
ON messages (sender, recorded_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_recipient_recorded
ON messages (recipient, recorded_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  peer_id    TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
}

// Options tunes retention. Zero values take the package defaults.
type Options struct {
	MaintenanceInterval    time.Duration
	MessageRetention       time.Duration
	SecurityEventRetention time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaintenanceInterval <= 0 {
		out.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if out.MessageRetention <= 0 {
		out.MessageRetention = DefaultMessageRetention
	}
	if out.SecurityEventRetention <= 0 {
		out.SecurityEventRetention = DefaultSecurityEventRetention
	}
	return out
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db      *sql.DB
	options Options

	maintenanceStop chan struct{}
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) <userID>_messages.db under dataDir and runs migrations.
func Open(dataDir, userID string, options Options) (*Store, string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", fmt.Errorf("user ID is required")
	}
	if strings.ContainsAny(userID, `/\`) || strings.Contains(userID, "..") {
		return nil, "", fmt.Errorf("user ID %q is not a valid file name", userID)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, userID+DBFileSuffix)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, runs schema migrations and
// starts the maintenance loop.
func OpenPath(dbPath string, options Options) (*Store, error) {
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
		db:              db,
		options:         options.withDefaults(),
		maintenanceStop: make(chan struct{}),
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
		close(s.maintenanceStop)
		s.maintenanceWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// Maintain prunes rows past retention and truncates the WAL.
func (s *Store) Maintain(now time.Time) error {
	if _, err := s.DeleteMessagesOlderThan(now.Add(-s.options.MessageRetention)); err != nil {
		return err
	}
	if _, err := s.PruneSecurityEvents(now.Add(-s.options.SecurityEventRetention)); err != nil {
		return err
	}
	return s.checkpointWAL()
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
	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(s.options.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.Maintain(time.Now())
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
