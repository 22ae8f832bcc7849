// Package store persists named interpreter snapshots in a SQLite database.
// Snapshots are stored as canonical CBOR blobs keyed by name; saving under
// an existing name replaces the previous capture.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/tapir/vm"
)

// Info describes one stored snapshot.
type Info struct {
	Name      string    `cbor:"name" json:"name"`
	CreatedAt time.Time `cbor:"created_at" json:"createdAt"`
	Bytes     int64     `cbor:"bytes" json:"bytes"`
}

// Store is a snapshot database. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	maxBytes int
}

// Open opens the snapshot database at path, creating it if needed.
// maxBytes caps the encoded size of a stored snapshot; zero means no limit.
func Open(path string, maxBytes int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		name TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating table: %w", err)
	}

	return &Store{db: db, maxBytes: maxBytes}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a snapshot under name, replacing any previous one. Returns
// the encoded size in bytes. Snapshots over the configured size limit are
// rejected with a SnapshotTooLargeError.
func (s *Store) Save(name string, snap *vm.Snapshot) (int, error) {
	data, err := snap.Encode(s.maxBytes)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (name, created_at, bytes, data) VALUES (?, ?, ?, ?)",
		name, time.Now().UTC().Format(time.RFC3339), len(data), data,
	)
	if err != nil {
		return 0, fmt.Errorf("store: saving %q: %w", name, err)
	}
	return len(data), nil
}

// Load retrieves the snapshot stored under name.
func (s *Store) Load(name string) (*vm.Snapshot, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: loading %q: %w", name, vm.ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("store: loading %q: %w", name, err)
	}
	return vm.UnmarshalSnapshot(data)
}

// List returns the stored snapshots, newest first.
func (s *Store) List() ([]Info, error) {
	rows, err := s.db.Query("SELECT name, created_at, bytes FROM snapshots ORDER BY created_at DESC, name")
	if err != nil {
		return nil, fmt.Errorf("store: listing snapshots: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var created string
		if err := rows.Scan(&info.Name, &created, &info.Bytes); err != nil {
			return nil, fmt.Errorf("store: scanning snapshot row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			info.CreatedAt = t
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes the snapshot stored under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM snapshots WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("store: deleting %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: deleting %q: %w", name, vm.ErrSnapshotNotFound)
	}
	return nil
}
