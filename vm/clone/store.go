package clone

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/esrt/vm"
)

var log = commonlog.GetLogger("esrt.clone")

// ErrNotFound indicates the requested clone doesn't exist.
var ErrNotFound = errors.New("clone not found")

// Store keeps encoded clones in a SQLite database, keyed by id.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS clones (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("opened clone store %s", path)
	return &Store{db: db, path: path}, nil
}

// DefaultPath returns $ESRT_CLONE_DB, or clones.db under the user's
// ~/.esrt directory.
func DefaultPath() (string, error) {
	if p := os.Getenv("ESRT_CLONE_DB"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".esrt", "clones.db"), nil
}

// Path returns the database file the store was opened on.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores encoded clone data under id, replacing any previous entry.
func (s *Store) Save(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO clones (id, data, created) VALUES (?, ?, ?)",
		id, data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving clone %s: %w", id, err)
	}
	return nil
}

// Load returns the encoded clone stored under id.
func (s *Store) Load(id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM clones WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying clone %s: %w", id, err)
	}
	return data, nil
}

// Delete removes the clone stored under id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM clones WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting clone %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// IDs lists the stored clone ids, oldest first.
func (s *Store) IDs() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM clones ORDER BY created, id")
	if err != nil {
		return nil, fmt.Errorf("listing clones: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("listing clones: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Put marshals v and stores it under a new id.
func (s *Store) Put(ctx *vm.ExecutionContext, v vm.Value) (string, error) {
	data, err := Marshal(ctx, v)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Save(id, data); err != nil {
		return "", err
	}
	log.Debugf("stored clone %s (%d bytes)", id, len(data))
	return id, nil
}

// Get loads the clone stored under id into ctx's runtime.
func (s *Store) Get(ctx *vm.ExecutionContext, id string) (vm.Value, error) {
	data, err := s.Load(id)
	if err != nil {
		return vm.Undefined, err
	}
	return Unmarshal(ctx, data)
}
