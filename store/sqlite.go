package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/stackvm/pkg/bytecode"
)

const schema = `
CREATE TABLE IF NOT EXISTS programs (
	hash       TEXT PRIMARY KEY,
	image      BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS names (
	name TEXT PRIMARY KEY,
	hash TEXT NOT NULL REFERENCES programs(hash)
);`

// SQLite is a Store persisted in a SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	log.Infof("program store at %s", path)
	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Put(name string, prog *bytecode.Program) (Hash, error) {
	h, image, err := HashProgram(prog)
	if err != nil {
		return Hash{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return Hash{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO programs (hash, image, created_at) VALUES (?, ?, ?)",
		h.String(), image, time.Now().Unix(),
	); err != nil {
		return Hash{}, fmt.Errorf("saving program: %w", err)
	}
	if name != "" {
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO names (name, hash) VALUES (?, ?)",
			name, h.String(),
		); err != nil {
			return Hash{}, fmt.Errorf("saving name: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Hash{}, fmt.Errorf("committing program: %w", err)
	}

	log.Debugf("put %s (%s, %d bytes)", h, name, len(image))
	return h, nil
}

func (s *SQLite) Get(h Hash) (*bytecode.Program, error) {
	var image []byte
	err := s.db.QueryRow("SELECT image FROM programs WHERE hash = ?", h.String()).Scan(&image)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, fmt.Errorf("querying program: %w", err)
	}
	return bytecode.Deserialize(image)
}

func (s *SQLite) Lookup(name string) (Hash, error) {
	var hex string
	err := s.db.QueryRow("SELECT hash FROM names WHERE name = ?", name).Scan(&hex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Hash{}, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return Hash{}, fmt.Errorf("querying name: %w", err)
	}
	return ParseHash(hex)
}

func (s *SQLite) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT COALESCE(n.name, ''), p.hash, length(p.image), p.created_at
		FROM programs p LEFT JOIN names n ON n.hash = p.hash`)
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			hex     string
			created int64
		)
		if err := rows.Scan(&e.Name, &hex, &e.Size, &created); err != nil {
			return nil, fmt.Errorf("scanning program: %w", err)
		}
		if e.Hash, err = ParseHash(hex); err != nil {
			return nil, err
		}
		e.Created = time.Unix(created, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	sortEntries(entries)
	return entries, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
