// Package persistence stores agent, department and task records in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Kind is the type of a stored record.
type Kind string

const (
	KindAgent      Kind = "agent"
	KindDepartment Kind = "department"
	KindTask       Kind = "task"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Record is one stored entity. Fields must be JSON-encodable.
type Record struct {
	Kind      Kind           `json:"kind"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Filter selects records of one kind whose top-level fields equal every
// value in Where. Limit zero means no limit.
type Filter struct {
	Kind  Kind
	Where map[string]any
	Limit int
}

// Store is the lookup and upsert contract the engine depends on.
type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	FindUnique(ctx context.Context, kind Kind, id string) (Record, error)
	FindMany(ctx context.Context, f Filter) ([]Record, error)
	Update(ctx context.Context, kind Kind, id string, patch map[string]any) (Record, error)
	Upsert(ctx context.Context, rec Record) (Record, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serialises writers; shared-cache memory databases report
	// table locks instead of waiting on the busy timeout.
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath with
// WAL journaling and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore returns a private in-memory store, for tests.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// A unique name keeps stores apart while the shared cache lets the
	// pool's connections see the same database.
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
