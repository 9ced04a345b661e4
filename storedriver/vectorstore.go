package storedriver

import (
	"context"
	"fmt"
	"sync"
)

// VectorStoreDriver is the collaborator interface for the legacy vector
// store. No DuckDB Go driver ships in this module; a real deployment
// supplies its own Driver implementation that
// opens the ".duckdb" file (magic bytes "DUCK") and satisfies this same
// Handle contract.
type VectorStoreDriver = Driver

// InMemoryVectorStore keeps named tables of rows in memory. It stands in
// for a real driver in two places: tests that exercise the full
// Cursor/Transaction contract without an on-disk file, and the
// Orchestrator's empty-source case where a legacy kind was never detected
// and the Copy Engine should simply see zero rows.
type InMemoryVectorStore struct {
	mu     sync.Mutex
	tables map[string][]Row
}

// NewInMemoryVectorStore builds an empty store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{tables: make(map[string][]Row)}
}

// Seed populates a table with rows, for test setup.
func (s *InMemoryVectorStore) Seed(table string, rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = rows
}

// Open implements Driver; path and opts are accepted for interface
// conformance but ignored, since there is no on-disk file to open.
func (s *InMemoryVectorStore) Open(ctx context.Context, path string, opts OpenOptions) (Handle, error) {
	return &memHandle{store: s}, nil
}

type memHandle struct {
	store *InMemoryVectorStore
}

func (h *memHandle) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return nil
}

func (h *memHandle) Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error) {
	return nil, fmt.Errorf("InMemoryVectorStore: Query is not modeled; use a table name via Cursor")
}

func (h *memHandle) Cursor(ctx context.Context, table string, batchSize int, args ...interface{}) (Cursor, error) {
	h.store.mu.Lock()
	rows := append([]Row(nil), h.store.tables[table]...)
	h.store.mu.Unlock()
	return &memCursor{rows: rows, batchSize: batchSize}, nil
}

func (h *memHandle) Transaction(ctx context.Context, body func(tx Handle) error) error {
	return body(h)
}

func (h *memHandle) Close() error { return nil }

type memCursor struct {
	rows      []Row
	batchSize int
	offset    int
}

func (c *memCursor) Next(ctx context.Context) ([]Row, error) {
	if c.offset >= len(c.rows) {
		return nil, nil
	}
	end := c.offset + c.batchSize
	if end > len(c.rows) {
		end = len(c.rows)
	}
	batch := c.rows[c.offset:end]
	c.offset = end
	return batch, nil
}

func (c *memCursor) Close() error { return nil }
