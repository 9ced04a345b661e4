// Package storedriver defines the collaborator interface the migration
// core consumes for the row store, vector store, and unified target, and
// provides concrete drivers for each. The core never reaches past this
// interface into a store's native client; internal driver concurrency is
// the driver's concern, not the core's.
package storedriver

import "context"

// Row is one row read from a Cursor, keyed by column name.
type Row map[string]interface{}

// Cursor streams rows from a query in fixed-size batches.
type Cursor interface {
	// Next returns up to batchSize rows, or fewer at end of stream.
	// A zero-length, nil-error result means exhaustion.
	Next(ctx context.Context) ([]Row, error)
	Close() error
}

// Handle is an open connection to one store (row, vector, or unified).
type Handle interface {
	// Exec runs DDL or a statement with no result rows.
	Exec(ctx context.Context, stmt string, args ...interface{}) error
	// Query runs a statement and returns all rows at once; intended for
	// small result sets (counts, schema introspection), not bulk reads.
	Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error)
	// Cursor opens a streaming cursor over stmt, yielding rows in
	// batchSize chunks in the store's natural primary-key order.
	Cursor(ctx context.Context, stmt string, batchSize int, args ...interface{}) (Cursor, error)
	// Transaction runs body inside a single transaction; body's error, if
	// any, rolls the transaction back.
	Transaction(ctx context.Context, body func(tx Handle) error) error
	Close() error
}

// OpenOptions configures Open.
type OpenOptions struct {
	ReadOnly bool
}

// Driver opens Handles onto a single store kind.
type Driver interface {
	Open(ctx context.Context, path string, opts OpenOptions) (Handle, error)
}
