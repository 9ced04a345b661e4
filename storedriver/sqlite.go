package storedriver

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite3" database/sql driver in pure Go (no cgo).
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteDriver opens handles onto SQLite-family files: the legacy row
// store and the unified target, which is also a SQLite-family file
// extended with vector support.
type SQLiteDriver struct {
	// ExtraPragmas are appended to every connection's DSN, e.g. to load a
	// vector virtual-table module the way a real deployment would load
	// sqlite-vec. Empty by default; the reference build has no such
	// extension available, so vector columns are stored as packed BLOBs
	// by the unified schema's own code (see migration/schema.go).
	ExtraPragmas string
}

// Open implements Driver.
func (d *SQLiteDriver) Open(ctx context.Context, path string, opts OpenOptions) (Handle, error) {
	dsn := "file:" + path
	if opts.ReadOnly {
		dsn += "?mode=ro"
	}
	if d.ExtraPragmas != "" {
		sep := "&"
		if !opts.ReadOnly {
			sep = "?"
		}
		dsn += sep + d.ExtraPragmas
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	return &sqlHandle{db: db}, nil
}

// sqlHandle adapts *sql.DB (and *sql.Tx, via sqlTxHandle) to Handle.
type sqlHandle struct {
	db *sql.DB
}

func (h *sqlHandle) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	_, err := h.db.ExecContext(ctx, stmt, args...)
	return err
}

func (h *sqlHandle) Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error) {
	rows, err := h.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func (h *sqlHandle) Cursor(ctx context.Context, stmt string, batchSize int, args ...interface{}) (Cursor, error) {
	rows, err := h.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return &sqlCursor{rows: rows, batchSize: batchSize}, nil
}

func (h *sqlHandle) Transaction(ctx context.Context, body func(tx Handle) error) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txHandle := &sqlTxHandle{tx: tx}
	if err := body(txHandle); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (h *sqlHandle) Close() error {
	return h.db.Close()
}

// sqlTxHandle adapts *sql.Tx to Handle for use inside Transaction's body.
type sqlTxHandle struct {
	tx *sql.Tx
}

func (h *sqlTxHandle) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	_, err := h.tx.ExecContext(ctx, stmt, args...)
	return err
}

func (h *sqlTxHandle) Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error) {
	rows, err := h.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func (h *sqlTxHandle) Cursor(ctx context.Context, stmt string, batchSize int, args ...interface{}) (Cursor, error) {
	rows, err := h.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return &sqlCursor{rows: rows, batchSize: batchSize}, nil
}

func (h *sqlTxHandle) Transaction(ctx context.Context, body func(tx Handle) error) error {
	// Nested transactions are flattened: the body runs in the same tx.
	return body(h)
}

func (h *sqlTxHandle) Close() error {
	return nil
}

// sqlCursor implements Cursor over *sql.Rows, materializing batchSize rows
// at a time so the Copy Engine never holds a whole table in memory.
type sqlCursor struct {
	rows      *sql.Rows
	batchSize int
}

func (c *sqlCursor) Next(ctx context.Context) ([]Row, error) {
	// Columns is read only after rows.Next succeeds: *sql.Rows closes
	// itself at end of stream, and a later Next call must still report
	// exhaustion as an empty batch rather than a closed-rows error.
	var cols []string
	var batch []Row
	for len(batch) < c.batchSize {
		if !c.rows.Next() {
			return batch, c.rows.Err()
		}
		if cols == nil {
			var err error
			if cols, err = c.rows.Columns(); err != nil {
				return nil, err
			}
		}

		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		batch = append(batch, row)
	}
	return batch, nil
}

func (c *sqlCursor) Close() error {
	return c.rows.Close()
}

func scanAll(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
