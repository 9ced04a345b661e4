package migration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/richblack/storemigrator/logging"
	"github.com/richblack/storemigrator/storedriver"
)

// schemaVersion is the unified schema's current version. There is no list
// of incremental migrations: CreateSchema applies the current DDL (all
// IF NOT EXISTS) and records this version when the store is below it,
// never past it.
const schemaVersion = 1

// DefaultVectorDimension is the unified schema's default embedding width.
const DefaultVectorDimension = 1536

// unifiedDDL lists the unified store's tables in dependency order.
// Vector columns are stored as BLOB-encoded float32 slices rather than a
// native vector(D) type: no vector extension ships in this module (see
// storedriver/sqlite.go), so knowledge_vectors.embedding is a packed BLOB
// and the IVF-flat index is approximated by the ivf_centroids and
// ivf_assignments bookkeeping tables below, one set per declared distance
// metric, rather than a real ANN index structure.
var unifiedDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS migration_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conv_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		is_new INTEGER NOT NULL DEFAULT 0,
		settings TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		msg_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conv_id) ON DELETE CASCADE,
		parent_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		order_seq INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'sent',
		metadata TEXT NOT NULL DEFAULT '{}',
		is_context_edge INTEGER NOT NULL DEFAULT 0,
		is_variant INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages(conversation_id, order_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS message_attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL REFERENCES messages(msg_id) ON DELETE CASCADE,
		attachment_type TEXT NOT NULL,
		attachment_data TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON message_attachments(message_id)`,
	`CREATE TABLE IF NOT EXISTS knowledge_files (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		uploaded_at INTEGER NOT NULL,
		file_size INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES knowledge_files(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		chunk_size INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_file ON knowledge_chunks(file_id)`,
	`CREATE TABLE IF NOT EXISTS knowledge_vectors (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES knowledge_files(id),
		chunk_id TEXT NOT NULL REFERENCES knowledge_chunks(id) ON DELETE CASCADE,
		embedding BLOB NOT NULL,
		dimension INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		model_name TEXT NOT NULL DEFAULT 'unknown',
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vectors_file ON knowledge_vectors(file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_vectors_chunk ON knowledge_vectors(chunk_id)`,
}

// vectorIndexDDL builds the three approximate indexes, one per distance
// metric (cosine, L2, inner product), each its own IVF-flat-style
// bookkeeping pair (centroids + assignments) at ivfListCount lists.
func vectorIndexDDL() []string {
	var out []string
	for _, metric := range []VectorMetric{MetricCosine, MetricL2, MetricInnerProduct} {
		centroids := fmt.Sprintf("ivf_centroids_%s", metric)
		assignments := fmt.Sprintf("ivf_assignments_%s", metric)
		out = append(out,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				list_id INTEGER PRIMARY KEY,
				centroid BLOB NOT NULL
			)`, centroids),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				vector_id TEXT PRIMARY KEY REFERENCES knowledge_vectors(id) ON DELETE CASCADE,
				list_id INTEGER NOT NULL REFERENCES %s(list_id)
			)`, assignments, centroids),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_list ON %s(list_id)`, assignments, assignments),
		)
	}
	return out
}

// ivfListCount is the number of coarse-quantization lists for each
// approximate vector index.
const ivfListCount = 100

// VectorMetric is one of the three supported distance metrics.
type VectorMetric string

const (
	MetricCosine       VectorMetric = "cosine"
	MetricL2           VectorMetric = "l2"
	MetricInnerProduct VectorMetric = "inner_product"
)

// AllVectorMetrics lists every distance metric a vector index is declared
// for.
func AllVectorMetrics() []VectorMetric {
	return []VectorMetric{MetricCosine, MetricL2, MetricInnerProduct}
}

// SchemaManager is C3: creates and versions the unified store's schema.
type SchemaManager struct {
	handle    storedriver.Handle
	dimension int
	logger    logging.Logger
}

// NewSchemaManager builds a SchemaManager over an already-open unified
// store handle. A zero dimension defaults to DefaultVectorDimension.
func NewSchemaManager(handle storedriver.Handle, dimension int, logger logging.Logger) *SchemaManager {
	if logger == nil {
		logger = logging.Default("schema")
	}
	if dimension <= 0 {
		dimension = DefaultVectorDimension
	}
	return &SchemaManager{handle: handle, dimension: dimension, logger: logger}
}

// CreateSchema applies every DDL statement and records the resulting
// schema_versions row, idempotently: CREATE TABLE IF NOT EXISTS plus an
// applied-version guard, so running it twice yields the same final
// schema.
func (s *SchemaManager) CreateSchema(ctx context.Context) error {
	for _, stmt := range unifiedDDL {
		if err := s.handle.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply DDL: %w", err)
		}
	}
	for _, stmt := range vectorIndexDDL() {
		if err := s.handle.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply vector index DDL: %w", err)
		}
	}
	for _, metric := range AllVectorMetrics() {
		table := fmt.Sprintf("ivf_centroids_%s", metric)
		for i := 0; i < ivfListCount; i++ {
			if err := s.handle.Exec(ctx,
				fmt.Sprintf(`INSERT OR IGNORE INTO %s(list_id, centroid) VALUES (?, ?)`, table),
				i, []byte{}); err != nil {
				return fmt.Errorf("seed %s centroid %d: %w", metric, i, err)
			}
		}
	}

	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	if err := s.handle.Exec(ctx,
		`INSERT INTO schema_versions(version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		schemaVersion, time.Now().UnixMilli(), "initial", "initial_schema_v1"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	s.logger.Info("schema created", logging.Int("version", schemaVersion))
	return nil
}

// CurrentVersion returns the highest applied schema version, or 0 if the
// schema_versions table doesn't exist yet or is empty.
func (s *SchemaManager) CurrentVersion(ctx context.Context) (int, error) {
	rows, err := s.handle.Query(ctx, `SELECT COALESCE(MAX(version), 0) AS v FROM schema_versions`)
	if err != nil {
		// Table may not exist yet on a brand new file; treat as version 0.
		return 0, nil
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch v := rows[0]["v"].(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, nil
	}
}

// NeedsMigration reports whether the store is behind the current schema
// version.
func (s *SchemaManager) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < schemaVersion, nil
}

// RequiredTables lists every table ValidateSchema and the Validator's
// structure rules expect to exist.
func RequiredTables() []string {
	return []string{
		"conversations", "messages", "message_attachments",
		"knowledge_files", "knowledge_chunks", "knowledge_vectors",
		"schema_versions", "migration_metadata",
	}
}

// RequiredIndexes lists the critical indexes, beyond the per-metric
// vector indexes (checked separately since their names are
// metric-dependent).
func RequiredIndexes() []string {
	return []string{
		"idx_conversations_updated_at",
		"idx_messages_conversation_order",
		"idx_messages_created_at",
		"idx_chunks_file",
		"idx_vectors_chunk",
	}
}

// ValidateSchema confirms every unified table and critical index exists,
// used by the Validator's structure-category rules.
func (s *SchemaManager) ValidateSchema(ctx context.Context) ([]string, error) {
	var missing []string
	for _, table := range RequiredTables() {
		rows, err := s.handle.Query(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table)
		if err != nil {
			return nil, fmt.Errorf("check table %s: %w", table, err)
		}
		if len(rows) == 0 {
			missing = append(missing, "table:"+table)
		}
	}
	for _, idx := range RequiredIndexes() {
		rows, err := s.handle.Query(ctx,
			`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx)
		if err != nil {
			return nil, fmt.Errorf("check index %s: %w", idx, err)
		}
		if len(rows) == 0 {
			missing = append(missing, "index:"+idx)
		}
	}
	for _, metric := range AllVectorMetrics() {
		idx := fmt.Sprintf("idx_ivf_assignments_%s_list", metric)
		rows, err := s.handle.Query(ctx,
			`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx)
		if err != nil {
			return nil, fmt.Errorf("check vector index %s: %w", idx, err)
		}
		if len(rows) == 0 {
			missing = append(missing, "index:"+idx)
		}
	}
	return missing, nil
}

// ForeignKeyCount returns how many foreign-key-backed columns the schema
// declares, used by the Validator's relationships-category rule.
func (s *SchemaManager) ForeignKeyCount(ctx context.Context) (int, error) {
	total := 0
	for _, table := range []string{"messages", "message_attachments", "knowledge_chunks", "knowledge_vectors"} {
		rows, err := s.handle.Query(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, table))
		if err != nil {
			return 0, fmt.Errorf("list foreign keys for %s: %w", table, err)
		}
		total += len(rows)
	}
	return total, nil
}

// EncodeVector packs a float32 embedding into the BLOB representation
// stored in knowledge_vectors.embedding. Little-endian, four bytes per
// component.
func EncodeVector(values []float32) []byte {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		bits := math.Float32bits(v)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

// DecodeVector unpacks the BLOB representation back into a float32 slice.
func DecodeVector(buf []byte) []float32 {
	values := make([]float32, len(buf)/4)
	for i := range values {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		values[i] = math.Float32frombits(bits)
	}
	return values
}
