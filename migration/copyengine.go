package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/richblack/storemigrator/apperr"
	"github.com/richblack/storemigrator/logging"
	"github.com/richblack/storemigrator/storedriver"
)

// tableSpec describes one table's place in the static topological copy
// order.
type tableSpec struct {
	name       string
	sourceKind LegacyKind
	sourceSQL  string
	pkColumn   string // source primary-key column, used for ordering and resume
}

// copyOrder is the static, FK-honoring table order the Copy Engine walks.
var copyOrder = []tableSpec{
	{name: "conversations", sourceKind: KindRowStore, sourceSQL: "SELECT * FROM conversations ORDER BY id", pkColumn: "id"},
	{name: "messages", sourceKind: KindRowStore, sourceSQL: "SELECT * FROM messages ORDER BY id", pkColumn: "id"},
	{name: "message_attachments", sourceKind: KindRowStore, sourceSQL: "SELECT * FROM message_attachments ORDER BY id", pkColumn: "id"},
	{name: "knowledge_files", sourceKind: KindVectorStore, sourceSQL: "SELECT * FROM knowledge_files ORDER BY id", pkColumn: "id"},
	{name: "knowledge_chunks", sourceKind: KindVectorStore, sourceSQL: "SELECT * FROM knowledge_chunks ORDER BY id", pkColumn: "id"},
	{name: "knowledge_vectors", sourceKind: KindVectorStore, sourceSQL: "SELECT * FROM knowledge_vectors ORDER BY id", pkColumn: "id"},
}

// CopyStats reports how many rows were moved, skipped, or left behind per
// table.
type CopyStats struct {
	Table       string
	Copied      int
	Skipped     int
	LastPK      string
}

// CopyEngine is C4: drains each legacy source table-by-table into the
// unified target in streamed batches, preserving relationships.
type CopyEngine struct {
	rowSource    storedriver.Handle
	vectorSource storedriver.Handle
	target       storedriver.Handle
	batchSize    int
	dimension    int
	logger       logging.Logger
}

// NewCopyEngine builds a CopyEngine over already-open source/target
// handles.
func NewCopyEngine(rowSource, vectorSource, target storedriver.Handle, batchSize, dimension int, logger logging.Logger) *CopyEngine {
	if logger == nil {
		logger = logging.Default("copyengine")
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &CopyEngine{
		rowSource:    rowSource,
		vectorSource: vectorSource,
		target:       target,
		batchSize:    batchSize,
		dimension:    dimension,
		logger:       logger,
	}
}

// CancelFunc is polled at suspension points: between batches and between
// rule evaluations. Mid-batch cancellation is never offered.
type CancelFunc func() bool

// CopyAll drains every table in copyOrder, calling onProgress after each
// batch and checking cancel between batches. It resumes from
// migration_metadata's "last_copied:<table>" marker when present.
func (c *CopyEngine) CopyAll(ctx context.Context, cancel CancelFunc, onProgress func(table string, copiedSoFar, totalHint int)) ([]CopyStats, error) {
	var stats []CopyStats

	for _, spec := range copyOrder {
		if cancel != nil && cancel() {
			return stats, nil
		}

		st, err := c.copyTable(ctx, spec, cancel, onProgress)
		stats = append(stats, st)
		if err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func (c *CopyEngine) copyTable(ctx context.Context, spec tableSpec, cancel CancelFunc, onProgress func(string, int, int)) (CopyStats, error) {
	source := c.rowSource
	if spec.sourceKind == KindVectorStore {
		source = c.vectorSource
	}

	resumeKey := "last_copied:" + spec.name
	lastPK, err := c.readMetadata(ctx, resumeKey)
	if err != nil {
		return CopyStats{Table: spec.name}, err
	}

	cursor, err := source.Cursor(ctx, spec.sourceSQL, c.batchSize)
	if err != nil {
		return CopyStats{Table: spec.name}, apperr.New(apperr.KindConnectionFailed, apperr.SeverityError,
			apperr.DirectiveRetry, apperr.UserMessage(apperr.KindConnectionFailed),
			"open cursor for "+spec.name, err)
	}
	defer cursor.Close()

	stats := CopyStats{Table: spec.name, LastPK: lastPK}

	for {
		if cancel != nil && cancel() {
			return stats, nil
		}

		batch, err := cursor.Next(ctx)
		if err != nil {
			return stats, apperr.New(apperr.KindConnectionFailed, apperr.SeverityError,
				apperr.DirectiveRetry, apperr.UserMessage(apperr.KindConnectionFailed),
				"read batch from "+spec.name, err)
		}
		if len(batch) == 0 {
			break
		}

		// Skip rows at or below the resume marker.
		filtered := batch[:0]
		for _, row := range batch {
			pk := asString(row[spec.pkColumn])
			if lastPK != "" && pk <= lastPK {
				continue
			}
			filtered = append(filtered, row)
		}
		if len(filtered) == 0 {
			continue
		}

		var txErr error
		err = c.target.Transaction(ctx, func(tx storedriver.Handle) error {
			maxPK := ""
			for _, row := range filtered {
				pk := asString(row[spec.pkColumn])

				if rowErr := c.copyRow(ctx, tx, spec.name, row); rowErr != nil {
					me, ok := apperr.As(rowErr)
					if ok && me.Directive == apperr.DirectiveSkip {
						// A single bad row: record it for human review and
						// keep the rest of the batch's transaction intact.
						if skipErr := c.recordSkip(ctx, tx, spec.name, pk, me); skipErr != nil {
							txErr = skipErr
							return skipErr
						}
						stats.Skipped++
						continue
					}
					txErr = rowErr
					return rowErr
				}

				if pk > maxPK {
					maxPK = pk
				}
				stats.Copied++
			}
			if maxPK != "" {
				return c.writeMetadata(ctx, tx, resumeKey, maxPK)
			}
			return nil
		})
		if err != nil {
			if txErr != nil {
				return stats, txErr
			}
			return stats, apperr.New(apperr.KindConnectionFailed, apperr.SeverityError,
				apperr.DirectiveRetry, apperr.UserMessage(apperr.KindConnectionFailed),
				"commit batch for "+spec.name, err)
		}

		if onProgress != nil {
			onProgress(spec.name, stats.Copied, 0)
		}
	}

	c.logger.Info("table copied", logging.String("table", spec.name), logging.Int("rows", stats.Copied))
	return stats, nil
}

// copyRow translates and inserts a single source row into its target
// table. Per-row validation failures are reported as classified
// VALIDATION_FAILED errors. An unknown message role or a mismatched
// vector dimension fails the whole batch with a rollback directive;
// lesser per-row defects carry a skip directive so the rest of the batch
// can still commit.
func (c *CopyEngine) copyRow(ctx context.Context, tx storedriver.Handle, table string, src storedriver.Row) error {
	switch table {
	case "conversations":
		row, err := translateConversation(src)
		if err != nil {
			return c.validationFailure(table, src, err)
		}
		return tx.Exec(ctx,
			`INSERT OR REPLACE INTO conversations(conv_id, title, created_at, updated_at, is_pinned, is_new, settings)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row["conv_id"], row["title"], row["created_at"], row["updated_at"], row["is_pinned"], row["is_new"], row["settings"])

	case "messages":
		row, err := translateMessage(src)
		if err != nil {
			var roleErr *unknownRoleError
			if errors.As(err, &roleErr) {
				return apperr.New(apperr.KindValidationFailed, apperr.SeverityError, apperr.DirectiveRollback,
					apperr.UserMessage(apperr.KindValidationFailed),
					fmt.Sprintf("table %s row %v: %v", table, src["id"], err), err)
			}
			return c.validationFailure(table, src, err)
		}
		return tx.Exec(ctx,
			`INSERT OR REPLACE INTO messages(msg_id, conversation_id, parent_id, role, content, created_at, order_seq, token_count, status, metadata, is_context_edge, is_variant)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row["msg_id"], row["conversation_id"], row["parent_id"], row["role"], row["content"],
			row["created_at"], row["order_seq"], row["token_count"], row["status"], row["metadata"],
			row["is_context_edge"], row["is_variant"])

	case "message_attachments":
		row, err := translateAttachment(src)
		if err != nil {
			return c.validationFailure(table, src, err)
		}
		return tx.Exec(ctx,
			`INSERT INTO message_attachments(message_id, attachment_type, attachment_data, created_at, metadata)
			 VALUES (?, ?, ?, ?, ?)`,
			row["message_id"], row["attachment_type"], row["attachment_data"], row["created_at"], row["metadata"])

	case "knowledge_files":
		row, err := translateKnowledgeFile(src)
		if err != nil {
			return c.validationFailure(table, src, err)
		}
		return tx.Exec(ctx,
			`INSERT OR REPLACE INTO knowledge_files(id, name, path, mime_type, status, uploaded_at, file_size, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row["id"], row["name"], row["path"], row["mime_type"], row["status"], row["uploaded_at"], row["file_size"], row["metadata"])

	case "knowledge_chunks":
		row, err := translateKnowledgeChunk(src)
		if err != nil {
			return c.validationFailure(table, src, err)
		}
		return tx.Exec(ctx,
			`INSERT OR REPLACE INTO knowledge_chunks(id, file_id, chunk_index, content, status, error, chunk_size, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row["id"], row["file_id"], row["chunk_index"], row["content"], row["status"], row["error"], row["chunk_size"], row["metadata"])

	case "knowledge_vectors":
		row, embedding, err := translateKnowledgeVector(src)
		if err != nil {
			return c.validationFailure(table, src, err)
		}
		if c.dimension > 0 && len(embedding) != c.dimension {
			return apperr.New(apperr.KindValidationFailed, apperr.SeverityError, apperr.DirectiveRollback,
				apperr.UserMessage(apperr.KindValidationFailed),
				fmt.Sprintf("vector %v has dimension %d, expected %d", row["id"], len(embedding), c.dimension), nil)
		}
		if err := tx.Exec(ctx,
			`INSERT OR REPLACE INTO knowledge_vectors(id, file_id, chunk_id, embedding, dimension, created_at, model_name, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row["id"], row["file_id"], row["chunk_id"], EncodeVector(embedding), row["dimension"], row["created_at"], row["model_name"], row["metadata"]); err != nil {
			return err
		}
		return c.assignVectorLists(ctx, tx, asString(row["id"]), embedding)

	default:
		return fmt.Errorf("copy engine: no translation registered for table %q", table)
	}
}

// assignVectorLists assigns the new vector a coarse list under every
// declared distance metric, by a deterministic hash of its id. There is
// no IVF training step; assignments only need to be stable and spread.
func (c *CopyEngine) assignVectorLists(ctx context.Context, tx storedriver.Handle, vectorID string, embedding []float32) error {
	list := vectorListFor(vectorID)
	for _, metric := range AllVectorMetrics() {
		table := fmt.Sprintf("ivf_assignments_%s", metric)
		if err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT OR REPLACE INTO %s(vector_id, list_id) VALUES (?, ?)`, table),
			vectorID, list); err != nil {
			return err
		}
	}
	return nil
}

func vectorListFor(id string) int {
	h := 0
	for _, r := range id {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return h % ivfListCount
}

func (c *CopyEngine) validationFailure(table string, src storedriver.Row, cause error) error {
	return apperr.New(apperr.KindValidationFailed, apperr.SeverityError, apperr.DirectiveSkip,
		apperr.UserMessage(apperr.KindValidationFailed),
		fmt.Sprintf("table %s row %v: %v", table, src["id"], cause), cause)
}

func (c *CopyEngine) readMetadata(ctx context.Context, key string) (string, error) {
	rows, err := c.target.Query(ctx, `SELECT value FROM migration_metadata WHERE key = ?`, key)
	if err != nil {
		return "", nil
	}
	if len(rows) == 0 {
		return "", nil
	}
	return asString(rows[0]["value"]), nil
}

func (c *CopyEngine) writeMetadata(ctx context.Context, tx storedriver.Handle, key, value string) error {
	return tx.Exec(ctx,
		`INSERT INTO migration_metadata(key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value, nowMillis())
}

// recordSkip records a skipped row under "skipped:<table>:<pk>" for later
// human review, within the same transaction as the batch it belongs to.
func (c *CopyEngine) recordSkip(ctx context.Context, tx storedriver.Handle, table, pk string, cause error) error {
	return tx.Exec(ctx,
		`INSERT INTO migration_metadata(key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("skipped:%s:%s", table, pk), cause.Error(), nowMillis())
}
