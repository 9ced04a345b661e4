package migration

import (
	"context"
	"fmt"

	"github.com/richblack/storemigrator/logging"
	"github.com/richblack/storemigrator/storedriver"
)

// Validator is C5: runs structural, referential, and content checks on
// the unified store after copy.
type Validator struct {
	target    storedriver.Handle
	schema    *SchemaManager
	dimension int
	logger    logging.Logger
}

// NewValidator builds a Validator over the unified target and its Schema
// Manager.
func NewValidator(target storedriver.Handle, schema *SchemaManager, dimension int, logger logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Default("validator")
	}
	return &Validator{target: target, schema: schema, dimension: dimension, logger: logger}
}

// Validate runs every rule category and returns the aggregate report.
// Structural and relationship failures are errors; the EXPLAIN-based
// performance check is a warning-only soft check.
func (v *Validator) Validate(ctx context.Context, cancel CancelFunc) (ValidationReport, error) {
	var report ValidationReport

	report.Structure = v.checkStructure(ctx)
	if cancel != nil && cancel() {
		return report, nil
	}
	report.Data = v.checkData(ctx)
	if cancel != nil && cancel() {
		return report, nil
	}
	report.Relationships = v.checkRelationships(ctx)
	if cancel != nil && cancel() {
		return report, nil
	}
	report.Performance = v.checkPerformance(ctx)

	v.logger.Info("validation complete", logging.Bool("passed", report.Passed()))
	return report, nil
}

func (v *Validator) checkStructure(ctx context.Context) []ValidationResult {
	var results []ValidationResult

	current, err := v.schema.CurrentVersion(ctx)
	results = append(results, ValidationResult{
		RuleName: "schema_version",
		Passed:   err == nil && current == schemaVersion,
		Message:  fmt.Sprintf("schema_versions reports version %d, expected %d", current, schemaVersion),
		Severity: "error",
	})

	missing, err := v.schema.ValidateSchema(ctx)
	results = append(results, ValidationResult{
		RuleName:        "required_tables_and_indexes",
		Passed:          err == nil && len(missing) == 0,
		Message:         fmt.Sprintf("%d required table(s)/index(es) missing", len(missing)),
		AffectedRecords: missing,
		Severity:        "error",
	})

	fkCount, err := v.schema.ForeignKeyCount(ctx)
	results = append(results, ValidationResult{
		RuleName: "foreign_key_constraint_count",
		Passed:   err == nil && fkCount >= 4,
		Message:  fmt.Sprintf("found %d foreign-key-backed columns, expected at least 4", fkCount),
		Severity: "error",
	})

	return results
}

func (v *Validator) checkData(ctx context.Context) []ValidationResult {
	var results []ValidationResult

	results = append(results, v.rule(ctx, "conversation_ids_nonempty", "error",
		`SELECT conv_id FROM conversations WHERE conv_id IS NULL OR conv_id = ''`))

	results = append(results, v.rule(ctx, "conversation_updated_after_created", "error",
		`SELECT conv_id FROM conversations WHERE updated_at < created_at`))

	results = append(results, v.rule(ctx, "message_order_seq_nonnegative", "error",
		`SELECT msg_id FROM messages WHERE order_seq < 0`))

	results = append(results, v.rule(ctx, "message_role_enum", "error",
		`SELECT msg_id FROM messages WHERE role NOT IN ('user','assistant','system','function')`))

	results = append(results, v.rule(ctx, "knowledge_file_status_enum", "error",
		`SELECT id FROM knowledge_files WHERE status NOT IN ('pending','processing','completed','error')`))

	results = append(results, v.rule(ctx, "knowledge_chunk_content_nonempty", "error",
		`SELECT id FROM knowledge_chunks WHERE content IS NULL OR content = ''`))

	results = append(results, v.rule(ctx, "vector_data_integrity", "error",
		fmt.Sprintf(`SELECT id FROM knowledge_vectors WHERE dimension != %d`, v.dimension)))

	return results
}

func (v *Validator) checkRelationships(ctx context.Context) []ValidationResult {
	var results []ValidationResult

	results = append(results, v.rule(ctx, "no_orphaned_messages", "error",
		`SELECT m.msg_id FROM messages m LEFT JOIN conversations c ON m.conversation_id = c.conv_id WHERE c.conv_id IS NULL`))

	results = append(results, v.rule(ctx, "no_orphaned_chunks", "error",
		`SELECT k.id FROM knowledge_chunks k LEFT JOIN knowledge_files f ON k.file_id = f.id WHERE f.id IS NULL`))

	results = append(results, v.rule(ctx, "no_orphaned_vectors", "error",
		`SELECT v.id FROM knowledge_vectors v LEFT JOIN knowledge_chunks c ON v.chunk_id = c.id WHERE c.id IS NULL`))

	fkCount, err := v.schema.ForeignKeyCount(ctx)
	results = append(results, ValidationResult{
		RuleName: "foreign_key_count_matches_expected",
		Passed:   err == nil && fkCount >= 4,
		Message:  fmt.Sprintf("found %d foreign keys", fkCount),
		Severity: "error",
	})

	results = append(results, v.checkNoParentCycles(ctx))

	return results
}

// checkNoParentCycles walks messages.parent_id per conversation, bounded
// to the conversation's own length, to detect cycles.
func (v *Validator) checkNoParentCycles(ctx context.Context) ValidationResult {
	rows, err := v.target.Query(ctx, `SELECT conv_id FROM conversations`)
	if err != nil {
		return ValidationResult{RuleName: "no_parent_cycles", Passed: false, Message: err.Error(), Severity: "error"}
	}

	var cyclic []string
	for _, convRow := range rows {
		convID := asString(convRow["conv_id"])

		msgRows, err := v.target.Query(ctx,
			`SELECT msg_id, parent_id FROM messages WHERE conversation_id = ?`, convID)
		if err != nil {
			continue
		}

		parentOf := make(map[string]string, len(msgRows))
		for _, m := range msgRows {
			id := asString(m["msg_id"])
			parentOf[id] = asString(m["parent_id"])
		}

		bound := len(msgRows) + 1
		for id := range parentOf {
			seen := map[string]bool{}
			cur := id
			for steps := 0; cur != "" && steps <= bound; steps++ {
				if seen[cur] {
					cyclic = append(cyclic, fmt.Sprintf("%s:%s", convID, id))
					break
				}
				seen[cur] = true
				cur = parentOf[cur]
			}
		}
	}

	return ValidationResult{
		RuleName:        "no_parent_cycles",
		Passed:          len(cyclic) == 0,
		Message:         fmt.Sprintf("%d cyclic parent chain(s) found", len(cyclic)),
		AffectedRecords: cyclic,
		Severity:        "error",
	}
}

// checkPerformance runs the soft, warning-only checks: vector indexes
// present per metric, and a representative query reports index usage.
func (v *Validator) checkPerformance(ctx context.Context) []ValidationResult {
	var results []ValidationResult

	for _, metric := range AllVectorMetrics() {
		idx := fmt.Sprintf("idx_ivf_assignments_%s_list", metric)
		rows, err := v.target.Query(ctx,
			`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx)
		results = append(results, ValidationResult{
			RuleName: "vector_index_" + string(metric),
			Passed:   err == nil && len(rows) > 0,
			Message:  fmt.Sprintf("vector index for %s metric present", metric),
			Severity: "warn",
		})
	}

	rows, err := v.target.Query(ctx,
		`EXPLAIN QUERY PLAN SELECT * FROM messages WHERE conversation_id = ? ORDER BY order_seq`, "")
	usesIndex := false
	for _, r := range rows {
		if containsAny(asString(r["detail"]), "using index", "idx_messages_conversation_order") {
			usesIndex = true
		}
	}
	results = append(results, ValidationResult{
		RuleName: "conversation_scan_uses_index",
		Passed:   err == nil && usesIndex,
		Message:  "representative conversation-scan query reports index usage",
		Severity: "warn",
	})

	return results
}

// rule runs a "find the violators" query and reports whether it found
// none.
func (v *Validator) rule(ctx context.Context, name, severity, query string) ValidationResult {
	rows, err := v.target.Query(ctx, query)
	if err != nil {
		return ValidationResult{RuleName: name, Passed: false, Message: err.Error(), Severity: severity}
	}

	var affected []string
	for _, r := range rows {
		for _, colVal := range r {
			affected = append(affected, asString(colVal))
			break
		}
	}

	return ValidationResult{
		RuleName:        name,
		Passed:          len(rows) == 0,
		Message:         fmt.Sprintf("%d violating record(s)", len(rows)),
		AffectedRecords: affected,
		Severity:        severity,
	}
}
