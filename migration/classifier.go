package migration

import (
	"errors"
	"strings"

	"github.com/richblack/storemigrator/apperr"
)

// ClassifyContext carries the situational facts the classifier needs
// beyond the raw error itself: which phase failed, and (for
// VALIDATION_FAILED) whether the failing rule is a single-row content
// check or a structural/relationship check.
type ClassifyContext struct {
	Phase              Phase
	ValidationCategory string // "structure", "data", "relationships", "performance"
	SingleRowViolation bool   // true when a VALIDATION_FAILED concerns exactly one row
}

// Classify is C6: a pure function mapping a raw error plus context to a
// MigrationError carrying a recovery directive. Rules are evaluated in a
// fixed order; first match wins. A raw error that is already a
// *apperr.MigrationError is returned unchanged.
func Classify(raw error, ctx ClassifyContext) *apperr.MigrationError {
	if raw == nil {
		return nil
	}
	if me, ok := apperr.As(raw); ok {
		return me
	}

	msg := strings.ToLower(raw.Error())

	switch {
	case containsAny(msg, "enospc", "no space left", "disk full"):
		return apperr.New(apperr.KindInsufficientDiskSpace, apperr.SeverityFatal, apperr.DirectiveManual,
			apperr.UserMessage(apperr.KindInsufficientDiskSpace), string(ctx.Phase), raw)

	case containsAny(msg, "eacces", "permission denied", "eperm", "operation not permitted"):
		return apperr.New(apperr.KindPermissionDenied, apperr.SeverityFatal, apperr.DirectiveManual,
			apperr.UserMessage(apperr.KindPermissionDenied), string(ctx.Phase), raw)

	case containsAny(msg, "malformed", "corrupt", "checksum mismatch", "not a database"):
		return apperr.New(apperr.KindCorruptedSourceData, apperr.SeverityError, apperr.DirectiveRollback,
			apperr.UserMessage(apperr.KindCorruptedSourceData), string(ctx.Phase), raw)

	case containsAny(msg, "connection reset", "eagain", "connection refused", "broken pipe"):
		return apperr.New(apperr.KindConnectionFailed, apperr.SeverityError, apperr.DirectiveRetry,
			apperr.UserMessage(apperr.KindConnectionFailed), string(ctx.Phase), raw)

	case containsAny(msg, "no such column", "no such table", "ddl", "schema mismatch", "syntax error"):
		return apperr.New(apperr.KindSchemaMismatch, apperr.SeverityFatal, apperr.DirectiveAbort,
			apperr.UserMessage(apperr.KindSchemaMismatch), string(ctx.Phase), raw)

	case containsAny(msg, "deadline exceeded", "timed out", "timeout"):
		return apperr.New(apperr.KindTimeout, apperr.SeverityError, apperr.DirectiveRetry,
			apperr.UserMessage(apperr.KindTimeout), string(ctx.Phase), raw)

	case containsAny(msg, "validation failed", "vector dimension", "unknown message role", "unknown role"):
		directive := apperr.DirectiveRollback
		if ctx.ValidationCategory == "data" && ctx.SingleRowViolation {
			directive = apperr.DirectiveSkip
		}
		return apperr.New(apperr.KindValidationFailed, apperr.SeverityError, directive,
			apperr.UserMessage(apperr.KindValidationFailed), string(ctx.Phase), raw)

	case containsAny(msg, "backup failed", "backup verification"):
		return apperr.New(apperr.KindBackupFailed, apperr.SeverityError, apperr.DirectiveRetry,
			apperr.UserMessage(apperr.KindBackupFailed), string(ctx.Phase), raw)

	case containsAny(msg, "rollback failed", "restore failed"):
		return apperr.New(apperr.KindRollbackFailed, apperr.SeverityFatal, apperr.DirectiveAbort,
			apperr.UserMessage(apperr.KindRollbackFailed), string(ctx.Phase), raw)

	default:
		// Unclassified errors default to abort.
		return apperr.New(apperr.KindSchemaMismatch, apperr.SeverityFatal, apperr.DirectiveAbort,
			"An unexpected error occurred during migration.", string(ctx.Phase), raw)
	}
}

// ClassifyValidationFailure builds the VALIDATION_FAILED directive for
// one failed ValidationResult: a structural or relationship failure rolls
// back, a single bad row is skipped.
func ClassifyValidationFailure(result ValidationResult, category string) *apperr.MigrationError {
	directive := apperr.DirectiveRollback
	if category == "data" && len(result.AffectedRecords) == 1 {
		directive = apperr.DirectiveSkip
	}
	return apperr.New(apperr.KindValidationFailed, apperr.SeverityError, directive,
		apperr.UserMessage(apperr.KindValidationFailed), result.Message, errors.New(result.Message))
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// RetryPolicyFor returns the retry policy a retryable kind uses.
func RetryPolicyFor(kind apperr.Kind) (apperr.RetryPolicy, bool) {
	switch kind {
	case apperr.KindConnectionFailed:
		return apperr.ConnectionFailedPolicy(), true
	case apperr.KindTimeout:
		return apperr.TimeoutPolicy(), true
	case apperr.KindBackupFailed:
		return apperr.BackupFailedPolicy(), true
	default:
		return apperr.RetryPolicy{}, false
	}
}
