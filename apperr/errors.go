// Package apperr defines the migrator's closed error taxonomy, its
// user-facing messages, and the retry and circuit-breaker machinery. The
// classifier that maps raw failures onto the taxonomy is in package
// migration.
package apperr

import "fmt"

// Kind is one of the nine error kinds the core ever surfaces. Everything
// else is a raw failure that gets wrapped into one of these by the
// classifier before it reaches the orchestrator.
type Kind string

const (
	KindInsufficientDiskSpace Kind = "INSUFFICIENT_DISK_SPACE"
	KindPermissionDenied      Kind = "PERMISSION_DENIED"
	KindCorruptedSourceData   Kind = "CORRUPTED_SOURCE_DATA"
	KindConnectionFailed      Kind = "CONNECTION_FAILED"
	KindSchemaMismatch        Kind = "SCHEMA_MISMATCH"
	KindTimeout               Kind = "TIMEOUT"
	KindValidationFailed      Kind = "VALIDATION_FAILED"
	KindBackupFailed          Kind = "BACKUP_FAILED"
	KindRollbackFailed        Kind = "ROLLBACK_FAILED"
)

// Severity is how seriously a MigrationError should be treated.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// Directive is the classifier's recovery instruction.
type Directive string

const (
	DirectiveRetry    Directive = "retry"
	DirectiveSkip     Directive = "skip"
	DirectiveManual   Directive = "manual"
	DirectiveRollback Directive = "rollback"
	DirectiveAbort    Directive = "abort"
)

// MigrationError is the closed error representation the core surfaces:
// one of the nine kinds above, a severity, and the classifier's recovery
// directive.
type MigrationError struct {
	Kind        Kind
	Severity    Severity
	Context     string
	UserMessage string
	Raw         error
	Directive   Directive
	Retryable   bool
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("%s: %s (raw: %v)", e.Kind, e.UserMessage, e.Raw)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

// Unwrap exposes the underlying raw failure.
func (e *MigrationError) Unwrap() error {
	return e.Raw
}

// IsRetryable reports whether the error's directive is retry.
func (e *MigrationError) IsRetryable() bool {
	return e.Retryable
}

// New builds a MigrationError with the given kind, severity, and directive.
func New(kind Kind, severity Severity, directive Directive, userMessage, context string, raw error) *MigrationError {
	return &MigrationError{
		Kind:        kind,
		Severity:    severity,
		Context:     context,
		UserMessage: userMessage,
		Raw:         raw,
		Directive:   directive,
		Retryable:   directive == DirectiveRetry,
	}
}

// As attempts to convert err to a *MigrationError.
func As(err error) (*MigrationError, bool) {
	me, ok := err.(*MigrationError)
	return me, ok
}

// IsRetryable reports whether err, if a MigrationError, carries a retry
// directive. Non-MigrationErrors are treated as non-retryable.
func IsRetryable(err error) bool {
	if me, ok := As(err); ok {
		return me.IsRetryable()
	}
	return false
}

// userMessages maps each kind to an end-user-facing message: no
// file-descriptor numbers, no SQL fragments.
var userMessages = map[Kind]string{
	KindInsufficientDiskSpace: "Not enough disk space to complete migration. Free up space and retry.",
	KindPermissionDenied:      "The application lacks permission to modify its database folder.",
	KindCorruptedSourceData:   "A source database file appears damaged; your data is still safe in the backup.",
	KindConnectionFailed:      "Could not open a database file.",
	KindSchemaMismatch:        "The target database schema could not be created as expected.",
	KindTimeout:               "Migration step took too long.",
	KindValidationFailed:      "Migrated data failed a consistency check; your original data is unaffected.",
	KindBackupFailed:          "Could not create a safety backup of your data; migration was halted before any changes.",
	KindRollbackFailed:        "Restoring your original data failed. Do not delete any files; contact support.",
}

// UserMessage returns the canned user-facing message for a kind.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return "An unexpected error occurred during migration."
}
