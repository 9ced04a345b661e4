package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/richblack/storemigrator/apperr"
	"github.com/richblack/storemigrator/logging"
	"github.com/richblack/storemigrator/storedriver"
)

// OrchestratorConfig bundles everything the Orchestrator needs to run a
// migration once: resolved paths and tunables.
type OrchestratorConfig struct {
	UserDataRoot     string
	RowStoreDir      string
	VectorStoreDir   string
	BackupRoot       string
	UnifiedFile      string
	BatchSize        int
	VectorDimension  int
	BackupVerify     bool
	BackupTimestamp  bool
	MaxFileSizeBytes int64
	SoftWarnBytes    int64
	DryRun           bool

	CopyTimeout     time.Duration
	ValidateTimeout time.Duration
	BackupTimeout   time.Duration

	RowStoreDriver storedriver.Driver
	VectorDriver   storedriver.Driver
	UnifiedDriver  storedriver.Driver
}

// Orchestrator is C8: the top-level state machine driving phases
// DETECT → PREFLIGHT → BACKUP → SCHEMA → COPY → VALIDATE → FINALIZE,
// composing C1-C7 and reporting progress.
type Orchestrator struct {
	cfg           OrchestratorConfig
	logger        logging.Logger
	cancel        int32 // atomic bool
	monitor       *ProgressMonitor
	backupBreaker *apperr.CircuitBreaker
}

// NewOrchestrator builds an Orchestrator over cfg, emitting progress to
// callback (may be nil).
func NewOrchestrator(cfg OrchestratorConfig, callback ProgressCallback, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default("orchestrator")
	}
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		monitor: NewProgressMonitor(callback),
		// Trips after the initial attempt plus its single retry both fail,
		// so repeated backup failures within one run short-circuit to
		// abort instead of re-copying a doomed file.
		backupBreaker: apperr.NewCircuitBreaker(apperr.CircuitBreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		}),
	}
}

// ProgressChannel exposes the asynchronous progress stream alongside the
// synchronous callback.
func (o *Orchestrator) ProgressChannel() <-chan MigrationProgress {
	return o.monitor.Channel()
}

// Cancel requests cooperative cancellation. Observed at the next
// suspension point.
func (o *Orchestrator) Cancel() {
	atomic.StoreInt32(&o.cancel, 1)
}

func (o *Orchestrator) cancelled() bool {
	return atomic.LoadInt32(&o.cancel) != 0
}

// Run executes one full migration attempt. It acquires the single-writer
// lock at the start and releases it before returning, including on the
// ABORTED path.
func (o *Orchestrator) Run(ctx context.Context) Result {
	start := time.Now()
	phase := PhaseInit

	lockPath := filepath.Join(o.cfg.UserDataRoot, ".migration.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil || !locked {
		return Result{Success: false, Phase: phase, Duration: time.Since(start),
			Errors: []string{"another migration is already in progress"}}
	}
	defer fl.Unlock()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic during migration", fmt.Errorf("%v", r), logging.String("phase", string(phase)))
		}
	}()

	result := o.run(ctx, &phase)
	result.Duration = time.Since(start)
	return result
}

func (o *Orchestrator) run(ctx context.Context, phase *Phase) Result {
	result := Result{}

	detector := NewDetector(o.cfg.RowStoreDir, o.cfg.VectorStoreDir, o.cfg.MaxFileSizeBytes, o.cfg.SoftWarnBytes, o.logger.With(logging.String("component", "detector")))

	*phase = PhaseDetect
	o.report(*phase, "scanning for legacy files", 0, nil, nil)
	detection, err := detector.Detect()
	if err != nil {
		return o.fail(*phase, result, err)
	}
	if !detection.RequiresMigration {
		*phase = PhaseDone
		result.Success = true
		result.Phase = PhaseDone
		return result
	}

	*phase = PhasePreflight
	allFiles := append(append([]LegacyFile{}, detection.RowFiles...), detection.VectorFiles...)
	compat := detector.CheckCompatibility(allFiles)
	result.Warnings = append(result.Warnings, compat.Warnings...)
	if !compat.Compatible {
		me := apperr.New(apperr.KindCorruptedSourceData, apperr.SeverityError, apperr.DirectiveRollback,
			apperr.UserMessage(apperr.KindCorruptedSourceData), "preflight", fmt.Errorf("%v", compat.Issues))
		return o.handleFailure(ctx, *phase, result, me, nil)
	}

	backupMgr := NewBackupManager(o.cfg.BackupRoot, o.cfg.BackupTimestamp, o.cfg.BackupVerify, o.logger.With(logging.String("component", "backup")))

	*phase = PhaseBackup
	o.report(*phase, "backing up legacy files", 0, nil, nil)
	backupCtx, cancelBackup := context.WithTimeout(ctx, nonZero(o.cfg.BackupTimeout, 10*time.Minute))
	defer cancelBackup()
	backups, err := o.createBackupsWithRetry(backupCtx, backupMgr, allFiles)
	if err != nil {
		return o.handleFailure(ctx, *phase, result, Classify(err, ClassifyContext{Phase: *phase}), backups)
	}
	for _, b := range backups {
		result.BackupPaths = append(result.BackupPaths, b.BackupPath)
	}

	unifiedHandle, err := o.cfg.UnifiedDriver.Open(ctx, o.cfg.UnifiedFile, storedriver.OpenOptions{})
	if err != nil {
		return o.handleFailure(ctx, PhaseSchema, result, Classify(err, ClassifyContext{Phase: PhaseSchema}), backups)
	}
	defer unifiedHandle.Close()

	*phase = PhaseSchema
	o.report(*phase, "creating unified schema", 0, nil, nil)
	schemaMgr := NewSchemaManager(unifiedHandle, o.cfg.VectorDimension, o.logger.With(logging.String("component", "schema")))
	if err := schemaMgr.CreateSchema(ctx); err != nil {
		return o.handleFailure(ctx, *phase, result, Classify(err, ClassifyContext{Phase: *phase}), backups)
	}
	o.checkpointPhase(ctx, unifiedHandle, PhaseSchema)

	rowHandle, err := o.openSource(ctx, o.cfg.RowStoreDriver, o.pickPath(detection.RowFiles))
	if err != nil {
		return o.handleFailure(ctx, PhaseCopy, result, Classify(err, ClassifyContext{Phase: PhaseCopy}), backups)
	}
	defer rowHandle.Close()

	vectorHandle, err := o.openSource(ctx, o.cfg.VectorDriver, o.pickPath(detection.VectorFiles))
	if err != nil {
		return o.handleFailure(ctx, PhaseCopy, result, Classify(err, ClassifyContext{Phase: PhaseCopy}), backups)
	}
	defer vectorHandle.Close()

	*phase = PhaseCopy
	o.report(*phase, "copying tables", 0, nil, nil)
	copyCtx, cancelCopy := context.WithTimeout(ctx, nonZero(o.cfg.CopyTimeout, 30*time.Minute))
	defer cancelCopy()

	engine := NewCopyEngine(rowHandle, vectorHandle, unifiedHandle, o.cfg.BatchSize, o.cfg.VectorDimension, o.logger.With(logging.String("component", "copyengine")))
	stats, err := engine.CopyAll(copyCtx, o.cancelled, func(table string, copied, _ int) {
		o.report(PhaseCopy, "copying "+table, int64(copied), nil, nil)
	})
	for _, st := range stats {
		if st.Skipped > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %d row(s) skipped, see migration_metadata", st.Table, st.Skipped))
		}
	}
	if err != nil {
		return o.handleFailure(ctx, *phase, result, Classify(err, ClassifyContext{Phase: *phase}), backups)
	}
	if o.cancelled() {
		return o.handleFailure(ctx, *phase, result, apperr.New(apperr.KindTimeout, apperr.SeverityWarn, apperr.DirectiveRollback,
			"Migration was cancelled.", "cancellation observed during copy", nil), backups)
	}
	o.checkpointPhase(ctx, unifiedHandle, PhaseCopy)

	*phase = PhaseValidate
	o.report(*phase, "validating unified store", 0, nil, nil)
	validateCtx, cancelValidate := context.WithTimeout(ctx, nonZero(o.cfg.ValidateTimeout, 10*time.Minute))
	defer cancelValidate()

	validator := NewValidator(unifiedHandle, schemaMgr, o.cfg.VectorDimension, o.logger.With(logging.String("component", "validator")))
	report, err := validator.Validate(validateCtx, o.cancelled)
	if err != nil {
		return o.handleFailure(ctx, *phase, result, Classify(err, ClassifyContext{Phase: *phase}), backups)
	}
	if o.cancelled() {
		return o.handleFailure(ctx, *phase, result, apperr.New(apperr.KindTimeout, apperr.SeverityWarn, apperr.DirectiveRollback,
			"Migration was cancelled.", "cancellation observed during validation", nil), backups)
	}
	if !report.Passed() {
		for _, f := range report.Failures() {
			result.Errors = append(result.Errors, f.Message)
		}
		me := ClassifyValidationFailure(report.Failures()[0], categoryOf(report))
		return o.handleFailure(ctx, *phase, result, me, backups)
	}
	o.checkpointPhase(ctx, unifiedHandle, PhaseValidate)

	*phase = PhaseFinalize
	o.report(*phase, "archiving legacy files", 0, nil, nil)
	if err := o.finalize(backups); err != nil {
		return o.handleFailure(ctx, *phase, result, Classify(err, ClassifyContext{Phase: *phase}), backups)
	}
	o.checkpointPhase(ctx, unifiedHandle, PhaseFinalize)

	*phase = PhaseDone
	result.Success = true
	result.Phase = PhaseDone
	valid := true
	result.SystemStateValid = &valid
	o.report(*phase, "migration complete", 100, nil, nil)
	return result
}

// checkpointPhase durably records the last completed phase in
// migration_metadata, so a crashed run can resume at a phase boundary.
func (o *Orchestrator) checkpointPhase(ctx context.Context, handle storedriver.Handle, phase Phase) {
	err := handle.Exec(ctx,
		`INSERT INTO migration_metadata(key, value, created_at) VALUES ('phase', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		string(phase), time.Now().UnixMilli())
	if err != nil {
		o.logger.Warn("could not checkpoint phase", logging.String("phase", string(phase)))
	}
}

// createBackupsWithRetry wraps BackupManager.CreateBackups with
// BACKUP_FAILED's retry-once-then-abort policy. The run's backup breaker
// accounts every attempt; once open, further attempts short-circuit.
func (o *Orchestrator) createBackupsWithRetry(ctx context.Context, mgr *BackupManager, files []LegacyFile) ([]Backup, error) {
	if !o.backupBreaker.Allow() {
		return nil, fmt.Errorf("backup failed repeatedly in this run, not retrying")
	}
	backups, err := mgr.CreateBackups(files)
	o.backupBreaker.RecordResult(err)
	if err == nil {
		return backups, nil
	}

	policy, _ := RetryPolicyFor(apperr.KindBackupFailed)
	retryer := apperr.NewRetryer(policy)
	var lastBackups []Backup
	retryErr := retryer.Execute(ctx, func() error {
		if !o.backupBreaker.Allow() {
			return fmt.Errorf("backup failed repeatedly in this run, not retrying")
		}
		var innerErr error
		lastBackups, innerErr = mgr.CreateBackups(files)
		o.backupBreaker.RecordResult(innerErr)
		return innerErr
	})
	if retryErr != nil {
		return lastBackups, retryErr
	}
	return lastBackups, nil
}

// handleFailure consults the classifier's directive and acts on it:
// rollback invokes the Rollback Engine with the backups from BACKUP,
// abort/manual/fatal propagate the result. Only backup creation retries
// (createBackupsWithRetry); a retry directive that reaches here from any
// other phase is not retried and ends the run as ABORTED.
func (o *Orchestrator) handleFailure(ctx context.Context, phase Phase, result Result, me *apperr.MigrationError, backups []Backup) Result {
	result.Errors = append(result.Errors, me.UserMessage)

	switch me.Directive {
	case apperr.DirectiveRollback:
		rollbackEngine := NewRollbackEngine(
			NewBackupManager(o.cfg.BackupRoot, o.cfg.BackupTimestamp, o.cfg.BackupVerify, o.logger),
			o.cfg.UserDataRoot, o.cfg.RowStoreDir, o.cfg.VectorStoreDir, o.cfg.UnifiedFile,
			map[LegacyKind]storedriver.Driver{KindRowStore: o.cfg.RowStoreDriver, KindVectorStore: o.cfg.VectorDriver},
			o.cfg.UnifiedDriver, o.logger.With(logging.String("component", "rollback")))

		rbResult, rbErr := rollbackEngine.ExecuteRollback(ctx, backups, RollbackOptions{Snapshot: true, ContinueOnError: true},
			func(step string) { o.report(PhaseRollback, step, 0, nil, nil) })
		if rbErr != nil || !rbResult.Success {
			result.Errors = append(result.Errors, rbResult.Errors...)
			result.Phase = PhaseAborted
			result.Success = false
			fatal := apperr.New(apperr.KindRollbackFailed, apperr.SeverityFatal, apperr.DirectiveAbort,
				apperr.UserMessage(apperr.KindRollbackFailed), "rollback", rbErr)
			result.Errors = append(result.Errors, fatal.UserMessage)
			return result
		}
		result.Phase = PhaseRollback
		result.Success = false
		restored := rbResult.FilesRestored
		result.FilesRestored = &restored
		valid := rbResult.SystemStateValid
		result.SystemStateValid = &valid
		return result

	case apperr.DirectiveManual:
		result.Phase = phase
		result.Success = false
		return result

	default: // abort, skip-at-top-level, fatal
		result.Phase = PhaseAborted
		result.Success = false
		return result
	}
}

func (o *Orchestrator) fail(phase Phase, result Result, err error) Result {
	me := Classify(err, ClassifyContext{Phase: phase})
	result.Errors = append(result.Errors, me.UserMessage)
	result.Phase = PhaseAborted
	result.Success = false
	return result
}

// finalize moves the backup set into the archive subtree, ending the
// backups' lifetime. A dry run instead deletes the scratch target and
// leaves the backups where they are, since no real migration happened.
func (o *Orchestrator) finalize(backups []Backup) error {
	if o.cfg.DryRun {
		return os.Remove(o.cfg.UnifiedFile)
	}
	archiveDir := filepath.Join(o.cfg.BackupRoot, "archive")
	return moveBackupsTo(archiveDir, backups)
}

// openSource opens one legacy source read-only. An empty path means no
// file of that legacy kind passed the magic check (pickPath never picks a
// wrong-magic file); an empty in-memory store stands in
// so the Copy Engine sees zero rows rather than a missing file.
func (o *Orchestrator) openSource(ctx context.Context, driver storedriver.Driver, path string) (storedriver.Handle, error) {
	if path == "" {
		return storedriver.NewInMemoryVectorStore().Open(ctx, "", storedriver.OpenOptions{ReadOnly: true})
	}
	return driver.Open(ctx, path, storedriver.OpenOptions{ReadOnly: true})
}

func (o *Orchestrator) pickPath(files []LegacyFile) string {
	for _, f := range files {
		if f.MagicOK {
			return f.Path
		}
	}
	return ""
}

func (o *Orchestrator) report(phase Phase, step string, processed int64, errs, warnings []string) {
	o.monitor.Report(phase, step, processed, errs, warnings)
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func categoryOf(report ValidationReport) string {
	for _, f := range report.Structure {
		if !f.Passed && f.Severity == "error" {
			return "structure"
		}
	}
	for _, f := range report.Relationships {
		if !f.Passed && f.Severity == "error" {
			return "relationships"
		}
	}
	return "data"
}
