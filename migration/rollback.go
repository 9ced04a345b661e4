package migration

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/richblack/storemigrator/logging"
	"github.com/richblack/storemigrator/storedriver"
)

const recoveryPointsFileName = "recovery_points.json"

// Version is the migrator's release version, stamped into every captured
// SystemState. Overridable at build time:
// -ldflags "-X github.com/richblack/storemigrator/migration.Version=v1.2.3".
var Version = "dev"

// maxRecoveryPoints caps the persisted list, newest first.
const maxRecoveryPoints = 10

// RollbackOptions configures ExecuteRollback.
type RollbackOptions struct {
	Snapshot        bool
	ContinueOnError bool
}

// RollbackEngine is C7: restores the pre-migration disk state from
// backups and manages named recovery points.
type RollbackEngine struct {
	backupMgr         *BackupManager
	userDataRoot      string
	recoveryPointsDir string
	rowStoreDir       string
	vectorStoreDir    string
	unifiedFile       string
	openers           map[LegacyKind]storedriver.Driver
	unifiedDriver     storedriver.Driver
	logger            logging.Logger
}

// NewRollbackEngine builds a RollbackEngine. openers supplies a read-only
// opener per legacy kind, used by CaptureSystemState's per-file open
// test; unifiedDriver does the same for the unified target.
func NewRollbackEngine(backupMgr *BackupManager, userDataRoot, rowStoreDir, vectorStoreDir, unifiedFile string,
	openers map[LegacyKind]storedriver.Driver, unifiedDriver storedriver.Driver, logger logging.Logger) *RollbackEngine {
	if logger == nil {
		logger = logging.Default("rollback")
	}
	return &RollbackEngine{
		backupMgr:         backupMgr,
		userDataRoot:      userDataRoot,
		recoveryPointsDir: userDataRoot,
		rowStoreDir:       rowStoreDir,
		vectorStoreDir:    vectorStoreDir,
		unifiedFile:       unifiedFile,
		openers:           openers,
		unifiedDriver:     unifiedDriver,
		logger:            logger,
	}
}

// ExecuteRollback restores the pre-migration disk state in five steps
// (validation, snapshot, restoration, verification, cleanup), emitting
// progress via onProgress as each step begins; the snapshot step runs and
// is reported only when opts.Snapshot is set.
func (r *RollbackEngine) ExecuteRollback(ctx context.Context, backups []Backup, opts RollbackOptions, onProgress func(step string)) (RollbackResult, error) {
	result := RollbackResult{}

	report := func(step string) {
		r.logger.Info("rollback step", logging.String("step", step))
		if onProgress != nil {
			onProgress(step)
		}
	}

	// 1. validation
	report("validation")
	for _, b := range backups {
		ok, err := r.backupMgr.Verify(b)
		if err != nil || !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("backup %s failed re-verification", b.ID))
		}
	}
	for _, dir := range restoreTargetDirs(backups) {
		if err := dirWritable(dir); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restore target %s is not writable: %v", dir, err))
		}
	}
	if free, err := freeDiskBytes(r.userDataRoot); err == nil {
		var total int64
		for _, b := range backups {
			total += b.Size
		}
		if free < int64(float64(total)*1.5) {
			result.Errors = append(result.Errors, "insufficient free disk space for rollback")
		}
	} else {
		r.logger.Warn("disk space pre-check unavailable, skipped", logging.String("reason", err.Error()))
	}
	if len(result.Errors) > 0 && !opts.ContinueOnError {
		return result, nil
	}

	// 2. pre-rollback snapshot
	var recoveryPointID string
	if opts.Snapshot {
		report("pre-rollback snapshot")
		state := r.CaptureSystemState(ctx)
		id, err := r.CreateRecoveryPoint(ctx, "pre-rollback", state, backups)
		if err != nil {
			result.Errors = append(result.Errors, "could not create pre-rollback recovery point: "+err.Error())
		} else {
			recoveryPointID = id
		}
	}
	result.RecoveryPointID = recoveryPointID

	// 3. restoration
	report("restoration")
	restored := 0
	for _, b := range backups {
		if err := r.backupMgr.Restore(b); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restore %s: %v", b.OriginalPath, err))
			if !opts.ContinueOnError {
				result.FilesRestored = restored
				return result, nil
			}
			continue
		}
		restored++
	}
	result.FilesRestored = restored

	// 4. verification
	report("verification")
	state := r.CaptureSystemState(ctx)
	result.SystemStateValid = state.IsConsistent
	if !state.IsConsistent {
		result.Errors = append(result.Errors, "system state is not consistent after restoration")
	}

	// 5. cleanup
	report("cleanup")
	r.cleanupTransientArtifacts()

	result.Success = len(result.Errors) == 0
	return result, nil
}

// RecoverPartial looks up a recovery point and restores its backups.
func (r *RollbackEngine) RecoverPartial(ctx context.Context, recoveryPointID string, opts RollbackOptions) (RollbackResult, error) {
	points, err := r.ListRecoveryPoints()
	if err != nil {
		return RollbackResult{}, err
	}

	var found *RecoveryPoint
	for i := range points {
		if points[i].ID == recoveryPointID {
			found = &points[i]
			break
		}
	}
	if found == nil {
		return RollbackResult{}, fmt.Errorf("recovery point %s not found", recoveryPointID)
	}
	if !found.CanRestore {
		return RollbackResult{}, fmt.Errorf("recovery point %s has no associated backups and cannot restore", recoveryPointID)
	}
	if time.Since(found.Timestamp) > 30*24*time.Hour {
		r.logger.Warn("recovery point is stale", logging.String("id", recoveryPointID), logging.String("age", time.Since(found.Timestamp).String()))
	}

	return r.ExecuteRollback(ctx, found.Backups, opts, nil)
}

// CreateRecoveryPoint appends a new recovery point to the on-disk list,
// trimming to the newest maxRecoveryPoints.
func (r *RollbackEngine) CreateRecoveryPoint(ctx context.Context, description string, state SystemState, backups []Backup) (string, error) {
	id := fmt.Sprintf("rp_%d_%04d", time.Now().UnixNano(), rand.Intn(10000))

	point := RecoveryPoint{
		ID:             id,
		Timestamp:      time.Now(),
		Description:    description,
		SystemState:    state,
		Backups:        backups,
		MigrationPhase: PhaseRollback,
		// A point with no backups has nothing to restore from.
		CanRestore: len(backups) > 0,
	}

	points, err := r.ListRecoveryPoints()
	if err != nil {
		return "", err
	}
	points = append([]RecoveryPoint{point}, points...)
	if len(points) > maxRecoveryPoints {
		points = points[:maxRecoveryPoints]
	}

	if err := r.writeRecoveryPoints(points); err != nil {
		return "", err
	}
	return id, nil
}

// ListRecoveryPoints reads the persisted list, newest first.
func (r *RollbackEngine) ListRecoveryPoints() ([]RecoveryPoint, error) {
	path := filepath.Join(r.recoveryPointsDir, recoveryPointsFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var points []RecoveryPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parse recovery points: %w", err)
	}
	return points, nil
}

// writeRecoveryPoints rewrites the file atomically, write-temp-then-rename.
func (r *RollbackEngine) writeRecoveryPoints(points []RecoveryPoint) error {
	data, err := json.MarshalIndent(points, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.recoveryPointsDir, recoveryPointsFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CaptureSystemState walks the configured database directories and any
// config files, recording per-file checksum and validity. A file is valid
// when its driver can open it read-only and answer a trivial query.
func (r *RollbackEngine) CaptureSystemState(ctx context.Context) SystemState {
	state := SystemState{Timestamp: time.Now(), AppVersion: Version}

	rowInfo := r.captureOne(ctx, r.rowStoreDir, KindRowStore)
	vectorInfo := r.captureOne(ctx, r.vectorStoreDir, KindVectorStore)
	state.DatabaseFiles = append(state.DatabaseFiles, rowInfo...)
	state.DatabaseFiles = append(state.DatabaseFiles, vectorInfo...)

	unifiedExists := false
	if info, err := os.Stat(r.unifiedFile); err == nil && !info.IsDir() {
		unifiedExists = true
		valid := r.canOpen(ctx, r.unifiedDriver, r.unifiedFile)
		checksum, _ := fileChecksum(r.unifiedFile)
		state.DatabaseFiles = append(state.DatabaseFiles, DatabaseFileInfo{
			Path: r.unifiedFile, Kind: KindUnified, Size: info.Size(),
			LastModified: info.ModTime(), Checksum: checksum, Exists: true, IsValid: valid,
		})
	}

	state.ConfigFiles = r.captureConfigFiles()

	rowPresent := anyExists(rowInfo) || unifiedExists
	vectorPresent := anyExists(vectorInfo) || unifiedExists
	noBadFile := true
	for _, f := range state.DatabaseFiles {
		if f.Exists && !f.IsValid {
			noBadFile = false
			state.ValidationErrors = append(state.ValidationErrors, f.Path+" failed its open test")
		}
	}

	state.IsConsistent = rowPresent && vectorPresent && noBadFile
	return state
}

func (r *RollbackEngine) captureOne(ctx context.Context, dir string, kind LegacyKind) []DatabaseFileInfo {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []DatabaseFileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		checksum, _ := fileChecksum(path)
		driver := r.openers[kind]
		valid := r.canOpen(ctx, driver, path)
		out = append(out, DatabaseFileInfo{
			Path: path, Kind: kind, Size: info.Size(), LastModified: info.ModTime(),
			Checksum: checksum, Exists: true, IsValid: valid,
		})
	}
	return out
}

// configFileSuffixes identifies config files under the user-data root by
// extension.
var configFileSuffixes = []string{".json", ".yaml", ".yml", ".env", ".toml"}

func (r *RollbackEngine) captureConfigFiles() []ConfigFileInfo {
	entries, err := os.ReadDir(r.userDataRoot)
	if err != nil {
		return nil
	}

	var out []ConfigFileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matched := false
		for _, suffix := range configFileSuffixes {
			if strings.HasSuffix(e.Name(), suffix) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ConfigFileInfo{
			Path:         filepath.Join(r.userDataRoot, e.Name()),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return out
}

func (r *RollbackEngine) canOpen(ctx context.Context, driver storedriver.Driver, path string) bool {
	if driver == nil {
		return true
	}
	h, err := driver.Open(ctx, path, storedriver.OpenOptions{ReadOnly: true})
	if err != nil {
		return false
	}
	defer h.Close()
	_, err = h.Query(ctx, `SELECT 1`)
	return err == nil
}

// restoreTargetDirs collects the distinct directories the backups restore
// into, in first-seen order.
func restoreTargetDirs(backups []Backup) []string {
	seen := make(map[string]bool, len(backups))
	var dirs []string
	for _, b := range backups {
		dir := filepath.Dir(b.OriginalPath)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// dirWritable probes dir by creating and removing a temp file. Restores
// go through a sibling temp file and rename, so creating a file in the
// directory is exactly the permission the restore step needs.
func dirWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".rollback-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func anyExists(files []DatabaseFileInfo) bool {
	for _, f := range files {
		if f.Exists {
			return true
		}
	}
	return false
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// cleanupTransientArtifacts removes scratch target files and partial
// copies left anywhere under the user-data root.
func (r *RollbackEngine) cleanupTransientArtifacts() {
	_ = filepath.WalkDir(r.userDataRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".restoring.tmp") || strings.Contains(name, ".scratch.") {
			_ = os.Remove(path)
		}
		return nil
	})
}
