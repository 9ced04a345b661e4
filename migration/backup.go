package migration

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/richblack/storemigrator/logging"
)

// manifestFileName is the sidecar listing every backup in one set, kept
// alongside the copies inside the set's timestamped directory.
const manifestFileName = "manifest.json"

// backupSetTimestampLayout names one backup set's directory under the
// backup root.
const backupSetTimestampLayout = "2006-01-02T150405"

// kindSubdir maps a legacy kind to its subdirectory inside a backup set.
func kindSubdir(kind LegacyKind) string {
	if kind == KindVectorStore {
		return "vector"
	}
	return "row"
}

// BackupManager is C2: makes verified, checksummed copies of legacy files
// before anything destructive happens, and can restore them.
type BackupManager struct {
	backupRoot       string
	includeTimestamp bool
	verify           bool
	logger           logging.Logger
}

// NewBackupManager builds a BackupManager rooted at backupRoot.
func NewBackupManager(backupRoot string, includeTimestamp, verify bool, logger logging.Logger) *BackupManager {
	if logger == nil {
		logger = logging.Default("backup")
	}
	return &BackupManager{
		backupRoot:       backupRoot,
		includeTimestamp: includeTimestamp,
		verify:           verify,
		logger:           logger,
	}
}

// CreateBackups copies every given legacy file into a fresh timestamped
// set directory under the backup root, one subdirectory per kind,
// computing a streaming SHA-256 checksum as it copies. A failed copy is
// deleted before the error is returned, so the set never holds a partial
// file. The set's manifest is written last, once every copy succeeded.
func (b *BackupManager) CreateBackups(files []LegacyFile) ([]Backup, error) {
	setDir := filepath.Join(b.backupRoot, time.Now().Format(backupSetTimestampLayout))
	if !b.includeTimestamp {
		setDir = filepath.Join(b.backupRoot, "current")
	}
	if err := os.MkdirAll(setDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup set dir: %w", err)
	}

	backups := make([]Backup, 0, len(files))
	for _, f := range files {
		backup, err := b.backupOne(setDir, f)
		if err != nil {
			b.logger.Error("backup failed", err, logging.String("path", f.Path))
			return backups, fmt.Errorf("backup %s: %w", f.Path, err)
		}
		backups = append(backups, backup)
	}

	if err := writeManifest(setDir, backups); err != nil {
		return backups, fmt.Errorf("write manifest: %w", err)
	}
	return backups, nil
}

func (b *BackupManager) backupOne(setDir string, f LegacyFile) (Backup, error) {
	destDir := filepath.Join(setDir, kindSubdir(f.Kind))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Backup{}, err
	}
	destPath := filepath.Join(destDir, filepath.Base(f.Path))

	src, err := os.Open(f.Path)
	if err != nil {
		return Backup{}, err
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Backup{}, err
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		dst.Close()
		os.Remove(destPath)
		return Backup{}, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(destPath)
		return Backup{}, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(destPath)
		return Backup{}, err
	}

	checksum := fmt.Sprintf("%x", hasher.Sum(nil))
	backup := Backup{
		ID:           uuid.NewString(),
		Kind:         f.Kind,
		OriginalPath: f.Path,
		BackupPath:   destPath,
		Size:         size,
		CreatedAt:    time.Now(),
		Checksum:     checksum,
		Valid:        true,
	}

	if b.verify {
		ok, err := b.Verify(backup)
		if err != nil {
			os.Remove(destPath)
			return backup, err
		}
		backup.Valid = ok
		if !ok {
			os.Remove(destPath)
			return backup, fmt.Errorf("backup verification failed for %s", f.Path)
		}
	}

	b.logger.Info("backup created",
		logging.String("original", f.Path),
		logging.String("backup", destPath),
		logging.Int64("size", size))

	return backup, nil
}

// Verify re-reads a backup file and confirms its checksum still matches.
func (b *BackupManager) Verify(backup Backup) (bool, error) {
	f, err := os.Open(backup.BackupPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, err
	}
	actual := fmt.Sprintf("%x", hasher.Sum(nil))
	return actual == backup.Checksum, nil
}

// Restore copies a backup back to its original path. The destination is
// written to a sibling temp file first and renamed into place, so a crash
// mid-restore never leaves a half-written original file.
func (b *BackupManager) Restore(backup Backup) error {
	if ok, err := b.Verify(backup); err != nil {
		return fmt.Errorf("verify backup before restore: %w", err)
	} else if !ok {
		return fmt.Errorf("backup %s failed checksum verification, refusing to restore", backup.ID)
	}

	if err := os.MkdirAll(filepath.Dir(backup.OriginalPath), 0o755); err != nil {
		return err
	}

	tmpPath := backup.OriginalPath + ".restoring.tmp"
	src, err := os.Open(backup.BackupPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, backup.OriginalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic rename into place: %w", err)
	}

	b.logger.Info("restored backup",
		logging.String("backup_id", backup.ID),
		logging.String("original", backup.OriginalPath))
	return nil
}

// List walks every set directory under the backup root and reconstructs
// the Backup records from each set's manifest, newest set first.
func (b *BackupManager) List() ([]Backup, error) {
	entries, err := os.ReadDir(b.backupRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var setDirs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "archive" {
			setDirs = append(setDirs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(setDirs)))

	var all []Backup
	for _, dir := range setDirs {
		path := filepath.Join(b.backupRoot, dir, manifestFileName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var backups []Backup
		if err := json.Unmarshal(data, &backups); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		all = append(all, backups...)
	}
	return all, nil
}

func writeManifest(setDir string, backups []Backup) error {
	data, err := json.MarshalIndent(backups, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(setDir, manifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// moveBackupsTo moves every backup's file into archiveDir, ending its
// lifetime once FINALIZE has succeeded. Called by the Orchestrator after
// VALIDATE passes.
func moveBackupsTo(archiveDir string, backups []Backup) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	for _, b := range backups {
		dest := filepath.Join(archiveDir, filepath.Base(b.BackupPath))
		if err := os.Rename(b.BackupPath, dest); err != nil {
			return fmt.Errorf("archive backup %s: %w", b.ID, err)
		}
	}
	return nil
}
