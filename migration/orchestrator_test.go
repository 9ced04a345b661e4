package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richblack/storemigrator/storedriver"
)

func legacyRowStoreFile(t *testing.T, dir string) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(dir, "app.db")
	driver := &storedriver.SQLiteDriver{}
	h, err := driver.Open(ctx, path, storedriver.OpenOptions{})
	require.NoError(t, err)
	seedRowStore(t, h)
	require.NoError(t, h.Close())
	return path
}

func legacyVectorStoreFile(t *testing.T, dir string, dimension int) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(dir, "vectors.duckdb")
	driver := &storedriver.SQLiteDriver{}
	h, err := driver.Open(ctx, path, storedriver.OpenOptions{})
	require.NoError(t, err)
	seedVectorStore(t, h, dimension)
	require.NoError(t, h.Close())
	return path
}

func TestOrchestrator_Run_HappyPathCompletesAndArchives(t *testing.T) {
	userDataRoot := t.TempDir()
	rowDir := filepath.Join(userDataRoot, "rowstore")
	vectorDir := filepath.Join(userDataRoot, "vectorstore")
	backupRoot := filepath.Join(userDataRoot, "backups")
	require.NoError(t, os.MkdirAll(rowDir, 0o755))
	require.NoError(t, os.MkdirAll(vectorDir, 0o755))

	// Both legacy fixtures are real SQLite files. The row file carries the
	// expected row-store magic on its own; the vector fixture keeps the
	// .duckdb name but fails the DUCK magic check and is carried through
	// the run as a reported, non-driving file.
	legacyRowStoreFile(t, rowDir)
	legacyVectorStoreFile(t, vectorDir, 4)

	sqliteDriver := &storedriver.SQLiteDriver{}
	cfg := OrchestratorConfig{
		UserDataRoot:     userDataRoot,
		RowStoreDir:      rowDir,
		VectorStoreDir:   vectorDir,
		BackupRoot:       backupRoot,
		UnifiedFile:      filepath.Join(userDataRoot, "unified.db"),
		BatchSize:        10,
		VectorDimension:  4,
		BackupVerify:     true,
		MaxFileSizeBytes: 10_000_000,
		SoftWarnBytes:    5_000_000,
		RowStoreDriver:   sqliteDriver,
		VectorDriver:     sqliteDriver,
		UnifiedDriver:    sqliteDriver,
	}

	var progress []MigrationProgress
	orch := NewOrchestrator(cfg, func(p MigrationProgress) { progress = append(progress, p) }, nil)
	result := orch.Run(context.Background())

	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Equal(t, PhaseDone, result.Phase)
	assert.NotEmpty(t, progress)

	assert.DirExists(t, filepath.Join(backupRoot, "archive"))
	entries, err := os.ReadDir(filepath.Join(backupRoot, "archive"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestOrchestrator_Run_NoLegacyFilesIsDoneImmediately(t *testing.T) {
	userDataRoot := t.TempDir()
	rowDir := filepath.Join(userDataRoot, "rowstore")
	vectorDir := filepath.Join(userDataRoot, "vectorstore")
	require.NoError(t, os.MkdirAll(rowDir, 0o755))
	require.NoError(t, os.MkdirAll(vectorDir, 0o755))

	sqliteDriver := &storedriver.SQLiteDriver{}
	cfg := OrchestratorConfig{
		UserDataRoot:     userDataRoot,
		RowStoreDir:      rowDir,
		VectorStoreDir:   vectorDir,
		BackupRoot:       filepath.Join(userDataRoot, "backups"),
		UnifiedFile:      filepath.Join(userDataRoot, "unified.db"),
		MaxFileSizeBytes: 10_000_000,
		SoftWarnBytes:    5_000_000,
		RowStoreDriver:   sqliteDriver,
		VectorDriver:     sqliteDriver,
		UnifiedDriver:    sqliteDriver,
	}

	orch := NewOrchestrator(cfg, nil, nil)
	result := orch.Run(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, PhaseDone, result.Phase)
}

func TestOrchestrator_Run_SecondConcurrentRunFailsToLock(t *testing.T) {
	userDataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(userDataRoot, "rowstore"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(userDataRoot, "vectorstore"), 0o755))

	sqliteDriver := &storedriver.SQLiteDriver{}
	cfg := OrchestratorConfig{
		UserDataRoot:     userDataRoot,
		RowStoreDir:      filepath.Join(userDataRoot, "rowstore"),
		VectorStoreDir:   filepath.Join(userDataRoot, "vectorstore"),
		BackupRoot:       filepath.Join(userDataRoot, "backups"),
		UnifiedFile:      filepath.Join(userDataRoot, "unified.db"),
		MaxFileSizeBytes: 10_000_000,
		SoftWarnBytes:    5_000_000,
		RowStoreDriver:   sqliteDriver,
		VectorDriver:     sqliteDriver,
		UnifiedDriver:    sqliteDriver,
	}

	lockPath := filepath.Join(userDataRoot, ".migration.lock")
	holder := flock.New(lockPath)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Unlock()

	orch := NewOrchestrator(cfg, nil, nil)
	result := orch.Run(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Errors[0], "already in progress")
}

func TestOrchestrator_Cancel_SetsCancelledFlag(t *testing.T) {
	orch := NewOrchestrator(OrchestratorConfig{}, nil, nil)
	assert.False(t, orch.cancelled())
	orch.Cancel()
	assert.True(t, orch.cancelled())
}
