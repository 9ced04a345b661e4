package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackEngine_ExecuteRollback_RestoresFiles(t *testing.T) {
	userDataRoot := t.TempDir()
	rowDir := filepath.Join(userDataRoot, "rowstore")
	vectorDir := filepath.Join(userDataRoot, "vectorstore")
	backupDir := filepath.Join(userDataRoot, "backups")
	require.NoError(t, os.MkdirAll(rowDir, 0o755))
	require.NoError(t, os.MkdirAll(vectorDir, 0o755))

	rowPath := writeFile(t, rowDir, "app.db", []byte("original row data"))
	// A vector store must also be present for the restored state to count
	// as consistent; it is left untouched and not part of the backup.
	writeFile(t, vectorDir, "vectors.duckdb", []byte("vector data"))

	backupMgr := NewBackupManager(backupDir, false, true, nil)
	backups, err := backupMgr.CreateBackups([]LegacyFile{{Path: rowPath, Kind: KindRowStore, Size: 17}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(rowPath, []byte("corrupted mid-migration"), 0o644))

	engine := NewRollbackEngine(backupMgr, userDataRoot, rowDir, vectorDir, filepath.Join(userDataRoot, "unified.db"), nil, nil, nil)

	var steps []string
	result, err := engine.ExecuteRollback(context.Background(), backups, RollbackOptions{Snapshot: true, ContinueOnError: true}, func(step string) {
		steps = append(steps, step)
	})
	require.NoError(t, err)
	assert.True(t, result.Success, "errors: %v", result.Errors)
	assert.Equal(t, 1, result.FilesRestored)
	assert.Equal(t, []string{"validation", "pre-rollback snapshot", "restoration", "verification", "cleanup"}, steps)

	restored, err := os.ReadFile(rowPath)
	require.NoError(t, err)
	assert.Equal(t, "original row data", string(restored))

	points, err := engine.ListRecoveryPoints()
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "pre-rollback", points[0].Description)
}

func TestRollbackEngine_CreateRecoveryPoint_CapsAtMax(t *testing.T) {
	userDataRoot := t.TempDir()
	backupMgr := NewBackupManager(filepath.Join(userDataRoot, "backups"), false, false, nil)
	engine := NewRollbackEngine(backupMgr, userDataRoot, "", "", "", nil, nil, nil)

	ctx := context.Background()
	for i := 0; i < maxRecoveryPoints+5; i++ {
		_, err := engine.CreateRecoveryPoint(ctx, "snap", SystemState{}, nil)
		require.NoError(t, err)
	}

	points, err := engine.ListRecoveryPoints()
	require.NoError(t, err)
	assert.Len(t, points, maxRecoveryPoints)
}

func TestRollbackEngine_RecoverPartial_UnknownIDErrors(t *testing.T) {
	userDataRoot := t.TempDir()
	backupMgr := NewBackupManager(filepath.Join(userDataRoot, "backups"), false, false, nil)
	engine := NewRollbackEngine(backupMgr, userDataRoot, "", "", "", nil, nil, nil)

	_, err := engine.RecoverPartial(context.Background(), "rp_does_not_exist", RollbackOptions{})
	require.Error(t, err)
}

func TestRollbackEngine_CaptureSystemState_ConsistentWhenFilesPresent(t *testing.T) {
	userDataRoot := t.TempDir()
	rowDir := filepath.Join(userDataRoot, "rowstore")
	vectorDir := filepath.Join(userDataRoot, "vectorstore")
	require.NoError(t, os.MkdirAll(rowDir, 0o755))
	require.NoError(t, os.MkdirAll(vectorDir, 0o755))
	writeFile(t, rowDir, "app.db", []byte("row data"))
	writeFile(t, vectorDir, "vec.duckdb", []byte("vector data"))

	backupMgr := NewBackupManager(filepath.Join(userDataRoot, "backups"), false, false, nil)
	engine := NewRollbackEngine(backupMgr, userDataRoot, rowDir, vectorDir, filepath.Join(userDataRoot, "unified.db"), nil, nil, nil)

	state := engine.CaptureSystemState(context.Background())
	assert.True(t, state.IsConsistent)
	assert.Len(t, state.DatabaseFiles, 2)
}

func TestRollbackEngine_CaptureSystemState_InconsistentWhenEmpty(t *testing.T) {
	userDataRoot := t.TempDir()
	rowDir := filepath.Join(userDataRoot, "rowstore")
	vectorDir := filepath.Join(userDataRoot, "vectorstore")
	require.NoError(t, os.MkdirAll(rowDir, 0o755))
	require.NoError(t, os.MkdirAll(vectorDir, 0o755))

	backupMgr := NewBackupManager(filepath.Join(userDataRoot, "backups"), false, false, nil)
	engine := NewRollbackEngine(backupMgr, userDataRoot, rowDir, vectorDir, filepath.Join(userDataRoot, "unified.db"), nil, nil, nil)

	state := engine.CaptureSystemState(context.Background())
	assert.False(t, state.IsConsistent)
}
