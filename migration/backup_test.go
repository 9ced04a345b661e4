package migration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupManager_CreateBackupsAndRestore(t *testing.T) {
	srcDir := t.TempDir()
	backupDir := t.TempDir()

	srcPath := writeFile(t, srcDir, "app.db", []byte("original contents"))

	mgr := NewBackupManager(backupDir, false, true, nil)
	backups, err := mgr.CreateBackups([]LegacyFile{{Path: srcPath, Kind: KindRowStore, Size: 18}})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, backups[0].Valid)
	assert.FileExists(t, backups[0].BackupPath)

	ok, err := mgr.Verify(backups[0])
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(srcPath, []byte("corrupted!"), 0o644))
	require.NoError(t, mgr.Restore(backups[0]))

	restored, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	assert.Equal(t, "original contents", string(restored))
}

func TestBackupManager_List_PersistsAcrossManagers(t *testing.T) {
	srcDir := t.TempDir()
	backupDir := t.TempDir()
	srcPath := writeFile(t, srcDir, "vec.duckdb", []byte("vector data"))

	mgr := NewBackupManager(backupDir, false, false, nil)
	_, err := mgr.CreateBackups([]LegacyFile{{Path: srcPath, Kind: KindVectorStore, Size: 11}})
	require.NoError(t, err)

	mgr2 := NewBackupManager(backupDir, false, false, nil)
	backups, err := mgr2.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, KindVectorStore, backups[0].Kind)
}

func TestBackupManager_List_EmptyWhenNoManifest(t *testing.T) {
	mgr := NewBackupManager(t.TempDir(), false, false, nil)
	backups, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestBackupManager_Restore_RefusesOnChecksumMismatch(t *testing.T) {
	srcDir := t.TempDir()
	backupDir := t.TempDir()
	srcPath := writeFile(t, srcDir, "app.db", []byte("original"))

	mgr := NewBackupManager(backupDir, false, true, nil)
	backups, err := mgr.CreateBackups([]LegacyFile{{Path: srcPath, Kind: KindRowStore, Size: 8}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(backups[0].BackupPath, []byte("tampered"), 0o644))

	err = mgr.Restore(backups[0])
	require.Error(t, err)
}

func TestMoveBackupsTo_ArchivesFiles(t *testing.T) {
	srcDir := t.TempDir()
	backupDir := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "archive")
	srcPath := writeFile(t, srcDir, "app.db", []byte("data"))

	mgr := NewBackupManager(backupDir, false, false, nil)
	backups, err := mgr.CreateBackups([]LegacyFile{{Path: srcPath, Kind: KindRowStore, Size: 4}})
	require.NoError(t, err)

	require.NoError(t, moveBackupsTo(archiveDir, backups))
	assert.NoFileExists(t, backups[0].BackupPath)
	assert.FileExists(t, filepath.Join(archiveDir, filepath.Base(backups[0].BackupPath)))
}
