package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richblack/storemigrator/apperr"
	"github.com/richblack/storemigrator/storedriver"
)

func openLegacyHandle(t *testing.T, name string) storedriver.Handle {
	t.Helper()
	driver := &storedriver.SQLiteDriver{}
	h, err := driver.Open(context.Background(), filepath.Join(t.TempDir(), name), storedriver.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func seedRowStore(t *testing.T, h storedriver.Handle) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.Exec(ctx, `CREATE TABLE conversations (
		id TEXT PRIMARY KEY, title TEXT, createdAt INTEGER, updatedAt INTEGER,
		isPinned INTEGER, isNew INTEGER)`))
	require.NoError(t, h.Exec(ctx, `CREATE TABLE messages (
		id TEXT PRIMARY KEY, conversationId TEXT, parentId TEXT, role TEXT, content TEXT,
		createdAt INTEGER, orderSeq INTEGER, tokenCount INTEGER, status TEXT, metadata TEXT,
		isContextEdge INTEGER, isVariant INTEGER)`))
	require.NoError(t, h.Exec(ctx, `CREATE TABLE message_attachments (
		id TEXT PRIMARY KEY, messageId TEXT, attachmentType TEXT, attachmentData TEXT,
		createdAt INTEGER, metadata TEXT)`))

	require.NoError(t, h.Exec(ctx, `INSERT INTO conversations(id, title, createdAt, updatedAt, isPinned, isNew) VALUES
		('c1', 'first chat', 100, 200, 0, 0), ('c2', 'second chat', 150, 250, 1, 0)`))
	require.NoError(t, h.Exec(ctx, `INSERT INTO messages(id, conversationId, parentId, role, content, createdAt, orderSeq, tokenCount, status, metadata, isContextEdge, isVariant) VALUES
		('m1', 'c1', NULL, 'user', 'hello', 101, 0, 1, 'sent', '{}', 0, 0),
		('m2', 'c1', 'm1', 'assistant', 'hi there', 102, 1, 2, 'sent', '{}', 0, 0)`))
	require.NoError(t, h.Exec(ctx, `INSERT INTO message_attachments(id, messageId, attachmentType, attachmentData, createdAt, metadata) VALUES
		('a1', 'm1', 'image', 'base64==', 103, '{}')`))
}

func seedVectorStore(t *testing.T, h storedriver.Handle, dimension int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.Exec(ctx, `CREATE TABLE knowledge_files (
		id TEXT PRIMARY KEY, name TEXT, path TEXT, mimeType TEXT, status TEXT,
		uploadedAt INTEGER, fileSize INTEGER, metadata TEXT)`))
	require.NoError(t, h.Exec(ctx, `CREATE TABLE knowledge_chunks (
		id TEXT PRIMARY KEY, fileId TEXT, chunkIndex INTEGER, content TEXT, status TEXT,
		error TEXT, chunkSize INTEGER, metadata TEXT)`))
	require.NoError(t, h.Exec(ctx, `CREATE TABLE knowledge_vectors (
		id TEXT PRIMARY KEY, fileId TEXT, chunkId TEXT, embedding BLOB, createdAt INTEGER,
		modelName TEXT, metadata TEXT)`))

	require.NoError(t, h.Exec(ctx, `INSERT INTO knowledge_files(id, name, path, mimeType, status, uploadedAt, fileSize, metadata) VALUES
		('f1', 'doc.pdf', '/data/doc.pdf', 'application/pdf', 'completed', 90, 2048, '{}')`))
	require.NoError(t, h.Exec(ctx, `INSERT INTO knowledge_chunks(id, fileId, chunkIndex, content, status, error, chunkSize, metadata) VALUES
		('ch1', 'f1', 0, 'chunk text', 'completed', '', 10, '{}')`))

	embedding := EncodeVector(make32(dimension))
	require.NoError(t, h.Exec(ctx, `INSERT INTO knowledge_vectors(id, fileId, chunkId, embedding, createdAt, modelName, metadata) VALUES
		(?, 'f1', 'ch1', ?, 95, 'test-model', '{}')`, "v1", embedding))
}

func make32(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) + 0.5
	}
	return out
}

func TestCopyEngine_CopyAll_HappyPath(t *testing.T) {
	rowSource := openLegacyHandle(t, "row.db")
	vectorSource := openLegacyHandle(t, "vector.db")
	target := openTestHandle(t)

	seedRowStore(t, rowSource)
	seedVectorStore(t, vectorSource, 4)

	schemaMgr := NewSchemaManager(target, 4, nil)
	require.NoError(t, schemaMgr.CreateSchema(context.Background()))

	engine := NewCopyEngine(rowSource, vectorSource, target, 10, 4, nil)
	stats, err := engine.CopyAll(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, stats, 6)

	byTable := map[string]CopyStats{}
	for _, s := range stats {
		byTable[s.Table] = s
	}
	assert.Equal(t, 2, byTable["conversations"].Copied)
	assert.Equal(t, 2, byTable["messages"].Copied)
	assert.Equal(t, 1, byTable["message_attachments"].Copied)
	assert.Equal(t, 1, byTable["knowledge_files"].Copied)
	assert.Equal(t, 1, byTable["knowledge_chunks"].Copied)
	assert.Equal(t, 1, byTable["knowledge_vectors"].Copied)

	rows, err := target.Query(context.Background(), `SELECT conv_id, title FROM conversations ORDER BY conv_id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "first chat", rows[0]["title"])

	msgRows, err := target.Query(context.Background(), `SELECT msg_id, parent_id FROM messages WHERE msg_id = 'm2'`)
	require.NoError(t, err)
	require.Len(t, msgRows, 1)
	assert.Equal(t, "m1", msgRows[0]["parent_id"])

	vecRows, err := target.Query(context.Background(), `SELECT dimension FROM knowledge_vectors WHERE id = 'v1'`)
	require.NoError(t, err)
	require.Len(t, vecRows, 1)
	assert.EqualValues(t, 4, vecRows[0]["dimension"])

	for _, metric := range AllVectorMetrics() {
		table := "ivf_assignments_" + string(metric)
		assignRows, err := target.Query(context.Background(), `SELECT list_id FROM `+table+` WHERE vector_id = 'v1'`)
		require.NoError(t, err)
		require.Len(t, assignRows, 1)
	}
}

func TestCopyEngine_CopyAll_UnknownRoleFailsBatch(t *testing.T) {
	rowSource := openLegacyHandle(t, "row.db")
	vectorSource := openLegacyHandle(t, "vector.db")
	target := openTestHandle(t)

	ctx := context.Background()
	require.NoError(t, rowSource.Exec(ctx, `CREATE TABLE conversations (
		id TEXT PRIMARY KEY, title TEXT, createdAt INTEGER, updatedAt INTEGER, isPinned INTEGER, isNew INTEGER)`))
	require.NoError(t, rowSource.Exec(ctx, `CREATE TABLE messages (
		id TEXT PRIMARY KEY, conversationId TEXT, parentId TEXT, role TEXT, content TEXT,
		createdAt INTEGER, orderSeq INTEGER, tokenCount INTEGER, status TEXT, metadata TEXT,
		isContextEdge INTEGER, isVariant INTEGER)`))
	require.NoError(t, rowSource.Exec(ctx, `CREATE TABLE message_attachments (
		id TEXT PRIMARY KEY, messageId TEXT, attachmentType TEXT, attachmentData TEXT, createdAt INTEGER, metadata TEXT)`))
	require.NoError(t, rowSource.Exec(ctx, `INSERT INTO conversations(id, title, createdAt, updatedAt, isPinned, isNew) VALUES ('c1', 'chat', 1, 2, 0, 0)`))
	require.NoError(t, rowSource.Exec(ctx, `INSERT INTO messages(id, conversationId, parentId, role, content, createdAt, orderSeq, tokenCount, status, metadata, isContextEdge, isVariant) VALUES
		('m1', 'c1', NULL, 'user', 'ok message', 10, 0, 1, 'sent', '{}', 0, 0),
		('m2', 'c1', NULL, 'narrator', 'bad role', 11, 1, 1, 'sent', '{}', 0, 0)`))

	schemaMgr := NewSchemaManager(target, 4, nil)
	require.NoError(t, schemaMgr.CreateSchema(ctx))

	engine := NewCopyEngine(rowSource, vectorSource, target, 10, 4, nil)
	_, err := engine.CopyAll(ctx, nil, nil)
	require.Error(t, err)

	me, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidationFailed, me.Kind)
	assert.Equal(t, apperr.DirectiveRollback, me.Directive)

	// The whole batch's transaction rolled back, good row included.
	rows, err := target.Query(ctx, `SELECT msg_id FROM messages`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCopyEngine_CopyAll_SkipsUnreadableEmbeddingAndContinuesBatch(t *testing.T) {
	rowSource := openLegacyHandle(t, "row.db")
	vectorSource := openLegacyHandle(t, "vector.db")
	target := openTestHandle(t)

	ctx := context.Background()
	require.NoError(t, rowSource.Exec(ctx, `CREATE TABLE conversations (id TEXT PRIMARY KEY, title TEXT, createdAt INTEGER, updatedAt INTEGER, isPinned INTEGER, isNew INTEGER)`))
	require.NoError(t, rowSource.Exec(ctx, `CREATE TABLE messages (
		id TEXT PRIMARY KEY, conversationId TEXT, parentId TEXT, role TEXT, content TEXT,
		createdAt INTEGER, orderSeq INTEGER, tokenCount INTEGER, status TEXT, metadata TEXT,
		isContextEdge INTEGER, isVariant INTEGER)`))
	require.NoError(t, rowSource.Exec(ctx, `CREATE TABLE message_attachments (
		id TEXT PRIMARY KEY, messageId TEXT, attachmentType TEXT, attachmentData TEXT, createdAt INTEGER, metadata TEXT)`))

	require.NoError(t, vectorSource.Exec(ctx, `CREATE TABLE knowledge_files (id TEXT PRIMARY KEY, name TEXT, path TEXT, mimeType TEXT, status TEXT, uploadedAt INTEGER, fileSize INTEGER, metadata TEXT)`))
	require.NoError(t, vectorSource.Exec(ctx, `CREATE TABLE knowledge_chunks (id TEXT PRIMARY KEY, fileId TEXT, chunkIndex INTEGER, content TEXT, status TEXT, error TEXT, chunkSize INTEGER, metadata TEXT)`))
	require.NoError(t, vectorSource.Exec(ctx, `CREATE TABLE knowledge_vectors (id TEXT PRIMARY KEY, fileId TEXT, chunkId TEXT, embedding BLOB, createdAt INTEGER, modelName TEXT, metadata TEXT)`))
	require.NoError(t, vectorSource.Exec(ctx, `INSERT INTO knowledge_files(id, name, path, mimeType, status, uploadedAt, fileSize, metadata) VALUES
		('f1', 'doc.pdf', '/data/doc.pdf', 'application/pdf', 'completed', 90, 2048, '{}')`))
	require.NoError(t, vectorSource.Exec(ctx, `INSERT INTO knowledge_chunks(id, fileId, chunkIndex, content, status, error, chunkSize, metadata) VALUES
		('ch1', 'f1', 0, 'chunk text', 'completed', '', 10, '{}')`))
	require.NoError(t, vectorSource.Exec(ctx, `INSERT INTO knowledge_vectors(id, fileId, chunkId, embedding, createdAt, modelName, metadata) VALUES
		('v1', 'f1', 'ch1', ?, 95, 'test-model', '{}'),
		('v2', 'f1', 'ch1', 12345, 96, 'test-model', '{}')`, EncodeVector(make32(4))))

	schemaMgr := NewSchemaManager(target, 4, nil)
	require.NoError(t, schemaMgr.CreateSchema(ctx))

	engine := NewCopyEngine(rowSource, vectorSource, target, 10, 4, nil)
	stats, err := engine.CopyAll(ctx, nil, nil)
	require.NoError(t, err)

	var vecStats CopyStats
	for _, s := range stats {
		if s.Table == "knowledge_vectors" {
			vecStats = s
		}
	}
	assert.Equal(t, 1, vecStats.Copied)
	assert.Equal(t, 1, vecStats.Skipped)

	rows, err := target.Query(ctx, `SELECT value FROM migration_metadata WHERE key = 'skipped:knowledge_vectors:v2'`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCopyEngine_CopyAll_ResumesFromMetadataMarker(t *testing.T) {
	rowSource := openLegacyHandle(t, "row.db")
	vectorSource := openLegacyHandle(t, "vector.db")
	target := openTestHandle(t)
	ctx := context.Background()

	seedRowStore(t, rowSource)
	seedVectorStore(t, vectorSource, 4)

	schemaMgr := NewSchemaManager(target, 4, nil)
	require.NoError(t, schemaMgr.CreateSchema(ctx))

	// A previous run copied c1 and recorded the marker. c1 is present in
	// the target so that its messages satisfy the foreign keys.
	require.NoError(t, target.Exec(ctx,
		`INSERT INTO conversations(conv_id, title, created_at, updated_at, is_pinned, is_new, settings) VALUES ('c1', 'copied earlier', 100, 200, 0, 0, '{}')`))
	require.NoError(t, target.Exec(ctx,
		`INSERT INTO migration_metadata(key, value, created_at) VALUES ('last_copied:conversations', 'c1', 0)`))

	engine := NewCopyEngine(rowSource, vectorSource, target, 10, 4, nil)
	stats, err := engine.CopyAll(ctx, nil, nil)
	require.NoError(t, err)

	var convStats CopyStats
	for _, s := range stats {
		if s.Table == "conversations" {
			convStats = s
		}
	}
	assert.Equal(t, 1, convStats.Copied, "c1 already marked copied, only c2 should be inserted")

	rows, err := target.Query(ctx, `SELECT conv_id, title FROM conversations ORDER BY conv_id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "copied earlier", rows[0]["title"], "c1 must not be copied again")
	assert.Equal(t, "c2", rows[1]["conv_id"])
}
