package corpus

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehaven/archivist/internal/config"
)

func TestOpenMemoryBackend(t *testing.T) {
	stores, err := Open(context.Background(), config.CorpusConfig{
		Backend:      config.BackendMemory,
		KeywordIndex: true,
	}, 3, nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &MemoryStore{}, stores.Shared)
	assert.IsType(t, &MemoryStore{}, stores.Personal)
	assert.IsType(t, &ChannelMemoryStore{}, stores.Memories)
	require.NotNil(t, stores.Keyword)
}

func TestOpenSQLiteBackend(t *testing.T) {
	stores, err := Open(context.Background(), config.CorpusConfig{
		Backend: config.BackendSQLite,
		DataDir: t.TempDir(),
	}, 3, nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &SQLiteStore{}, stores.Shared)
	assert.IsType(t, &SQLiteStore{}, stores.Personal)
	assert.IsType(t, &SQLiteMemoryStore{}, stores.Memories)
	assert.Nil(t, stores.Keyword)

	// Shared and personal corpora are independent files.
	ctx := context.Background()
	require.NoError(t, stores.Shared.Upsert(ctx, []*Passage{
		testPassage("a", "doc1", 0, []float32{1, 0, 0}),
	}))
	count, err := stores.Personal.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.CorpusConfig{Backend: "redis"}, 3, nil)
	assert.Error(t, err)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), config.CorpusConfig{Backend: config.BackendPostgres}, 3, nil)
	assert.Error(t, err)
}

// TestOpenPostgresBackend exercises the pgvector store against a real
// database. Set ARCHIVIST_TEST_POSTGRES_DSN to run it.
func TestOpenPostgresBackend(t *testing.T) {
	dsn := os.Getenv("ARCHIVIST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARCHIVIST_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	stores, err := Open(ctx, config.CorpusConfig{
		Backend:     config.BackendPostgres,
		PostgresDSN: dsn,
	}, 3, nil)
	require.NoError(t, err)
	defer stores.Close()

	require.NoError(t, stores.Shared.Upsert(ctx, []*Passage{
		testPassage("pg-a", "doc1", 0, []float32{1, 0, 0}),
		testPassage("pg-b", "doc1", 1, []float32{0, 1, 0}),
	}))
	defer func() {
		_ = stores.Shared.Delete(ctx, []string{"pg-a", "pg-b"})
	}()

	hits, err := stores.Shared.SimilaritySearch(ctx, []float32{1, 0, 0}, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "pg-a", hits[0].Passage.ID)
}

func TestValidCorpusName(t *testing.T) {
	assert.True(t, validCorpusName("shared"))
	assert.True(t, validCorpusName("personal_2"))
	assert.False(t, validCorpusName(""))
	assert.False(t, validCorpusName("Shared"))
	assert.False(t, validCorpusName("a;drop table"))
}
