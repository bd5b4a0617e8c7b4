package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehaven/archivist/internal/config"
	"github.com/lorehaven/archivist/internal/corpus"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := NewRootCmd()

	names := make(map[string]bool)
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"ingest", "search", "serve", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version", "--short"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "dev\n", buf.String())
}

func TestVersionCommandJSON(t *testing.T) {
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version", "--json"})

	require.NoError(t, root.Execute())

	var info map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, "dev", info["version"])
}

func TestIngestRequiresPath(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"ingest"})

	assert.Error(t, root.Execute())
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, "how much is gold", joinArgs([]string{"how", "much", "is", "gold"}))
	assert.Equal(t, "gold", joinArgs([]string{"gold"}))
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseDuration("5s", time.Second))
	assert.Equal(t, time.Second, parseDuration("", time.Second))
	assert.Equal(t, time.Second, parseDuration("bogus", time.Second))
}

func TestLookupPassages(t *testing.T) {
	ctx := context.Background()
	stores, err := corpus.Open(ctx, config.CorpusConfig{Backend: config.BackendMemory}, 3, nil)
	require.NoError(t, err)
	defer stores.Close()

	require.NoError(t, stores.Shared.Upsert(ctx, []*corpus.Passage{{
		ID:           "lore/economy.md#0",
		Text:         "Gold is worth fifty silver.",
		DocumentID:   "lore/economy.md",
		DocumentName: "economy.md",
		Embedding:    []float32{1, 0, 0},
	}}))

	hits := []corpus.KeywordHit{
		{ID: "lore/economy.md#0", Score: 1.2},
		{ID: "missing#0", Score: 0.4},
		{ID: "malformed-id", Score: 0.1},
	}

	passages := lookupPassages(ctx, stores, hits)
	require.Len(t, passages, 1)
	assert.Equal(t, "economy.md", passages["lore/economy.md#0"].DocumentName)
}
