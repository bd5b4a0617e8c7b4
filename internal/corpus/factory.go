package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lorehaven/archivist/internal/config"
)

// Stores bundles the corpora queried by the retrieval pipeline: the shared
// and personal document corpora, the channel-scoped memory corpus, and the
// optional keyword index.
type Stores struct {
	Shared   DocumentCorpus
	Personal DocumentCorpus
	Memories MemoryCorpus

	// Keyword is nil unless the keyword index is enabled in config.
	Keyword *KeywordIndex
}

// Close releases every store, returning the first error encountered.
func (s *Stores) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.Memories != nil {
		keep(s.Memories.Close())
	}
	if s.Personal != nil {
		keep(s.Personal.Close())
	}
	if s.Shared != nil {
		keep(s.Shared.Close())
	}
	if s.Keyword != nil {
		keep(s.Keyword.Close())
	}
	return first
}

// Open creates the stores selected by cfg.Backend. dimensions must match the
// embedder in use.
func Open(ctx context.Context, cfg config.CorpusConfig, dimensions int, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dataDir, err := expandHome(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("corpus: resolve data dir: %w", err)
	}

	var stores *Stores
	switch cfg.Backend {
	case "", config.BackendMemory:
		stores, err = openMemory(dimensions)
	case config.BackendSQLite:
		stores, err = openSQLite(dataDir, dimensions)
	case config.BackendPostgres:
		stores, err = openPostgres(ctx, cfg.PostgresDSN, dimensions)
	default:
		return nil, fmt.Errorf("corpus: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.KeywordIndex {
		path := ""
		if cfg.Backend == config.BackendSQLite || cfg.Backend == config.BackendPostgres {
			path = filepath.Join(dataDir, "keyword.bleve")
		}
		keyword, err := NewKeywordIndex(path)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		stores.Keyword = keyword
	}

	logger.Info("corpus opened",
		slog.String("backend", cfg.Backend),
		slog.Int("dimensions", dimensions),
		slog.Bool("keyword_index", cfg.KeywordIndex))

	return stores, nil
}

func openMemory(dimensions int) (*Stores, error) {
	shared, err := NewMemoryStore(dimensions)
	if err != nil {
		return nil, err
	}
	personal, err := NewMemoryStore(dimensions)
	if err != nil {
		return nil, err
	}
	memories, err := NewChannelMemoryStore(dimensions)
	if err != nil {
		return nil, err
	}
	return &Stores{Shared: shared, Personal: personal, Memories: memories}, nil
}

func openSQLite(dataDir string, dimensions int) (*Stores, error) {
	shared, err := NewSQLiteStore(filepath.Join(dataDir, "shared.db"), dimensions)
	if err != nil {
		return nil, err
	}
	personal, err := NewSQLiteStore(filepath.Join(dataDir, "personal.db"), dimensions)
	if err != nil {
		_ = shared.Close()
		return nil, err
	}
	return &Stores{Shared: shared, Personal: personal, Memories: shared.Memories()}, nil
}

func openPostgres(ctx context.Context, dsn string, dimensions int) (*Stores, error) {
	if dsn == "" {
		return nil, fmt.Errorf("corpus: postgres backend requires a dsn")
	}
	shared, err := NewPostgresStore(ctx, dsn, "shared", dimensions)
	if err != nil {
		return nil, err
	}
	personal, err := NewPostgresStore(ctx, dsn, "personal", dimensions)
	if err != nil {
		_ = shared.Close()
		return nil, err
	}
	return &Stores{Shared: shared, Personal: personal, Memories: shared.Memories()}, nil
}

func expandHome(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
