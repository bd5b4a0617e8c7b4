package embed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lorehaven/archivist/internal/config"
)

// NewFromConfig builds an embedder from configuration.
// An empty provider triggers auto-detection: Ollama when reachable,
// static hashing otherwise.
func NewFromConfig(ctx context.Context, cfg config.EmbeddingsConfig, logger *slog.Logger) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ollamaCfg := OllamaConfig{
		Host:       cfg.OllamaHost,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		BatchSize:  cfg.BatchSize,
	}

	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		return NewOllamaEmbedder(ctx, ollamaCfg)
	case "static":
		return NewStaticEmbedder(), nil
	}

	// Auto-detect. A short probe keeps startup fast when Ollama is absent.
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	embedder, err := NewOllamaEmbedder(probeCtx, ollamaCfg)
	if err == nil {
		logger.Info("embedder selected",
			slog.String("provider", "ollama"),
			slog.String("model", embedder.ModelName()),
			slog.Int("dimensions", embedder.Dimensions()))
		return embedder, nil
	}

	logger.Warn("ollama unavailable, falling back to static embedder",
		slog.String("error", err.Error()))
	return NewStaticEmbedder(), nil
}
