package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/embed"
	apperrors "github.com/lorehaven/archivist/internal/errors"
)

// Extensions accepted by IngestDir and the watcher.
var supportedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// SupportedFile reports whether path has an ingestable extension.
func SupportedFile(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Ingester chunks documents, embeds the chunks, and stores the resulting
// passages in a document corpus, keeping the optional keyword index in sync.
type Ingester struct {
	store    corpus.DocumentCorpus
	keyword  *corpus.KeywordIndex
	embedder embed.Embedder
	chunker  *Chunker
	logger   *slog.Logger

	// Workers bounds how many files IngestDir processes concurrently.
	// Values below 1 mean sequential.
	Workers int
}

// NewIngester creates an ingester. keyword may be nil.
func NewIngester(store corpus.DocumentCorpus, keyword *corpus.KeywordIndex, embedder embed.Embedder, chunker *Chunker, logger *slog.Logger) *Ingester {
	if chunker == nil {
		chunker = NewChunker(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:    store,
		keyword:  keyword,
		embedder: embedder,
		chunker:  chunker,
		logger:   logger,
	}
}

// IngestFile (re-)ingests a single document. The cleaned path serves as the
// document id, so repeated ingestion of the same file replaces its passages.
// Returns the number of stored passages.
func (in *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIngestFailed, fmt.Sprintf("read %s", path), err)
	}

	documentID := filepath.ToSlash(filepath.Clean(path))
	documentName := filepath.Base(path)

	passages := in.chunker.Chunk(documentID, documentName, string(content))

	// Passages beyond the new chunk count are stale leftovers from a
	// longer previous version of the file.
	if err := in.removeStale(ctx, documentID, len(passages)); err != nil {
		return 0, err
	}
	if len(passages) == 0 {
		return 0, nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	embeddings, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeIngestFailed, err)
	}
	for i, p := range passages {
		p.Embedding = embeddings[i]
	}

	if err := in.store.Upsert(ctx, passages); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeIngestFailed, err)
	}
	if in.keyword != nil {
		if err := in.keyword.Index(ctx, passages); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrCodeIngestFailed, err)
		}
	}

	in.logger.Info("document ingested",
		slog.String("document", documentID),
		slog.Int("passages", len(passages)))
	return len(passages), nil
}

// IngestDir walks root and ingests every supported file, up to Workers files
// at a time. Per-file failures are logged and skipped; the walk itself failing
// is an error. Returns total passages stored.
func (in *Ingester) IngestDir(ctx context.Context, root string) (int, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if SupportedFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIngestFailed, fmt.Sprintf("walk %s", root), err)
	}

	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, in.Workers))
	for _, path := range paths {
		g.Go(func() error {
			n, err := in.IngestFile(ctx, path)
			if err != nil {
				in.logger.Warn("skipping document",
					slog.String("path", path),
					slog.String("error", err.Error()))
				return nil
			}
			total.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

// RemoveFile deletes all passages of a previously ingested file.
func (in *Ingester) RemoveFile(ctx context.Context, path string) error {
	documentID := filepath.ToSlash(filepath.Clean(path))
	return in.removeStale(ctx, documentID, 0)
}

// removeStale deletes the document's passages at position >= keep.
func (in *Ingester) removeStale(ctx context.Context, documentID string, keep int) error {
	existing, err := in.store.PassagesForDocument(ctx, documentID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeIngestFailed, err)
	}

	var stale []string
	for _, p := range existing {
		if p.Position >= keep {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	if err := in.store.Delete(ctx, stale); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeIngestFailed, err)
	}
	if in.keyword != nil {
		if err := in.keyword.Delete(ctx, stale); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeIngestFailed, err)
		}
	}
	return nil
}
