// Package mcp exposes retrieval over the Model Context Protocol so bot and
// agent processes can consume the pipeline without linking it.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/embed"
	"github.com/lorehaven/archivist/internal/retrieve"
	"github.com/lorehaven/archivist/pkg/version"
)

// DefaultSearchLimit bounds tool results when the caller does not ask for a
// specific count.
const DefaultSearchLimit = 5

// Server is the archivist MCP server. It bridges MCP clients with the
// retrieval orchestrator and the underlying corpora.
type Server struct {
	mcp          *mcp.Server
	orchestrator *retrieve.Orchestrator
	stores       *corpus.Stores
	embedder     embed.Embedder
	logger       *slog.Logger
}

// SearchDocumentsInput is the input schema for the search_documents tool.
type SearchDocumentsInput struct {
	Query        string `json:"query" jsonschema:"the question or topic to retrieve passages for"`
	ChannelID    string `json:"channel_id,omitempty" jsonschema:"channel whose memories may be consulted"`
	TopK         int    `json:"top_k,omitempty" jsonschema:"maximum number of passages, default 5"`
	DocumentName string `json:"document_name,omitempty" jsonschema:"restrict retrieval to one document by name"`
}

// PassageOutput is a single retrieved passage with its ranking signals.
type PassageOutput struct {
	ID            string  `json:"id" jsonschema:"namespaced passage id"`
	Text          string  `json:"text" jsonschema:"passage content"`
	DocumentName  string  `json:"document_name" jsonschema:"source document name"`
	Position      int     `json:"position" jsonschema:"chunk position within the source document"`
	Score         float64 `json:"score" jsonschema:"combined relevance score"`
	SemanticScore float64 `json:"semantic_score" jsonschema:"cosine similarity component"`
	KeywordScore  float64 `json:"keyword_score" jsonschema:"normalized BM25 component"`
}

// SearchDocumentsOutput is the output schema for the search_documents tool.
type SearchDocumentsOutput struct {
	Passages     []PassageOutput `json:"passages" jsonschema:"ranked passages"`
	Skipped      bool            `json:"skipped" jsonschema:"true when the query did not warrant retrieval"`
	QuestionType string          `json:"question_type" jsonschema:"classified question type"`
	Variants     int             `json:"variants" jsonschema:"number of query variants retrieved with"`
}

// SearchMemoriesInput is the input schema for the search_memories tool.
type SearchMemoriesInput struct {
	Query     string `json:"query" jsonschema:"the text to match memories against"`
	ChannelID string `json:"channel_id" jsonschema:"channel whose memories to search"`
	TopK      int    `json:"top_k,omitempty" jsonschema:"maximum number of memories, default 5"`
}

// MemoryOutput is a single retrieved memory.
type MemoryOutput struct {
	ID    string  `json:"id" jsonschema:"memory id"`
	Text  string  `json:"text" jsonschema:"memory content"`
	Score float64 `json:"score" jsonschema:"cosine similarity to the query"`
}

// SearchMemoriesOutput is the output schema for the search_memories tool.
type SearchMemoriesOutput struct {
	Memories []MemoryOutput `json:"memories" jsonschema:"memories by descending similarity"`
}

// CorpusStatusInput is the (empty) input schema for the corpus_status tool.
type CorpusStatusInput struct{}

// CorpusStatusOutput reports corpus and embedder health.
type CorpusStatusOutput struct {
	SharedPassages   int    `json:"shared_passages" jsonschema:"passage count in the shared corpus"`
	PersonalPassages int    `json:"personal_passages" jsonschema:"passage count in the personal corpus"`
	EmbedderModel    string `json:"embedder_model" jsonschema:"active embedding model"`
	Dimensions       int    `json:"dimensions" jsonschema:"embedding dimension"`
	Available        bool   `json:"available" jsonschema:"whether the embedder is reachable"`
	Version          string `json:"version" jsonschema:"archivist version"`
}

// NewServer creates the MCP server and registers its tools.
func NewServer(orchestrator *retrieve.Orchestrator, stores *corpus.Stores, embedder embed.Embedder, logger *slog.Logger) (*Server, error) {
	if orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if stores == nil {
		return nil, errors.New("stores are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		orchestrator: orchestrator,
		stores:       stores,
		embedder:     embedder,
		logger:       logger,
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "archivist",
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()

	return s, nil
}

// MCPServer returns the underlying SDK server, mainly for tests.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Run serves MCP over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", slog.String("transport", "stdio"))
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_documents",
		Description: "Retrieve the most relevant lore passages for a question. Runs the full pipeline: classification, multi-source retrieval, hybrid ranking, and diversification. Casual chatter and commands return no passages.",
	}, s.searchDocumentsHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_memories",
		Description: "Search a channel's conversational memories by similarity. Use when the question is about something said earlier rather than documented lore.",
	}, s.searchMemoriesHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "corpus_status",
		Description: "Report corpus sizes and embedder availability. Use to verify ingestion happened before searching.",
	}, s.corpusStatusHandler)

	s.logger.Info("mcp tools registered", slog.Int("count", 3))
}

func (s *Server) searchDocumentsHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchDocumentsInput) (
	*mcp.CallToolResult,
	SearchDocumentsOutput,
	error,
) {
	if input.Query == "" {
		return nil, SearchDocumentsOutput{}, errors.New("query parameter is required")
	}

	topK := input.TopK
	if topK <= 0 {
		topK = DefaultSearchLimit
	}

	result, err := s.orchestrator.Retrieve(ctx, retrieve.Request{
		Query:     input.Query,
		ChannelID: input.ChannelID,
		TopK:      topK,
		Filter:    corpus.Filter{DocumentName: input.DocumentName},
	})
	if err != nil {
		return nil, SearchDocumentsOutput{}, err
	}

	output := SearchDocumentsOutput{
		Passages:     make([]PassageOutput, 0, len(result.Passages)),
		Skipped:      result.Skipped,
		QuestionType: string(result.Analysis.QuestionType),
		Variants:     result.Variants,
	}
	for _, sp := range result.Passages {
		output.Passages = append(output.Passages, PassageOutput{
			ID:            sp.Passage.ID,
			Text:          sp.Passage.Text,
			DocumentName:  sp.Passage.DocumentName,
			Position:      sp.Passage.Position,
			Score:         sp.CombinedScore,
			SemanticScore: sp.SemanticScore,
			KeywordScore:  sp.KeywordScore,
		})
	}

	return nil, output, nil
}

func (s *Server) searchMemoriesHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchMemoriesInput) (
	*mcp.CallToolResult,
	SearchMemoriesOutput,
	error,
) {
	if input.Query == "" {
		return nil, SearchMemoriesOutput{}, errors.New("query parameter is required")
	}
	if input.ChannelID == "" {
		return nil, SearchMemoriesOutput{}, errors.New("channel_id parameter is required")
	}

	topK := input.TopK
	if topK <= 0 {
		topK = DefaultSearchLimit
	}

	embedding, err := s.embedder.Embed(ctx, input.Query)
	if err != nil {
		return nil, SearchMemoriesOutput{}, err
	}

	hits, err := s.stores.Memories.SimilaritySearch(ctx, input.ChannelID, embedding, topK)
	if err != nil {
		return nil, SearchMemoriesOutput{}, err
	}

	output := SearchMemoriesOutput{Memories: make([]MemoryOutput, 0, len(hits))}
	for _, hit := range hits {
		output.Memories = append(output.Memories, MemoryOutput{
			ID:    hit.Passage.ID,
			Text:  hit.Passage.Text,
			Score: hit.Score,
		})
	}

	return nil, output, nil
}

func (s *Server) corpusStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ CorpusStatusInput) (
	*mcp.CallToolResult,
	CorpusStatusOutput,
	error,
) {
	shared, err := s.stores.Shared.Count(ctx)
	if err != nil {
		return nil, CorpusStatusOutput{}, err
	}
	personal, err := s.stores.Personal.Count(ctx)
	if err != nil {
		return nil, CorpusStatusOutput{}, err
	}

	output := CorpusStatusOutput{
		SharedPassages:   shared,
		PersonalPassages: personal,
		Version:          version.Version,
	}
	if s.embedder != nil {
		output.EmbedderModel = s.embedder.ModelName()
		output.Dimensions = s.embedder.Dimensions()
		output.Available = s.embedder.Available(ctx)
	}

	return nil, output, nil
}
