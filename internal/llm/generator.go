// Package llm provides the text generator used for query paraphrasing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/lorehaven/archivist/internal/errors"
)

// Default generator configuration.
const (
	DefaultModel   = "qwen3:0.6b"
	DefaultTimeout = 10 * time.Second
	DefaultHost    = "http://localhost:11434"
)

// TextGenerator produces free-form text from a prompt.
type TextGenerator interface {
	// Generate returns the model output for the given prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// Available checks if the generator is ready.
	Available(ctx context.Context) bool
}

// OllamaGenerator generates text using Ollama's /api/generate endpoint.
// Intended for small, fast models.
type OllamaGenerator struct {
	client *http.Client
	host   string
	model  string
}

var _ TextGenerator = (*OllamaGenerator)(nil)

// Config configures the Ollama generator.
type Config struct {
	Host    string
	Model   string
	Timeout time.Duration
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaGenerator creates a new Ollama-backed text generator.
func NewOllamaGenerator(cfg Config) *OllamaGenerator {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &OllamaGenerator{
		client: &http.Client{Timeout: cfg.Timeout},
		host:   cfg.Host,
		model:  cfg.Model,
	}
}

// Generate returns the model output for the given prompt.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", apperrors.GeneratorUnavailable(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", apperrors.New(apperrors.ErrCodeGeneratorUnavailable,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return strings.TrimSpace(genResp.Response), nil
}

// Available checks whether the Ollama endpoint responds.
func (g *OllamaGenerator) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, g.host+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}
