package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/rank"
	"github.com/lorehaven/archivist/internal/retrieve"
)

func TestRendererResultsPlain(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf) // a bytes.Buffer is never a terminal

	result := &retrieve.Result{
		Passages: []*rank.ScoredPassage{
			{
				Passage: &corpus.Passage{
					ID:           "shared/p1",
					Text:         "Gold is worth fifty silver coins.",
					DocumentName: "economy.md",
				},
				SemanticScore: 0.91,
				KeywordScore:  0.5,
				CombinedScore: 0.72,
			},
		},
		Variants: 1,
	}

	r.Results(result, 12*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "1 passages")
	assert.Contains(t, out, "economy.md")
	assert.Contains(t, out, "score 0.720")
	assert.Contains(t, out, "Gold is worth")
	assert.NotContains(t, out, "\x1b[", "plain output must not contain escape codes")
}

func TestRendererSkippedAndEmpty(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)

	r.Results(&retrieve.Result{
		Skipped:  true,
		Analysis: retrieve.Analysis{QuestionType: retrieve.QuestionCasual},
	}, 0)
	assert.Contains(t, buf.String(), "No retrieval")

	buf.Reset()
	r.Results(&retrieve.Result{}, 0)
	assert.Contains(t, buf.String(), "No matching passages")
}

func TestRendererKeywordResults(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)

	passages := map[string]*corpus.Passage{
		"p1": {ID: "p1", Text: "The dragon hoards gold.", DocumentName: "fauna.md"},
	}
	r.KeywordResults([]corpus.KeywordHit{{ID: "p1", Score: 1.5}}, passages, time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "1 keyword matches")
	assert.Contains(t, out, "fauna.md")
	assert.Contains(t, out, "dragon")
}

func TestRendererError(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)

	r.Error(errors.New("corpus unavailable"))
	assert.Contains(t, buf.String(), "error: corpus unavailable")
}

func TestSnippetTruncation(t *testing.T) {
	long := make([]byte, 0, 600)
	for i := 0; i < 100; i++ {
		long = append(long, []byte("abcdef ")...)
	}

	s := snippet(string(long))
	assert.LessOrEqual(t, len(s), maxSnippetLen+3)
	assert.Contains(t, s, "...")
}
