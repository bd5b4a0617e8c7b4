package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/retrieve"
)

// maxSnippetLen bounds the passage text shown per result.
const maxSnippetLen = 240

// Renderer formats retrieval output for a writer. Styling is enabled only
// when the writer is an interactive terminal.
type Renderer struct {
	w      io.Writer
	styles Styles
	plain  bool
}

// NewRenderer creates a renderer for w, detecting whether styled output is
// appropriate.
func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{
		w:      w,
		styles: DefaultStyles(),
		plain:  !isTerminal(w),
	}
}

// NewPlainRenderer creates a renderer that never emits escape codes.
func NewPlainRenderer(w io.Writer) *Renderer {
	return &Renderer{w: w, styles: DefaultStyles(), plain: true}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Results renders a retrieval result with per-passage scores.
func (r *Renderer) Results(result *retrieve.Result, elapsed time.Duration) {
	if result.Skipped {
		r.println(r.dim(fmt.Sprintf("No retrieval: %s query", result.Analysis.QuestionType)))
		return
	}
	if len(result.Passages) == 0 {
		r.println(r.dim("No matching passages."))
		return
	}

	header := fmt.Sprintf("%d passages (%s, %d variants)",
		len(result.Passages), elapsed.Round(time.Millisecond), result.Variants)
	r.println(r.header(header))
	r.println("")

	for i, sp := range result.Passages {
		title := fmt.Sprintf("%d. %s", i+1, sp.Passage.DocumentName)
		score := fmt.Sprintf("score %.3f (semantic %.3f, keyword %.3f)",
			sp.CombinedScore, sp.SemanticScore, sp.KeywordScore)

		r.println(r.title(title) + "  " + r.score(score))
		r.println(r.body(indent(snippet(sp.Passage.Text), "   ")))
		r.println("")
	}
}

// KeywordResults renders raw keyword index hits.
func (r *Renderer) KeywordResults(hits []corpus.KeywordHit, passages map[string]*corpus.Passage, elapsed time.Duration) {
	if len(hits) == 0 {
		r.println(r.dim("No keyword matches."))
		return
	}

	r.println(r.header(fmt.Sprintf("%d keyword matches (%s)", len(hits), elapsed.Round(time.Millisecond))))
	r.println("")

	for i, hit := range hits {
		title := fmt.Sprintf("%d. %s", i+1, hit.ID)
		if p, ok := passages[hit.ID]; ok {
			title = fmt.Sprintf("%d. %s", i+1, p.DocumentName)
		}
		r.println(r.title(title) + "  " + r.score(fmt.Sprintf("score %.3f", hit.Score)))
		if p, ok := passages[hit.ID]; ok {
			r.println(r.body(indent(snippet(p.Text), "   ")))
		}
		r.println("")
	}
}

// Summary renders a one-line ingestion or status summary.
func (r *Renderer) Summary(format string, args ...any) {
	r.println(r.header(fmt.Sprintf(format, args...)))
}

// Error renders an error line.
func (r *Renderer) Error(err error) {
	if r.plain {
		fmt.Fprintln(r.w, "error:", err)
		return
	}
	fmt.Fprintln(r.w, r.styles.Error.Render("error: "+err.Error()))
}

func (r *Renderer) println(s string) { fmt.Fprintln(r.w, s) }

func (r *Renderer) header(s string) string { return r.render(r.styles.Header, s) }
func (r *Renderer) title(s string) string  { return r.render(r.styles.Title, s) }
func (r *Renderer) score(s string) string  { return r.render(r.styles.Score, s) }
func (r *Renderer) body(s string) string   { return r.render(r.styles.Body, s) }
func (r *Renderer) dim(s string) string    { return r.render(r.styles.Dim, s) }

func (r *Renderer) render(style interface{ Render(...string) string }, s string) string {
	if r.plain {
		return s
	}
	return style.Render(s)
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxSnippetLen {
		text = text[:maxSnippetLen] + "..."
	}
	return text
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
