// Package ingest turns documents on disk into corpus passages: a
// heading-aware chunker for markdown and plain text, the ingester that embeds
// and stores chunks, and an fsnotify watcher that re-ingests changed files.
package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lorehaven/archivist/internal/corpus"
)

// Default chunking parameters, in words.
const (
	DefaultChunkSize    = 200
	DefaultChunkOverlap = 20
)

var (
	headingPattern     = regexp.MustCompile(`(?m)^#{1,6}\s+.+$`)
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n.+?\n---\n*`)
)

// Chunker splits document text into passages. Markdown headings start a new
// chunk; long sections are split at paragraph boundaries with a word overlap
// carried between consecutive chunks.
type Chunker struct {
	chunkSize int
	overlap   int
}

// NewChunker creates a chunker. Non-positive arguments fall back to the
// defaults.
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Chunk splits content into passages for the given document. Passage ids are
// deterministic (documentID#position) so re-ingesting a document overwrites
// its previous passages.
func (c *Chunker) Chunk(documentID, documentName, content string) []*corpus.Passage {
	content = frontmatterPattern.ReplaceAllString(content, "")
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var chunks []string
	for _, section := range splitSections(content) {
		chunks = append(chunks, c.splitSection(section)...)
	}

	now := time.Now()
	passages := make([]*corpus.Passage, 0, len(chunks))
	for i, text := range chunks {
		passages = append(passages, &corpus.Passage{
			ID:           fmt.Sprintf("%s#%d", documentID, i),
			Text:         text,
			DocumentID:   documentID,
			DocumentName: documentName,
			Position:     i,
			CreatedAt:    now,
		})
	}
	return passages
}

// splitSections breaks content at markdown headings. Text before the first
// heading forms its own section. Plain text without headings is one section.
func splitSections(content string) []string {
	indexes := headingPattern.FindAllStringIndex(content, -1)
	if len(indexes) == 0 {
		return []string{content}
	}

	var sections []string
	if lead := content[:indexes[0][0]]; strings.TrimSpace(lead) != "" {
		sections = append(sections, lead)
	}
	for i, idx := range indexes {
		end := len(content)
		if i+1 < len(indexes) {
			end = indexes[i+1][0]
		}
		sections = append(sections, content[idx[0]:end])
	}
	return sections
}

// splitSection groups a section's paragraphs into chunks of roughly chunkSize
// words. The section heading (when present) is repeated on every chunk so
// each passage stays self-describing.
func (c *Chunker) splitSection(section string) []string {
	section = strings.TrimSpace(section)
	if section == "" {
		return nil
	}

	heading := ""
	body := section
	if headingPattern.MatchString(section) {
		if i := strings.IndexByte(section, '\n'); i >= 0 {
			heading = strings.TrimSpace(section[:i])
			body = section[i+1:]
		} else {
			heading = section
			body = ""
		}
	}

	paragraphs := splitParagraphs(body)
	if len(paragraphs) == 0 {
		if heading != "" {
			return []string{heading}
		}
		return nil
	}

	var (
		chunks  []string
		current []string
		words   int
		fresh   bool // current holds unflushed paragraph text
	)
	flush := func() {
		if !fresh {
			return
		}
		text := strings.Join(current, "\n\n")
		if heading != "" {
			text = heading + "\n\n" + text
		}
		chunks = append(chunks, text)
		fresh = false

		// Carry trailing words into the next chunk for continuity.
		if c.overlap > 0 {
			carried := lastWords(strings.Join(current, " "), c.overlap)
			current = []string{carried}
			words = countWords(carried)
		} else {
			current = nil
			words = 0
		}
	}

	for _, para := range paragraphs {
		n := countWords(para)
		if fresh && words+n > c.chunkSize {
			flush()
		}
		current = append(current, para)
		words += n
		fresh = true

		// A single oversized paragraph becomes its own chunk.
		if words >= c.chunkSize {
			flush()
		}
	}
	flush()

	return chunks
}

func splitParagraphs(body string) []string {
	var paragraphs []string
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			paragraphs = append(paragraphs, para)
		}
	}
	return paragraphs
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func lastWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return s
	}
	return strings.Join(fields[len(fields)-n:], " ")
}
