// Package indexer splits extracted report text into chunks and writes them to the vector index.
package indexer

import (
	"strings"
	"unicode/utf8"

	"github.com/medragnosis/medragnosis/internal/models"
	"github.com/medragnosis/medragnosis/pkg/utils"
)

// DefaultSeparators are tried in order: paragraphs, lines, words, characters.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter is a recursive character splitter. Text is split on the first separator that
// occurs in it, pieces that are still too long are split again with the next separator,
// and adjacent small pieces are merged back into chunks of at most chunkSize characters
// with up to chunkOverlap characters carried over between neighbours. A separator stays
// attached to the start of the piece that follows it. Lengths are counted in runes.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// NewSplitter creates a splitter. Overlap is clamped below size.
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	return &Splitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap, separators: DefaultSeparators}
}

// Split returns the chunks of text, each trimmed of surrounding whitespace. Output is
// deterministic for a given input and configuration.
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var final, good []string
	for _, piece := range splitKeepSeparator(text, separator) {
		if runeLen(piece) < s.chunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good)...)
	}
	return final
}

// merge packs pieces into chunks. Pieces already carry their separators, so they are
// concatenated directly.
func (s *Splitter) merge(pieces []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > s.chunkSize && len(current) > 0 {
			if doc := joinTrimmed(current); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.chunkOverlap || (total+n > s.chunkSize && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if doc := joinTrimmed(current); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func splitKeepSeparator(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	if parts[0] != "" {
		out = append(out, parts[0])
	}
	for _, p := range parts[1:] {
		out = append(out, sep+p)
	}
	return out
}

func joinTrimmed(pieces []string) string {
	return strings.TrimSpace(strings.Join(pieces, ""))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// Chunker turns the pages of one report into index chunks.
type Chunker struct {
	splitter     *Splitter
	maxChunkText int
}

// NewChunker creates a chunker; chunk text longer than maxChunkText characters is clipped.
func NewChunker(chunkSize, chunkOverlap, maxChunkText int) *Chunker {
	return &Chunker{
		splitter:     NewSplitter(chunkSize, chunkOverlap),
		maxChunkText: maxChunkText,
	}
}

// Chunk splits every page and numbers the chunks across the whole document, so IDs are
// "{docID}-0" through "{docID}-{n-1}". Each chunk keeps the number of the page it came
// from; pages numbered 0 produce chunks without a page.
func (c *Chunker) Chunk(docID, source, uploader string, pages []models.Page) []models.Chunk {
	var chunks []models.Chunk
	for _, page := range pages {
		text := Preprocess(page.Text)
		if text == "" {
			continue
		}
		var pageNum *int
		if page.Number > 0 {
			n := page.Number
			pageNum = &n
		}
		for _, piece := range c.splitter.Split(text) {
			i := len(chunks)
			chunks = append(chunks, models.Chunk{
				ID:       models.ChunkID(docID, i),
				DocID:    docID,
				Index:    i,
				Text:     utils.Clip(piece, c.maxChunkText),
				Source:   source,
				Uploader: uploader,
				Page:     pageNum,
			})
		}
	}
	return chunks
}
