package indexer

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/medragnosis/medragnosis/internal/models"
)

func TestSplitter_Split(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
		text    string
		want    []string
	}{
		{
			name: "fits in one chunk",
			size: 500, overlap: 100,
			text: "short",
			want: []string{"short"},
		},
		{
			name: "words with overlap",
			size: 10, overlap: 4,
			text: "one two three four five six seven",
			want: []string{"one two", "two three", "four five", "six seven"},
		},
		{
			name: "paragraph then line boundaries",
			size: 25, overlap: 0,
			text: "Hemoglobin: 13.5 g/dL\nWBC: 6.1\n\nImpression: normal",
			want: []string{"Hemoglobin: 13.5 g/dL", "WBC: 6.1", "Impression: normal"},
		},
		{
			name: "character fallback",
			size: 4, overlap: 1,
			text: "abcdefghij",
			want: []string{"abcd", "defg", "ghij"},
		},
		{
			name: "empty",
			size: 10, overlap: 2,
			text: "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewSplitter(tt.size, tt.overlap).Split(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitter_OverlapAndBounds(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = fmt.Sprintf("w%03d", i)
	}
	chunks := NewSplitter(500, 100).Split(strings.Join(words, " "))
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 500 {
			t.Errorf("chunk %d has %d characters", i, n)
		}
	}
	if !strings.HasSuffix(chunks[0], "w099") || !strings.HasPrefix(chunks[1], "w080") {
		t.Errorf("expected 100 characters of overlap between chunk 0 and 1: %q / %q",
			chunks[0][len(chunks[0])-20:], chunks[1][:20])
	}
}

func TestSplitter_Deterministic(t *testing.T) {
	text := strings.Repeat("Cholesterol total 220 mg/dL. LDL 130 mg/dL.\n", 40)
	s := NewSplitter(500, 100)
	a, b := s.Split(text), s.Split(text)
	if !reflect.DeepEqual(a, b) {
		t.Error("Split should be deterministic")
	}
}

func TestNewSplitter_clampsOverlap(t *testing.T) {
	s := NewSplitter(10, 10)
	if s.chunkOverlap != 0 {
		t.Errorf("overlap >= size should clamp to 0, got %d", s.chunkOverlap)
	}
}

func TestChunker_Chunk(t *testing.T) {
	c := NewChunker(25, 0, 2000)
	pages := []models.Page{
		{Number: 1, Text: "Hemoglobin: 13.5 g/dL\nWBC: 6.1"},
		{Number: 2, Text: "   "},
		{Number: 3, Text: "Impression: normal"},
	}
	chunks := c.Chunk("doc1", "cbc.pdf", "alice", pages)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	wantPages := []int{1, 1, 3}
	for i, ch := range chunks {
		if ch.ID != fmt.Sprintf("doc1-%d", i) || ch.Index != i {
			t.Errorf("chunk %d: ID=%s Index=%d", i, ch.ID, ch.Index)
		}
		if ch.DocID != "doc1" || ch.Source != "cbc.pdf" || ch.Uploader != "alice" {
			t.Errorf("chunk %d metadata: %+v", i, ch)
		}
		if ch.Page == nil || *ch.Page != wantPages[i] {
			t.Errorf("chunk %d page: got %v, want %d", i, ch.Page, wantPages[i])
		}
	}
}

func TestChunker_PlainTextHasNoPage(t *testing.T) {
	c := NewChunker(500, 100, 2000)
	chunks := c.Chunk("d", "cbc.txt", "alice", []models.Page{{Number: 0, Text: "Hemoglobin: 13.5 g/dL"}})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Page != nil {
		t.Errorf("plain text chunk should have no page, got %d", *chunks[0].Page)
	}
	if chunks[0].Text != "Hemoglobin: 13.5 g/dL" {
		t.Errorf("got %q", chunks[0].Text)
	}
}

func TestChunker_ClipsText(t *testing.T) {
	// A single unbroken token longer than the chunk size survives the splitter intact.
	c := NewChunker(3000, 0, 2000)
	chunks := c.Chunk("d", "x.txt", "alice", []models.Page{{Text: strings.Repeat("é", 2500)}})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if n := utf8.RuneCountInString(chunks[0].Text); n != 2000 {
		t.Errorf("chunk text should be clipped to 2000 characters, got %d", n)
	}
}

func TestChunker_ChunkEmpty(t *testing.T) {
	c := NewChunker(5, 1, 2000)
	if chunks := c.Chunk("d", "x", "u", []models.Page{{Text: "   \n\t  "}}); chunks != nil {
		t.Errorf("empty text should return nil, got %v", chunks)
	}
	if chunks := c.Chunk("d", "x", "u", nil); chunks != nil {
		t.Errorf("no pages should return nil, got %v", chunks)
	}
}

func TestPreprocess(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  a  b  ", "a b"},
		{"line1\r\nline2", "line1\nline2"},
		{"a\n\n\n\nb", "a\n\nb"},
		{"a \t \nb", "a\nb"},
		{"\n\n  \n", ""},
	}
	for _, tt := range tests {
		if got := Preprocess(tt.in); got != tt.want {
			t.Errorf("Preprocess(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
