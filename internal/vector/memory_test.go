package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/medragnosis/medragnosis/internal/models"
)

func intPtr(i int) *int { return &i }

func chunk(id, docID, uploader, text string) models.Chunk {
	return models.Chunk{ID: id, DocID: docID, Uploader: uploader, Text: text, Source: docID + ".pdf"}
}

func TestMemoryIndex_UpsertQuery(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	chunks := []models.Chunk{
		chunk("d1-0", "d1", "alice", "a"),
		chunk("d1-1", "d1", "alice", "b"),
		chunk("d2-0", "d2", "alice", "c"),
		chunk("d3-0", "d3", "bob", "d"),
	}
	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{1, 0, 0},
		{1, 0, 0},
	}
	if err := idx.Upsert(ctx, chunks, vecs); err != nil {
		t.Fatal(err)
	}
	if n, _ := idx.Count(ctx); n != 4 {
		t.Errorf("Count=%d", n)
	}

	results, err := idx.Query(ctx, []float32{1, 0, 0}, 5, ByDocID("d1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results for d1, got %d", len(results))
	}
	if results[0].Chunk.ID != "d1-0" || results[1].Chunk.ID != "d1-1" {
		t.Errorf("unexpected order: %s, %s", results[0].Chunk.ID, results[1].Chunk.ID)
	}
	if results[0].Chunk.Text != "a" || results[0].Chunk.Source != "d1.pdf" {
		t.Errorf("metadata should come back with the match: %+v", results[0].Chunk)
	}

	results, _ = idx.Query(ctx, []float32{1, 0, 0}, 10, ByUploader("alice"))
	for _, r := range results {
		if r.Chunk.Uploader != "alice" {
			t.Errorf("uploader filter leaked %s", r.Chunk.ID)
		}
	}
	if len(results) != 3 {
		t.Errorf("expected alice's 3 chunks, got %d", len(results))
	}

	results, _ = idx.Query(ctx, []float32{1, 0, 0}, 1, ByUploader("alice"))
	if len(results) != 1 || results[0].Chunk.ID != "d1-0" {
		t.Errorf("topK=1 with tie should pick lowest ID, got %+v", results)
	}

	results, _ = idx.Query(ctx, []float32{1, 0, 0}, 5, ByDocID("unknown"))
	if len(results) != 0 {
		t.Errorf("unknown doc should have no matches, got %d", len(results))
	}
}

func TestMemoryIndex_QueryRequiresFilter(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	_, err := idx.Query(context.Background(), []float32{1, 0}, 5, Filter{})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestMemoryIndex_UpsertIsIdempotent(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	c := chunk("d1-0", "d1", "alice", "old")
	_ = idx.Upsert(ctx, []models.Chunk{c}, [][]float32{{1, 0}})
	c.Text = "new"
	_ = idx.Upsert(ctx, []models.Chunk{c}, [][]float32{{0, 1}})

	if idx.Size() != 1 {
		t.Fatalf("expected 1 entry after re-upsert, got %d", idx.Size())
	}
	results, _ := idx.Query(ctx, []float32{0, 1}, 1, ByDocID("d1"))
	if results[0].Chunk.Text != "new" || results[0].Score < 0.99 {
		t.Errorf("last write should win: %+v", results[0])
	}
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(3)
	ctx := context.Background()
	err := idx.Upsert(ctx, []models.Chunk{chunk("a", "d", "u", "")}, [][]float32{{1, 0}})
	if err == nil {
		t.Error("expected dimension mismatch error")
	}
	if idx.Size() != 0 {
		t.Error("failed upsert must not write partially")
	}
	if err := idx.Upsert(ctx, []models.Chunk{chunk("a", "d", "u", "")}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := idx.Query(ctx, []float32{1}, 1, ByDocID("d")); err == nil {
		t.Error("expected query dimension mismatch error")
	}
}

func TestMemoryIndex_Delete(t *testing.T) {
	idx, err := NewMemoryIndex(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	chunks := []models.Chunk{chunk("d1-0", "d1", "alice", "a"), chunk("d1-1", "d1", "alice", "b"), chunk("d2-0", "d2", "alice", "c")}
	if err := idx.Upsert(ctx, chunks, [][]float32{{1, 0}, {0, 1}, {1, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(ctx, []string{"d1-0", "d1-1", "unknown"}); err != nil {
		t.Fatal(err)
	}
	matches, err := idx.Query(ctx, []float32{1, 0}, 10, ByUploader("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Chunk.ID != "d2-0" {
		t.Errorf("after delete got %+v", matches)
	}
}

func TestMemoryIndex_DeleteAll(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []models.Chunk{chunk("x", "d", "u", ""), chunk("y", "d", "u", "")}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 0 {
		t.Errorf("expected empty index, got %d", idx.Size())
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "vectors.bin")
	ctx := context.Background()

	idx, _ := NewMemoryIndex(2)
	withPage := chunk("d1-0", "d1", "alice", "Hemoglobin: 13.5 g/dL")
	withPage.Page = intPtr(2)
	withPage.Index = 0
	noPage := chunk("d2-0", "d2", "alice", "LDL 130")
	_ = idx.Upsert(ctx, []models.Chunk{withPage, noPage}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	loaded, _ := NewMemoryIndex(2)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("expected 2 entries, got %d", loaded.Size())
	}
	results, _ := loaded.Query(ctx, []float32{1, 0}, 1, ByDocID("d1"))
	if len(results) != 1 || !reflect.DeepEqual(results[0].Chunk, withPage) {
		t.Errorf("round trip lost metadata: %+v", results)
	}
	results, _ = loaded.Query(ctx, []float32{0, 1}, 1, ByDocID("d2"))
	if results[0].Chunk.Page != nil {
		t.Error("chunk without page should load without page")
	}

	wrongDim, _ := NewMemoryIndex(3)
	if err := wrongDim.Load(path); err == nil {
		t.Error("expected dimension mismatch on load")
	}
}

func TestMemoryIndex_LoadMissingOrCorrupt(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	if err := idx.Load(filepath.Join(t.TempDir(), "missing.bin")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
	if err := idx.Load(""); err != nil {
		t.Errorf("empty path should be ignored, got %v", err)
	}
	bad := filepath.Join(t.TempDir(), "bad.bin")
	_ = os.WriteFile(bad, []byte("garbage"), 0644)
	if err := idx.Load(bad); err == nil {
		t.Error("expected error for corrupt snapshot")
	}
}

func TestFilter(t *testing.T) {
	c := chunk("d1-0", "d1", "alice", "")
	tests := []struct {
		f    Filter
		want bool
	}{
		{ByDocID("d1"), true},
		{ByDocID("d2"), false},
		{ByUploader("alice"), true},
		{Filter{DocID: "d1", Uploader: "bob"}, false},
	}
	for _, tt := range tests {
		if got := tt.f.Matches(&c); got != tt.want {
			t.Errorf("%+v.Matches = %v, want %v", tt.f, got, tt.want)
		}
	}
	if !(Filter{}).IsEmpty() || ByDocID("x").IsEmpty() {
		t.Error("IsEmpty")
	}
}

func TestInnerProduct(t *testing.T) {
	if InnerProduct([]float32{1, 2}, []float32{3, 4}) != 11 {
		t.Error("inner product")
	}
	if InnerProduct([]float32{1}, []float32{1, 2}) != 0 {
		t.Error("length mismatch should score 0")
	}
}
