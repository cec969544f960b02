package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/medragnosis/medragnosis/internal/models"
)

// indexMagic prefixes saved snapshots.
const indexMagic = "MRV1"

// MemoryIndex is an in-memory vector index using brute-force inner product search.
// It keeps chunk metadata next to each vector so filtered queries need no other store,
// and can be snapshotted to disk with Save/Load.
type MemoryIndex struct {
	dimensions int
	entries    map[string]*entry
	mu         sync.RWMutex
	saveMu     sync.Mutex // one writer of the snapshot file at a time
}

type entry struct {
	chunk  models.Chunk
	vector []float32
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		entries:    make(map[string]*entry),
	}, nil
}

// Upsert stores copies of the vectors keyed by chunk ID.
func (m *MemoryIndex) Upsert(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks and vectors length mismatch")
	}
	for i := range vectors {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range chunks {
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		m.entries[c.ID] = &entry{chunk: c, vector: vec}
	}
	return nil
}

// Query returns the top-k chunks passing filter by inner product. Ties are broken by chunk ID.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if filter.IsEmpty() {
		return nil, fmt.Errorf("vector query without filter: %w", models.ErrValidation)
	}
	if len(vector) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(vector), m.dimensions)
	}
	if topK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	matches := make([]Match, 0)
	for _, e := range m.entries {
		if !filter.Matches(&e.chunk) {
			continue
		}
		matches = append(matches, Match{Chunk: e.chunk, Score: InnerProduct(vector, e.vector)})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
	if topK < len(matches) {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes the given chunk IDs.
func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

// DeleteAll empties the index.
func (m *MemoryIndex) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	return nil
}

// Count returns the number of vectors in the index.
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	return m.Size(), nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Save persists the index to path, writing to a temp file first. Directory is created if needed.
// Format: magic, dimension (4), n (4), then per entry: id, doc_id, source, uploader, text
// (each as len (4) + bytes), chunk index (4), page (4, -1 for none), vector (dimension*4 bytes).
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := m.writeTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *MemoryIndex) writeTo(f io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(indexMagic); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, id := range ids {
		e := m.entries[id]
		for _, s := range []string{e.chunk.ID, e.chunk.DocID, e.chunk.Source, e.chunk.Uploader, e.chunk.Text} {
			if err := writeString(w, s); err != nil {
				return fmt.Errorf("write chunk %s: %w", id, err)
			}
		}
		page := int32(-1)
		if e.chunk.Page != nil {
			page = int32(*e.chunk.Page)
		}
		if err := binary.Write(w, binary.LittleEndian, [2]int32{int32(e.chunk.Index), page}); err != nil {
			return fmt.Errorf("write chunk %s: %w", id, err)
		}
		if _, err := w.Write(float32SliceToBytes(e.vector)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return w.Flush()
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != indexMagic {
		return errors.New("not a vector index snapshot")
	}
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	entries := make(map[string]*entry, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var fields [5]string
		for j := range fields {
			s, err := readString(r)
			if err != nil {
				return fmt.Errorf("read entry %d: %w", i, err)
			}
			fields[j] = s
		}
		var nums [2]int32
		if err := binary.Read(r, binary.LittleEndian, &nums); err != nil {
			return fmt.Errorf("read entry %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		c := models.Chunk{
			ID: fields[0], DocID: fields[1], Source: fields[2], Uploader: fields[3], Text: fields[4],
			Index: int(nums[0]),
		}
		if nums[1] >= 0 {
			p := int(nums[1])
			c.Page = &p
		}
		entries[c.ID] = &entry{chunk: c, vector: bytesToFloat32Slice(buf)}
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
