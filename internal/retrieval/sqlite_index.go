package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/waterlab/envchat/internal/storage"
)

// Compile-time check that SQLiteIndex implements DocumentIndex.
var _ DocumentIndex = (*SQLiteIndex)(nil)

// SQLiteIndex provides vector storage and brute-force cosine similarity
// search over the documents table. Documents without an embedding (not yet
// processed by the ingest worker) are skipped during search.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations.
// The documents table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert stores or overwrites a document together with its embedding.
func (s *SQLiteIndex) Upsert(ctx context.Context, doc storage.Document) error {
	now := time.Now().UTC()
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var blob []byte
	if doc.Embedding != nil {
		blob = encodeFloat32s(doc.Embedding)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, source, doc_type, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			source = excluded.source,
			doc_type = excluded.doc_type,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Title, doc.Content, doc.Source, doc.DocType, blob,
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting document %s: %w", doc.ID, err)
	}
	return nil
}

// SetEmbedding attaches a freshly computed embedding to an existing document.
func (s *SQLiteIndex) SetEmbedding(ctx context.Context, docID string, vector []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET embedding = ?, updated_at = ? WHERE id = ?`,
		encodeFloat32s(vector), time.Now().UTC().Format(time.RFC3339), docID,
	)
	if err != nil {
		return fmt.Errorf("setting embedding for %s: %w", docID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// candidate holds only what the scan phase needs to rank a document.
type candidate struct {
	ID        string
	Score     float32
	UpdatedAt string
}

// Search performs brute-force cosine similarity search over all embedded
// documents, returning the top-K most similar.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, topK int, docType string) ([]ScoredDocument, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding + updated_at to find top-K candidates.
	query := `SELECT id, embedding, updated_at FROM documents WHERE embedding IS NOT NULL`
	var args []interface{}
	if docType != "" {
		query += ` AND doc_type = ?`
		args = append(args, docType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &blob, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		if len(buf) != len(vector) {
			return nil, fmt.Errorf("query vector dimension %d does not match index dimension %d", len(vector), len(buf))
		}

		c.Score = cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, c)
		} else if less((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full documents only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		topIDs[i] = c.ID
		scores[c.ID] = c.Score
	}

	queryArgs := make([]interface{}, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, title, content, source, doc_type, embedding, created_at, updated_at
		FROM documents WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K documents: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredDocument
	for fullRows.Next() {
		var d storage.Document
		var blob []byte
		var createdAt, updatedAt string
		if err := fullRows.Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.DocType, &blob, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning full document: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", d.ID, err)
		}
		d.Embedding = embedding
		if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, ScoredDocument{Document: d, Score: scores[d.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full documents: %w", err)
	}

	// Sort by score descending, most recently updated first on ties
	// (the IN query doesn't preserve order).
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})

	return results, nil
}

// Count returns the number of documents that have an embedding.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE embedding IS NOT NULL").Scan(&count)
	return count, err
}

// less orders candidates for the min-heap: lower score first, older update
// first on ties, so the heap root is always the weakest candidate.
func less(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.UpdatedAt < b.UpdatedAt
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateHeap is a min-heap of candidates, weakest at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
