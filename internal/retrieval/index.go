package retrieval

import (
	"context"

	"github.com/waterlab/envchat/internal/storage"
)

// ScoredDocument is a document with its cosine similarity score attached.
type ScoredDocument struct {
	storage.Document
	Score float32
}

// DocumentIndex is the interface for document storage and similarity search.
// The similarity metric is cosine similarity throughout: scores are in
// [-1, 1] and higher means more similar. The default implementation is
// SQLiteIndex, brute-force over the documents table; an ANN-backed
// implementation can replace it once the corpus outgrows a linear scan.
type DocumentIndex interface {
	// Upsert stores or overwrites a document together with its embedding.
	Upsert(ctx context.Context, doc storage.Document) error

	// Search returns the top-K documents most similar to the query vector,
	// ordered by descending score with ties broken by most recent update.
	// docType optionally restricts results to one document type.
	// An empty index yields an empty result, not an error; a query vector
	// whose dimension differs from the stored vectors is an error.
	Search(ctx context.Context, vector []float32, topK int, docType string) ([]ScoredDocument, error)

	// SetEmbedding attaches a freshly computed embedding to an existing document.
	SetEmbedding(ctx context.Context, docID string, vector []float32) error

	// Count returns the number of documents that have an embedding.
	Count(ctx context.Context) (int, error)
}
