package retrieval

import (
	"context"
)

// Retriever combines embedding and vector search to find relevant documents.
type Retriever struct {
	embedder *Embedder
	index    DocumentIndex
}

// NewRetriever creates a Retriever backed by the given Embedder and DocumentIndex.
func NewRetriever(embedder *Embedder, index DocumentIndex) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve embeds the query and returns the top-K most similar documents.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]ScoredDocument, error) {
	return r.RetrieveFiltered(ctx, query, topK, "")
}

// RetrieveFiltered is Retrieve restricted to one document type.
func (r *Retriever) RetrieveFiltered(ctx context.Context, query string, topK int, docType string) ([]ScoredDocument, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(ctx, vec, topK, docType)
}
