package retrieval

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// maxEmbedChars bounds the input accepted by Embed. Oversized documents must
// be chunked by the caller; the encoder rejects rather than silently truncates.
const maxEmbedChars = 8000

// ErrEmptyInput is returned when Embed is called with empty text.
var ErrEmptyInput = errors.New("embed: empty input")

// ErrInputTooLong is returned when Embed input exceeds maxEmbedChars.
var ErrInputTooLong = errors.New("embed: input exceeds maximum length")

// EmbeddingClient is the transport that turns text into a vector.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Embedder validates input and generates text embeddings through a backing
// model. The same Embedder instance serves ingestion and query time so that
// similarity scores are comparable.
type Embedder struct {
	client EmbeddingClient
}

// NewEmbedder creates an Embedder using the given embedding transport.
func NewEmbedder(client EmbeddingClient) *Embedder {
	return &Embedder{client: client}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if utf8.RuneCountInString(text) > maxEmbedChars {
		return nil, fmt.Errorf("%w (%d chars, max %d)", ErrInputTooLong, utf8.RuneCountInString(text), maxEmbedChars)
	}
	vec, err := e.client.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the model endpoint.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
