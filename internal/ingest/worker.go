package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/waterlab/envchat/internal/storage"
)

// JobEmbedDocument is the queue job type for pending document embeddings.
const JobEmbedDocument = "embed_document"

// JobStore abstracts the job queue and document access the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingWriter attaches computed embeddings to indexed documents.
type EmbeddingWriter interface {
	SetEmbedding(ctx context.Context, docID string, vector []float32) error
}

// Worker processes embed_document jobs from the SQLite job queue. Documents
// are saved without an embedding and become searchable once the worker has
// embedded them.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	index    EmbeddingWriter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, index EmbeddingWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		index:    index,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobEmbedDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type embedPayload struct {
	DocumentID string `json:"document_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	text, truncated := EmbedText(doc)
	if truncated {
		w.logger.Warn("document cut for embedding", "document_id", doc.ID, "max_chars", maxEmbedTextChars)
	}

	vec, err := w.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	if err := w.index.SetEmbedding(ctx, doc.ID, vec); err != nil {
		return fmt.Errorf("storing embedding for %s: %w", doc.ID, err)
	}
	return nil
}

// maxEmbedTextChars keeps the embed input under the encoder's input limit;
// the encoder rejects oversized text rather than truncating it.
const maxEmbedTextChars = 7000

// EmbedText builds the text that represents a document in the vector index:
// its title followed by as much of the body as fits. The second return
// reports whether the body was cut at the limit.
func EmbedText(doc storage.Document) (string, bool) {
	text := doc.Title + "\n\n" + doc.Content
	runes := []rune(text)
	if len(runes) > maxEmbedTextChars {
		return string(runes[:maxEmbedTextChars]), true
	}
	return text, false
}
