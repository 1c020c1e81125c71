package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waterlab/envchat/internal/storage"
)

// maxFetchBytes bounds how much of a remote document is read.
const maxFetchBytes = 10 << 20

// DocumentStore persists documents and enqueues their embedding jobs.
type DocumentStore interface {
	SaveDocument(doc storage.Document) error
	EnqueueJob(job storage.Job) error
}

// Service adds documents to the store and queues them for embedding. The
// chat path never writes through this; ingestion is a separate concern.
type Service struct {
	store      DocumentStore
	httpClient *http.Client
}

// NewService creates an ingestion Service.
func NewService(store DocumentStore) *Service {
	return &Service{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AddDocument saves the document and enqueues its embedding job. A missing
// ID is generated; a missing doc type defaults to "other".
func (s *Service) AddDocument(ctx context.Context, doc storage.Document) (storage.Document, error) {
	doc.Title = strings.TrimSpace(doc.Title)
	doc.Content = strings.TrimSpace(doc.Content)
	if doc.Content == "" {
		return storage.Document{}, fmt.Errorf("document content is empty")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Title == "" {
		doc.Title = firstLine(doc.Content)
	}
	if doc.DocType == "" {
		doc.DocType = storage.DocTypeOther
	}

	if err := s.store.SaveDocument(doc); err != nil {
		return storage.Document{}, fmt.Errorf("saving document: %w", err)
	}

	payload, err := json.Marshal(embedPayload{DocumentID: doc.ID})
	if err != nil {
		return storage.Document{}, fmt.Errorf("marshaling job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobEmbedDocument,
		PayloadJSON: string(payload),
	}
	if err := s.store.EnqueueJob(job); err != nil {
		return storage.Document{}, fmt.Errorf("enqueueing embed job: %w", err)
	}
	return doc, nil
}

// AddFromURL fetches a page, strips it to plain text, and ingests it.
// The page title becomes the document title when one is present.
func (s *Service) AddFromURL(ctx context.Context, url, docType string) (storage.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return storage.Document{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return storage.Document{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return storage.Document{}, fmt.Errorf("fetching %s: HTTP %d", url, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFetchBytes)
	var title, content string
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		title, content, err = ExtractHTML(body)
		if err != nil {
			return storage.Document{}, fmt.Errorf("extracting text from %s: %w", url, err)
		}
	} else {
		raw, err := io.ReadAll(body)
		if err != nil {
			return storage.Document{}, fmt.Errorf("reading %s: %w", url, err)
		}
		content = string(raw)
	}

	return s.AddDocument(ctx, storage.Document{
		Title:   title,
		Content: content,
		Source:  url,
		DocType: docType,
	})
}

func firstLine(s string) string {
	line := s
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		line = s[:i]
	}
	line = strings.TrimSpace(line)
	if runes := []rune(line); len(runes) > 80 {
		line = string(runes[:80])
	}
	return line
}
