package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/waterlab/envchat/internal/ingest"
	"github.com/waterlab/envchat/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

// IngestRequest is the management API body for adding a document. Either
// content or url must be set; url documents are fetched and stripped to text.
type IngestRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source"`
	DocType string `json:"doc_type"`
	URL     string `json:"url"`
}

// ObservationBatch is the management API body for loading measurements.
type ObservationBatch struct {
	Observations []storage.Observation `json:"observations"`
}

// AppDeps holds dependencies for the bearer-protected management API.
type AppDeps struct {
	Store  *storage.Store
	Ingest *ingest.Service
	Token  string
}

// NewAppHandler returns the management API: document and observation
// ingestion plus interaction inspection, all behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))
	addAppRoutes(r, deps)
	return r
}

func addAppRoutes(r chi.Router, deps AppDeps) {
	r.Post("/documents", handleAddDocument(deps))
	r.Get("/documents", handleListDocuments(deps))
	r.Get("/documents/{id}", handleGetDocument(deps))
	r.Delete("/documents/{id}", handleDeleteDocument(deps))
	r.Post("/observations", handleAddObservations(deps))
	r.Get("/observations", handleQueryObservations(deps))
	r.Get("/interactions", handleListInteractions(deps))
}

func handleAddDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}

		var (
			doc storage.Document
			err error
		)
		if req.URL != "" {
			doc, err = deps.Ingest.AddFromURL(r.Context(), req.URL, req.DocType)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to ingest url: %v", err)
				return
			}
		} else {
			doc, err = deps.Ingest.AddDocument(r.Context(), storage.Document{
				Title:   req.Title,
				Content: req.Content,
				Source:  req.Source,
				DocType: req.DocType,
			})
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListDocuments(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(docs)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleAddObservations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var batch ObservationBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(batch.Observations) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "observations is required and must not be empty")
			return
		}

		for i := range batch.Observations {
			o := &batch.Observations[i]
			if o.Location == "" || o.DataType == "" || o.Datetime.IsZero() {
				httpError(w, http.StatusBadRequest, "invalid_request_error",
					"observation %d: location, data_type, and datetime are required", i)
				return
			}
			if o.ID == "" {
				o.ID = uuid.NewString()
			}
			if o.Date.IsZero() {
				o.Date = o.Datetime.UTC().Truncate(24 * time.Hour)
			}
		}

		if err := deps.Store.InsertObservations(r.Context(), batch.Observations); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to insert observations: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "inserted",
			"inserted": len(batch.Observations),
		})
	}
}

func handleQueryObservations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.ObservationFilter{
			DataType: r.URL.Query().Get("data_type"),
			Location: r.URL.Query().Get("location"),
			Limit:    parseIntParam(r, "limit", 0, 500),
		}

		var err error
		if f.Start, err = parseDateParam(r, "start"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if f.End, err = parseDateParam(r, "end"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		obs, err := deps.Store.QueryObservations(r.Context(), f)
		if errors.Is(err, storage.ErrInvalidDateRange) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query observations: %v", err)
			return
		}
		if obs == nil {
			obs = []storage.Observation{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(obs)
	}
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		interactions, err := deps.Store.ListInteractions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interactions)
	}
}

// parseDateParam accepts RFC 3339 or a bare YYYY-MM-DD date.
func parseDateParam(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.New("invalid " + key + " date: " + s)
	}
	return t, nil
}
