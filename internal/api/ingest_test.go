package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/waterlab/envchat/internal/ingest"
	"github.com/waterlab/envchat/internal/storage"
)

const testToken = "test-token"

func newTestAppHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewAppHandler(AppDeps{
		Store:  store,
		Ingest: ingest.NewService(store),
		Token:  testToken,
	})
	return h, store
}

func doAuthed(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerAuthRequired(t *testing.T) {
	h, _ := newTestAppHandler(t)

	for _, header := range []string{"", "Bearer wrong", "Basic dXNlcg=="} {
		req := httptest.NewRequest(http.MethodGet, "/documents", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: got %d, want 401", header, rec.Code)
		}
	}

	if rec := doAuthed(h, http.MethodGet, "/documents", ""); rec.Code != http.StatusOK {
		t.Errorf("valid token: got %d, want 200", rec.Code)
	}
}

func TestAddAndListDocuments(t *testing.T) {
	h, store := newTestAppHandler(t)

	rec := doAuthed(h, http.MethodPost, "/documents",
		`{"title":"조류경보제","content":"유해남조류 1,000 cells/mL 이상","doc_type":"guideline"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add: got %d, body %s", rec.Code, rec.Body.String())
	}
	var added map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&added); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if added["id"] == "" || added["status"] != "queued" {
		t.Errorf("add response: %v", added)
	}

	// The embed job landed in the queue.
	job, err := store.ClaimNextJob([]string{ingest.JobEmbedDocument})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a queued embed job")
	}

	rec = doAuthed(h, http.MethodGet, "/documents", "")
	var docs []storage.Document
	if err := json.NewDecoder(rec.Body).Decode(&docs); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "조류경보제" {
		t.Errorf("list: %+v", docs)
	}

	rec = doAuthed(h, http.MethodGet, "/documents/"+added["id"], "")
	if rec.Code != http.StatusOK {
		t.Errorf("get: got %d", rec.Code)
	}

	rec = doAuthed(h, http.MethodDelete, "/documents/"+added["id"], "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete: got %d", rec.Code)
	}
	rec = doAuthed(h, http.MethodGet, "/documents/"+added["id"], "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d", rec.Code)
	}
}

func TestAddDocumentValidation(t *testing.T) {
	h, _ := newTestAppHandler(t)

	rec := doAuthed(h, http.MethodPost, "/documents", `{"title":"제목만"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing content: got %d", rec.Code)
	}
}

func TestAddAndQueryObservations(t *testing.T) {
	h, _ := newTestAppHandler(t)

	batch := `{"observations":[
		{"location":"한강","data_type":"algae","datetime":"2024-06-01T09:00:00Z","value":1520,"unit":"cells/mL"},
		{"location":"한강","data_type":"algae","datetime":"2024-06-02T09:00:00Z","value":1710,"unit":"cells/mL"},
		{"location":"팔당호","data_type":"water_quality","datetime":"2024-06-01T10:00:00Z","value":7.1,"unit":"pH"}
	]}`
	rec := doAuthed(h, http.MethodPost, "/observations", batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("add: got %d, body %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if result["inserted"] != float64(3) {
		t.Errorf("inserted: got %v", result["inserted"])
	}

	rec = doAuthed(h, http.MethodGet, "/observations?data_type=algae&location=한강", "")
	var obs []storage.Observation
	if err := json.NewDecoder(rec.Body).Decode(&obs); err != nil {
		t.Fatalf("decoding query: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 algae observations, got %d", len(obs))
	}
	// Newest first, with generated fields filled in.
	if !obs[0].Datetime.After(obs[1].Datetime) {
		t.Error("observations not ordered newest first")
	}
	for _, o := range obs {
		if o.ID == "" {
			t.Error("observation ID should be generated")
		}
		if o.Date.IsZero() {
			t.Error("observation date should be derived from datetime")
		}
	}

	rec = doAuthed(h, http.MethodGet, "/observations?start=2024-06-02&end=2024-06-03", "")
	obs = nil
	if err := json.NewDecoder(rec.Body).Decode(&obs); err != nil {
		t.Fatalf("decoding range query: %v", err)
	}
	if len(obs) != 1 {
		t.Errorf("date range: expected 1 observation, got %d", len(obs))
	}
}

func TestAddObservationsValidation(t *testing.T) {
	h, _ := newTestAppHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty batch", `{"observations":[]}`},
		{"missing location", `{"observations":[{"data_type":"algae","datetime":"2024-06-01T00:00:00Z"}]}`},
		{"missing datetime", `{"observations":[{"location":"한강","data_type":"algae"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doAuthed(h, http.MethodPost, "/observations", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400", rec.Code)
			}
		})
	}
}

func TestQueryObservationsInvalidRange(t *testing.T) {
	h, _ := newTestAppHandler(t)

	rec := doAuthed(h, http.MethodGet, "/observations?start=2024-06-10&end=2024-06-01", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range: got %d, want 400", rec.Code)
	}

	rec = doAuthed(h, http.MethodGet, "/observations?start=junk", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: got %d, want 400", rec.Code)
	}
}

// TestNewRouterCombines checks the combined router keeps the chat surface
// open and the management surface behind auth.
func TestNewRouterCombines(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewRouter(&fakeChatService{}, AppDeps{
		Store:  store,
		Ingest: ingest.NewService(store),
		Token:  testToken,
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health without auth: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("documents without auth: got %d, want 401", rec.Code)
	}

	if rec := doAuthed(h, http.MethodGet, "/documents", ""); rec.Code != http.StatusOK {
		t.Errorf("documents with auth: got %d", rec.Code)
	}
}

func TestListInteractionsEmpty(t *testing.T) {
	h, _ := newTestAppHandler(t)

	rec := doAuthed(h, http.MethodGet, "/interactions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty list should encode as [], got %q", got)
	}
}
