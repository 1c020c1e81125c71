package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/waterlab/envchat/internal/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ChatService runs one chat turn through the pipeline.
type ChatService interface {
	ProcessMessage(ctx context.Context, req pipeline.ChatRequest) (*pipeline.ChatResponse, error)
}

// NewChatHandler returns the public chat API: a health probe and the single
// chat operation.
func NewChatHandler(svc ChatService) http.Handler {
	r := chi.NewRouter()
	addChatRoutes(r, svc)
	return r
}

// NewRouter combines the public chat API and the bearer-protected management
// API on a single router.
func NewRouter(svc ChatService, deps AppDeps) http.Handler {
	r := chi.NewRouter()
	addChatRoutes(r, svc)
	r.Group(func(g chi.Router) {
		g.Use(BearerAuth(deps.Token))
		addAppRoutes(g, deps)
	})
	return r
}

func addChatRoutes(r chi.Router, svc ChatService) {
	r.Get("/health", handleHealth)
	r.Post("/chat", handleChat(svc))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleChat(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req pipeline.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := svc.ProcessMessage(r.Context(), req)
		if err != nil {
			writePipelineError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// writePipelineError maps pipeline error kinds to HTTP status codes. The
// error message is passed through verbatim; the pipeline never produces a
// fabricated answer in place of an error.
func writePipelineError(w http.ResponseWriter, err error) {
	switch pipeline.KindOf(err) {
	case pipeline.KindValidation:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case pipeline.KindRetrieval:
		httpError(w, http.StatusBadGateway, "retrieval_error", "%v", err)
	case pipeline.KindGeneration:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	case pipeline.KindTimeout:
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
