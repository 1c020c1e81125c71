package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/waterlab/envchat/internal/pipeline"
)

type fakeChatService struct {
	resp *pipeline.ChatResponse
	err  error
	got  pipeline.ChatRequest
}

func (f *fakeChatService) ProcessMessage(ctx context.Context, req pipeline.ChatRequest) (*pipeline.ChatResponse, error) {
	f.got = req
	return f.resp, f.err
}

func TestHealth(t *testing.T) {
	h := NewChatHandler(&fakeChatService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body: got %q", got)
	}
}

func TestChatEndpoint(t *testing.T) {
	svc := &fakeChatService{resp: &pipeline.ChatResponse{
		Answer:      "한강 녹조는 관심 단계입니다.",
		Suggestions: []string{"한강 수질 현황도 알려줘"},
		Metadata:    pipeline.Metadata{DocumentCount: 1, Model: "test-model"},
	}}
	h := NewChatHandler(svc)

	body := `{"message":"한강 녹조 수치 알려줘","history":[{"role":"user","content":"안녕"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var resp pipeline.ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Answer != "한강 녹조는 관심 단계입니다." {
		t.Errorf("answer: got %q", resp.Answer)
	}
	if svc.got.Message != "한강 녹조 수치 알려줘" {
		t.Errorf("service received %q", svc.got.Message)
	}
	if len(svc.got.History) != 1 {
		t.Errorf("history: got %d turns", len(svc.got.History))
	}
}

func TestChatEndpointBadJSON(t *testing.T) {
	h := NewChatHandler(&fakeChatService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{not json")))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", rec.Code)
	}
}

// TestChatEndpointErrorMapping checks pipeline error kinds map to distinct
// status codes and the message reaches the client verbatim.
func TestChatEndpointErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		errType  string
		contains string
	}{
		{
			name:     "validation",
			err:      &pipeline.Error{Kind: pipeline.KindValidation, Msg: "message is empty"},
			status:   http.StatusBadRequest,
			errType:  "invalid_request_error",
			contains: "message is empty",
		},
		{
			name:     "retrieval failure",
			err:      &pipeline.Error{Kind: pipeline.KindRetrieval, Msg: "no grounding context retrieved"},
			status:   http.StatusBadGateway,
			errType:  "retrieval_error",
			contains: "no grounding context",
		},
		{
			name:     "generation",
			err:      &pipeline.Error{Kind: pipeline.KindGeneration, Msg: "answer generation failed", Err: errors.New("HTTP 500")},
			status:   http.StatusBadGateway,
			errType:  "api_error",
			contains: "HTTP 500",
		},
		{
			name:     "timeout",
			err:      &pipeline.Error{Kind: pipeline.KindTimeout, Msg: "request exceeded time budget"},
			status:   http.StatusGatewayTimeout,
			errType:  "timeout_error",
			contains: "time budget",
		},
		{
			name:    "unclassified",
			err:     errors.New("boom"),
			status:  http.StatusInternalServerError,
			errType: "api_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChatHandler(&fakeChatService{err: tt.err})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"q"}`)))

			if rec.Code != tt.status {
				t.Errorf("status: got %d, want %d", rec.Code, tt.status)
			}
			var body struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding error body: %v", err)
			}
			if body.Error.Type != tt.errType {
				t.Errorf("error type: got %q, want %q", body.Error.Type, tt.errType)
			}
			if tt.contains != "" && !strings.Contains(body.Error.Message, tt.contains) {
				t.Errorf("error message %q should contain %q", body.Error.Message, tt.contains)
			}
		})
	}
}

func TestParseIntParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=42&neg=-1&junk=abc&big=9999", nil)

	if got := parseIntParam(req, "limit", 20, 100); got != 42 {
		t.Errorf("limit: got %d", got)
	}
	if got := parseIntParam(req, "missing", 20, 100); got != 20 {
		t.Errorf("missing: got %d", got)
	}
	if got := parseIntParam(req, "neg", 20, 100); got != 20 {
		t.Errorf("neg: got %d", got)
	}
	if got := parseIntParam(req, "junk", 20, 100); got != 20 {
		t.Errorf("junk: got %d", got)
	}
	if got := parseIntParam(req, "big", 20, 100); got != 100 {
		t.Errorf("big: got %d", got)
	}
}
