package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/waterlab/envchat/internal/composer"
	"github.com/waterlab/envchat/internal/intent"
	"github.com/waterlab/envchat/internal/llm"
	"github.com/waterlab/envchat/internal/retrieval"
	"github.com/waterlab/envchat/internal/storage"
)

var testNow = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

type fakeRetriever struct {
	docs  []retrieval.ScoredDocument
	err   error
	block bool // wait for ctx cancellation instead of returning
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, topK int) ([]retrieval.ScoredDocument, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.docs, f.err
}

type fakeStore struct {
	mu         sync.Mutex
	obs        []storage.Observation
	queryErr   error
	saveErr    error
	lastFilter storage.ObservationFilter
	queried    bool
	saved      []storage.Interaction
}

func (f *fakeStore) QueryObservations(ctx context.Context, filter storage.ObservationFilter) ([]storage.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = true
	f.lastFilter = filter
	return f.obs, f.queryErr
}

func (f *fakeStore) SaveInteraction(ctx context.Context, it storage.Interaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, it)
	return nil
}

type fakeGenerator struct {
	answer   string
	err      error
	received []llm.Message
}

func (f *fakeGenerator) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	f.received = messages
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeGenerator) ChatModel() string { return "test-model" }

func ptr(f float64) *float64 { return &f }

func newTestService(r *fakeRetriever, st *fakeStore, gen *fakeGenerator, timeout time.Duration) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	interp := intent.NewInterpreterAt(func() time.Time { return testNow })
	builder := composer.NewBuilder(0, 6)
	return NewService(log, r, st, interp, builder, gen, 4, timeout)
}

func algaeObservations() []storage.Observation {
	var obs []storage.Observation
	for i := 0; i < 3; i++ {
		obs = append(obs, storage.Observation{
			ID:       string(rune('a' + i)),
			Location: "한강",
			DataType: storage.DataAlgae,
			Datetime: testNow.Add(-time.Duration(i) * 24 * time.Hour),
			Value:    ptr(float64(1000 + i*200)),
			Unit:     "cells/mL",
		})
	}
	return obs
}

func guidelineDoc() retrieval.ScoredDocument {
	return retrieval.ScoredDocument{
		Document: storage.Document{
			ID:      "g1",
			Title:   "조류경보제 발령 기준",
			Content: "유해남조류 1,000 cells/mL 이상이면 관심 단계가 발령된다.",
			DocType: storage.DocTypeGuideline,
		},
		Score: 0.87,
	}
}

// TestProcessMessageFusion covers the main path: a measurement question pulls
// both retrieval paths and the answer is grounded in documents and data.
func TestProcessMessageFusion(t *testing.T) {
	ret := &fakeRetriever{docs: []retrieval.ScoredDocument{guidelineDoc()}}
	st := &fakeStore{obs: algaeObservations()}
	gen := &fakeGenerator{answer: "한강 녹조는 관심 단계 수준입니다."}
	svc := newTestService(ret, st, gen, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "한강 녹조 수치 알려줘"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	if resp.Answer != "한강 녹조는 관심 단계 수준입니다." {
		t.Errorf("answer: got %q", resp.Answer)
	}
	if resp.Data == nil {
		t.Fatal("expected data payload")
	}
	if len(resp.Data.Results) != 3 {
		t.Errorf("results: got %d, want 3", len(resp.Data.Results))
	}
	if resp.Data.Statistics.Count != 3 {
		t.Errorf("statistics count: got %d", resp.Data.Statistics.Count)
	}
	if resp.Data.Metadata.DataType != storage.DataAlgae || resp.Data.Metadata.Location != "한강" {
		t.Errorf("query metadata: %+v", resp.Data.Metadata)
	}
	if resp.Visualizations == nil {
		t.Fatal("expected a visualization for numeric observations")
	}
	if resp.Visualizations.Type != "line" || resp.Visualizations.Title != "한강 녹조 추이" {
		t.Errorf("visualization: %+v", resp.Visualizations)
	}
	if resp.Metadata.DocumentCount != 1 || resp.Metadata.ObservationCount != 3 {
		t.Errorf("metadata counts: %+v", resp.Metadata)
	}
	if resp.Metadata.Degraded {
		t.Error("degraded should be false")
	}
	if resp.Metadata.Model != "test-model" {
		t.Errorf("model: got %q", resp.Metadata.Model)
	}

	// The composed context must quote both the document and the measurements.
	if len(gen.received) == 0 {
		t.Fatal("generator received no messages")
	}
	system := gen.received[0].Content
	if !strings.Contains(system, "조류경보제 발령 기준") {
		t.Error("composed context missing the guideline document")
	}
	if !strings.Contains(system, "cells/mL") {
		t.Error("composed context missing observation samples")
	}
	if last := gen.received[len(gen.received)-1]; last.Content != "한강 녹조 수치 알려줘" {
		t.Errorf("current message must come last, got %q", last.Content)
	}

	// Intent was translated to an observation filter.
	if st.lastFilter.DataType != storage.DataAlgae || st.lastFilter.Location != "한강" {
		t.Errorf("filter: %+v", st.lastFilter)
	}

	// Interaction recorded.
	if len(st.saved) != 1 {
		t.Fatalf("expected 1 saved interaction, got %d", len(st.saved))
	}
	if st.saved[0].Message != "한강 녹조 수치 알려줘" || st.saved[0].ObservationCount != 3 {
		t.Errorf("saved interaction: %+v", st.saved[0])
	}
}

func TestProcessMessageDateRangeInPayload(t *testing.T) {
	ret := &fakeRetriever{docs: []retrieval.ScoredDocument{guidelineDoc()}}
	st := &fakeStore{obs: algaeObservations()}
	svc := newTestService(ret, st, &fakeGenerator{answer: "ok"}, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "2024년 3월 한강 녹조는?"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Data == nil || resp.Data.Metadata.DateRange == nil {
		t.Fatal("expected a date range in the payload metadata")
	}
	dr := resp.Data.Metadata.DateRange
	if dr.Start != "2024-03-01" || dr.End != "2024-03-31" {
		t.Errorf("date range: %+v", dr)
	}
	if st.lastFilter.Start.IsZero() || st.lastFilter.End.IsZero() {
		t.Errorf("filter missing dates: %+v", st.lastFilter)
	}
}

// TestProcessMessageDegradedStore: one failed path degrades the answer
// instead of failing the request.
func TestProcessMessageDegradedStore(t *testing.T) {
	ret := &fakeRetriever{docs: []retrieval.ScoredDocument{guidelineDoc()}}
	st := &fakeStore{queryErr: errors.New("disk gone")}
	svc := newTestService(ret, st, &fakeGenerator{answer: "문서 기준으로 답변드립니다."}, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "한강 녹조 수치 알려줘"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !resp.Metadata.Degraded {
		t.Error("degraded flag should be set")
	}
	if resp.Data != nil {
		t.Error("data payload should be nil when no observations matched")
	}
	if resp.Visualizations != nil {
		t.Error("no visualization without observations")
	}
}

func TestProcessMessageDegradedRetriever(t *testing.T) {
	ret := &fakeRetriever{err: errors.New("index offline")}
	st := &fakeStore{obs: algaeObservations()}
	svc := newTestService(ret, st, &fakeGenerator{answer: "측정 데이터 기준으로 답변드립니다."}, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "한강 녹조 수치 알려줘"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !resp.Metadata.Degraded {
		t.Error("degraded flag should be set")
	}
	if resp.Metadata.DocumentCount != 0 || resp.Metadata.ObservationCount != 3 {
		t.Errorf("metadata counts: %+v", resp.Metadata)
	}
}

// TestProcessMessageTotalFailure: with nothing retrieved on either path the
// request fails; no answer is fabricated.
func TestProcessMessageTotalFailure(t *testing.T) {
	ret := &fakeRetriever{err: errors.New("index offline")}
	st := &fakeStore{queryErr: errors.New("disk gone")}
	gen := &fakeGenerator{answer: "should never be produced"}
	svc := newTestService(ret, st, gen, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "한강 녹조 수치 알려줘"})
	if err == nil {
		t.Fatal("expected error, got response")
	}
	if resp != nil {
		t.Error("no response on total retrieval failure")
	}
	if KindOf(err) != KindRetrieval {
		t.Errorf("error kind: got %v, want %v", KindOf(err), KindRetrieval)
	}
	if gen.received != nil {
		t.Error("generator must not be called without grounding context")
	}
}

func TestProcessMessageBothEmpty(t *testing.T) {
	// No errors, just nothing found: still a retrieval failure.
	svc := newTestService(&fakeRetriever{}, &fakeStore{}, &fakeGenerator{answer: "x"}, 5*time.Second)

	_, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "한강 녹조 수치 알려줘"})
	if KindOf(err) != KindRetrieval {
		t.Errorf("error kind: got %v, want %v", KindOf(err), KindRetrieval)
	}
}

func TestProcessMessageValidation(t *testing.T) {
	svc := newTestService(&fakeRetriever{}, &fakeStore{}, &fakeGenerator{}, 5*time.Second)

	for _, message := range []string{"", "   ", strings.Repeat("가", maxMessageChars+1)} {
		_, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: message})
		if KindOf(err) != KindValidation {
			t.Errorf("message %q: got kind %v, want %v", message[:min(len(message), 10)], KindOf(err), KindValidation)
		}
	}
}

func TestProcessMessageTimeout(t *testing.T) {
	ret := &fakeRetriever{block: true}
	st := &fakeStore{obs: algaeObservations()}
	svc := newTestService(ret, st, &fakeGenerator{answer: "x"}, 50*time.Millisecond)

	_, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "한강 녹조 수치 알려줘"})
	if KindOf(err) != KindTimeout {
		t.Errorf("error kind: got %v, want %v", KindOf(err), KindTimeout)
	}
}

func TestProcessMessageGenerationError(t *testing.T) {
	ret := &fakeRetriever{docs: []retrieval.ScoredDocument{guidelineDoc()}}
	genErr := &llm.FatalError{Status: 401, Body: "bad key"}
	svc := newTestService(ret, &fakeStore{}, &fakeGenerator{err: genErr}, 5*time.Second)

	_, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "조류경보제 기준이 뭐야"})
	if KindOf(err) != KindGeneration {
		t.Errorf("error kind: got %v, want %v", KindOf(err), KindGeneration)
	}
	if !errors.Is(err, genErr) {
		t.Error("generation error should wrap the model error")
	}
}

// TestProcessMessageDocumentOnly: a message without measurement vocabulary
// skips the observation store entirely.
func TestProcessMessageDocumentOnly(t *testing.T) {
	ret := &fakeRetriever{docs: []retrieval.ScoredDocument{guidelineDoc()}}
	st := &fakeStore{obs: algaeObservations()}
	svc := newTestService(ret, st, &fakeGenerator{answer: "발령 기준은 다음과 같습니다."}, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "발령 절차를 설명해줘"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if st.queried {
		t.Error("observation store must not be queried without measurement intent")
	}
	if resp.Data != nil {
		t.Error("no data payload for a document-only question")
	}
	if resp.Metadata.ObservationCount != 0 {
		t.Errorf("observation count: got %d", resp.Metadata.ObservationCount)
	}
}

func TestProcessMessageNoVisualizationWithoutValues(t *testing.T) {
	obs := algaeObservations()
	for i := range obs {
		obs[i].Value = nil
		obs[i].QualityFlag = storage.QualityMissing
	}
	ret := &fakeRetriever{docs: []retrieval.ScoredDocument{guidelineDoc()}}
	svc := newTestService(ret, &fakeStore{obs: obs}, &fakeGenerator{answer: "x"}, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "한강 녹조 수치 알려줘"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Visualizations != nil {
		t.Error("no visualization when every value is missing")
	}
	if resp.Data == nil {
		t.Error("data payload still carries the flagged observations")
	}
}

// TestProcessMessageRecordFailureIgnored: persisting the interaction is
// best-effort.
func TestProcessMessageRecordFailureIgnored(t *testing.T) {
	ret := &fakeRetriever{docs: []retrieval.ScoredDocument{guidelineDoc()}}
	st := &fakeStore{saveErr: errors.New("readonly database")}
	svc := newTestService(ret, st, &fakeGenerator{answer: "답변"}, 5*time.Second)

	resp, err := svc.ProcessMessage(context.Background(), ChatRequest{Message: "조류경보제 기준이 뭐야"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Answer != "답변" {
		t.Errorf("answer: got %q", resp.Answer)
	}
}

func TestSuggestions(t *testing.T) {
	t.Run("related type with location", func(t *testing.T) {
		it := intent.Intent{Measurement: true, DataType: storage.DataAlgae, Location: "한강"}
		got := suggest(it, nil, algaeObservations())
		if len(got) == 0 || got[0] != "한강 수질 현황도 알려줘" {
			t.Errorf("suggestions: %v", got)
		}
		if len(got) > maxSuggestions {
			t.Errorf("too many suggestions: %d", len(got))
		}
	})

	t.Run("unused doc topic", func(t *testing.T) {
		docs := []retrieval.ScoredDocument{{
			Document: storage.Document{Title: "기상 관측 지침", Content: "강수량 관측 요령"},
		}}
		it := intent.Intent{Measurement: true, DataType: storage.DataAlgae, Location: "한강"}
		got := suggest(it, docs, nil)
		found := false
		for _, s := range got {
			if s == "기상 관련 기준에 대해 알려줘" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected a weather doc-topic suggestion, got %v", got)
		}
	})

	t.Run("hints for missing filters", func(t *testing.T) {
		it := intent.Intent{Measurement: true, DataType: storage.DataHydrology}
		got := suggest(it, nil, nil)
		joined := strings.Join(got, " / ")
		if !strings.Contains(joined, "특정 지역") {
			t.Errorf("expected a location hint, got %v", got)
		}
		if !strings.Contains(joined, "기간을 지정") {
			t.Errorf("expected a date-range hint, got %v", got)
		}
	})

	t.Run("fallback", func(t *testing.T) {
		got := suggest(intent.Intent{}, nil, nil)
		if len(got) != 1 {
			t.Fatalf("expected one fallback suggestion, got %v", got)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		it := intent.Intent{Measurement: true, DataType: storage.DataWaterQuality, Location: "팔당호"}
		docs := []retrieval.ScoredDocument{{Document: storage.Document{Title: "녹조 대응 요령", Content: "기상 전망"}}}
		first := strings.Join(suggest(it, docs, algaeObservations()), "|")
		for i := 0; i < 5; i++ {
			if got := strings.Join(suggest(it, docs, algaeObservations()), "|"); got != first {
				t.Fatalf("suggestions changed between runs: %q vs %q", got, first)
			}
		}
	})
}

func TestErrorKinds(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors have no kind")
	}
	err := generationError(errors.New("boom"))
	if KindOf(err) != KindGeneration {
		t.Errorf("kind: got %v", KindOf(err))
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("message: got %q", err.Error())
	}
}
