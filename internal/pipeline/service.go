package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/waterlab/envchat/internal/composer"
	"github.com/waterlab/envchat/internal/intent"
	"github.com/waterlab/envchat/internal/llm"
	"github.com/waterlab/envchat/internal/retrieval"
	"github.com/waterlab/envchat/internal/storage"
)

// maxMessageChars bounds the accepted user message length.
const maxMessageChars = 4000

// DocumentRetriever finds the documents most similar to a query.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]retrieval.ScoredDocument, error)
}

// ObservationStore reads measurements and records processed interactions.
type ObservationStore interface {
	QueryObservations(ctx context.Context, f storage.ObservationFilter) ([]storage.Observation, error)
	SaveInteraction(ctx context.Context, it storage.Interaction) error
}

// Generator produces an answer from the composed chat messages.
type Generator interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
	ChatModel() string
}

// ChatRequest is one inbound chat turn. History is ordered oldest first and
// is read-only input; the pipeline never persists it.
type ChatRequest struct {
	Message string          `json:"message"`
	History []composer.Turn `json:"history"`
}

// ChatResponse is the assembled result of one processed message.
type ChatResponse struct {
	Answer         string         `json:"answer"`
	Suggestions    []string       `json:"suggestions"`
	Data           *DataPayload   `json:"data"`
	Visualizations *Visualization `json:"visualizations"`
	Metadata       Metadata       `json:"metadata"`
}

// DataPayload carries the matched observations verbatim; aggregation beyond
// the summary statistics is a presentation concern.
type DataPayload struct {
	Results    []storage.Observation `json:"results"`
	Statistics storage.Statistics    `json:"statistics"`
	Metadata   QueryMetadata         `json:"metadata"`
}

// QueryMetadata echoes the interpreted filters the observations matched.
type QueryMetadata struct {
	DataType   string     `json:"data_type,omitempty"`
	Location   string     `json:"location,omitempty"`
	DateRange  *DateRange `json:"date_range,omitempty"`
	TotalFound int        `json:"total_found"`
}

// DateRange is an inclusive date window in YYYY-MM-DD form.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Visualization describes how a client should chart the data payload.
type Visualization struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	XField string `json:"x_field"`
	YField string `json:"y_field"`
}

// Metadata reports how the response was produced.
type Metadata struct {
	DocumentCount    int    `json:"document_count"`
	ObservationCount int    `json:"observation_count"`
	Degraded         bool   `json:"degraded"`
	Model            string `json:"model"`
	LatencyMs        int64  `json:"latency_ms"`
}

// Service runs the chat pipeline: interpret, retrieve concurrently, compose,
// generate, assemble. Requests share nothing but the read-mostly stores.
type Service struct {
	log       *slog.Logger
	retriever DocumentRetriever
	store     ObservationStore
	interp    *intent.Interpreter
	builder   *composer.Builder
	generator Generator
	topK      int
	timeout   time.Duration
}

// NewService wires a pipeline Service from its collaborators.
func NewService(log *slog.Logger, retriever DocumentRetriever, store ObservationStore, interp *intent.Interpreter, builder *composer.Builder, generator Generator, topK int, timeout time.Duration) *Service {
	return &Service{
		log:       log,
		retriever: retriever,
		store:     store,
		interp:    interp,
		builder:   builder,
		generator: generator,
		topK:      topK,
		timeout:   timeout,
	}
}

// ProcessMessage runs one chat turn end to end. The whole pipeline shares a
// single timeout budget; on expiry in-flight retrieval is cancelled and the
// request fails rather than returning a partial answer.
func (s *Service) ProcessMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, validationError("message is empty")
	}
	if utf8.RuneCountInString(message) > maxMessageChars {
		return nil, validationError(fmt.Sprintf("message exceeds %d characters", maxMessageChars))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	it := s.interp.Interpret(message)

	// Both retrieval paths run concurrently and fail independently; the
	// closures return nil so one path's failure never cancels the other.
	var (
		docs   []retrieval.ScoredDocument
		docErr error
		obs    []storage.Observation
		obsErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		docs, docErr = s.retriever.Retrieve(ctx, message, s.topK)
		return nil
	})
	if it.Measurement {
		g.Go(func() error {
			obs, obsErr = s.store.QueryObservations(ctx, filterFromIntent(it))
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return nil, timeoutError(ctx.Err())
	}
	if docErr != nil {
		s.log.Warn("document retrieval failed", "error", docErr)
	}
	if obsErr != nil {
		s.log.Warn("observation query failed", "error", obsErr)
	}

	// With nothing retrieved on either path the context would be fully
	// ungrounded; fail instead of generating a hallucination-prone answer.
	if len(docs) == 0 && len(obs) == 0 {
		return nil, retrievalFailure("no grounding context retrieved", errors.Join(docErr, obsErr))
	}
	degraded := docErr != nil || obsErr != nil

	stats := storage.Summarize(obs)
	messages := s.builder.Build(message, req.History, docs, obs, stats)

	answer, err := s.generator.Chat(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutError(ctx.Err())
		}
		return nil, generationError(err)
	}

	resp := &ChatResponse{
		Answer:         answer,
		Suggestions:    suggest(it, docs, obs),
		Data:           dataPayload(it, obs, stats),
		Visualizations: visualization(it, obs),
		Metadata: Metadata{
			DocumentCount:    len(docs),
			ObservationCount: len(obs),
			Degraded:         degraded,
			Model:            s.generator.ChatModel(),
			LatencyMs:        time.Since(start).Milliseconds(),
		},
	}

	s.record(ctx, message, resp)
	return resp, nil
}

// record persists the interaction best-effort; a logging failure never fails
// the request that produced the answer.
func (s *Service) record(ctx context.Context, message string, resp *ChatResponse) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.store.SaveInteraction(saveCtx, storage.Interaction{
		Message:          message,
		Answer:           resp.Answer,
		DocumentCount:    resp.Metadata.DocumentCount,
		ObservationCount: resp.Metadata.ObservationCount,
		Degraded:         resp.Metadata.Degraded,
		Model:            resp.Metadata.Model,
		LatencyMs:        resp.Metadata.LatencyMs,
	})
	if err != nil {
		s.log.Warn("saving interaction failed", "error", err)
	}
}

func filterFromIntent(it intent.Intent) storage.ObservationFilter {
	f := storage.ObservationFilter{
		DataType: it.DataType,
		Location: it.Location,
	}
	if it.HasDateRange() {
		f.Start = it.Start
		f.End = it.End
	}
	return f
}

// dataPayload is nil when nothing matched, so clients can distinguish "no
// structured data" from an empty result set they should render.
func dataPayload(it intent.Intent, obs []storage.Observation, stats storage.Statistics) *DataPayload {
	if len(obs) == 0 {
		return nil
	}
	meta := QueryMetadata{
		DataType:   it.DataType,
		Location:   it.Location,
		TotalFound: len(obs),
	}
	if it.HasDateRange() {
		meta.DateRange = &DateRange{
			Start: it.Start.Format("2006-01-02"),
			End:   it.End.Format("2006-01-02"),
		}
	}
	return &DataPayload{Results: obs, Statistics: stats, Metadata: meta}
}

// visualization describes a time-series chart when the observations carry
// numeric primary values; absent otherwise.
func visualization(it intent.Intent, obs []storage.Observation) *Visualization {
	if len(obs) == 0 {
		return nil
	}
	numeric := false
	for _, o := range obs {
		if o.Value != nil {
			numeric = true
			break
		}
	}
	if !numeric {
		return nil
	}
	title := dataTypeName(it.DataType) + " 추이"
	if it.Location != "" {
		title = it.Location + " " + title
	}
	return &Visualization{Type: "line", Title: title, XField: "datetime", YField: "value"}
}
