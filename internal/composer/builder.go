package composer

import (
	"fmt"
	"strings"

	"github.com/waterlab/envchat/internal/llm"
	"github.com/waterlab/envchat/internal/retrieval"
	"github.com/waterlab/envchat/internal/storage"
)

const (
	// maxDocExcerptChars bounds how much of each document body is quoted
	// into the prompt. Longer documents are cut at a rune boundary.
	maxDocExcerptChars = 1500

	// maxObservationSamples bounds how many individual measurements are
	// quoted; the statistics block covers the rest.
	maxObservationSamples = 10
)

// systemPrompt grounds the model as an environmental data analyst. Answers
// must stay within the supplied documents and measurements.
const systemPrompt = `당신은 환경 모니터링 데이터 분석 전문가입니다. 수질, 녹조, 수문, 기상 데이터를 바탕으로 사용자의 질문에 답변합니다.

규칙:
- 아래에 제공된 참고 문서와 측정 데이터만 근거로 사용하세요. 근거가 없는 내용은 추측하지 말고 데이터가 없다고 답하세요.
- 수치를 인용할 때는 측정 위치와 날짜를 함께 제시하세요.
- 한국어로 명확하고 간결하게 답변하세요.`

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Builder assembles the message list sent to the chat model. Sections appear
// in a fixed order: system prompt, document excerpts ranked by similarity,
// observation summary, recent history, then the current message. When the
// estimated size exceeds MaxContextTokens, whole sections are dropped in a
// fixed priority: lowest-ranked documents first, then oldest history turns.
// The current message, the system prompt, and the highest-ranked document
// are never dropped.
type Builder struct {
	MaxContextTokens int
	HistoryTurns     int
}

// NewBuilder creates a Builder with the given token budget and history window.
func NewBuilder(maxContextTokens, historyTurns int) *Builder {
	return &Builder{MaxContextTokens: maxContextTokens, HistoryTurns: historyTurns}
}

// EstimateTokens approximates the token count of a string. The heuristic
// (about four bytes per token) only needs to be stable, not exact: the same
// inputs must always truncate the same way.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Build assembles the chat messages for one pipeline turn.
func (b *Builder) Build(message string, history []Turn, docs []retrieval.ScoredDocument, obs []storage.Observation, stats storage.Statistics) []llm.Message {
	if b.HistoryTurns > 0 && len(history) > b.HistoryTurns {
		history = history[len(history)-b.HistoryTurns:]
	}

	docBlocks := make([]string, len(docs))
	for i, doc := range docs {
		docBlocks[i] = formatDocument(i+1, doc)
	}
	obsBlock := formatObservations(obs, stats)

	// The highest-ranked document is kept even over budget: it is the
	// strongest grounding the answer has.
	for b.overBudget(message, history, docBlocks, obsBlock) && len(docBlocks) > 1 {
		docBlocks = docBlocks[:len(docBlocks)-1]
	}
	for b.overBudget(message, history, docBlocks, obsBlock) && len(history) > 0 {
		history = history[1:]
	}

	messages := []llm.Message{{Role: "system", Content: b.systemContent(docBlocks, obsBlock)}}
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return append(messages, llm.Message{Role: "user", Content: message})
}

// systemContent joins the grounding prompt with the non-empty context blocks.
func (b *Builder) systemContent(docBlocks []string, obsBlock string) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if len(docBlocks) > 0 {
		sb.WriteString("\n\n## 참고 문서\n\n")
		sb.WriteString(strings.Join(docBlocks, "\n\n"))
	}
	if obsBlock != "" {
		sb.WriteString("\n\n## 측정 데이터\n\n")
		sb.WriteString(obsBlock)
	}
	return sb.String()
}

func (b *Builder) overBudget(message string, history []Turn, docBlocks []string, obsBlock string) bool {
	if b.MaxContextTokens <= 0 {
		return false
	}
	total := EstimateTokens(systemPrompt) + EstimateTokens(obsBlock) + EstimateTokens(message)
	for _, block := range docBlocks {
		total += EstimateTokens(block)
	}
	for _, turn := range history {
		total += EstimateTokens(turn.Content)
	}
	return total > b.MaxContextTokens
}

func formatDocument(rank int, doc retrieval.ScoredDocument) string {
	content := doc.Content
	if runes := []rune(content); len(runes) > maxDocExcerptChars {
		content = string(runes[:maxDocExcerptChars]) + "…"
	}
	return fmt.Sprintf("[문서 %d] %s (유사도 %.2f)\n%s", rank, doc.Title, doc.Score, content)
}

// formatObservations renders the statistics line followed by the most recent
// samples. Observations arrive already sorted newest first.
func formatObservations(obs []storage.Observation, stats storage.Statistics) string {
	if len(obs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("측정 건수: %d", stats.Count))
	if stats.Min != nil && stats.Max != nil && stats.Avg != nil {
		sb.WriteString(fmt.Sprintf(", 최소 %.2f, 최대 %.2f, 평균 %.2f", *stats.Min, *stats.Max, *stats.Avg))
	}
	sb.WriteString("\n")

	n := len(obs)
	if n > maxObservationSamples {
		n = maxObservationSamples
	}
	for _, o := range obs[:n] {
		sb.WriteString(fmt.Sprintf("- %s %s %s", o.Datetime.Format("2006-01-02 15:04"), o.Location, o.DataType))
		if o.Value != nil {
			sb.WriteString(fmt.Sprintf(": %.2f", *o.Value))
			if o.Unit != "" {
				sb.WriteString(" " + o.Unit)
			}
		}
		if o.QualityFlag != storage.QualityValid && o.QualityFlag != "" {
			sb.WriteString(" (" + o.QualityFlag + ")")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
