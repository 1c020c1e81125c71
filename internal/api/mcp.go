package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/waterlab/envchat/internal/ingest"
	"github.com/waterlab/envchat/internal/pipeline"
	"github.com/waterlab/envchat/internal/retrieval"
	"github.com/waterlab/envchat/internal/storage"
)

// MCPRetriever abstracts semantic document search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]retrieval.ScoredDocument, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Ingest    *ingest.Service
	Retriever MCPRetriever
	Chat      ChatService // optional; if nil, the ask tool returns an error
}

// NewMCPServer creates an MCP server exposing the monitoring data tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"envchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("envchat: environmental monitoring assistant over water quality, algae, hydrology, and weather data."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the reference document index (manuals, guidelines) and return the most similar documents."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("query_observations",
			mcp.WithDescription("Query environmental measurements by data type, location, and date range."),
			mcp.WithString("data_type", mcp.Description("One of water_quality, algae, hydrology, weather")),
			mcp.WithString("location", mcp.Description("Monitoring location name, substring match")),
			mcp.WithString("start", mcp.Description("Range start, YYYY-MM-DD")),
			mcp.WithString("end", mcp.Description("Range end, YYYY-MM-DD")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
		),
		mcpQueryObservations(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Store a reference document for later semantic retrieval."),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithString("doc_type", mcp.Description("One of manual, guideline, other")),
		),
		mcpAddDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a natural-language question about the monitoring data; runs the full retrieval and answer pipeline."),
			mcp.WithString("message", mcp.Description("The question"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"envchat://recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 processed chat interactions (messages only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		docs, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(docs) == 0 {
			return mcpText("[]"), nil
		}

		type docResult struct {
			ID      string  `json:"id"`
			Title   string  `json:"title"`
			Content string  `json:"content"`
			DocType string  `json:"doc_type"`
			Score   float32 `json:"score"`
		}

		results := make([]docResult, len(docs))
		for i, d := range docs {
			results[i] = docResult{
				ID:      d.ID,
				Title:   d.Title,
				Content: d.Content,
				DocType: d.DocType,
				Score:   d.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueryObservations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := storage.ObservationFilter{
			DataType: req.GetString("data_type", ""),
			Location: req.GetString("location", ""),
			Limit:    req.GetInt("limit", 0),
		}

		if s := req.GetString("start", ""); s != "" {
			t, err := time.Parse("2006-01-02", s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid start date %q", s)), nil
			}
			f.Start = t
		}
		if s := req.GetString("end", ""); s != "" {
			t, err := time.Parse("2006-01-02", s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid end date %q", s)), nil
			}
			f.End = t
		}

		obs, err := deps.Store.QueryObservations(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if obs == nil {
			obs = []storage.Observation{}
		}

		b, err := json.Marshal(obs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal observations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		doc, err := deps.Ingest.AddDocument(ctx, storage.Document{
			Title:   req.GetString("title", ""),
			Content: content,
			Source:  "mcp",
			DocType: req.GetString("doc_type", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored document %s", doc.ID)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("ask not available: no chat pipeline configured"), nil
		}

		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		resp, err := deps.Chat.ProcessMessage(ctx, pipeline.ChatRequest{Message: message})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.ListInteractions(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Message   string `json:"message"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			message := ix.Message
			if utf8.RuneCountInString(message) > 200 {
				runes := []rune(message)
				message = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Message:   message,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
