package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/briefs/internal/digest"
	"github.com/kalambet/briefs/internal/retrieval"
	"github.com/kalambet/briefs/internal/storage"
)

// MCPSearcher abstracts keyword search for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, query string, limit int) []storage.Message
	LastCallAnchor(ctx context.Context, fallbackHours int) time.Time
	Window(ctx context.Context, peerID int64, since time.Time) []storage.Message
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever MCPSearcher
	PeerID    int64
	Location  *time.Location
}

// NewMCPServer creates an MCP server exposing the briefing tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Location == nil {
		deps.Location = time.UTC
	}

	s := server.NewMCPServer(
		"briefs",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("briefs — chat-history briefings: search stored messages, build call prep digests, keep facts and call markers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_messages",
			mcp.WithDescription("Keyword-search stored chat messages. The query is expanded with known synonyms before matching."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchMessages(deps),
	)

	s.AddTool(
		mcp.NewTool("call_prep",
			mcp.WithDescription("Build a call-prep digest of messages since the last call-like message (48h fallback)."),
		),
		mcpCallPrep(deps),
	)

	s.AddTool(
		mcp.NewTool("add_fact",
			mcp.WithDescription("Store a free-text fact for later question answering."),
			mcp.WithString("text", mcp.Description("The fact to store"), mcp.Required()),
			mcp.WithString("author", mcp.Description("Who recorded the fact")),
		),
		mcpAddFact(deps),
	)

	s.AddTool(
		mcp.NewTool("mark_call",
			mcp.WithDescription("Record that a call happened just now, optionally with a note."),
			mcp.WithString("notes", mcp.Description("Optional note about the call")),
		),
		mcpMarkCall(deps),
	)

	return s
}

func mcpSearchMessages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > retrieval.DefaultSearchLimit {
			limit = retrieval.DefaultSearchLimit
		}

		hits := deps.Retriever.Search(ctx, query, limit)
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		type hitResult struct {
			TS      string `json:"ts_utc"`
			Speaker string `json:"speaker"`
			Text    string `json:"text"`
		}
		results := make([]hitResult, len(hits))
		for i, h := range hits {
			speaker := "OTHER"
			if h.FromMe {
				speaker = "SELF"
			}
			results[i] = hitResult{TS: h.TS, Speaker: speaker, Text: h.Text}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCallPrep(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := deps.Retriever.LastCallAnchor(ctx, retrieval.DefaultFallbackHours)
		rows := deps.Retriever.Window(ctx, deps.PeerID, start)
		return mcpText(digest.SummarizeWindow(rows)), nil
	}
}

func mcpAddFact(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpError("text is required"), nil
		}

		fact := storage.Fact{
			CreatedAt:  time.Now().UTC(),
			Author:     req.GetString("author", "mcp"),
			Text:       text,
			Source:     "manual",
			Confidence: "high",
		}
		if err := deps.Store.InsertFact(fact); err != nil {
			return mcpError(fmt.Sprintf("failed to save fact: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Added fact: %s", text)), nil
	}
}

func mcpMarkCall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		notes := strings.TrimSpace(req.GetString("notes", ""))

		marker := storage.CallMarker{
			OccurredAt: time.Now().UTC(),
			Source:     "manual",
			Notes:      notes,
		}
		if err := deps.Store.InsertCallMarker(marker); err != nil {
			return mcpError(fmt.Sprintf("failed to save call marker: %v", err)), nil
		}

		msg := "Marked last call as now (UTC)."
		if notes != "" {
			msg += fmt.Sprintf(" Note: %s", notes)
		}
		return mcpText(msg), nil
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
