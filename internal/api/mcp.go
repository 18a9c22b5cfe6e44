package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ferret/internal/agent"
	"github.com/kalambet/ferret/internal/analysis"
	"github.com/kalambet/ferret/internal/card"
	"github.com/kalambet/ferret/internal/quota"
)

// NewMCPServer creates an MCP server exposing the research tools over the
// same services as the HTTP API.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"ferret",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ferret: debate research assistant with cached answers, evidence extraction and card formatting."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the research assistant. Answers come from the cache when a matching question was seen before."),
			mcp.WithString("query", mcp.Description("The research question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation session id; a new one is created when empty")),
			mcp.WithBoolean("use_cache", mcp.Description("Serve cached answers (default true)")),
			mcp.WithBoolean("use_memory", mcp.Description("Include recalled memories and history (default true)")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_evidence",
			mcp.WithDescription("Find the passage of a source text that best supports a claim, with surrounding sentences."),
			mcp.WithString("claim", mcp.Description("The argument the evidence should support"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Source text")),
			mcp.WithString("url", mcp.Description("URL to fetch when source is empty")),
		),
		mcpExtract(deps),
	)

	s.AddTool(
		mcp.NewTool("format_card",
			mcp.WithDescription("Format evidence as a debate card with tag, citation and underlined key phrases."),
			mcp.WithString("evidence", mcp.Description("Card text"), mcp.Required()),
			mcp.WithString("author", mcp.Description("Author name")),
			mcp.WithString("year", mcp.Description("Publication year")),
			mcp.WithString("title", mcp.Description("Article title")),
			mcp.WithString("source", mcp.Description("Publication")),
			mcp.WithString("url", mcp.Description("Source URL")),
			mcp.WithString("qualifications", mcp.Description("Author qualifications")),
			mcp.WithString("argument_context", mcp.Description("Argument the card is cut for")),
			mcp.WithBoolean("generate_tag", mcp.Description("Generate a tag line (default true)")),
			mcp.WithBoolean("highlight", mcp.Description("Underline key phrases (default true)")),
		),
		mcpFormatCard(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_cards",
			mcp.WithDescription("Cut up to max_cards debate cards from a document. Citations must be added afterwards."),
			mcp.WithString("document", mcp.Description("Document text")),
			mcp.WithString("url", mcp.Description("URL to fetch when document is empty")),
			mcp.WithString("side", mcp.Description("aff or neg (default aff)")),
			mcp.WithString("topic_context", mcp.Description("Topic the cards are cut for")),
			mcp.WithNumber("max_cards", mcp.Description("Maximum number of cards (default 5, at most 10)")),
		),
		mcpExtractCards(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_article",
			mcp.WithDescription("Analyze an article for debate: citation details, summary, side, key claims and best use."),
			mcp.WithString("text", mcp.Description("Article text")),
			mcp.WithString("url", mcp.Description("URL to fetch when text is empty")),
			mcp.WithString("title", mcp.Description("Article title")),
		),
		mcpAnalyze(deps),
	)

	s.AddTool(
		mcp.NewTool("chat_history",
			mcp.WithDescription("Show the most recent turns of a conversation session, oldest first."),
			mcp.WithString("session_id", mcp.Description("Conversation session id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of turns (default 20)")),
		),
		mcpHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search remembered conversation fragments."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_status",
			mcp.WithDescription("Report request and token quota usage."),
			mcp.WithString("caller", mcp.Description("Caller or session id for the per-caller counter")),
		),
		mcpQuotaStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ferret://stats",
			"Ferret Stats",
			mcp.WithResourceDescription("Cache, collection and daily agent statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		res, err := deps.Agent.Resolve(ctx, agent.Request{
			Query:     query,
			SessionID: req.GetString("session_id", ""),
			UseCache:  req.GetBool("use_cache", true),
			UseMemory: req.GetBool("use_memory", true),
		})
		if err != nil {
			var denied *quota.DeniedError
			if errors.As(err, &denied) {
				return mcpError(denied.Error()), nil
			}
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpExtract(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		claim, err := req.RequireString("claim")
		if err != nil {
			return mcpError("claim is required"), nil
		}
		text := req.GetString("source", "")
		if text == "" {
			u := req.GetString("url", "")
			if u == "" {
				return mcpError("one of source or url is required"), nil
			}
			if deps.Fetcher == nil {
				return mcpError("fetching by url is disabled"), nil
			}
			doc, err := deps.Fetcher.Fetch(ctx, u)
			if err != nil {
				return mcpError(fmt.Sprintf("fetch failed: %v", err)), nil
			}
			text = doc.Text
		}
		return mcpJSON(deps.Evidence.Extract(ctx, text, claim))
	}
}

func mcpFormatCard(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ev, err := req.RequireString("evidence")
		if err != nil {
			return mcpError("evidence is required"), nil
		}
		c := deps.Cards.Format(ctx, card.Request{
			Evidence: ev,
			Citation: card.Citation{
				Author:         req.GetString("author", ""),
				Year:           req.GetString("year", ""),
				Title:          req.GetString("title", ""),
				Source:         req.GetString("source", ""),
				URL:            req.GetString("url", ""),
				Qualifications: req.GetString("qualifications", ""),
			},
			ArgumentContext: req.GetString("argument_context", ""),
			GenerateTag:     req.GetBool("generate_tag", true),
			Highlight:       req.GetBool("highlight", true),
		})
		return mcpText(c.FullCard), nil
	}
}

// mcpSourceText returns inline text or the fetched document at url.
func mcpSourceText(ctx context.Context, deps Deps, text, u, field string) (string, string, *mcp.CallToolResult) {
	if text != "" {
		return text, "", nil
	}
	if u == "" {
		return "", "", mcpError(fmt.Sprintf("one of %s or url is required", field))
	}
	if deps.Fetcher == nil {
		return "", "", mcpError("fetching by url is disabled")
	}
	doc, err := deps.Fetcher.Fetch(ctx, u)
	if err != nil {
		return "", "", mcpError(fmt.Sprintf("fetch failed: %v", err))
	}
	return doc.Text, doc.Title, nil
}

func mcpExtractCards(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, _, errRes := mcpSourceText(ctx, deps, req.GetString("document", ""), req.GetString("url", ""), "document")
		if errRes != nil {
			return errRes, nil
		}
		cards, err := deps.CardCutter.ExtractCards(ctx, card.ExtractRequest{
			Document:     text,
			TopicContext: req.GetString("topic_context", ""),
			Side:         req.GetString("side", ""),
			MaxCards:     req.GetInt("max_cards", card.DefaultMaxCards),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("card extraction failed: %v", err)), nil
		}
		if len(cards) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(cards)
	}
}

func mcpAnalyze(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		u := req.GetString("url", "")
		text, title, errRes := mcpSourceText(ctx, deps, req.GetString("text", ""), u, "text")
		if errRes != nil {
			return errRes, nil
		}
		res, err := deps.Analyzer.Analyze(ctx, analysis.Request{
			Text:   text,
			Title:  req.GetString("title", title),
			Source: u,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpHistory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		turns, err := deps.History.RecentTurns(ctx, session, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("history lookup failed: %v", err)), nil
		}
		var sb strings.Builder
		for _, t := range turns {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
		}
		if sb.Len() == 0 {
			return mcpText("no turns for session " + session), nil
		}
		return mcpText(strings.TrimSuffix(sb.String(), "\n")), nil
	}
}

func mcpRecall(deps Deps) server.ToolHandlerFunc {
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

		frags, err := deps.Memory.Recall(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(frags) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(frags)
	}
}

func mcpQuotaStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Quota.Status(ctx, req.GetString("caller", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("quota status failed: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := collectStats(ctx, deps)
		if err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshaling stats: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
