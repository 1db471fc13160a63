package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatdesk/internal/intents"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/triage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Intents *intents.Manager
	Triage  *triage.Service
	Version string
}

// NewMCPServer creates an MCP server with the intent curation tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"chatdesk",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatdesk curates the intents that train the support chat classifier and triages utterances it could not classify."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_intents",
			mcp.WithDescription("List all intents with their example phrases, newest first."),
		),
		mcpListIntents(deps),
	)

	s.AddTool(
		mcp.NewTool("create_intent",
			mcp.WithDescription("Create a new intent. Intent names must be unique."),
			mcp.WithString("intent_name", mcp.Description("Name of the intent, e.g. order_status"), mcp.Required()),
			mcp.WithArray("examples", mcp.Description("Example user utterances for the intent")),
		),
		mcpCreateIntent(deps),
	)

	s.AddTool(
		mcp.NewTool("classify_text",
			mcp.WithDescription("Match text against stored intent examples and return the best intent."),
			mcp.WithString("text", mcp.Description("Utterance to classify"), mcp.Required()),
		),
		mcpClassifyText(deps),
	)

	s.AddTool(
		mcp.NewTool("list_unclassified_queries",
			mcp.WithDescription("List utterances the classifier could not handle, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of queries (default 20)")),
		),
		mcpListQueries(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_query",
			mcp.WithDescription("Add an unclassified query to an intent as an example, creating the intent if needed, and remove it from the queue."),
			mcp.WithString("query_id", mcp.Description("ID of the unclassified query"), mcp.Required()),
			mcp.WithString("intent_name", mcp.Description("Intent to file the query under"), mcp.Required()),
			mcp.WithString("example", mcp.Description("Example text to add (defaults to the query text)")),
		),
		mcpResolveQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("discard_query",
			mcp.WithDescription("Remove an unclassified query from the queue without using it."),
			mcp.WithString("query_id", mcp.Description("ID of the unclassified query"), mcp.Required()),
		),
		mcpDiscardQuery(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatdesk://intents",
			"Intents",
			mcp.WithResourceDescription("All intents and their examples as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceIntents(deps),
	)

	return s
}

func mcpListIntents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Intents.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list intents: %v", err)), nil
		}
		return mcpJSON(list)
	}
}

func mcpCreateIntent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("intent_name")
		if err != nil {
			return mcpError("intent_name is required"), nil
		}
		examples := req.GetStringSlice("examples", nil)

		in, err := deps.Intents.Create(ctx, name, examples)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create intent: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created intent %s (%s) with %d examples", in.Name, in.ID, len(in.Examples))), nil
	}
}

func mcpClassifyText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		m, err := deps.Intents.Classify(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("classification failed: %v", err)), nil
		}
		return mcpJSON(m)
	}
}

func mcpListQueries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		list, err := deps.Triage.Pending(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list queries: %v", err)), nil
		}
		if len(list) > limit {
			list = list[:limit]
		}
		return mcpJSON(list)
	}
}

func mcpResolveQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		queryID, err := req.RequireString("query_id")
		if err != nil {
			return mcpError("query_id is required"), nil
		}
		intentName, err := req.RequireString("intent_name")
		if err != nil {
			return mcpError("intent_name is required"), nil
		}

		example := req.GetString("example", "")
		if example == "" {
			example, err = queryText(ctx, deps.Triage, queryID)
			if err != nil {
				return mcpError(err.Error()), nil
			}
		}

		res, err := deps.Triage.Resolve(ctx, queryID, intentName, example)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve query: %v", err)), nil
		}
		verb := "Added example to"
		if res.Created {
			verb = "Created"
		}
		return mcpText(fmt.Sprintf("%s intent %s (%d examples)", verb, res.Intent.Name, len(res.Intent.Examples))), nil
	}
}

func mcpDiscardQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		queryID, err := req.RequireString("query_id")
		if err != nil {
			return mcpError("query_id is required"), nil
		}
		if err := deps.Triage.Discard(ctx, queryID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("query %s not found", queryID)), nil
			}
			return mcpError(fmt.Sprintf("failed to discard query: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Discarded query %s", queryID)), nil
	}
}

func mcpResourceIntents(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Intents.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list intents: %w", err)
		}

		b, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal intents: %w", err)
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

// queryText looks up the utterance of a pending query.
func queryText(ctx context.Context, svc *triage.Service, queryID string) (string, error) {
	q, err := svc.Get(ctx, queryID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("query %s not found", queryID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up query: %v", err)
	}
	return q.Text, nil
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
