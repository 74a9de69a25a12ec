package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/agentrelay/internal/engine"
	"github.com/kalambet/agentrelay/internal/knowledge"
	"github.com/kalambet/agentrelay/internal/storage"
	"github.com/kalambet/agentrelay/internal/stream"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Engine  Responder
	Trainer Trainer
	Version string
}

// NewMCPServer creates an MCP server exposing agent listing, chat and training.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"agentrelay",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("agentrelay: chat with and train assistant-backed agents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List configured agents with their training state."),
			mcp.WithString("user_id", mcp.Description("Only list agents owned by this user")),
		),
		mcpListAgents(deps),
	)

	s.AddTool(
		mcp.NewTool("chat_agent",
			mcp.WithDescription("Send a message to an agent and return its reply."),
			mcp.WithString("agent_id", mcp.Description("Agent to talk to"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Continue an existing thread")),
		),
		mcpChatAgent(deps),
	)

	s.AddTool(
		mcp.NewTool("train_agent",
			mcp.WithDescription("Rebuild an agent's knowledge from its sources."),
			mcp.WithString("agent_id", mcp.Description("Agent to train"), mcp.Required()),
			mcp.WithBoolean("force_retrain", mcp.Description("Reprocess sources even when fresh uploads exist")),
			mcp.WithBoolean("optimize_for_speed", mcp.Description("Upload one combined document per source (default true)")),
		),
		mcpTrainAgent(deps),
	)

	return s
}

func mcpListAgents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := deps.Store.ListAgents(ctx, req.GetString("user_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list agents: %v", err)), nil
		}

		type summary struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			TrainingStatus string `json:"training_status"`
			AssistantID    string `json:"assistant_id,omitempty"`
		}
		out := make([]summary, 0, len(agents))
		for _, a := range agents {
			out = append(out, summary{ID: a.ID, Name: a.Name, TrainingStatus: a.TrainingStatus, AssistantID: a.AssistantID})
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal agents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpChatAgent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil || strings.TrimSpace(message) == "" {
			return mcpError("message is required"), nil
		}

		agent, err := deps.Store.GetAgent(ctx, agentID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("agent %s not found", agentID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load agent: %v", err)), nil
		}

		// Tool results are not streamed: deltas are joined into the reply.
		threadID := req.GetString("thread_id", "")
		var reply, deltas strings.Builder
		err = deps.Engine.Respond(ctx, engine.Turn{Agent: agent, ThreadID: threadID, Message: message}, func(ev stream.Event) error {
			switch ev.Kind {
			case stream.KindControl:
				threadID = ev.ThreadID
			case stream.KindTextDelta:
				deltas.WriteString(ev.Text)
			case stream.KindMessage:
				reply.WriteString(ev.Text)
			}
			return nil
		})
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		text := reply.String()
		if text == "" {
			text = deltas.String()
		}
		b, err := json.Marshal(map[string]string{"thread_id": threadID, "reply": text})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reply: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTrainAgent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		opts := knowledge.Options{
			ForceRetrain:     req.GetBool("force_retrain", false),
			OptimizeForSpeed: req.GetBool("optimize_for_speed", true),
		}

		res, err := deps.Trainer.Train(ctx, agentID, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("training failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%s: assistant %s, %d files", res.Message, res.AssistantID, len(res.Files.FileIDs))), nil
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
