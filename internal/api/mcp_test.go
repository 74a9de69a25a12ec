package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/agentrelay/internal/storage"
	"github.com/kalambet/agentrelay/internal/stream"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := setup(t)
	return MCPDeps{Store: env.store, Engine: env.engine, Trainer: env.trainer}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServerRegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_ListAgents(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	if _, err := env.store.CreateAgent(context.Background(), storage.Agent{UserID: "u9", Name: "other"}); err != nil {
		t.Fatal(err)
	}

	result, err := mcpListAgents(deps)(context.Background(), makeCallToolRequest("list_agents", map[string]interface{}{"user_id": "u1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var agents []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &agents); err != nil {
		t.Fatalf("decoding agents: %v", err)
	}
	if len(agents) != 1 || agents[0]["id"] != env.agent.ID || agents[0]["training_status"] != storage.TrainingIdle {
		t.Errorf("agents = %v", agents)
	}
}

func TestMCPTool_ChatAgent(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.engine.events = []stream.Event{
		{Kind: stream.KindControl, ThreadID: "thread_42", MessageID: "msg_user"},
		{Kind: stream.KindMessage, MessageID: "msg_1", Text: "We open at 9."},
	}

	result, err := mcpChatAgent(deps)(context.Background(), makeCallToolRequest("chat_agent", map[string]interface{}{
		"agent_id": env.agent.ID,
		"message":  "When do you open?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var out map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatal(err)
	}
	if out["thread_id"] != "thread_42" || out["reply"] != "We open at 9." {
		t.Errorf("out = %v", out)
	}
}

func TestMCPTool_ChatAgentJoinsDeltas(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.engine.events = []stream.Event{
		{Kind: stream.KindControl, ThreadID: "t", MessageID: "u"},
		{Kind: stream.KindMessageCreated, MessageID: "m"},
		{Kind: stream.KindTextDelta, MessageID: "m", Text: "Hel"},
		{Kind: stream.KindTextDelta, MessageID: "m", Text: "lo"},
	}

	result, _ := mcpChatAgent(deps)(context.Background(), makeCallToolRequest("chat_agent", map[string]interface{}{
		"agent_id": env.agent.ID, "message": "Hi", "thread_id": "t",
	}))
	if !strings.Contains(toolText(t, result), `"reply":"Hello"`) {
		t.Errorf("result = %s", toolText(t, result))
	}
	if env.engine.turns[0].ThreadID != "t" {
		t.Errorf("thread id not forwarded: %+v", env.engine.turns[0])
	}
}

func TestMCPTool_ChatAgentMissingArgs(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	for _, args := range []map[string]interface{}{
		{"message": "Hi"},
		{"agent_id": env.agent.ID},
		{"agent_id": "missing", "message": "Hi"},
	} {
		result, err := mcpChatAgent(deps)(context.Background(), makeCallToolRequest("chat_agent", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
	if len(env.engine.turns) != 0 {
		t.Errorf("engine called %d times", len(env.engine.turns))
	}
}

func TestMCPTool_TrainAgent(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	result, err := mcpTrainAgent(deps)(context.Background(), makeCallToolRequest("train_agent", map[string]interface{}{
		"agent_id":           env.agent.ID,
		"optimize_for_speed": false,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "asst_"+env.agent.ID) {
		t.Errorf("result = %s", toolText(t, result))
	}
	if env.trainer.opts[0].OptimizeForSpeed {
		t.Error("optimize_for_speed=false not honored")
	}
}
