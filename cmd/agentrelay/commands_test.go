package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/kalambet/agentrelay/internal/api"
	"github.com/kalambet/agentrelay/internal/stream"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasSuffix(r.URL.Path, "/chat") {
				w.Header().Set("Content-Type", stream.ContentType)
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestListAgents(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /agents": `[{"id":"ag_1","userId":"u1","name":"Support","trainingStatus":"success"}]`,
	})

	var out bytes.Buffer
	if err := listAgents(ctx, ts.client(), &out, "u1"); err != nil {
		t.Fatalf("listAgents: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Path != "/agents?userId=u1" {
		t.Errorf("path = %s", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	if !strings.Contains(out.String(), "ag_1") || !strings.Contains(out.String(), "Support") {
		t.Errorf("output = %q", out.String())
	}
}

func TestListAgents_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /agents": `[]`})

	var out bytes.Buffer
	if err := listAgents(ctx, ts.client(), &out, ""); err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Path != "/agents" {
		t.Errorf("path = %s", ts.requests[0].Path)
	}
	if !strings.Contains(out.String(), "No agents.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestClient_OmitsEmptyToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /agents": `[]`})
	c := ts.client()
	c.token = ""

	if err := listAgents(ctx, c, &bytes.Buffer{}, ""); err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestTrainAgent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /agents/ag_1/train": `{"message":"Training completed","lastTrainedAt":"2026-01-02T03:04:05Z","status":"success","assistantId":"asst_1"}`,
	})

	res, err := trainAgent(ctx, ts.client(), "ag_1", true, false)
	if err != nil {
		t.Fatalf("trainAgent: %v", err)
	}
	if res.AssistantID != "asst_1" || res.Status != "success" {
		t.Errorf("res = %+v", res)
	}

	var body api.TrainRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if !body.ForceRetrain || body.OptimizeForSpeed == nil || *body.OptimizeForSpeed {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestTrainAgent_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := trainAgent(ctx, ts.client(), "missing", false, true)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestAddItem(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sources/src_1/qa": `{"id":"src_1"}`,
	})

	if err := addItem(ctx, ts.client(), "src_1", "qa", api.ItemBody{Question: "Hours?", Answer: "9 to 5"}); err != nil {
		t.Fatalf("addItem: %v", err)
	}
	var body map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["question"] != "Hours?" || body["answer"] != "9 to 5" {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestChatAgent_Message(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /agents/ag_1/chat": "5:{\"threadId\":\"thread_9\",\"messageId\":\"msg_u\"}\n" +
			"4:{\"id\":\"msg_a\",\"role\":\"assistant\",\"content\":[{\"type\":\"text\",\"text\":{\"value\":\"We open at 9.\"}}]}\n",
	})

	var out bytes.Buffer
	threadID, err := chatAgent(ctx, ts.client(), &out, "ag_1", "When do you open?", "")
	if err != nil {
		t.Fatalf("chatAgent: %v", err)
	}
	if threadID != "thread_9" {
		t.Errorf("threadID = %q", threadID)
	}
	if out.String() != "We open at 9.\n" {
		t.Errorf("output = %q", out.String())
	}

	var body api.ChatRequest
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body.Message != "When do you open?" || body.ThreadID != "" {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestChatAgent_Deltas(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /agents/ag_1/chat": "5:{\"threadId\":\"t1\",\"messageId\":\"m\"}\n" +
			"4:{\"id\":\"msg_a\",\"role\":\"assistant\",\"content\":[{\"type\":\"text\",\"text\":{\"value\":\"\"}}]}\n" +
			"0:\"Hel\"\n" +
			"0:\"lo\"\n",
	})

	var out bytes.Buffer
	threadID, err := chatAgent(ctx, ts.client(), &out, "ag_1", "Hi", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if threadID != "t1" || out.String() != "Hello\n" {
		t.Errorf("threadID = %q, output = %q", threadID, out.String())
	}
	if !strings.Contains(ts.requests[0].Body, `"threadId":"t1"`) {
		t.Errorf("thread not forwarded: %s", ts.requests[0].Body)
	}
}

func TestChatAgent_ErrorFrame(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /agents/ag_1/chat": "5:{\"threadId\":\"t1\",\"messageId\":\"m\"}\n0:\"partial\"\n3:\"stream interrupted\"\n",
	})

	var out bytes.Buffer
	_, err := chatAgent(ctx, ts.client(), &out, "ag_1", "Hi", "")
	if err == nil || !strings.Contains(err.Error(), "stream interrupted") {
		t.Errorf("err = %v", err)
	}
	if out.String() != "partial\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestChatAgent_HTTPError(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := chatAgent(ctx, ts.client(), &bytes.Buffer{}, "missing", "Hi", "")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestReadFrames_Malformed(t *testing.T) {
	err := readFrames(strings.NewReader("not a frame\n"), func(byte, json.RawMessage) error { return nil })
	if err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestReadFrames_SkipsBlankLines(t *testing.T) {
	var codes []byte
	err := readFrames(strings.NewReader("0:\"a\"\n\n8:[]\n"), func(code byte, _ json.RawMessage) error {
		codes = append(codes, code)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(codes) != "08" {
		t.Errorf("codes = %q", codes)
	}
}

func TestAgentBodyFromFlags(t *testing.T) {
	if err := agentsCreateCmd.ParseFlags([]string{"--user", "u1", "--name", "Docs", "--temperature", "0.3", "--source", "s1,s2"}); err != nil {
		t.Fatal(err)
	}

	body, err := agentBodyFromFlags(agentsCreateCmd)
	if err != nil {
		t.Fatal(err)
	}
	if body.UserID != "u1" || *body.Name != "Docs" || *body.Temperature != 0.3 {
		t.Errorf("body = %+v", body)
	}
	if body.Model != nil || body.Instructions != nil {
		t.Error("unset flags should stay nil")
	}
	if len(body.SourceIDs) != 2 {
		t.Errorf("sources = %v", body.SourceIDs)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.Contains(out.String(), "agentrelay version dev") {
		t.Errorf("output = %q", out.String())
	}
}
