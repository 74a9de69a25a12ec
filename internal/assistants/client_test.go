package assistants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL, MaxRetries: retries})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("OpenAI-Beta"); got != "assistants=v2" {
			t.Errorf("OpenAI-Beta = %q", got)
		}
		fmt.Fprint(w, `{"id":"thread_1"}`)
	}, 0)

	th, err := c.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.ID != "thread_1" {
		t.Errorf("thread id = %q, want thread_1", th.ID)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"asst_1","name":"a","model":"gpt-4o","tools":[]}`)
	}, 2)

	a, err := c.RetrieveAssistant(context.Background(), "asst_1")
	if err != nil {
		t.Fatalf("RetrieveAssistant: %v", err)
	}
	if a.ID != "asst_1" {
		t.Errorf("id = %q", a.ID)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, 1)

	_, err := c.RetrieveRun(context.Background(), "thread_1", "run_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindServer {
		t.Fatalf("err = %v, want server APIError", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

// TestNotFoundIsTyped verifies 404s classify by status and are not retried.
func TestNotFoundIsTyped(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"No assistant found with id 'asst_x'.","type":"invalid_request_error","code":null}}`)
	}, 3)

	_, err := c.RetrieveAssistant(context.Background(), "asst_x")
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false", err)
	}
	var apiErr *APIError
	errors.As(err, &apiErr)
	if apiErr.Message != "No assistant found with id 'asst_x'." {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if apiErr.Code != "invalid_request_error" {
		t.Errorf("Code = %q", apiErr.Code)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestCreateRunPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread_1/runs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["assistant_id"] != "asst_1" || body["instructions"] != "speak french" {
			t.Errorf("body = %v", body)
		}
		if _, ok := body["stream"]; ok {
			t.Error("stream must be omitted for polled runs")
		}
		fmt.Fprint(w, `{"id":"run_1","status":"queued","thread_id":"thread_1"}`)
	}, 0)

	run, err := c.CreateRun(context.Background(), "thread_1", RunRequest{AssistantID: "asst_1", Instructions: "speak french"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != RunQueued {
		t.Errorf("status = %q", run.Status)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("order"); got != "desc" {
			t.Errorf("order = %q, want desc", got)
		}
		fmt.Fprint(w, `{"data":[
			{"id":"msg_2","role":"assistant","content":[{"type":"text","text":{"value":"Hello ","annotations":[]}},{"type":"text","text":{"value":"there","annotations":[]}}]},
			{"id":"msg_1","role":"user","content":[{"type":"text","text":{"value":"hi"}}]}
		],"has_more":false}`)
	}, 0)

	msgs, err := c.ListMessages(context.Background(), "thread_1", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "msg_2" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if got := msgs[0].Text(); got != "Hello there" {
		t.Errorf("Text() = %q, want %q", got, "Hello there")
	}
}

func TestUploadFileMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if got := r.FormValue("purpose"); got != "assistants" {
			t.Errorf("purpose = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "combined_kb.md" || string(data) != "# KB" {
			t.Errorf("file = %s %q", hdr.Filename, data)
		}
		fmt.Fprint(w, `{"id":"file-1","filename":"combined_kb.md","purpose":"assistants"}`)
	}, 0)

	f, err := c.UploadFile(context.Background(), "combined_kb.md", strings.NewReader("# KB"), "")
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if f.ID != "file-1" {
		t.Errorf("id = %q", f.ID)
	}
}

func TestListVectorStoreFilesPaginates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			fmt.Fprint(w, `{"data":[{"id":"file-1"},{"id":"file-2"}],"has_more":true}`)
			return
		}
		if got := r.URL.Query().Get("after"); got != "file-2" {
			t.Errorf("after = %q", got)
		}
		fmt.Fprint(w, `{"data":[{"id":"file-3"}],"has_more":false}`)
	}, 0)

	ids, err := c.ListVectorStoreFiles(context.Background(), "vs_1")
	if err != nil {
		t.Fatalf("ListVectorStoreFiles: %v", err)
	}
	if strings.Join(ids, ",") != "file-1,file-2,file-3" {
		t.Errorf("ids = %v", ids)
	}
}

func TestRunStreamEvents(t *testing.T) {
	sse := "event: thread.run.created\ndata: {\"id\":\"run_1\",\"status\":\"queued\"}\n\n" +
		"event: thread.message.created\ndata: {\"id\":\"msg_1\",\"role\":\"assistant\",\"content\":[]}\n\n" +
		"event: thread.message.delta\ndata: {\"id\":\"msg_1\",\"delta\":{\"content\":[{\"index\":0,\"type\":\"text\",\"text\":{\"value\":\"Hi\"}}]}}\n\n" +
		"event: thread.run.completed\ndata: {\"id\":\"run_1\",\"status\":\"completed\"}\n\n" +
		"event: done\ndata: [DONE]\n\n"

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("stream = %v, want true", body["stream"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}, 0)

	s, err := c.CreateRunStream(context.Background(), "thread_1", RunRequest{AssistantID: "asst_1"})
	if err != nil {
		t.Fatalf("CreateRunStream: %v", err)
	}
	defer s.Close()

	var types []string
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		types = append(types, ev.Type)
		if ev.Type == EventMessageDelta {
			var d MessageDelta
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				t.Fatalf("decoding delta: %v", err)
			}
			if d.Delta.Content[0].Text.Value != "Hi" {
				t.Errorf("delta = %+v", d)
			}
		}
	}
	want := "thread.run.created,thread.message.created,thread.message.delta,thread.run.completed"
	if got := strings.Join(types, ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 5)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.CreateThread(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}
