package assistants

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Stream event names emitted by a streamed run.
const (
	EventMessageCreated   = "thread.message.created"
	EventMessageDelta     = "thread.message.delta"
	EventMessageCompleted = "thread.message.completed"
	EventRunPrefix        = "thread.run."
	EventError            = "error"
	EventDone             = "done"
)

// RunStream reads server-sent events of one streamed run.
type RunStream struct {
	body io.ReadCloser
	br   *bufio.Reader
}

// CreateRunStream starts a run with stream=true. The caller must Close the stream.
func (c *Client) CreateRunStream(ctx context.Context, threadID string, req RunRequest) (*RunStream, error) {
	req.Stream = true
	r, err := jsonRequest(http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", req)
	if err != nil {
		return nil, err
	}
	r.stream = true
	body, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	return NewRunStream(body), nil
}

// NewRunStream reads events from an SSE body.
func NewRunStream(body io.ReadCloser) *RunStream {
	return &RunStream{body: body, br: bufio.NewReader(body)}
}

// Next returns the next event. It returns io.EOF after the done event or
// when the body ends.
func (s *RunStream) Next() (Event, error) {
	var (
		name string
		data []string
	)
	for {
		line, err := s.br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "" && len(data) > 0:
			return s.finish(name, data)
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			if len(data) > 0 {
				return s.finish(name, data)
			}
			return Event{}, io.EOF
		}
	}
}

func (s *RunStream) finish(name string, data []string) (Event, error) {
	payload := strings.Join(data, "\n")
	if name == EventDone || payload == "[DONE]" {
		return Event{}, io.EOF
	}
	return Event{Type: name, Data: json.RawMessage(payload)}, nil
}

func (s *RunStream) Close() error {
	return s.body.Close()
}
