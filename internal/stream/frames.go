// Package stream writes chat turn events as text/plain frames of the form
// "<code>:<json>\n".
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/kalambet/agentrelay/internal/assistants"
)

// Frame codes.
const (
	CodeText               = '0'
	CodeError              = '3'
	CodeAssistantMessage   = '4'
	CodeControl            = '5'
	CodeMessageAnnotations = '8'
)

// ContentType of a frame stream.
const ContentType = "text/plain; charset=utf-8"

// Kind is the type of an Event.
type Kind int

const (
	// KindControl carries the thread and user message ids of the turn.
	KindControl Kind = iota
	// KindMessageCreated opens an assistant message with empty content.
	KindMessageCreated
	// KindTextDelta appends Text to an open assistant message.
	KindTextDelta
	// KindMessage is a complete assistant message with Text as its content.
	KindMessage
	KindAnnotations
	// KindImage references a generated image file by FileID.
	KindImage
	KindError
)

// Event is one unit of a chat turn's output.
type Event struct {
	Kind        Kind
	ThreadID    string
	MessageID   string
	Text        string
	FileID      string
	Annotations []assistants.Annotation
}

// Settings are the ids known before the producer runs.
type Settings struct {
	AgentID   string
	ThreadID  string
	MessageID string
	// ErrorText is written in the error frame when the producer fails after
	// output started.
	ErrorText string
}

type controlData struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

type assistantMessage struct {
	ID      string        `json:"id"`
	Role    string        `json:"role"`
	Content []textContent `json:"content"`
}

type textContent struct {
	Type string    `json:"type"`
	Text textValue `json:"text"`
}

type textValue struct {
	Value string `json:"value"`
}

// annotation is the client-facing form of a file annotation. File ids only
// appear inside FileURL.
type annotation struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	FileURL    string `json:"file_url,omitempty"`
}

// Encoder writes frames in order. The control frame is always first and is
// synthesized from Settings when the first event is not a control event.
type Encoder struct {
	w        io.Writer
	flusher  http.Flusher
	settings Settings
	started  bool
	created  map[string]bool
}

func NewEncoder(w io.Writer, s Settings) *Encoder {
	e := &Encoder{w: w, settings: s, created: map[string]bool{}}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Started reports whether any frame has been written.
func (e *Encoder) Started() bool { return e.started }

func (e *Encoder) Encode(ev Event) error {
	if ev.Kind == KindControl {
		if e.started {
			return nil
		}
		if ev.ThreadID != "" {
			e.settings.ThreadID = ev.ThreadID
		}
		if ev.MessageID != "" {
			e.settings.MessageID = ev.MessageID
		}
		return e.control()
	}
	if !e.started {
		if err := e.control(); err != nil {
			return err
		}
	}

	switch ev.Kind {
	case KindMessageCreated:
		e.created[ev.MessageID] = true
		return e.write(CodeAssistantMessage, message(ev.MessageID, ""))
	case KindTextDelta:
		if !e.created[ev.MessageID] {
			e.created[ev.MessageID] = true
			if err := e.write(CodeAssistantMessage, message(ev.MessageID, "")); err != nil {
				return err
			}
		}
		return e.write(CodeText, ev.Text)
	case KindMessage:
		e.created[ev.MessageID] = true
		return e.write(CodeAssistantMessage, message(ev.MessageID, ev.Text))
	case KindAnnotations:
		if len(ev.Annotations) == 0 {
			return nil
		}
		return e.write(CodeMessageAnnotations, e.rewrite(ev.Annotations))
	case KindImage:
		text := fmt.Sprintf("![%s](%s)\n", ev.FileID, e.fileURL(ev.FileID))
		return e.write(CodeAssistantMessage, message(ev.MessageID, text))
	case KindError:
		return e.write(CodeError, ev.Text)
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

func (e *Encoder) control() error {
	e.started = true
	return e.write(CodeControl, controlData{ThreadID: e.settings.ThreadID, MessageID: e.settings.MessageID})
}

func (e *Encoder) write(code byte, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding frame %c: %w", code, err)
	}
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, code, ':')
	frame = append(frame, data...)
	frame = append(frame, '\n')
	if _, err := e.w.Write(frame); err != nil {
		return err
	}
	e.started = true
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *Encoder) rewrite(in []assistants.Annotation) []annotation {
	out := make([]annotation, 0, len(in))
	for _, a := range in {
		ca := annotation{Type: a.Type, Text: a.Text, StartIndex: a.StartIndex, EndIndex: a.EndIndex}
		if id := a.FileID(); id != "" {
			ca.FileURL = e.fileURL(id)
		}
		out = append(out, ca)
	}
	return out
}

func (e *Encoder) fileURL(fileID string) string {
	return "/agents/" + url.PathEscape(e.settings.AgentID) + "/chat/file/" + url.PathEscape(fileID)
}

func message(id, text string) assistantMessage {
	return assistantMessage{
		ID:      id,
		Role:    "assistant",
		Content: []textContent{{Type: "text", Text: textValue{Value: text}}},
	}
}
