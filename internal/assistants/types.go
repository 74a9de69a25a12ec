package assistants

import "encoding/json"

// Run statuses reported by the remote service.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunRequiresAction = "requires_action"
	RunCancelling     = "cancelling"
	RunCancelled      = "cancelled"
	RunFailed         = "failed"
	RunCompleted      = "completed"
	RunIncomplete     = "incomplete"
	RunExpired        = "expired"
)

// Terminal reports whether a run in this status will not progress further.
// requires_action is terminal here since no tool calls are ever submitted.
func Terminal(status string) bool {
	switch status {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete, RunRequiresAction:
		return true
	}
	return false
}

type Tool struct {
	Type string `json:"type"`
}

// FileSearch is the retrieval tool attached to every assistant.
var FileSearch = Tool{Type: "file_search"}

type ToolResources struct {
	FileSearch *FileSearchResources `json:"file_search,omitempty"`
}

type FileSearchResources struct {
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
}

type Assistant struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Instructions  string         `json:"instructions"`
	Model         string         `json:"model"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Tools         []Tool         `json:"tools"`
	ToolResources *ToolResources `json:"tool_resources,omitempty"`
}

// VectorStoreID returns the first vector store bound to the file_search tool.
func (a Assistant) VectorStoreID() string {
	if a.ToolResources == nil || a.ToolResources.FileSearch == nil {
		return ""
	}
	if ids := a.ToolResources.FileSearch.VectorStoreIDs; len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// AssistantRequest is the create/update payload.
type AssistantRequest struct {
	Name          string         `json:"name,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	Model         string         `json:"model,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Tools         []Tool         `json:"tools"`
	ToolResources *ToolResources `json:"tool_resources,omitempty"`
}

type VectorStore struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type VectorStoreRequest struct {
	Name    string   `json:"name,omitempty"`
	FileIDs []string `json:"file_ids,omitempty"`
}

type Thread struct {
	ID string `json:"id"`
}

type Attachment struct {
	FileID string `json:"file_id"`
	Tools  []Tool `json:"tools"`
}

type MessageRequest struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	RunID     string         `json:"run_id,omitempty"`
	Role      string         `json:"role"`
	Content   []ContentPart  `json:"content"`
	CreatedAt int64          `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Text concatenates the values of every text part in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == "text" && p.Text != nil {
			out += p.Text.Value
		}
	}
	return out
}

type ContentPart struct {
	Type      string     `json:"type"`
	Text      *TextPart  `json:"text,omitempty"`
	ImageFile *ImageFile `json:"image_file,omitempty"`
}

type TextPart struct {
	Value       string       `json:"value"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

type ImageFile struct {
	FileID string `json:"file_id"`
}

type Annotation struct {
	Type         string   `json:"type"`
	Text         string   `json:"text"`
	StartIndex   int      `json:"start_index"`
	EndIndex     int      `json:"end_index"`
	FileCitation *FileRef `json:"file_citation,omitempty"`
	FilePath     *FileRef `json:"file_path,omitempty"`
}

// FileID returns the referenced file for citation and path annotations.
func (a Annotation) FileID() string {
	switch {
	case a.FilePath != nil:
		return a.FilePath.FileID
	case a.FileCitation != nil:
		return a.FileCitation.FileID
	}
	return ""
}

type FileRef struct {
	FileID string `json:"file_id"`
}

// MessageDelta is the payload of a thread.message.delta stream event.
type MessageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []DeltaPart `json:"content"`
	} `json:"delta"`
}

type DeltaPart struct {
	Index     int        `json:"index"`
	Type      string     `json:"type"`
	Text      *TextPart  `json:"text,omitempty"`
	ImageFile *ImageFile `json:"image_file,omitempty"`
}

type RunRequest struct {
	AssistantID         string   `json:"assistant_id"`
	Instructions        string   `json:"instructions,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	MaxPromptTokens     int      `json:"max_prompt_tokens,omitempty"`
	MaxCompletionTokens int      `json:"max_completion_tokens,omitempty"`
	Stream              bool     `json:"stream,omitempty"`
}

type Run struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	AssistantID string    `json:"assistant_id"`
	Status      string    `json:"status"`
	LastError   *RunError `json:"last_error,omitempty"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
	Bytes    int64  `json:"bytes"`
}

type VectorStoreFile struct {
	ID string `json:"id"`
}

type listResponse[T any] struct {
	Data    []T    `json:"data"`
	HasMore bool   `json:"has_more"`
	LastID  string `json:"last_id"`
}

// Event is one server-sent event from a streamed run.
type Event struct {
	Type string
	Data json.RawMessage
}
