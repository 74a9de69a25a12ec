package assistants

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// --- Assistants ---

func (c *Client) CreateAssistant(ctx context.Context, req AssistantRequest) (Assistant, error) {
	var a Assistant
	err := c.call(ctx, http.MethodPost, "/assistants", req, &a)
	return a, err
}

func (c *Client) RetrieveAssistant(ctx context.Context, id string) (Assistant, error) {
	var a Assistant
	err := c.call(ctx, http.MethodGet, "/assistants/"+url.PathEscape(id), nil, &a)
	return a, err
}

func (c *Client) UpdateAssistant(ctx context.Context, id string, req AssistantRequest) (Assistant, error) {
	var a Assistant
	err := c.call(ctx, http.MethodPost, "/assistants/"+url.PathEscape(id), req, &a)
	return a, err
}

func (c *Client) DeleteAssistant(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/assistants/"+url.PathEscape(id), nil, nil)
}

// --- Vector stores (file attachment for file_search) ---

func (c *Client) CreateVectorStore(ctx context.Context, req VectorStoreRequest) (VectorStore, error) {
	var vs VectorStore
	err := c.call(ctx, http.MethodPost, "/vector_stores", req, &vs)
	return vs, err
}

// ListVectorStoreFiles returns every file id attached to the store,
// following pagination.
func (c *Client) ListVectorStoreFiles(ctx context.Context, storeID string) ([]string, error) {
	var ids []string
	after := ""
	for {
		q := url.Values{"limit": {"100"}}
		if after != "" {
			q.Set("after", after)
		}
		var page listResponse[VectorStoreFile]
		path := "/vector_stores/" + url.PathEscape(storeID) + "/files?" + q.Encode()
		if err := c.call(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		for _, f := range page.Data {
			ids = append(ids, f.ID)
		}
		if !page.HasMore || len(page.Data) == 0 {
			return ids, nil
		}
		after = page.Data[len(page.Data)-1].ID
	}
}

func (c *Client) AttachFile(ctx context.Context, storeID, fileID string) error {
	path := "/vector_stores/" + url.PathEscape(storeID) + "/files"
	return c.call(ctx, http.MethodPost, path, map[string]string{"file_id": fileID}, nil)
}

func (c *Client) DetachFile(ctx context.Context, storeID, fileID string) error {
	path := "/vector_stores/" + url.PathEscape(storeID) + "/files/" + url.PathEscape(fileID)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// --- Threads and messages ---

func (c *Client) CreateThread(ctx context.Context) (Thread, error) {
	var t Thread
	err := c.call(ctx, http.MethodPost, "/threads", struct{}{}, &t)
	return t, err
}

func (c *Client) CreateMessage(ctx context.Context, threadID string, req MessageRequest) (Message, error) {
	var m Message
	err := c.call(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", req, &m)
	return m, err
}

// ListMessages returns up to limit messages of a thread, newest first.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{"order": {"desc"}, "limit": {strconv.Itoa(limit)}}
	var page listResponse[Message]
	path := "/threads/" + url.PathEscape(threadID) + "/messages?" + q.Encode()
	if err := c.call(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

// --- Runs ---

func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (Run, error) {
	req.Stream = false
	var r Run
	err := c.call(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", req, &r)
	return r, err
}

func (c *Client) RetrieveRun(ctx context.Context, threadID, runID string) (Run, error) {
	var r Run
	path := fmt.Sprintf("/threads/%s/runs/%s", url.PathEscape(threadID), url.PathEscape(runID))
	err := c.call(ctx, http.MethodGet, path, nil, &r)
	return r, err
}
