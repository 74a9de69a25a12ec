package assistants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// PurposeAssistants is the upload purpose for knowledge and chat attachments.
const PurposeAssistants = "assistants"

// UploadFile sends content as a multipart upload and returns the remote file.
func (c *Client) UploadFile(ctx context.Context, name string, content io.Reader, purpose string) (File, error) {
	if purpose == "" {
		purpose = PurposeAssistants
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", purpose); err != nil {
		return File{}, fmt.Errorf("writing purpose field: %w", err)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return File{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return File{}, fmt.Errorf("buffering %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return File{}, fmt.Errorf("closing multipart writer: %w", err)
	}

	body, err := c.send(ctx, request{
		method:      http.MethodPost,
		path:        "/files",
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	})
	if err != nil {
		return File{}, err
	}
	defer body.Close()

	var f File
	if err := json.NewDecoder(body).Decode(&f); err != nil {
		return File{}, fmt.Errorf("decoding uploaded file: %w", err)
	}
	return f, nil
}
