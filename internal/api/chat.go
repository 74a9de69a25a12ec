package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agentrelay/internal/engine"
	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/storage"
	"github.com/kalambet/agentrelay/internal/stream"
)

// ChatRequest is the chat body in either its JSON or multipart form. In JSON
// the file travels base64 encoded.
type ChatRequest struct {
	ThreadID         string `json:"threadId"`
	Message          string `json:"message"`
	ClientSidePrompt string `json:"clientSidePrompt"`
	File             []byte `json:"file"`
	Filename         string `json:"filename"`
}

func (c ChatRequest) validate() []Issue {
	var issues []Issue
	if strings.TrimSpace(c.Message) == "" {
		issues = append(issues, Issue{Path: []string{"message"}, Message: "message is required"})
	}
	if len(c.File) > 0 && strings.TrimSpace(c.Filename) == "" {
		issues = append(issues, Issue{Path: []string{"filename"}, Message: "filename is required with a file"})
	}
	return issues
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(deps, r)
		agentID := chi.URLParam(r, "id")

		req, err := decodeChatRequest(w, r)
		if err != nil {
			writeIssues(w, []Issue{{Path: []string{}, Message: err.Error()}})
			return
		}
		if issues := req.validate(); len(issues) > 0 {
			writeIssues(w, issues)
			return
		}

		agent, err := deps.Store.GetAgent(r.Context(), agentID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load agent: %v", err)
			return
		}

		turn := engine.Turn{
			Agent:               agent,
			ThreadID:            req.ThreadID,
			Message:             req.Message,
			InstructionOverride: req.ClientSidePrompt,
		}
		if len(req.File) > 0 {
			turn.File = &engine.Attachment{Name: req.Filename, Data: req.File}
		}

		settings := stream.Settings{AgentID: agent.ID, ThreadID: req.ThreadID, ErrorText: agent.ErrorMessage}
		if settings.ErrorText == "" {
			settings.ErrorText = engine.FallbackText
		}

		w.Header().Set("Content-Type", stream.ContentType)
		w.Header().Set("Cache-Control", "no-cache")
		err = stream.Pipe(r.Context(), w, settings, func(ctx context.Context, emit stream.Emit) error {
			return deps.Engine.Respond(ctx, turn, emit)
		})
		if err == nil {
			return
		}

		// Nothing has been written yet, so a plain error response is still possible.
		if errs.Is(err, errs.KindConfiguration) {
			log.Error("assistant unavailable", "agent", agent.ID, "err", err)
			httpError(w, http.StatusInternalServerError, "configuration_error", "assistant unavailable for agent %s", agent.ID)
			return
		}
		if errors.Is(err, context.Canceled) {
			log.Info("chat cancelled by client", "agent", agent.ID)
			return
		}
		log.Error("chat turn failed", "agent", agent.ID, "err", err)
		httpError(w, http.StatusInternalServerError, "api_error", "chat failed")
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return req, errors.New("invalid multipart body")
		}
		req.ThreadID = r.FormValue("threadId")
		req.Message = r.FormValue("message")
		req.ClientSidePrompt = r.FormValue("clientSidePrompt")
		req.Filename = r.FormValue("filename")

		f, header, err := r.FormFile("file")
		if errors.Is(err, http.ErrMissingFile) {
			return req, nil
		}
		if err != nil {
			return req, errors.New("invalid file part")
		}
		defer f.Close()
		if req.File, err = io.ReadAll(f); err != nil {
			return req, errors.New("reading file part failed")
		}
		if req.Filename == "" {
			req.Filename = header.Filename
		}
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	return req, nil
}
