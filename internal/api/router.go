// Package api exposes the chat, training and management HTTP routes and the
// MCP tool surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kalambet/agentrelay/internal/engine"
	"github.com/kalambet/agentrelay/internal/knowledge"
	"github.com/kalambet/agentrelay/internal/storage"
	"github.com/kalambet/agentrelay/internal/stream"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxUploadSize = 20 << 20 // 20MB

// Responder runs one chat turn.
type Responder interface {
	Respond(ctx context.Context, turn engine.Turn, emit stream.Emit) error
}

// Trainer rebuilds an agent's knowledge.
type Trainer interface {
	Train(ctx context.Context, agentID string, opts knowledge.Options) (knowledge.TrainResult, error)
}

// AssistantRemover deletes an agent's remote resources, best effort.
type AssistantRemover interface {
	Delete(ctx context.Context, agent storage.Agent)
}

// PlanInvalidator drops cached plan lookups after a plan change.
type PlanInvalidator interface {
	Invalidate(userID string)
}

type Deps struct {
	Store      *storage.Store
	Engine     Responder
	Trainer    Trainer
	Assistants AssistantRemover // optional
	Plans      PlanInvalidator  // optional
	// Token guards the management routes; empty leaves them open.
	Token        string
	RouteTimeout time.Duration
	Logger       *slog.Logger
}

// NewRouter wires every HTTP route behind request ids, panic recovery and
// tracing.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.RouteTimeout > 0 {
			r.Use(middleware.Timeout(deps.RouteTimeout))
		}
		r.Post("/agents/{id}/chat", handleChat(deps))
		r.With(BearerAuth(deps.Token)).Post("/agents/{id}/train", handleTrain(deps))
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		mountManagement(r, deps)
	})

	return otelhttp.NewHandler(r, "agentrelay",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// Issue is one field-level validation failure.
type Issue struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

func writeIssues(w http.ResponseWriter, issues []Issue) {
	writeJSON(w, http.StatusUnprocessableEntity, issues)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func requestLogger(deps Deps, r *http.Request) *slog.Logger {
	return deps.Logger.With("request_id", middleware.GetReqID(r.Context()))
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
