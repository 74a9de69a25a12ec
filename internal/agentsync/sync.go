// Package agentsync keeps each local agent bound to a live remote assistant
// whose configuration and attached files match local state.
package agentsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/agentrelay/internal/assistants"
	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/storage"
)

const (
	defaultInstructions = "You are a helpful assistant."
	tracerName          = "github.com/kalambet/agentrelay/internal/agentsync"
)

// Remote is the subset of the assistants client the synchronizer drives.
type Remote interface {
	CreateAssistant(ctx context.Context, req assistants.AssistantRequest) (assistants.Assistant, error)
	RetrieveAssistant(ctx context.Context, id string) (assistants.Assistant, error)
	UpdateAssistant(ctx context.Context, id string, req assistants.AssistantRequest) (assistants.Assistant, error)
	DeleteAssistant(ctx context.Context, id string) error
	CreateVectorStore(ctx context.Context, req assistants.VectorStoreRequest) (assistants.VectorStore, error)
	ListVectorStoreFiles(ctx context.Context, storeID string) ([]string, error)
	AttachFile(ctx context.Context, storeID, fileID string) error
	DetachFile(ctx context.Context, storeID, fileID string) error
}

// Store persists the assistant binding and the attached file set.
type Store interface {
	GetAgent(ctx context.Context, id string) (storage.Agent, error)
	SetAssistantID(ctx context.Context, agentID, assistantID string) error
	AttachedFiles(ctx context.Context, agentID string) ([]string, error)
	SetAttachedFiles(ctx context.Context, agentID string, fileIDs []string) error
}

// Synchronizer serializes Ensure and Update per agent and coalesces
// concurrent Ensure calls for the same agent.
type Synchronizer struct {
	remote       Remote
	store        Store
	defaultModel string
	logger       *slog.Logger

	locks  *keyedMutex
	flight singleflight.Group
}

func New(remote Remote, store Store, defaultModel string) *Synchronizer {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &Synchronizer{
		remote:       remote,
		store:        store,
		defaultModel: defaultModel,
		logger:       slog.Default(),
		locks:        newKeyedMutex(),
	}
}

// WithLogger replaces the default logger.
func (s *Synchronizer) WithLogger(l *slog.Logger) *Synchronizer {
	s.logger = l
	return s
}

// Ensure returns the id of a live remote assistant for agent, creating one
// when the stored id is empty or can no longer be retrieved. A live
// assistant is returned as is, without an update call.
func (s *Synchronizer) Ensure(ctx context.Context, agent storage.Agent) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "assistant.ensure",
		trace.WithAttributes(attribute.String("agent.id", agent.ID)))
	defer span.End()

	// The shared call serves every coalesced caller, so it must not end
	// when the caller that started it goes away.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(agent.ID, func() (any, error) {
		unlock := s.locks.Lock(agent.ID)
		defer unlock()

		a, err := s.ensureLocked(flightCtx, agent.ID)
		if err != nil {
			return "", err
		}
		return a.ID, nil
	})

	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			span.RecordError(r.Err)
			return "", r.Err
		}
		span.SetAttributes(attribute.Bool("ensure.shared", r.Shared))
		return r.Val.(string), nil
	}
}

// Update ensures the assistant exists, pushes the agent's configuration and
// makes the attached files exactly fileIDs.
func (s *Synchronizer) Update(ctx context.Context, agent storage.Agent, fileIDs []string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "assistant.update",
		trace.WithAttributes(attribute.String("agent.id", agent.ID), attribute.Int("files", len(fileIDs))))
	defer span.End()

	unlock := s.locks.Lock(agent.ID)
	defer unlock()

	a, err := s.ensureLocked(ctx, agent.ID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	current, err := s.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return "", errs.E(errs.KindConfiguration, "agentsync.Update", err)
	}

	req := s.assistantRequest(current)
	storeID := a.VectorStoreID()
	if storeID == "" {
		vs, err := s.remote.CreateVectorStore(ctx, assistants.VectorStoreRequest{Name: vectorStoreName(current), FileIDs: fileIDs})
		if err != nil {
			return "", errs.E(errs.KindRemoteTransient, "agentsync.Update: vector store", err)
		}
		req.ToolResources = fileSearchResources(vs.ID)
	}

	if _, err := s.remote.UpdateAssistant(ctx, a.ID, req); err != nil {
		return "", errs.E(errs.KindRemoteTransient, "agentsync.Update: assistant", err)
	}

	if storeID != "" {
		if err := s.syncFiles(ctx, storeID, fileIDs); err != nil {
			return "", errs.E(errs.KindRemoteTransient, "agentsync.Update: files", err)
		}
	}

	if err := s.store.SetAttachedFiles(ctx, agent.ID, fileIDs); err != nil {
		return "", fmt.Errorf("recording attached files: %w", err)
	}
	s.logger.InfoContext(ctx, "assistant updated", "agent", agent.ID, "assistant", a.ID, "files", len(fileIDs))
	return a.ID, nil
}

// Delete removes the agent's remote assistant. Failures are logged only.
func (s *Synchronizer) Delete(ctx context.Context, agent storage.Agent) {
	if agent.AssistantID == "" {
		return
	}
	if err := s.remote.DeleteAssistant(ctx, agent.AssistantID); err != nil {
		s.logger.WarnContext(ctx, "deleting remote assistant failed", "agent", agent.ID, "assistant", agent.AssistantID, "err", err)
	}
}

// ensureLocked must run with the agent's lock held. It re-reads the agent
// so an id written by a concurrent holder is observed.
func (s *Synchronizer) ensureLocked(ctx context.Context, agentID string) (assistants.Assistant, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return assistants.Assistant{}, errs.E(errs.KindConfiguration, "agentsync.Ensure", err)
	}

	if agent.AssistantID != "" {
		a, err := s.remote.RetrieveAssistant(ctx, agent.AssistantID)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			return assistants.Assistant{}, ctx.Err()
		}
		s.logger.WarnContext(ctx, "stored assistant unavailable, creating a new one",
			"agent", agent.ID, "assistant", agent.AssistantID, "not_found", assistants.IsNotFound(err), "err", err)
	}

	return s.create(ctx, agent)
}

func (s *Synchronizer) create(ctx context.Context, agent storage.Agent) (assistants.Assistant, error) {
	fileIDs, err := s.store.AttachedFiles(ctx, agent.ID)
	if err != nil {
		return assistants.Assistant{}, fmt.Errorf("loading attached files: %w", err)
	}

	req := s.assistantRequest(agent)
	if len(fileIDs) > 0 {
		vs, err := s.remote.CreateVectorStore(ctx, assistants.VectorStoreRequest{Name: vectorStoreName(agent), FileIDs: fileIDs})
		if err != nil {
			return assistants.Assistant{}, errs.E(errs.KindRemoteTransient, "agentsync.create: vector store", err)
		}
		req.ToolResources = fileSearchResources(vs.ID)
	}

	a, err := s.remote.CreateAssistant(ctx, req)
	if err != nil {
		return assistants.Assistant{}, errs.E(errs.KindRemoteTransient, "agentsync.create", err)
	}
	if err := s.store.SetAssistantID(ctx, agent.ID, a.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return assistants.Assistant{}, errs.E(errs.KindConfiguration, "agentsync.create", err)
		}
		return assistants.Assistant{}, fmt.Errorf("storing assistant id: %w", err)
	}
	s.logger.InfoContext(ctx, "assistant created", "agent", agent.ID, "assistant", a.ID, "files", len(fileIDs))
	return a, nil
}

func (s *Synchronizer) syncFiles(ctx context.Context, storeID string, want []string) error {
	have, err := s.remote.ListVectorStoreFiles(ctx, storeID)
	if err != nil {
		return fmt.Errorf("listing attached files: %w", err)
	}
	detach, attach := diff(have, want)
	for _, id := range detach {
		if err := s.remote.DetachFile(ctx, storeID, id); err != nil {
			return fmt.Errorf("detaching %s: %w", id, err)
		}
	}
	for _, id := range attach {
		if err := s.remote.AttachFile(ctx, storeID, id); err != nil {
			return fmt.Errorf("attaching %s: %w", id, err)
		}
	}
	return nil
}

func (s *Synchronizer) assistantRequest(agent storage.Agent) assistants.AssistantRequest {
	instructions := agent.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	model := agent.Model
	if model == "" {
		model = s.defaultModel
	}
	req := assistants.AssistantRequest{
		Name:         agent.Name,
		Instructions: instructions,
		Model:        model,
		Tools:        []assistants.Tool{assistants.FileSearch},
	}
	if agent.Temperature > 0 {
		t := agent.Temperature
		req.Temperature = &t
	}
	return req
}

// diff returns the ids in have missing from want, and those in want missing
// from have, each in input order.
func diff(have, want []string) (detach, attach []string) {
	wantSet := make(map[string]struct{}, len(want))
	for _, id := range want {
		wantSet[id] = struct{}{}
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, id := range have {
		haveSet[id] = struct{}{}
		if _, ok := wantSet[id]; !ok {
			detach = append(detach, id)
		}
	}
	for _, id := range want {
		if _, ok := haveSet[id]; !ok {
			attach = append(attach, id)
			haveSet[id] = struct{}{}
		}
	}
	return detach, attach
}

func fileSearchResources(storeID string) *assistants.ToolResources {
	return &assistants.ToolResources{
		FileSearch: &assistants.FileSearchResources{VectorStoreIDs: []string{storeID}},
	}
}

func vectorStoreName(agent storage.Agent) string {
	return "agent-" + agent.ID
}
