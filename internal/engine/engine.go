// Package engine runs one chat turn against an agent's remote assistant and
// reports its output as stream events.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/agentrelay/internal/assistants"
	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/poll"
	"github.com/kalambet/agentrelay/internal/quota"
	"github.com/kalambet/agentrelay/internal/storage"
	"github.com/kalambet/agentrelay/internal/stream"
	"github.com/kalambet/agentrelay/internal/telemetry"
)

// Texts shown to the user.
const (
	FallbackText = "I'm sorry, I encountered an error. Please try again."
	ResetText    = "I needed to reset my knowledge. Please try your message again."
)

// Assistant message ids used for locally generated replies.
const (
	endMessageID   = "end"
	retryMessageID = "retry"
	errorMessageID = "error"
)

// Turn outcomes reported to metrics.
const (
	outcomeCompleted = "completed"
	outcomeQuota     = "quota_exceeded"
	outcomeTimedOut  = "timed_out"
	outcomeTerminal  = "terminal"
	outcomeReset     = "reset"
	outcomeFailed    = "failed"
)

// Remote is the subset of the assistants API a turn uses.
type Remote interface {
	CreateThread(ctx context.Context) (assistants.Thread, error)
	CreateMessage(ctx context.Context, threadID string, req assistants.MessageRequest) (assistants.Message, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]assistants.Message, error)
	CreateRun(ctx context.Context, threadID string, req assistants.RunRequest) (assistants.Run, error)
	CreateRunStream(ctx context.Context, threadID string, req assistants.RunRequest) (*assistants.RunStream, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (assistants.Run, error)
	UploadFile(ctx context.Context, name string, content io.Reader, purpose string) (assistants.File, error)
}

// Ensurer guarantees the agent has a live remote assistant.
type Ensurer interface {
	Ensure(ctx context.Context, agent storage.Agent) (string, error)
}

type QuotaChecker interface {
	Check(ctx context.Context, userID string) (quota.Decision, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, m storage.MessageRecord) (storage.MessageRecord, error)
}

type ErrorSink interface {
	RecordError(ctx context.Context, agentID, threadID string, err error)
}

// Attachment is a file sent along with the user's message.
type Attachment struct {
	Name string
	Data []byte
}

// Turn is one user message to an agent.
type Turn struct {
	Agent    storage.Agent
	ThreadID string
	Message  string
	// InstructionOverride replaces the assistant's instructions for this run.
	InstructionOverride string
	File                *Attachment
}

type Config struct {
	Remote   Remote
	Ensurer  Ensurer
	Quota    QuotaChecker
	Messages MessageStore
	Sink     ErrorSink
	// PollInterval and PollBudget bound the wait for a run to finish.
	PollInterval time.Duration
	PollBudget   time.Duration
	Clock        poll.Clock
	// StreamRuns starts runs in streaming mode and forwards deltas.
	StreamRuns bool
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

type Engine struct {
	remote     Remote
	ensurer    Ensurer
	quota      QuotaChecker
	messages   MessageStore
	sink       ErrorSink
	waiter     poll.Waiter
	streamRuns bool
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
}

func New(cfg Config) *Engine {
	e := &Engine{
		remote:     cfg.Remote,
		ensurer:    cfg.Ensurer,
		quota:      cfg.Quota,
		messages:   cfg.Messages,
		sink:       cfg.Sink,
		waiter:     poll.Waiter{Interval: cfg.PollInterval, Budget: cfg.PollBudget, Clock: cfg.Clock},
		streamRuns: cfg.StreamRuns,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("github.com/kalambet/agentrelay/engine"),
	}
	if e.waiter.Interval <= 0 {
		e.waiter.Interval = time.Second
	}
	if e.waiter.Budget <= 0 {
		e.waiter.Budget = 60 * time.Second
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Respond runs a turn. A configuration failure is returned before anything
// is emitted; every later failure is recorded and answered with a reply, so
// the returned error then only reflects emit failures.
func (e *Engine) Respond(ctx context.Context, turn Turn, emit stream.Emit) error {
	ctx, span := e.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("agent.id", turn.Agent.ID),
		attribute.Bool("thread.new", turn.ThreadID == ""),
	))
	defer span.End()

	agent := turn.Agent
	assistantID, err := e.ensurer.Ensure(ctx, agent)
	if err != nil {
		span.SetStatus(codes.Error, "assistant unavailable")
		return errs.E(errs.KindConfiguration, "ensure assistant", err)
	}
	stale := agent.AssistantID
	agent.AssistantID = assistantID
	c := &conversation{engine: e, agent: agent, turn: turn, emit: emit, threadID: turn.ThreadID}

	decision, err := e.quota.Check(ctx, agent.UserID)
	if err != nil {
		span.SetStatus(codes.Error, "quota check failed")
		return fmt.Errorf("checking quota: %w", err)
	}
	if !decision.Allowed {
		e.logger.InfoContext(ctx, "message limit reached", "agent", agent.ID, "user", agent.UserID, "plan", decision.Plan)
		e.metrics.QuotaExceeded(ctx)
		e.metrics.TurnFinished(ctx, outcomeQuota)
		return emit(stream.Event{Kind: stream.KindMessage, MessageID: endMessageID, Text: decision.Message})
	}

	// A replaced assistant has not seen this thread's knowledge yet.
	if stale != "" && stale != assistantID {
		e.logger.WarnContext(ctx, "assistant replaced", "agent", agent.ID, "old", stale, "new", assistantID)
		outcome, err := c.announceReset(ctx, assistantID)
		e.metrics.TurnFinished(ctx, outcome)
		return err
	}

	outcome, err := c.run(ctx)
	span.SetAttributes(attribute.String("outcome", outcome), attribute.String("thread.id", c.threadID))
	e.metrics.TurnFinished(ctx, outcome)
	return err
}

// conversation carries the state of one turn after the pre-checks.
type conversation struct {
	engine   *Engine
	agent    storage.Agent
	turn     Turn
	emit     stream.Emit
	threadID string
}

func (c *conversation) run(ctx context.Context) (string, error) {
	e := c.engine
	if c.threadID == "" {
		th, err := e.remote.CreateThread(ctx)
		if err != nil {
			return c.fail(ctx, errs.E(errs.KindRemoteTransient, "create thread", err))
		}
		c.threadID = th.ID
	}

	req := assistants.MessageRequest{Role: "user", Content: c.turn.Message}
	if f := c.turn.File; f != nil {
		up, err := e.remote.UploadFile(ctx, f.Name, bytes.NewReader(f.Data), assistants.PurposeAssistants)
		if err != nil {
			return c.fail(ctx, errs.E(errs.KindRemoteTransient, "upload attachment", err))
		}
		req.Attachments = []assistants.Attachment{{FileID: up.ID, Tools: []assistants.Tool{assistants.FileSearch}}}
	}

	msg, err := e.remote.CreateMessage(ctx, c.threadID, req)
	if err != nil {
		return c.fail(ctx, errs.E(errs.KindRemoteTransient, "post message", err))
	}
	if err := c.emit(stream.Event{Kind: stream.KindControl, ThreadID: c.threadID, MessageID: msg.ID}); err != nil {
		return outcomeFailed, err
	}

	if e.streamRuns {
		return c.streamRun(ctx)
	}
	return c.pollRun(ctx)
}

func (c *conversation) runRequest() assistants.RunRequest {
	req := assistants.RunRequest{
		AssistantID:         c.agent.AssistantID,
		Instructions:        strings.ReplaceAll(c.turn.InstructionOverride, "+", ""),
		MaxPromptTokens:     c.agent.MaxPromptTokens,
		MaxCompletionTokens: c.agent.MaxCompletionTokens,
	}
	if c.agent.Temperature > 0 {
		t := c.agent.Temperature
		req.Temperature = &t
	}
	return req
}

// completed persists and emits the assistant's reply.
func (c *conversation) completed(ctx context.Context, msg assistants.Message) (string, error) {
	c.persist(ctx, msg)
	if err := c.emit(stream.Event{Kind: stream.KindMessage, MessageID: msg.ID, Text: msg.Text()}); err != nil {
		return outcomeCompleted, err
	}
	return outcomeCompleted, c.emitExtras(msg)
}

func (c *conversation) persist(ctx context.Context, msg assistants.Message) {
	_, err := c.engine.messages.SaveMessage(context.WithoutCancel(ctx), storage.MessageRecord{
		UserID:      c.agent.UserID,
		AgentID:     c.agent.ID,
		ThreadID:    c.threadID,
		UserMessage: c.turn.Message,
		Response:    msg.Text(),
	})
	if err != nil {
		c.engine.logger.ErrorContext(ctx, "saving message record", "agent", c.agent.ID, "thread", c.threadID, "err", err)
	}
}

// emitExtras forwards annotations and generated images of a message.
func (c *conversation) emitExtras(msg assistants.Message) error {
	var anns []assistants.Annotation
	for _, part := range msg.Content {
		switch {
		case part.Type == "text" && part.Text != nil:
			anns = append(anns, part.Text.Annotations...)
		case part.Type == "image_file" && part.ImageFile != nil:
			if err := c.emit(stream.Event{Kind: stream.KindImage, MessageID: msg.ID, FileID: part.ImageFile.FileID}); err != nil {
				return err
			}
		}
	}
	if len(anns) == 0 {
		return nil
	}
	return c.emit(stream.Event{Kind: stream.KindAnnotations, MessageID: msg.ID, Annotations: anns})
}

// finished classifies a run that is no longer being waited on.
func (c *conversation) finished(ctx context.Context, status string, timedOut bool) (string, error) {
	err := errs.Errorf(errs.KindRemoteTerminal, "", "Run status: %s", status)
	outcome := outcomeTerminal
	if timedOut {
		err = errs.Errorf(errs.KindRemoteTimeout, "", "Run status: %s", status)
		outcome = outcomeTimedOut
	}
	c.record(ctx, err)
	return outcome, c.reply(endMessageID, c.fallback())
}

// reset recreates a missing assistant and asks the user to resend.
func (c *conversation) reset(ctx context.Context, cause error) (string, error) {
	e := c.engine
	e.logger.WarnContext(ctx, "assistant missing, recreating", "agent", c.agent.ID, "assistant", c.agent.AssistantID, "err", cause)

	id, err := e.ensurer.Ensure(context.WithoutCancel(ctx), c.agent)
	if err != nil {
		e.logger.ErrorContext(ctx, "recreating assistant failed", "agent", c.agent.ID, "err", err)
		return c.fail(ctx, errs.E(errs.KindRemoteTransient, "run", cause))
	}
	if id == c.agent.AssistantID {
		// The assistant is still live, so the not-found was about something else.
		return c.fail(ctx, errs.E(errs.KindRemoteTransient, "run", cause))
	}
	return c.announceReset(ctx, id)
}

func (c *conversation) announceReset(ctx context.Context, newID string) (string, error) {
	c.record(ctx, errs.Errorf(errs.KindRemoteNotFound, "", "Assistant not found. Created new assistant with ID: %s", newID))
	return outcomeReset, c.reply(retryMessageID, ResetText)
}

// fail records err verbatim and answers with the fallback text.
func (c *conversation) fail(ctx context.Context, err error) (string, error) {
	c.record(ctx, err)
	return outcomeFailed, c.reply(errorMessageID, c.fallback())
}

func (c *conversation) record(ctx context.Context, err error) {
	if c.engine.sink != nil {
		c.engine.sink.RecordError(context.WithoutCancel(ctx), c.agent.ID, c.threadID, err)
	}
}

func (c *conversation) reply(id, text string) error {
	return c.emit(stream.Event{Kind: stream.KindMessage, MessageID: id, Text: text})
}

func (c *conversation) fallback() string {
	if c.agent.ErrorMessage != "" {
		return c.agent.ErrorMessage
	}
	return FallbackText
}
