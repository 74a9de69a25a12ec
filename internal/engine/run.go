package engine

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/agentrelay/internal/assistants"
	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/poll"
)

// messageWindow is how many of the thread's newest messages are searched
// for the reply.
const messageWindow = 20

var errNoReply = errors.New("run completed without an assistant message")

// pollRun starts a run and polls it until it finishes or the budget runs out.
// The remote run is left alone on timeout.
func (c *conversation) pollRun(ctx context.Context) (string, error) {
	e := c.engine
	run, err := e.remote.CreateRun(ctx, c.threadID, c.runRequest())
	if err != nil {
		if ctx.Err() != nil {
			return c.finished(ctx, assistants.RunQueued, true)
		}
		return c.runFailed(ctx, err)
	}

	status := run.Status
	started := time.Now()
	outcome, err := e.waiter.Until(ctx, func(ctx context.Context) (bool, error) {
		r, err := e.remote.RetrieveRun(ctx, c.threadID, run.ID)
		if err != nil {
			return false, err
		}
		status = r.Status
		return assistants.Terminal(status), nil
	})
	e.metrics.PollObserved(ctx, time.Since(started).Seconds(), status)

	switch {
	case outcome == poll.Expired || outcome == poll.Cancelled || (err != nil && ctx.Err() != nil):
		e.logger.WarnContext(ctx, "run timed out", "agent", c.agent.ID, "thread", c.threadID, "run", run.ID, "status", status)
		return c.finished(ctx, status, true)
	case err != nil:
		// A not-found here names the run, not the assistant.
		return c.fail(ctx, errs.E(errs.KindRemoteTransient, "retrieve run", err))
	case status != assistants.RunCompleted:
		return c.finished(ctx, status, false)
	}

	msgs, err := e.remote.ListMessages(ctx, c.threadID, messageWindow)
	if err != nil {
		return c.fail(ctx, errs.E(errs.KindRemoteTransient, "list messages", err))
	}
	reply, ok := newestAssistantMessage(msgs)
	if !ok {
		return c.fail(ctx, errs.E(errs.KindRemoteTerminal, "", errNoReply))
	}
	return c.completed(ctx, reply)
}

// runFailed routes a missing assistant at run creation to recreation and
// anything else to the fallback reply.
func (c *conversation) runFailed(ctx context.Context, err error) (string, error) {
	if assistants.IsNotFound(err) {
		return c.reset(ctx, err)
	}
	return c.fail(ctx, errs.E(errs.KindRemoteTransient, "run", err))
}

// newestAssistantMessage expects msgs ordered newest first.
func newestAssistantMessage(msgs []assistants.Message) (assistants.Message, bool) {
	for _, m := range msgs {
		if m.Role == "assistant" {
			return m, true
		}
	}
	return assistants.Message{}, false
}
