package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/kalambet/agentrelay/internal/assistants"
	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/stream"
)

// streamRun starts a streamed run and forwards message deltas as they
// arrive. The poll budget bounds the whole stream.
func (c *conversation) streamRun(ctx context.Context) (string, error) {
	e := c.engine
	sctx, cancel := context.WithTimeout(ctx, e.waiter.Budget)
	defer cancel()

	rs, err := e.remote.CreateRunStream(sctx, c.threadID, c.runRequest())
	if err != nil {
		if sctx.Err() != nil {
			return c.finished(ctx, assistants.RunQueued, true)
		}
		return c.runFailed(ctx, err)
	}
	defer rs.Close()

	status := assistants.RunQueued
	var reply *assistants.Message

	for !assistants.Terminal(status) {
		ev, err := rs.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sctx.Err() != nil {
				e.logger.WarnContext(ctx, "streamed run timed out", "agent", c.agent.ID, "thread", c.threadID, "status", status)
				return c.finished(ctx, status, true)
			}
			return c.fail(ctx, errs.E(errs.KindRemoteTransient, "read run stream", err))
		}

		switch {
		case ev.Type == assistants.EventMessageCreated:
			var m assistants.Message
			if c.decode(ctx, ev, &m) && m.Role == "assistant" {
				if err := c.emit(stream.Event{Kind: stream.KindMessageCreated, MessageID: m.ID}); err != nil {
					return outcomeFailed, err
				}
			}
		case ev.Type == assistants.EventMessageDelta:
			var d assistants.MessageDelta
			if !c.decode(ctx, ev, &d) {
				continue
			}
			for _, part := range d.Delta.Content {
				if part.Type != "text" || part.Text == nil || part.Text.Value == "" {
					continue
				}
				if err := c.emit(stream.Event{Kind: stream.KindTextDelta, MessageID: d.ID, Text: part.Text.Value}); err != nil {
					return outcomeFailed, err
				}
			}
		case ev.Type == assistants.EventMessageCompleted:
			var m assistants.Message
			if c.decode(ctx, ev, &m) && m.Role == "assistant" {
				reply = &m
				if err := c.emitExtras(m); err != nil {
					return outcomeFailed, err
				}
			}
		case strings.HasPrefix(ev.Type, assistants.EventRunPrefix):
			var r assistants.Run
			if c.decode(ctx, ev, &r) && r.Status != "" {
				status = r.Status
			}
		case ev.Type == assistants.EventError:
			return c.fail(ctx, errs.Errorf(errs.KindRemoteTransient, "run stream", "%s", ev.Data))
		}
	}

	if status != assistants.RunCompleted {
		return c.finished(ctx, status, false)
	}
	if reply == nil {
		return c.fail(ctx, errs.E(errs.KindRemoteTerminal, "", errNoReply))
	}
	c.persist(ctx, *reply)
	return outcomeCompleted, nil
}

func (c *conversation) decode(ctx context.Context, ev assistants.Event, v any) bool {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		c.engine.logger.WarnContext(ctx, "skipping undecodable stream event", "type", ev.Type, "err", err)
		return false
	}
	return true
}
