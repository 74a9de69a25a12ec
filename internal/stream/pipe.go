package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
)

// DefaultErrorText is written when a producer fails without a message of its own.
const DefaultErrorText = "I'm sorry, I encountered an error. Please try again."

// Emit hands one event to the encoder. It fails once ctx is done.
type Emit func(Event) error

// Producer generates the events of one turn.
type Producer func(ctx context.Context, emit Emit) error

// Pipe runs produce in its own goroutine and encodes its events to w,
// flushing after each frame. If produce fails before any frame was written
// its error is returned untouched and w is left alone so the caller can
// still answer with an HTTP error. A failure or panic after output started
// ends the stream with an error frame.
func Pipe(ctx context.Context, w io.Writer, s Settings, produce Producer) error {
	events := make(chan Event)
	result := make(chan error, 1)

	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("stream producer panic", "panic", r, "stack", string(debug.Stack()))
				result <- fmt.Errorf("producer panic: %v", r)
			}
		}()
		result <- produce(ctx, func(ev Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	enc := NewEncoder(w, s)
	var writeErr error
	for ev := range events {
		if writeErr != nil {
			continue
		}
		if writeErr = enc.Encode(ev); writeErr != nil {
			slog.Warn("stream write failed", "agent", s.AgentID, "err", writeErr)
		}
	}

	err := <-result
	if err == nil || writeErr != nil {
		return writeErr
	}
	if !enc.Started() {
		return err
	}

	slog.Error("stream producer failed", "agent", s.AgentID, "err", err)
	text := s.ErrorText
	if text == "" {
		text = DefaultErrorText
	}
	return enc.Encode(Event{Kind: KindError, Text: text})
}
