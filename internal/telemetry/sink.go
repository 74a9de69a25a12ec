package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/storage"
)

// ErrorStore persists error records.
type ErrorStore interface {
	SaveError(ctx context.Context, e storage.ErrorRecord) (storage.ErrorRecord, error)
}

// Sink is the single place failures are reported: it persists an error
// record, logs it, counts it and marks the active span.
type Sink struct {
	store   ErrorStore
	logger  *slog.Logger
	metrics *Metrics
}

func NewSink(store ErrorStore, logger *slog.Logger, metrics *Metrics) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger, metrics: metrics}
}

// RecordError stores err's text as an error record for the agent. A failure
// to persist is logged and otherwise ignored.
func (s *Sink) RecordError(ctx context.Context, agentID, threadID string, err error) {
	if err == nil {
		return
	}
	kind := errs.KindOf(err)

	s.logger.WarnContext(ctx, "error recorded",
		"agent", agentID, "thread", threadID, "kind", kind.String(), "err", err)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err, trace.WithAttributes(attribute.String("error.kind", kind.String())))
	}
	if s.metrics != nil {
		s.metrics.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}

	if s.store == nil {
		return
	}
	if _, serr := s.store.SaveError(ctx, storage.ErrorRecord{
		AgentID:  agentID,
		ThreadID: threadID,
		Message:  err.Error(),
	}); serr != nil {
		s.logger.ErrorContext(ctx, "persisting error record failed", "agent", agentID, "err", serr)
	}
}
