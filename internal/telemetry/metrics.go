package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kalambet/agentrelay"

// Metrics holds the service's metric instruments.
type Metrics struct {
	Turns         metric.Int64Counter
	Errors        metric.Int64Counter
	Uploads       metric.Int64Counter
	Trainings     metric.Int64Counter
	PollDuration  metric.Float64Histogram
	QuotaRejected metric.Int64Counter
}

// NewMetrics creates instruments on meter; nil uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error

	m.Turns, err = meter.Int64Counter("agentrelay.chat.turns",
		metric.WithDescription("Chat turns by outcome"))
	if err != nil {
		return nil, err
	}

	m.Errors, err = meter.Int64Counter("agentrelay.errors",
		metric.WithDescription("Recorded errors by kind"))
	if err != nil {
		return nil, err
	}

	m.Uploads, err = meter.Int64Counter("agentrelay.knowledge.uploads",
		metric.WithDescription("Files uploaded to the remote service"))
	if err != nil {
		return nil, err
	}

	m.Trainings, err = meter.Int64Counter("agentrelay.trainings",
		metric.WithDescription("Training runs by status"))
	if err != nil {
		return nil, err
	}

	m.PollDuration, err = meter.Float64Histogram("agentrelay.run.poll_seconds",
		metric.WithDescription("Time spent waiting for a run to finish"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.QuotaRejected, err = meter.Int64Counter("agentrelay.quota.rejected",
		metric.WithDescription("Turns refused because the plan limit was reached"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TurnFinished counts one chat turn with its outcome.
func (m *Metrics) TurnFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// FileUploaded counts one upload of the given artifact kind.
func (m *Metrics) FileUploaded(ctx context.Context, artifact string) {
	if m == nil {
		return
	}
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("artifact", artifact)))
}

func (m *Metrics) TrainingFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Trainings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) PollObserved(ctx context.Context, seconds float64, status string) {
	if m == nil {
		return
	}
	m.PollDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) QuotaExceeded(ctx context.Context) {
	if m == nil {
		return
	}
	m.QuotaRejected.Add(ctx, 1)
}
