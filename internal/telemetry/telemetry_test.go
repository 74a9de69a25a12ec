package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kalambet/agentrelay/internal/errs"
	"github.com/kalambet/agentrelay/internal/storage"
)

type memoryErrors struct {
	records []storage.ErrorRecord
	fail    error
}

func (m *memoryErrors) SaveError(_ context.Context, e storage.ErrorRecord) (storage.ErrorRecord, error) {
	if m.fail != nil {
		return storage.ErrorRecord{}, m.fail
	}
	m.records = append(m.records, e)
	return e, nil
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// sumByAttr returns the counter's data points keyed by the value of attr.
func sumByAttr(t *testing.T, reader *sdkmetric.ManualReader, name, attr string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(attr))
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestSinkPersistsAndCounts(t *testing.T) {
	m, reader := newTestMetrics(t)
	store := &memoryErrors{}
	var logs bytes.Buffer
	sink := NewSink(store, slog.New(slog.NewJSONHandler(&logs, nil)), m)

	sink.RecordError(context.Background(), "a1", "thread_1", errs.Errorf(errs.KindRemoteTimeout, "", "Run status: %s", "in_progress"))
	sink.RecordError(context.Background(), "a1", "", errors.New("plain"))
	sink.RecordError(context.Background(), "a1", "", nil)

	require.Len(t, store.records, 2)
	assert.Equal(t, "Run status: in_progress", store.records[0].Message)
	assert.Equal(t, "thread_1", store.records[0].ThreadID)
	assert.Equal(t, "plain", store.records[1].Message)

	assert.Equal(t, map[string]int64{"remote_timeout": 1, "unknown": 1},
		sumByAttr(t, reader, "agentrelay.errors", "kind"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(logs.Bytes(), []byte("\n"), 2)[0], &line))
	assert.Equal(t, "remote_timeout", line["kind"])
	assert.Equal(t, "a1", line["agent"])
}

func TestSinkStoreFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	sink := NewSink(&memoryErrors{fail: errors.New("disk full")}, slog.New(slog.NewTextHandler(&logs, nil)), nil)

	sink.RecordError(context.Background(), "a1", "", errors.New("boom"))
	assert.Contains(t, logs.String(), "disk full")
}

func TestMetricsCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TurnFinished(ctx, "completed")
	m.TurnFinished(ctx, "completed")
	m.TurnFinished(ctx, "reset")
	m.FileUploaded(ctx, "combined")
	m.TrainingFinished(ctx, "success")
	m.QuotaExceeded(ctx)
	m.PollObserved(ctx, 1.5, "completed")

	assert.Equal(t, map[string]int64{"completed": 2, "reset": 1}, sumByAttr(t, reader, "agentrelay.chat.turns", "outcome"))
	assert.Equal(t, map[string]int64{"combined": 1}, sumByAttr(t, reader, "agentrelay.knowledge.uploads", "artifact"))
	assert.Equal(t, map[string]int64{"success": 1}, sumByAttr(t, reader, "agentrelay.trainings", "status"))
	assert.Equal(t, map[string]int64{"": 1}, sumByAttr(t, reader, "agentrelay.quota.rejected", "none"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TurnFinished(ctx, "completed")
	m.FileUploaded(ctx, "raw")
	m.TrainingFinished(ctx, "error")
	m.PollObserved(ctx, 1, "failed")
	m.QuotaExceeded(ctx)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "json").Debug("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, ServiceName, line["service"])
	assert.Equal(t, "v", line["k"])
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingOptions{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(context.Background(), TracingOptions{Enabled: true, Exporter: "stdout", Writer: &buf, Version: "test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingUnknownExporter(t *testing.T) {
	_, err := SetupTracing(context.Background(), TracingOptions{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}
