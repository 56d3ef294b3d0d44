package speech

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessions    metric.Int64Counter
	chunks      metric.Int64Counter
	chunkErrors metric.Int64Counter
	cancels     metric.Int64Counter
}

func newMetrics(logger *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/speech")
	m := &metrics{}
	var err error
	if m.sessions, err = meter.Int64Counter("speech.sessions", metric.WithDescription("Playback sessions started")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "speech.sessions"), slogError(err))
	}
	if m.chunks, err = meter.Int64Counter("speech.chunks", metric.WithDescription("Chunks handed to the speech engine")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "speech.chunks"), slogError(err))
	}
	if m.chunkErrors, err = meter.Int64Counter("speech.chunk_errors", metric.WithDescription("Chunks the speech engine failed to play")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "speech.chunk_errors"), slogError(err))
	}
	if m.cancels, err = meter.Int64Counter("speech.cancellations", metric.WithDescription("Sessions interrupted before completion")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "speech.cancellations"), slogError(err))
	}
	return m
}

func (m *metrics) add(counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
