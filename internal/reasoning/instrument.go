package reasoning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/cohort/internal/metrics"
)

const instrumentationName = "github.com/ShayCichocki/cohort/internal/reasoning"

// Instrumented records a span and metrics around every call.
type Instrumented struct {
	next      Client
	backend   string
	collector *metrics.Collector
	tracer    trace.Tracer
}

// NewInstrumented wraps next. collector may be nil.
func NewInstrumented(next Client, backend string, collector *metrics.Collector) *Instrumented {
	return &Instrumented{
		next:      next,
		backend:   backend,
		collector: collector,
		tracer:    otel.Tracer(instrumentationName),
	}
}

// Generate delegates to the wrapped client.
func (i *Instrumented) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := i.tracer.Start(ctx, "reasoning.generate",
		trace.WithAttributes(
			attribute.String("reasoning.backend", i.backend),
			attribute.Int("reasoning.prompt_bytes", len(prompt)),
		))
	defer span.End()

	start := time.Now()
	out, err := i.next.Generate(ctx, prompt)
	i.collector.RecordReasoning(i.backend, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("reasoning.output_bytes", len(out)))
	return out, nil
}
