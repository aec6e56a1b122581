package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/telemetry"
)

type instrumented struct {
	next     Generator
	provider string
	duration metric.Float64Histogram
}

// Instrument wraps g so every call records a span and the
// michi.llm.duration histogram, tagged with provider and outcome.
func Instrument(g Generator, provider string) Generator {
	hist, _ := telemetry.Meter("michi/llm").Float64Histogram("michi.llm.duration",
		metric.WithDescription("Duration of LLM generation calls"),
		metric.WithUnit("ms"),
	)
	return &instrumented{next: g, provider: provider, duration: hist}
}

func (i *instrumented) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, span := telemetry.Tracer("michi/llm").Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", i.provider),
		attribute.String("llm.model", opts.Model),
		attribute.Float64("llm.temperature", float64(opts.Temperature)),
		attribute.Bool("llm.json_mode", opts.JSONMode),
	)

	start := time.Now()
	out, err := i.next.Generate(ctx, prompt, opts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if i.duration != nil {
		i.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(
				attribute.String("provider", i.provider),
				attribute.String("outcome", outcome),
			),
		)
	}
	return out, err
}
