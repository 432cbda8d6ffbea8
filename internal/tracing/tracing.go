package tracing

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	"github.com/uber/jaeger-client-go/config"
)

// InitTracer wires the global OpenTracing tracer to a Jaeger collector.
// Sampling is constant-on: a transfer job produces at most a couple of
// spans, so there is no volume worth shedding.
func InitTracer(serviceName, collectorEndpoint string) (opentracing.Tracer, io.Closer, error) {
	cfg := &config.Configuration{
		ServiceName: serviceName,
		Sampler: &config.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &config.ReporterConfig{
			LogSpans:            false,
			CollectorEndpoint:   collectorEndpoint,
			BufferFlushInterval: time.Second,
		},
	}

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}

// StartSpan opens a span as a child of whatever span rides in ctx, or a
// root span when none does.
func StartSpan(ctx context.Context, operation string) (opentracing.Span, context.Context) {
	return opentracing.StartSpanFromContext(ctx, operation)
}

// TagJob marks a span with the transfer job it covers.
func TagJob(span opentracing.Span, jobID string) {
	if span != nil {
		span.SetTag("job_id", jobID)
	}
}

// MarkError flags the span as failed and records why. The span is left
// open for the caller to finish.
func MarkError(span opentracing.Span, err error) {
	if span != nil && err != nil {
		span.SetTag("error", true)
		span.LogKV("error", err.Error())
	}
}
