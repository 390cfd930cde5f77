// Package tracing provides OpenTelemetry distributed tracing for Tremor.
package tracing

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the Tremor tracer.
	TracerName = "github.com/tremor/tremor"
)

// Config holds tracing configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`    // OTLP/HTTP host:port
	SampleRate  float64 `yaml:"sample_rate"` // 0.0 to 1.0
	// Insecure disables TLS towards the collector.
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	// Environment is reported as deployment.environment.
	Environment string `yaml:"environment"`
}

// DefaultConfig returns the default tracing configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "tremor",
		Endpoint:    "localhost:4318",
		SampleRate:  1.0,
		Insecure:    true,
	}
}

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer(TracerName)
}

// GetTracer returns the Tremor tracer.
func GetTracer() trace.Tracer {
	return tracer
}

// SetTracer sets a custom tracer (useful for testing).
func SetTracer(t trace.Tracer) {
	tracer = t
}

// Span attribute keys.
var (
	AttrProjectID    = attribute.Key("tremor.project.id")
	AttrForecastID   = attribute.Key("tremor.forecast.id")
	AttrForecastTime = attribute.Key("tremor.forecast.time")
	AttrStageID      = attribute.Key("tremor.stage.id")
	AttrModelID      = attribute.Key("tremor.model.id")
	AttrModelType    = attribute.Key("tremor.model.type")
	AttrRunID        = attribute.Key("tremor.run.id")
	AttrRunStatus    = attribute.Key("tremor.run.status")
	AttrClockTime    = attribute.Key("tremor.clock.time")
	AttrPollCount    = attribute.Key("tremor.poll.count")
)

// StartForecastSpan starts the root span of a forecast job.
func StartForecastSpan(ctx context.Context, forecastID, projectID string, forecastTime time.Time) (context.Context, trace.Span) {
	return tracer.Start(ctx, "forecast.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrForecastID.String(forecastID),
			AttrProjectID.String(projectID),
			AttrForecastTime.String(forecastTime.Format(time.RFC3339)),
		),
	)
}

// StartStageSpan starts a span for one pipeline stage.
func StartStageSpan(ctx context.Context, stageID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "forecast.stage",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrStageID.String(stageID)),
	)
}

// StartModelRunSpan starts a span for a single model run.
func StartModelRunSpan(ctx context.Context, runID, modelID, modelType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "model.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrRunID.String(runID),
			AttrModelID.String(modelID),
			AttrModelType.String(modelType),
		),
	)
}

// StartRemoteSpan starts a client span for a request to a remote model worker.
func StartRemoteSpan(ctx context.Context, modelID, method, url string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "model.remote",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrModelID.String(modelID),
			attribute.String("http.method", method),
			attribute.String("http.url", url),
		),
	)
}

// StartSchedulerSpan starts a span for one scheduler pass.
func StartSchedulerSpan(ctx context.Context, t time.Time) (context.Context, trace.Span) {
	return tracer.Start(ctx, "scheduler.run_due",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrClockTime.String(t.Format(time.RFC3339))),
	)
}

// StartAPISpan starts a span for API request handling.
func StartAPISpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "api."+operation,
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddRunAttributes adds model-run outcome attributes to a span.
func AddRunAttributes(span trace.Span, status string, duration time.Duration) {
	span.SetAttributes(
		AttrRunStatus.String(status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)
}

// Propagator returns the context propagator for distributed tracing.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// InjectHTTP writes the trace context of ctx into outgoing request headers.
func InjectHTTP(ctx context.Context, h http.Header) {
	Propagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTP returns ctx enriched with the trace context carried by incoming headers.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return Propagator().Extract(ctx, propagation.HeaderCarrier(h))
}
