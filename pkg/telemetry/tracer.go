package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunnableID = attribute.Key("runnable.id")
	AttrRuntime    = attribute.Key("runtime")
	AttrTaskKind   = attribute.Key("task.kind")
	AttrFramework  = attribute.Key("framework")
	AttrAction     = attribute.Key("action")
	AttrState      = attribute.Key("state")
	AttrPrevState  = attribute.Key("state.previous")
	AttrEntityKind = attribute.Key("entity.kind")
	AttrEntityID   = attribute.Key("entity.id")
	AttrEvent      = attribute.Key("event")
	AttrActuator   = attribute.Key("trigger.actuator")
	AttrTriggerKey = attribute.Key("trigger.key")
)

// Tracer starts the spans of compositions, transitions, dispatches and firings.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer returns a nop tracer unless cfg enables tracing. An enabled tracer
// is also installed as the global provider.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return NewNopTracer(), nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		batch := []sdktrace.BatchSpanProcessorOption{sdktrace.WithExportTimeout(cfg.ExportTimeout)}
		if cfg.MaxExportBatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// newSpanExporter returns nil for the "none" exporter: spans are sampled and
// propagated but never leave the process.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// NewNopTracer returns a tracer whose spans are never exported.
func NewNopTracer() *Tracer {
	provider := sdktrace.NewTracerProvider()
	return &Tracer{provider: provider, tracer: provider.Tracer("runplane")}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Tracer) StartComposeSpan(ctx context.Context, runtime, task string) (context.Context, trace.Span) {
	return t.start(ctx, "compose", AttrRuntime.String(runtime), AttrTaskKind.String(task))
}

// StartDispatchSpan starts the span of one framework adapter call, named
// reconcile.<action>.
func (t *Tracer) StartDispatchSpan(ctx context.Context, framework, action, runnableID string) (context.Context, trace.Span) {
	return t.start(ctx, "reconcile."+action,
		AttrFramework.String(framework),
		AttrAction.String(action),
		AttrRunnableID.String(runnableID),
	)
}

// StartTransitionSpan starts the span of a lifecycle perform or handle call.
func (t *Tracer) StartTransitionSpan(ctx context.Context, entityKind, entityID, call string) (context.Context, trace.Span) {
	return t.start(ctx, "lifecycle."+call, AttrEntityKind.String(entityKind), AttrEntityID.String(entityID))
}

func (t *Tracer) StartFiringSpan(ctx context.Context, actuator, triggerKey string) (context.Context, trace.Span) {
	return t.start(ctx, "trigger.fire", AttrActuator.String(actuator), AttrTriggerKey.String(triggerKey))
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
