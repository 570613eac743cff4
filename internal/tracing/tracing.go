// Package tracing wires OpenTelemetry trace export for stage executions.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/yivideo/orchestrator/internal/platform/ctxutil"
	"github.com/yivideo/orchestrator/internal/platform/logger"
)

type Config struct {
	ServiceName string
	Environment string
	Version     string
}

var (
	initOnce sync.Once
	shutdown func(context.Context) error
	tracer   trace.Tracer
)

// Init sets up the global tracer provider once per process. Returns a
// shutdown func the caller should defer; a no-op if tracing is disabled.
func Init(ctx context.Context, log *logger.Logger, cfg Config) func(context.Context) error {
	initOnce.Do(func() {
		shutdown = func(context.Context) error { return nil }
		if !enabled() {
			return
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "orchestrator"
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", strings.TrimSpace(cfg.Version)),
			attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
		))
		if err != nil && log != nil {
			log.Warn("tracing resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildExporter(ctx, log)
		if expErr != nil && log != nil {
			log.Warn("tracing exporter init failed (continuing)", "error", expErr)
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
			sdktrace.WithResource(res),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		tracer = tp.Tracer("github.com/yivideo/orchestrator")
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("tracing initialized", "service", serviceName, "endpoint", endpoint())
		}
	})
	return shutdown
}

// StartStageSpan opens a span covering one stage attempt's core_logic call,
// tagged with the fields an operator needs to correlate against the Stage
// Record: workflow id, stage name, and attempt number, plus the request's
// TraceData (set by the Scheduler on ctx) when present, so a span can be
// found by the same correlation id that threads through log lines.
func StartStageSpan(ctx context.Context, workflowID, stageName string, attempt int) (context.Context, trace.Span) {
	t := tracer
	if t == nil {
		t = otel.Tracer("github.com/yivideo/orchestrator")
	}
	attrs := []attribute.KeyValue{
		attribute.String("workflow_id", workflowID),
		attribute.String("stage_name", stageName),
		attribute.Int("attempt", attempt),
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.RequestID != "" {
			attrs = append(attrs, attribute.String("request_id", td.RequestID))
		}
		if td.TraceID != "" {
			attrs = append(attrs, attribute.String("trace_id", td.TraceID))
		}
	}
	return t.Start(ctx, "stage."+stageName, trace.WithAttributes(attrs...))
}

func enabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("ORCH_TRACING_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func sampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv("ORCH_TRACING_SAMPLE_RATIO"))
	if v == "" {
		return 0.1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0.1
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func endpoint() string {
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func insecure() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func buildExporter(ctx context.Context, log *logger.Logger) (sdktrace.SpanExporter, error) {
	if ep := endpoint(); ep != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
		if insecure() {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Warn("tracing using stdout exporter (no OTLP endpoint configured)")
	}
	return exp, nil
}
