// Package tracer wires OpenTelemetry spans around the three layers of a
// generation: the operation, each dispatch attempt, and each upstream
// connect inside an attempt.
package tracer

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

const instrumentation = "chatstream"

// Span names.
const (
	SpanOperation = "operation.run"
	SpanDispatch  = "dispatch.execute"
	SpanConnect   = "upstream.connect"
)

// Attribute keys shared by the spans.
const (
	KeyOperationID  = attribute.Key("operation.id")
	KeyMaxAttempts  = attribute.Key("operation.max_attempts")
	KeyAttempts     = attribute.Key("operation.attempts")
	KeyDialect      = attribute.Key("dispatch.dialect")
	KeyFormat       = attribute.Key("dispatch.format")
	KeyHost         = attribute.Key("dispatch.host")
	KeyIssue        = attribute.Key("dispatch.issue")
	KeyOutcome      = attribute.Key("chatstream.outcome")
	KeyUpstreamHost = attribute.Key("upstream.host")
	KeyConnectTry   = attribute.Key("upstream.attempt")
	KeyHTTPStatus   = attribute.Key("http.status_code")
	KeyRetryScope   = attribute.Key("retry.scope")
	KeyRetryReason  = attribute.Key("retry.reason")
	KeyRetryDelayMs = attribute.Key("retry.delay_ms")
)

const eventRetry = "retry"

// Outcome is how a span's unit of work ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeAborted Outcome = "aborted"
	OutcomeIssue   Outcome = "issue"
	OutcomeError   Outcome = "error"
)

// Setup installs the global tracer provider and returns its shutdown
// function. Disabled tracing and the noop exporter install a noop provider.
// Sampling is decided once per operation; child spans inherit it.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", instrumentation))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := domain.OperationIDFromContext(ctx); id != "" {
		attrs = append(attrs, KeyOperationID.String(id))
	}
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartOperation opens the root span of one operation.
func StartOperation(ctx context.Context, d domain.Dispatch, maxAttempts int) (context.Context, trace.Span) {
	return start(ctx, SpanOperation,
		KeyDialect.String(d.Dialect),
		KeyMaxAttempts.Int(maxAttempts),
	)
}

// StartDispatch opens the span of one dispatch attempt. Only the host of the
// target URL is recorded.
func StartDispatch(ctx context.Context, d domain.Dispatch) (context.Context, trace.Span) {
	return start(ctx, SpanDispatch,
		KeyDialect.String(d.Dialect),
		KeyFormat.String(string(d.Format)),
		KeyHost.String(hostOf(d.URL)),
	)
}

// StartConnect opens the span of one outbound connect attempt.
func StartConnect(ctx context.Context, host string, attempt int) (context.Context, trace.Span) {
	return start(ctx, SpanConnect,
		KeyUpstreamHost.String(host),
		KeyConnectTry.Int(attempt),
	)
}

// RecordRetry adds a retry event to span.
func RecordRetry(span trace.Span, scope domain.RetryScope, attempt int, delayMs int64, reason string) {
	span.AddEvent(eventRetry, trace.WithAttributes(
		KeyRetryScope.String(string(scope)),
		KeyAttempts.Int(attempt),
		KeyRetryDelayMs.Int64(delayMs),
		KeyRetryReason.String(reason),
	))
}

// Finish records how the span's work ended. err is only used with
// OutcomeError. Aborts leave the status unset.
func Finish(span trace.Span, outcome Outcome, err error) {
	span.SetAttributes(KeyOutcome.String(string(outcome)))
	switch outcome {
	case OutcomeOK:
		span.SetStatus(codes.Ok, "")
	case OutcomeError:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Error, "")
		}
	}
}

// FinishIssue marks the span as ended by a particle issue. Issues already
// reach the consumer, so no error event is attached.
func FinishIssue(span trace.Span, issue domain.Issue) {
	span.SetAttributes(KeyOutcome.String(string(OutcomeIssue)), KeyIssue.String(string(issue.ID)))
	span.SetStatus(codes.Error, issue.Text)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
