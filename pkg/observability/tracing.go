package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the name of the tracer for capture operations.
const TracerName = "penf-capture"

// Span attribute keys
const (
	AttrMeetingID   = "meeting_id"
	AttrSessionID   = "session_id"
	AttrInterviewID = "interview_id"
	AttrPlatform    = "platform"
	AttrBatchIndex  = "batch_index"
	AttrTurns       = "turns"
	AttrStep        = "step"
	AttrBytes       = "bytes"
	AttrErrorCode   = "error_code"
)

// Span names
const (
	SpanExtraction   = "capture.extraction"
	SpanFinalize     = "capture.finalize"
	SpanPipelineStep = "capture.pipeline_step"
	SpanJoin         = "capture.join"
)

// Tracer provides spans around the agent's network-bound work.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// NewTracerWithProvider creates a tracer from a specific provider.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

func (t *Tracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer(TracerName)
	}
	return t.tracer
}

// StartExtractionSpan starts a span for one evidence extraction batch.
func (t *Tracer) StartExtractionSpan(ctx context.Context, meetingID string, batchIndex, turns int) (context.Context, trace.Span) {
	return t.get().Start(ctx, SpanExtraction,
		trace.WithAttributes(
			attribute.String(AttrMeetingID, meetingID),
			attribute.Int(AttrBatchIndex, batchIndex),
			attribute.Int(AttrTurns, turns),
		),
	)
}

// StartFinalizeSpan starts the root span of an end-of-recording pipeline run.
func (t *Tracer) StartFinalizeSpan(ctx context.Context, meetingID, platform string) (context.Context, trace.Span) {
	return t.get().Start(ctx, SpanFinalize,
		trace.WithAttributes(
			attribute.String(AttrMeetingID, meetingID),
			attribute.String(AttrPlatform, platform),
		),
	)
}

// StartStepSpan starts a span for one pipeline step.
func (t *Tracer) StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return t.get().Start(ctx, SpanPipelineStep+"."+step,
		trace.WithAttributes(attribute.String(AttrStep, step)),
	)
}

// StartJoinSpan starts a span for joining a detected meeting.
func (t *Tracer) StartJoinSpan(ctx context.Context, sessionID, platform string) (context.Context, trace.Span) {
	return t.get().Start(ctx, SpanJoin,
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrPlatform, platform),
		),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error, errorCode string) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errorCode != "" {
			span.SetAttributes(attribute.String(AttrErrorCode, errorCode))
		}
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
