package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventcore/internal/model"
)

const instrumentationName = "github.com/roach88/eventcore/internal/engine"

// Span attribute keys.
const (
	AttrTenant         = attribute.Key("eventcore.tenant")
	AttrProcessorKey   = attribute.Key("eventcore.processor.key")
	AttrEventProcessor = attribute.Key("eventcore.processor.id")
	AttrScope          = attribute.Key("eventcore.scope")
	AttrStreamID       = attribute.Key("eventcore.stream.id")
	AttrStreamPosition = attribute.Key("eventcore.stream.position")
	AttrPartition      = attribute.Key("eventcore.partition")
	AttrEventType      = attribute.Key("eventcore.event.type")
	AttrEventID        = attribute.Key("eventcore.event.id")
	AttrRetry          = attribute.Key("eventcore.retry")
	AttrAttempts       = attribute.Key("eventcore.retry.attempts")
	AttrResult         = attribute.Key("eventcore.result")
)

var tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(model.EngineVersion))

// dispatcher hands events to an EventProcessor with tracing, metrics and
// panic containment. It is shared by the loop and the partition catch-up.
type dispatcher struct {
	tenant    model.TenantID
	id        model.StreamProcessorID
	key       string
	processor EventProcessor
	logger    *slog.Logger
	metrics   *Metrics
}

// process dispatches a first attempt.
func (d *dispatcher) process(ctx context.Context, event model.StreamEvent) model.ProcessingResult {
	return d.dispatch(ctx, event, false, "", 0)
}

// reprocess dispatches a retry carrying the previous failure.
func (d *dispatcher) reprocess(ctx context.Context, event model.StreamEvent, reason string, attempts uint32) model.ProcessingResult {
	return d.dispatch(ctx, event, true, reason, attempts)
}

func (d *dispatcher) dispatch(ctx context.Context, event model.StreamEvent, retry bool, reason string, attempts uint32) (result model.ProcessingResult) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("process %s", d.id.EventProcessor),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			AttrTenant.String(string(d.tenant)),
			AttrProcessorKey.String(d.key),
			AttrEventProcessor.String(string(d.id.EventProcessor)),
			AttrScope.String(string(d.id.Scope)),
			AttrStreamID.String(string(event.StreamID)),
			AttrStreamPosition.Int64(int64(event.Position)),
			AttrPartition.String(string(event.Partition)),
			AttrEventType.String(event.Event.Type),
			AttrEventID.String(event.Event.EventID),
			AttrRetry.Bool(retry),
			AttrAttempts.Int64(int64(attempts)),
		),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event processor panicked",
				"position", event.Position,
				"partition", event.Partition,
				"panic", r)
			result = model.Fail(fmt.Sprintf("event processor panicked: %v", r))
		}
		if result == nil {
			result = model.Fail("event processor returned no result")
		}

		d.metrics.recordProcessing(d.tenant, d.id, result, time.Since(start))
		span.SetAttributes(AttrResult.String(model.ResultName(result)))
		if reason, _, failed := model.FailureDetails(result, time.Time{}); failed {
			span.SetStatus(codes.Error, reason)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if retry {
		return d.processor.ReProcess(ctx, event.Event, event.Partition, reason, attempts)
	}
	return d.processor.Process(ctx, event.Event, event.Partition)
}
