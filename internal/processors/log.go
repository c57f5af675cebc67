package processors

import (
	"context"
	"log/slog"

	"github.com/roach88/eventcore/internal/model"
)

// NewLog creates a processor that logs every event at info level and
// always succeeds.
func NewLog(id model.EventProcessorID, scope model.ScopeID, logger *slog.Logger) *Func {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("event_processor", string(id))
	return NewFunc(id, scope, func(ctx context.Context, event model.CommittedEvent, partition model.PartitionID) error {
		logger.InfoContext(ctx, "event",
			"event_id", event.EventID,
			"type", event.Type,
			"partition", string(partition),
			"event_log_sequence", event.EventLogSequence,
			"content", event.Content,
		)
		return nil
	}, DefaultRetryPolicy())
}
