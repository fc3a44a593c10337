package dispatch

import (
	"context"
	"log/slog"

	"runline/internal/logger"
	"runline/internal/metrics"
)

// Outcome reports a best-effort operation. The durable record is the
// authority, so callers are free to ignore it.
type Outcome struct {
	Op  string
	Err error
}

func (o Outcome) OK() bool { return o.Err == nil }

// BestEffort runs fn, logging and counting a failure instead of returning it.
func BestEffort(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error, attrs ...any) Outcome {
	err := fn(ctx)
	if err != nil {
		metrics.BestEffortFailures.WithLabelValues(op).Inc()
		logger.Or(log).Warn("best-effort operation failed", append([]any{"op", op, "err", err}, attrs...)...)
	}
	return Outcome{Op: op, Err: err}
}
