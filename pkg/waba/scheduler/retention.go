package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionJobName is the name the retention job is registered under.
const RetentionJobName = "retention"

// Purger deletes answered pending rows older than a cutoff.
type Purger interface {
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// RetentionJob returns a job that purges processed pending rows older than
// ttl. Conversation history is not touched.
func RetentionJob(p Purger, ttl time.Duration, logger *slog.Logger) JobFunc {
	return retentionJob(p, ttl, logger, time.Now)
}

func retentionJob(p Purger, ttl time.Duration, logger *slog.Logger, now func() time.Time) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		cutoff := now().Add(-ttl)
		n, err := p.PurgeProcessed(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge processed: %w", err)
		}
		logger.Info("retention purge", "deleted", n, "before", cutoff.UTC().Format(time.RFC3339))
		return nil
	}
}
