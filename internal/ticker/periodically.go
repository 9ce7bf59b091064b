// Package ticker runs small periodic maintenance tasks.
package ticker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Periodically runs task at the given interval until the context is done.
// The first run happens immediately, not one interval in. A task error
// stops the loop and is returned.
func Periodically(ctx context.Context, interval time.Duration, task func(context.Context) error) error {
	if err := task(ctx); err != nil {
		return fmt.Errorf("periodic task failed: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := task(ctx); err != nil {
				return fmt.Errorf("periodic task failed: %w", err)
			}
		}
	}
}

// BestEffort is Periodically for tasks whose failures should be logged
// but never stop the loop. Returns when the context ends.
func BestEffort(ctx context.Context, interval time.Duration, log *slog.Logger, task func(context.Context) error) {
	run := func() {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			log.Warn("periodic task failed", "error", err)
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
