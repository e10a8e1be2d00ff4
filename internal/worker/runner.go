package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner runs the sidecar's workers together. The first failure cancels
// the rest, so a dead listener also stops DNS refresh and vice versa.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run blocks until every worker has returned. The returned error names the
// worker that failed first.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			start := time.Now()
			slog.Info("worker started", "worker", w.Name())
			err := w.Run(ctx)
			attrs := []any{"worker", w.Name(), "uptime", time.Since(start).Round(time.Millisecond)}
			if err != nil {
				slog.Error("worker failed", append(attrs, "error", err)...)
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			slog.Info("worker stopped", attrs...)
			return nil
		})
	}
	return g.Wait()
}
