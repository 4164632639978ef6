// Package retention removes expired attachments in the background.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// AttachmentPruner deletes attachments uploaded before a cutoff.
type AttachmentPruner interface {
	DeleteAttachmentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker periodically prunes attachments older than the retention window.
type Worker struct {
	repo      AttachmentPruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewWorker creates a retention worker.
func NewWorker(repo AttachmentPruner, retention, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:      repo,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		log:       logger.With("component", "retention"),
	}
}

// Start runs a sweep immediately and then every interval until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		w.log.Info("Retention worker started", "interval", w.interval, "retention", w.retention)

		w.Sweep(ctx)
		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.log.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes attachments older than the retention window once.
func (w *Worker) Sweep(ctx context.Context) int64 {
	cutoff := w.now().Add(-w.retention)
	deleted, err := w.repo.DeleteAttachmentsBefore(ctx, cutoff)
	if err != nil {
		w.log.Error("Retention sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		w.log.Info("Retention sweep removed attachments", "count", deleted, "cutoff", cutoff)
	}
	return deleted
}
