// ABOUTME: Housekeeping loop deleting queues that have been inactive for too long
// ABOUTME: Deletions go through Service so they are journaled like any other

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/metrics"
	"github.com/2389/queue-relay/internal/store"
)

// Expirer periodically deletes queues whose UpdatedAt is older than the TTL.
// Queues that never recorded activity are kept.
type Expirer struct {
	svc      *Service
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewExpirer creates an expirer from the expiration config.
func NewExpirer(svc *Service, cfg config.ExpirationConfig, logger *slog.Logger) *Expirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expirer{
		svc:      svc,
		ttl:      cfg.InactiveTTL,
		interval: cfg.CheckInterval,
		logger:   logger.With("component", "expirer"),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (e *Expirer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("expirer started", "interval", e.interval, "inactive_ttl", e.ttl)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("expirer stopped")
			return nil
		case <-ticker.C:
			count, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error("expiry sweep failed", "error", err)
			} else if count > 0 {
				e.logger.Info("expired inactive queues", "count", count)
			}
		}
	}
}

// Sweep deletes every queue inactive for longer than the TTL and returns how
// many were deleted. Queues removed, replaced or touched concurrently are
// left alone.
func (e *Expirer) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.ExpirySweepDuration.Observe(time.Since(start).Seconds()) }()

	recs, err := e.svc.Queues(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := e.now().Add(-e.ttl)
	deleted := 0
	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if rec.UpdatedAt.IsZero() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}

		q, err := e.svc.GetQueue(ctx, store.RoleRecipient, rec.RecipientID)
		if errors.Is(err, store.ErrAuth) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// The snapshot may be stale; the service re-checks activity before deleting.
		gone, err := e.svc.DeleteQueueIfInactive(ctx, q, cutoff)
		if err != nil {
			if errors.Is(err, store.ErrAuth) {
				continue
			}
			errs = append(errs, err)
			// ErrStore still means the queue is gone from the store.
			if !errors.Is(err, store.ErrStore) {
				continue
			}
		}
		if gone == nil {
			continue
		}
		deleted++
		metrics.QueuesExpired.Inc()
		e.logger.Debug("queue expired", "updated_at", gone.UpdatedAt)
	}
	return deleted, errors.Join(errs...)
}
