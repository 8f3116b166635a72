package proposals

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"janitor/ratelimit"
)

// CountSource provides proposal count snapshots.
type CountSource interface {
	CountsByStatus(ctx context.Context) (ratelimit.Counts, error)
}

// Refresher periodically loads proposal counts into a rate limiter.
type Refresher struct {
	Source   CountSource
	Limiter  ratelimit.RateLimiter
	Interval time.Duration
}

// Refresh loads one snapshot. On error the limiter keeps its previous state.
func (r *Refresher) Refresh(ctx context.Context) error {
	counts, err := r.Source.CountsByStatus(ctx)
	if err != nil {
		return err
	}
	r.Limiter.SetMPsPerBucket(counts)
	klog.V(2).Infof("refreshed merge proposal counts: %d open buckets", len(counts[ratelimit.StatusOpen]))
	return nil
}

// Run refreshes immediately and then every Interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			klog.Errorf("error refreshing merge proposal counts: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
