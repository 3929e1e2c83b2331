package sync

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// SyncAll syncs every connection, at most limit at a time (unbounded when
// limit <= 0). Results are in the order of cfgs.
func (s *Syncer) SyncAll(ctx context.Context, cfgs []model.ConnectionConfig, limit int) []model.SyncResult {
	results := make([]model.SyncResult, len(cfgs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range cfgs {
		g.Go(func() error {
			results[i] = s.Sync(ctx, &cfgs[i])
			return nil
		})
	}
	_ = g.Wait() // failures are in results

	return results
}
