package tools

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

// statTables are the resources counted by get_dashboard_stats.
var statTables = []string{
	"contacts", "leads", "deals", "orders", "products",
	"quotes", "tasks", "conversations",
}

func (r *Registry) handleDashboardStats(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	stats := make(map[string]any, len(statTables)+1)
	var mu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	for _, table := range statTables {
		table := table
		eg.Go(func() error {
			n, err := r.store.Count(gctx, scope, table, nil)
			if err != nil {
				return err
			}
			mu.Lock()
			stats[table] = n
			mu.Unlock()
			return nil
		})
	}
	eg.Go(func() error {
		revenue, err := r.store.Sum(gctx, scope, "orders", "total_amount", []store.Filter{
			{Column: "payment_status", Op: store.OpEq, Value: "paid"},
		})
		if err != nil {
			return err
		}
		mu.Lock()
		stats["paid_revenue"] = revenue
		mu.Unlock()
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}
