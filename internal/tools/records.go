package tools

import (
	"context"
	"fmt"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

func (r *Registry) handleListRecords(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	table := args.String("table")
	if table == "" {
		return nil, fmt.Errorf("table is required")
	}

	q := store.Query{
		Table: table,
		Limit: args.Int("limit", 0),
	}
	filters, err := parseFilters(args["filters"])
	if err != nil {
		return nil, err
	}
	q.Filters = filters
	if o := args.Map("order"); o != nil {
		col, _ := o["column"].(string)
		asc, _ := o["ascending"].(bool)
		if col != "" {
			q.Order = &store.Order{Column: col, Ascending: asc}
		}
	}

	records, err := r.store.Select(ctx, scope, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(records), "records": records}, nil
}

func (r *Registry) handleGetRecord(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	table := args.String("table")
	id := args.String("id")
	if table == "" || id == "" {
		return nil, fmt.Errorf("table and id are required")
	}
	rec, err := r.store.Get(ctx, scope, table, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("record %s not found in %s", id, table)
		}
		return nil, err
	}
	return map[string]any{"record": rec}, nil
}

func (r *Registry) handleSearchRecords(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	table := args.String("table")
	query := args.String("query")
	if table == "" || query == "" {
		return nil, fmt.Errorf("table and query are required")
	}
	column := args.String("column")
	if column == "" {
		column = "name"
	}

	records, err := r.store.Select(ctx, scope, store.Query{
		Table: table,
		Filters: []store.Filter{
			{Column: column, Op: store.OpILike, Value: "%" + query + "%"},
		},
		Limit: args.Int("limit", 0),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(records), "records": records}, nil
}

func (r *Registry) handleCreateRecord(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	table := args.String("table")
	values := args.Map("values")
	if table == "" || len(values) == 0 {
		return nil, fmt.Errorf("table and values are required")
	}
	rec, err := r.store.Insert(ctx, scope, table, values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"record": rec}, nil
}

func (r *Registry) handleUpdateRecord(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	table := args.String("table")
	id := args.String("id")
	values := args.Map("values")
	if table == "" || id == "" || len(values) == 0 {
		return nil, fmt.Errorf("table, id and values are required")
	}
	rec, err := r.store.Update(ctx, scope, table, id, values)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("record %s not found in %s", id, table)
		}
		return nil, err
	}
	return map[string]any{"record": rec}, nil
}

func (r *Registry) handleDeleteRecord(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	table := args.String("table")
	id := args.String("id")
	if table == "" || id == "" {
		return nil, fmt.Errorf("table and id are required")
	}
	if err := r.store.Delete(ctx, scope, table, id); err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("record %s not found in %s", id, table)
		}
		return nil, err
	}
	return map[string]any{"deleted": true, "id": id}, nil
}

// parseFilters converts the model-supplied filter list into store
// filters, rejecting malformed entries.
func parseFilters(raw any) ([]store.Filter, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("filters must be a list")
	}
	var out []store.Filter
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("filter %d must be an object", i)
		}
		column, _ := m["column"].(string)
		if column == "" {
			return nil, fmt.Errorf("filter %d is missing column", i)
		}
		opName, _ := m["op"].(string)
		op, err := store.ParseOp(opName)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		out = append(out, store.Filter{Column: column, Op: op, Value: m["value"]})
	}
	return out, nil
}
