package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborcrm/harbor-agent/internal/guard"
)

// Record is one row as a generic column→value map. Tool results carry
// these straight into JSON.
type Record map[string]any

// tenantOrg returns the org predicate value for a table, or "" when
// the table is exempt from tenant scoping.
func (s *Store) tenantOrg(table string, scope guard.Scope) string {
	if s.policy.TenantScoped(table) {
		return scope.OrgID
	}
	return ""
}

// Select runs a filtered, ordered, paginated read. The allow-list
// check happens before any SQL is built: a denied table produces zero
// database calls.
func (s *Store) Select(ctx context.Context, scope guard.Scope, q Query) ([]Record, error) {
	if err := s.policy.Check(q.Table); err != nil {
		return nil, err
	}

	where, args, err := buildWhere(q.Filters, s.tenantOrg(q.Table, scope))
	if err != nil {
		return nil, err
	}
	order, err := buildOrder(q.Order)
	if err != nil {
		return nil, err
	}

	sqlText := "SELECT * FROM " + q.Table + where + order + " LIMIT ?"
	args = append(args, clampLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Get fetches one row by id within the caller's tenant.
func (s *Store) Get(ctx context.Context, scope guard.Scope, table, id string) (Record, error) {
	recs, err := s.Select(ctx, scope, Query{
		Table:   table,
		Filters: []Filter{{Column: "id", Op: OpEq, Value: id}},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Count returns the number of rows matching the filters.
func (s *Store) Count(ctx context.Context, scope guard.Scope, table string, filters []Filter) (int, error) {
	if err := s.policy.Check(table); err != nil {
		return 0, err
	}

	where, args, err := buildWhere(filters, s.tenantOrg(table, scope))
	if err != nil {
		return 0, err
	}

	var n int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Sum returns the sum of a numeric column over rows matching the
// filters, treating an empty match as zero.
func (s *Store) Sum(ctx context.Context, scope guard.Scope, table, column string, filters []Filter) (float64, error) {
	if err := s.policy.Check(table); err != nil {
		return 0, err
	}
	if !validIdent(column) {
		return 0, fmt.Errorf("invalid column name %q", column)
	}

	where, args, err := buildWhere(filters, s.tenantOrg(table, scope))
	if err != nil {
		return 0, err
	}

	var total float64
	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM("+column+"), 0) FROM "+table+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum %s.%s: %w", table, column, err)
	}
	return total, nil
}

// Insert creates a row. The id is generated server-side when absent,
// org_id is always stamped from the caller's scope (any caller-supplied
// value is discarded), and created_at/updated_at are set to now.
func (s *Store) Insert(ctx context.Context, scope guard.Scope, table string, values map[string]any) (Record, error) {
	if err := s.policy.Check(table); err != nil {
		return nil, err
	}

	row := make(Record, len(values)+4)
	for k, v := range values {
		if !validIdent(k) {
			return nil, fmt.Errorf("invalid column name %q", k)
		}
		row[k] = v
	}

	id, _ := row["id"].(string)
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		id = u.String()
	}
	now := s.now().UTC().Format(time.RFC3339)
	row["id"] = id
	row["org_id"] = scope.OrgID
	row["created_at"] = now
	row["updated_at"] = now

	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	sqlText := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + ph + ")"
	if _, err := s.db.ExecContext(ctx, sqlText, args...); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}

	return s.Get(ctx, scope, table, id)
}

// Update applies a patch to one row. Identity and primary-key columns
// (id, org_id, created_at) are stripped from the patch before it is
// applied, even if the caller supplied them.
func (s *Store) Update(ctx context.Context, scope guard.Scope, table, id string, patch map[string]any) (Record, error) {
	if err := s.policy.Check(table); err != nil {
		return nil, err
	}

	sets := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		if !validIdent(k) {
			return nil, fmt.Errorf("invalid column name %q", k)
		}
		switch k {
		case "id", "org_id", "created_at":
			continue
		}
		sets[k] = v
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("no updatable fields in patch")
	}
	sets["updated_at"] = s.now().UTC().Format(time.RFC3339)

	cols := make([]string, 0, len(sets))
	for k := range sets {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	var assigns []string
	var args []any
	for _, c := range cols {
		assigns = append(assigns, c+" = ?")
		args = append(args, sets[c])
	}

	sqlText := "UPDATE " + table + " SET " + strings.Join(assigns, ", ") + " WHERE id = ?"
	args = append(args, id)
	if org := s.tenantOrg(table, scope); org != "" {
		sqlText += " AND org_id = ?"
		args = append(args, org)
	}

	res, err := s.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, scope, table, id)
}

// Delete removes one row by id within the caller's tenant.
func (s *Store) Delete(ctx context.Context, scope guard.Scope, table, id string) error {
	if err := s.policy.Check(table); err != nil {
		return err
	}

	sqlText := "DELETE FROM " + table + " WHERE id = ?"
	args := []any{id}
	if org := s.tenantOrg(table, scope); org != "" {
		sqlText += " AND org_id = ?"
		args = append(args, org)
	}

	res, err := s.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanRecords reads all rows into generic column maps. Byte slices
// (how the driver hands back TEXT in some paths) become strings.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	records := []Record{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
