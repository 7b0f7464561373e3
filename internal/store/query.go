package store

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter operators supported by list and search reads. These mirror
// what the tool schema advertises to the model; ParseOp is the
// validation boundary for the untrusted operator strings it sends back.
type Op string

const (
	OpEq      Op = "eq"
	OpNeq     Op = "neq"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpLike    Op = "like"  // case-sensitive pattern match
	OpILike   Op = "ilike" // case-insensitive pattern match
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
	OpIn      Op = "in"
)

// ParseOp validates an operator string from tool arguments.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike, OpIsNull, OpNotNull, OpIn:
		return Op(s), nil
	case "":
		return OpEq, nil
	}
	return "", fmt.Errorf("unknown filter operator %q", s)
}

// Filter is one predicate on a column. Value is ignored for the
// null-check operators and must be a slice for OpIn.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Order describes result ordering. The zero value means "use the
// default": created_at descending.
type Order struct {
	Column    string
	Ascending bool
}

// Query is a filtered, ordered, paginated read against one table.
type Query struct {
	Table   string
	Filters []Filter
	Order   *Order
	Limit   int
}

// Server-side paging bounds. Caller-requested limits are clamped into
// this range regardless of what the model asked for.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// identRe matches safe SQL identifiers. Column and table names arrive
// from model-generated arguments and are never interpolated without
// passing this check.
var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validIdent(s string) bool {
	return identRe.MatchString(s)
}

// clampLimit applies the server-side paging bounds.
func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// buildWhere renders filters into a WHERE fragment and its argument
// list. tenantOrg, when non-empty, is prepended as a non-negotiable
// org_id predicate.
func buildWhere(filters []Filter, tenantOrg string) (string, []any, error) {
	var clauses []string
	var args []any

	if tenantOrg != "" {
		clauses = append(clauses, "org_id = ?")
		args = append(args, tenantOrg)
	}

	for _, f := range filters {
		if !validIdent(f.Column) {
			return "", nil, fmt.Errorf("invalid column name %q", f.Column)
		}
		switch f.Op {
		case OpEq:
			clauses = append(clauses, f.Column+" = ?")
			args = append(args, f.Value)
		case OpNeq:
			clauses = append(clauses, f.Column+" != ?")
			args = append(args, f.Value)
		case OpGt:
			clauses = append(clauses, f.Column+" > ?")
			args = append(args, f.Value)
		case OpGte:
			clauses = append(clauses, f.Column+" >= ?")
			args = append(args, f.Value)
		case OpLt:
			clauses = append(clauses, f.Column+" < ?")
			args = append(args, f.Value)
		case OpLte:
			clauses = append(clauses, f.Column+" <= ?")
			args = append(args, f.Value)
		case OpLike:
			clauses = append(clauses, f.Column+" LIKE ?")
			args = append(args, f.Value)
		case OpILike:
			clauses = append(clauses, "LOWER("+f.Column+") LIKE LOWER(?)")
			args = append(args, f.Value)
		case OpIsNull:
			clauses = append(clauses, f.Column+" IS NULL")
		case OpNotNull:
			clauses = append(clauses, f.Column+" IS NOT NULL")
		case OpIn:
			vals, err := sliceValues(f.Value)
			if err != nil {
				return "", nil, fmt.Errorf("filter on %s: %w", f.Column, err)
			}
			if len(vals) == 0 {
				// Empty membership set matches nothing.
				clauses = append(clauses, "1 = 0")
				continue
			}
			ph := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
			clauses = append(clauses, f.Column+" IN ("+ph+")")
			args = append(args, vals...)
		default:
			return "", nil, fmt.Errorf("unknown filter operator %q", f.Op)
		}
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// sliceValues normalizes the value of a set-membership filter. JSON
// decoding produces []any; string and numeric slices are accepted too.
func sliceValues(v any) ([]any, error) {
	switch vv := v.(type) {
	case []any:
		return vv, nil
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("'in' operator requires a list value")
	default:
		return nil, fmt.Errorf("'in' operator requires a list value, got %T", v)
	}
}

// buildOrder renders the ORDER BY fragment, defaulting to recency.
func buildOrder(o *Order) (string, error) {
	col, dir := "created_at", "DESC"
	if o != nil && o.Column != "" {
		if !validIdent(o.Column) {
			return "", fmt.Errorf("invalid order column %q", o.Column)
		}
		col = o.Column
		if o.Ascending {
			dir = "ASC"
		}
	}
	return " ORDER BY " + col + " " + dir, nil
}
