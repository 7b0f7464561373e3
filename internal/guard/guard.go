// Package guard enforces the resource allow-list and tenant scoping
// policy for every data access the agent performs. The policy is an
// immutable value constructed once at startup and injected into the
// store and the tool executor; nothing mutates it afterward.
package guard

import "fmt"

// Scope identifies the caller on whose behalf a tool call executes.
// It is derived once per request from the authenticated principal and
// threaded through every store operation.
type Scope struct {
	// CallerID is the acting team member's id.
	CallerID string

	// OrgID is the caller's organization. All reads and writes to
	// tenant-scoped tables are filtered by this value.
	OrgID string
}

// DeniedError is returned when a tool call addresses a table outside
// the allow-list. The message is surfaced verbatim as a tool result so
// the model can explain the denial to the user.
type DeniedError struct {
	Table string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("Table '%s' is not accessible.", e.Table)
}

// Policy is the closed allow-list of addressable tables plus the set
// of tables exempt from tenant scoping. Exemption status is fixed at
// construction — it is a property of the table, never of the caller.
type Policy struct {
	allowed map[string]struct{}
	exempt  map[string]struct{}
}

// NewPolicy builds a policy from an allow-list and a tenant-exemption
// list. Exempt tables that are not also allowed are ignored.
func NewPolicy(allowed, tenantExempt []string) Policy {
	p := Policy{
		allowed: make(map[string]struct{}, len(allowed)),
		exempt:  make(map[string]struct{}, len(tenantExempt)),
	}
	for _, t := range allowed {
		p.allowed[t] = struct{}{}
	}
	for _, t := range tenantExempt {
		if _, ok := p.allowed[t]; ok {
			p.exempt[t] = struct{}{}
		}
	}
	return p
}

// DefaultPolicy returns the production allow-list: the CRM tables the
// agent may touch, with the cross-tenant tables (team roster,
// attachment metadata) exempt from org filtering.
func DefaultPolicy() Policy {
	return NewPolicy(
		[]string{
			"contacts",
			"leads",
			"deals",
			"orders",
			"products",
			"quotes",
			"tasks",
			"projects",
			"conversations",
			"messages",
			"emails",
			"email_accounts",
			"team_members",
			"attachments",
			"finance_invoices",
			"finance_expenses",
		},
		[]string{"team_members", "attachments"},
	)
}

// Check returns nil if the table is on the allow-list, or a
// *DeniedError describing the refusal. It performs no I/O.
func (p Policy) Check(table string) error {
	if _, ok := p.allowed[table]; !ok {
		return &DeniedError{Table: table}
	}
	return nil
}

// TenantScoped reports whether queries against the table must be
// filtered by the caller's org. Unknown tables report true: a table
// that slipped past Check still gets the conservative treatment.
func (p Policy) TenantScoped(table string) bool {
	_, ok := p.exempt[table]
	return !ok
}

// Tables returns the allow-list contents, for diagnostics.
func (p Policy) Tables() []string {
	out := make([]string, 0, len(p.allowed))
	for t := range p.allowed {
		out = append(out, t)
	}
	return out
}
