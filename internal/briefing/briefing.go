// Package briefing scans the CRM for pending work and renders it as a
// natural-language briefing for the unattended agent. Each scan window
// is capped so the downstream prompt stays small.
package briefing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

// scanCap bounds the number of items reported per window.
const scanCap = 5

// emailScanCap is wider because automated senders are filtered after
// the query.
const emailScanCap = 10

// Counts reports how many items each window found, for the autopilot
// summary payload.
type Counts struct {
	UnreadConversations int `json:"unreadConversations"`
	PendingOrders       int `json:"pendingOrders"`
	DueTasks            int `json:"dueTasks"`
	NewLeads            int `json:"newLeads"`
	DraftQuotes         int `json:"draftQuotes"`
	ClosingDeals        int `json:"closingDeals"`
	LowStock            int `json:"lowStock"`
	UnreadEmails        int `json:"unreadEmails"`
}

func (c Counts) total() int {
	return c.UnreadConversations + c.PendingOrders + c.DueTasks + c.NewLeads +
		c.DraftQuotes + c.ClosingDeals + c.LowStock + c.UnreadEmails
}

// Section is one non-empty scan window rendered for the model.
type Section struct {
	Title string
	Lines []string
}

// Briefing is the full scan result. A nil *Briefing means nothing
// needs attention and the model call can be skipped.
type Briefing struct {
	Sections []Section
	Counts   Counts
}

// Render flattens the briefing into the single message handed to the
// model.
func (b *Briefing) Render() string {
	var sb strings.Builder
	sb.WriteString("Here is what currently needs attention:\n")
	for _, sec := range b.Sections {
		fmt.Fprintf(&sb, "\n%s (%d):\n", sec.Title, len(sec.Lines))
		for _, line := range sec.Lines {
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Gatherer runs the scan windows concurrently against the store.
type Gatherer struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGatherer creates a Gatherer.
func NewGatherer(st *store.Store, logger *slog.Logger) *Gatherer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatherer{
		store:  st,
		logger: logger.With("component", "briefing"),
		now:    time.Now,
	}
}

// Gather runs all scan windows and assembles the briefing. Returns
// (nil, nil) when every window is empty.
func (g *Gatherer) Gather(ctx context.Context, scope guard.Scope) (*Briefing, error) {
	var (
		conversations []store.Record
		orders        []store.Record
		tasks         []store.Record
		leads         []store.Record
		quotes        []store.Record
		deals         []store.Record
		lowStock      []store.Record
		emails        []store.Record
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) { conversations, err = g.unreadConversations(gctx, scope); return })
	eg.Go(func() (err error) { orders, err = g.pendingOrders(gctx, scope); return })
	eg.Go(func() (err error) { tasks, err = g.dueTasks(gctx, scope); return })
	eg.Go(func() (err error) { leads, err = g.newLeads(gctx, scope); return })
	eg.Go(func() (err error) { quotes, err = g.draftQuotes(gctx, scope); return })
	eg.Go(func() (err error) { deals, err = g.closingDeals(gctx, scope); return })
	eg.Go(func() (err error) { lowStock, err = g.lowStockProducts(gctx, scope); return })
	eg.Go(func() (err error) { emails, err = g.unreadInboundEmails(gctx, scope); return })
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("gather briefing: %w", err)
	}

	b := &Briefing{
		Counts: Counts{
			UnreadConversations: len(conversations),
			PendingOrders:       len(orders),
			DueTasks:            len(tasks),
			NewLeads:            len(leads),
			DraftQuotes:         len(quotes),
			ClosingDeals:        len(deals),
			LowStock:            len(lowStock),
			UnreadEmails:        len(emails),
		},
	}
	if b.Counts.total() == 0 {
		return nil, nil
	}

	b.addSection("Unread Conversations", conversations, func(r store.Record) string {
		return fmt.Sprintf("[%s] %s via %s: %q (%v unread)",
			shortID(r), str(r, "customer_name"), str(r, "channel"),
			str(r, "last_preview"), r["unread_count"])
	})
	b.addSection("Pending Orders", orders, func(r store.Record) string {
		return fmt.Sprintf("[%s] %s, $%.2f, payment %s",
			shortID(r), str(r, "customer_name"), num(r, "total_amount"),
			str(r, "payment_status"))
	})
	b.addSection("Due Tasks", tasks, func(r store.Record) string {
		return fmt.Sprintf("[%s] %s, due %s, status %s",
			shortID(r), str(r, "title"), when(r, "due_date"), str(r, "status"))
	})
	b.addSection("New Leads", leads, func(r store.Record) string {
		return fmt.Sprintf("[%s] %s from %s, created %s",
			shortID(r), str(r, "name"), str(r, "source"), when(r, "created_at"))
	})
	b.addSection("Draft Quotes", quotes, func(r store.Record) string {
		return fmt.Sprintf("[%s] %s, $%.2f", shortID(r), str(r, "title"), num(r, "total_amount"))
	})
	b.addSection("Deals Closing Soon", deals, func(r store.Record) string {
		return fmt.Sprintf("[%s] %s, $%.2f, closes %s, stage %s",
			shortID(r), str(r, "title"), num(r, "amount"),
			when(r, "expected_close_date"), str(r, "stage"))
	})
	b.addSection("Low Stock Products", lowStock, func(r store.Record) string {
		return fmt.Sprintf("[%s] %s, %v left (threshold %v)",
			shortID(r), str(r, "name"), r["stock_quantity"], r["low_stock_threshold"])
	})
	b.addSection("Unread Emails", emails, func(r store.Record) string {
		return fmt.Sprintf("[%s] from %s: %q", shortID(r), str(r, "from_address"), str(r, "subject"))
	})

	g.logger.Debug("briefing gathered", "org_id", scope.OrgID, "sections", len(b.Sections))
	return b, nil
}

func (b *Briefing) addSection(title string, items []store.Record, render func(store.Record) string) {
	if len(items) == 0 {
		return
	}
	sec := Section{Title: title}
	for _, it := range items {
		sec.Lines = append(sec.Lines, render(it))
	}
	b.Sections = append(b.Sections, sec)
}

func (g *Gatherer) unreadConversations(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	return g.store.Select(ctx, scope, store.Query{
		Table:   "conversations",
		Filters: []store.Filter{{Column: "unread_count", Op: store.OpGt, Value: 0}},
		Order:   &store.Order{Column: "updated_at"},
		Limit:   scanCap,
	})
}

func (g *Gatherer) pendingOrders(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	return g.store.Select(ctx, scope, store.Query{
		Table:   "orders",
		Filters: []store.Filter{{Column: "status", Op: store.OpEq, Value: "pending"}},
		Limit:   scanCap,
	})
}

func (g *Gatherer) dueTasks(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	return g.store.Select(ctx, scope, store.Query{
		Table: "tasks",
		Filters: []store.Filter{
			{Column: "status", Op: store.OpNeq, Value: "done"},
			{Column: "due_date", Op: store.OpNotNull},
			{Column: "due_date", Op: store.OpLte, Value: g.now().UTC().Format(time.RFC3339)},
		},
		Order: &store.Order{Column: "due_date", Ascending: true},
		Limit: scanCap,
	})
}

func (g *Gatherer) newLeads(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	cutoff := g.now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	return g.store.Select(ctx, scope, store.Query{
		Table:   "leads",
		Filters: []store.Filter{{Column: "created_at", Op: store.OpGte, Value: cutoff}},
		Limit:   scanCap,
	})
}

func (g *Gatherer) draftQuotes(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	return g.store.Select(ctx, scope, store.Query{
		Table:   "quotes",
		Filters: []store.Filter{{Column: "status", Op: store.OpEq, Value: "draft"}},
		Limit:   scanCap,
	})
}

func (g *Gatherer) closingDeals(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	horizon := g.now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
	return g.store.Select(ctx, scope, store.Query{
		Table: "deals",
		Filters: []store.Filter{
			{Column: "expected_close_date", Op: store.OpNotNull},
			{Column: "expected_close_date", Op: store.OpLte, Value: horizon},
			{Column: "stage", Op: store.OpNeq, Value: "closed_won"},
			{Column: "stage", Op: store.OpNeq, Value: "closed_lost"},
		},
		Order: &store.Order{Column: "expected_close_date", Ascending: true},
		Limit: scanCap,
	})
}

// lowStockProducts compares stock against each product's own
// threshold, which a column-vs-value filter cannot express, so the
// comparison happens per row over a wider window.
func (g *Gatherer) lowStockProducts(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	rows, err := g.store.Select(ctx, scope, store.Query{
		Table:   "products",
		Filters: []store.Filter{{Column: "active", Op: store.OpEq, Value: 1}},
		Order:   &store.Order{Column: "stock_quantity", Ascending: true},
		Limit:   store.MaxLimit,
	})
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for _, r := range rows {
		stock, ok1 := r["stock_quantity"].(int64)
		threshold, ok2 := r["low_stock_threshold"].(int64)
		if ok1 && ok2 && stock <= threshold {
			out = append(out, r)
			if len(out) == scanCap {
				break
			}
		}
	}
	return out, nil
}

func (g *Gatherer) unreadInboundEmails(ctx context.Context, scope guard.Scope) ([]store.Record, error) {
	rows, err := g.store.Select(ctx, scope, store.Query{
		Table: "emails",
		Filters: []store.Filter{
			{Column: "direction", Op: store.OpEq, Value: "inbound"},
			{Column: "is_read", Op: store.OpEq, Value: 0},
		},
		Limit: emailScanCap,
	})
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for _, r := range rows {
		if IsAutomatedSender(str(r, "from_address")) {
			continue
		}
		out = append(out, r)
		if len(out) == scanCap {
			break
		}
	}
	return out, nil
}

// automatedSenderMarkers are substrings that identify machine senders
// the agent must not attempt conversational replies to.
var automatedSenderMarkers = []string{
	"no-reply", "noreply", "no_reply", "donotreply", "do-not-reply",
	"mailer-daemon", "postmaster", "notification", "alert",
	"newsletter", "marketing", "bounce", "automated", "auto-reply",
	"system@",
}

// IsAutomatedSender reports whether an email address looks like an
// automated or no-reply sender.
func IsAutomatedSender(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	for _, marker := range automatedSenderMarkers {
		if strings.Contains(a, marker) {
			return true
		}
	}
	return false
}

func shortID(r store.Record) string {
	id, _ := r["id"].(string)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func str(r store.Record, key string) string {
	s, _ := r[key].(string)
	return s
}

// when formats a timestamp column. The driver hands TIMESTAMP columns
// back as time.Time when the stored value parses, as string otherwise.
func when(r store.Record, key string) string {
	switch v := r[key].(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case string:
		return v
	}
	return ""
}

func num(r store.Record, key string) float64 {
	switch n := r[key].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
