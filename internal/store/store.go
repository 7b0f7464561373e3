// Package store provides the tenant-scoped relational store the agent
// operates on. Every read and write funnels through the guard policy:
// tables outside the allow-list are refused before any SQL is built,
// and tenant-scoped tables always carry an org_id predicate derived
// from the caller's scope, never from tool arguments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborcrm/harbor-agent/internal/guard"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get, Update and Delete when no row matches
// the id within the caller's tenant. Cross-tenant ids are
// indistinguishable from missing ones by design.
var ErrNotFound = fmt.Errorf("record not found")

// Store wraps the SQLite database with allow-list checks and tenant
// scoping applied to every operation.
type Store struct {
	db     *sql.DB
	policy guard.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string, policy guard.Policy, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := New(db, policy, logger)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an existing database handle. Used by Open and by tests
// that substitute a mock driver.
func New(db *sql.DB, policy guard.Policy, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		policy: policy,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Policy returns the guard policy the store enforces.
func (s *Store) Policy() guard.Policy {
	return s.policy
}

// migrate creates the CRM schema. All business tables carry org_id,
// created_at and updated_at; the guard policy decides which tables are
// read without the org filter.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		company TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_org ON contacts(org_id, created_at);

	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		source TEXT,
		status TEXT DEFAULT 'new',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leads_org ON leads(org_id, created_at);

	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		contact_id TEXT,
		title TEXT NOT NULL,
		stage TEXT DEFAULT 'open',
		amount REAL DEFAULT 0,
		expected_close_date TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deals_org ON deals(org_id, created_at);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		contact_id TEXT,
		customer_name TEXT,
		status TEXT DEFAULT 'pending',
		payment_status TEXT DEFAULT 'unpaid',
		total_amount REAL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_org ON orders(org_id, created_at);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		category TEXT,
		price REAL DEFAULT 0,
		stock_quantity INTEGER DEFAULT 0,
		low_stock_threshold INTEGER DEFAULT 5,
		image_url TEXT,
		active INTEGER DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_org ON products(org_id, created_at);

	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		contact_id TEXT,
		title TEXT,
		status TEXT DEFAULT 'draft',
		total_amount REAL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quotes_org ON quotes(org_id, created_at);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		project_id TEXT,
		title TEXT NOT NULL,
		status TEXT DEFAULT 'todo',
		due_date TIMESTAMP,
		assignee_id TEXT,
		position INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_org ON tasks(org_id, due_date);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		contact_id TEXT,
		channel TEXT DEFAULT 'chat',
		customer_name TEXT,
		last_preview TEXT,
		unread_count INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_org ON conversations(org_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		body TEXT NOT NULL,
		product_id TEXT,
		media_url TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS emails (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		account_id TEXT,
		direction TEXT NOT NULL,
		from_address TEXT,
		to_addresses TEXT,
		cc_addresses TEXT,
		bcc_addresses TEXT,
		subject TEXT,
		body_html TEXT,
		status TEXT DEFAULT 'received',
		error TEXT,
		in_reply_to TEXT,
		is_read INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_emails_org ON emails(org_id, created_at);

	CREATE TABLE IF NOT EXISTS email_accounts (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		address TEXT NOT NULL,
		display_name TEXT,
		smtp_host TEXT,
		smtp_port INTEGER DEFAULT 587,
		smtp_username TEXT,
		smtp_password TEXT,
		starttls INTEGER DEFAULT 1,
		is_default INTEGER DEFAULT 0,
		active INTEGER DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS team_members (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT DEFAULT 'member',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		entity_type TEXT,
		entity_id TEXT,
		filename TEXT,
		url TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS finance_invoices (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		contact_id TEXT,
		number TEXT,
		amount REAL DEFAULT 0,
		status TEXT DEFAULT 'open',
		due_date TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS finance_expenses (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		category TEXT,
		amount REAL DEFAULT 0,
		incurred_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// OrgIDs returns the distinct organization ids present in the team
// roster. The autopilot scheduler iterates these for its per-org ticks.
func (s *Store) OrgIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT org_id FROM team_members ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("list orgs: %w", err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		orgs = append(orgs, id)
	}
	return orgs, rows.Err()
}
