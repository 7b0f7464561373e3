// Package email sends and replies to CRM email on behalf of the
// agent. Every outbound email gets a durable record before transport
// is attempted; a failed send marks the record, never deletes it.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

// ErrNoAccount is returned when the caller's org has no usable
// sending identity.
var ErrNoAccount = errors.New("no email account configured")

// Account is a sending identity resolved from the org's configured
// email accounts.
type Account struct {
	ID           string
	Address      string
	DisplayName  string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	StartTLS     bool
}

// Outbound is one fully-rendered message handed to a Transport.
type Outbound struct {
	Account   Account
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	HTMLBody  string
	PlainBody string
}

// Transport delivers a composed message. Implementations must return
// an error rather than block past the context deadline.
type Transport interface {
	Deliver(ctx context.Context, out *Outbound) error
}

// StoreLink points product call-to-action links at the org's public
// storefront.
type StoreLink struct {
	Name    string
	BaseURL string
}

// SendInput describes one email to send.
type SendInput struct {
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Body       string // markdown
	ProductIDs []string
}

// ReplyInput describes a reply to an existing email record.
type ReplyInput struct {
	EmailID    string
	Body       string // markdown
	ProductIDs []string
}

// Receipt reports the persisted record and delivery status of one send.
type Receipt struct {
	EmailID string `json:"email_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

// Service composes, persists, and delivers outbound email.
type Service struct {
	store     *store.Store
	transport Transport
	storeLink StoreLink
	logger    *slog.Logger
}

// NewService creates an email Service using the given transport.
func NewService(st *store.Store, transport Transport, link StoreLink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		transport: transport,
		storeLink: link,
		logger:    logger.With("component", "email"),
	}
}

// Send delivers a new outbound email. The email record is created
// before transport runs; on transport failure the record is marked
// failed with the underlying error and the error is returned.
func (s *Service) Send(ctx context.Context, scope guard.Scope, in SendInput) (*Receipt, error) {
	if len(in.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	acct, err := s.resolveAccount(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, scope, acct, in, "")
}

// Reply delivers a reply to an existing email record, deriving the
// recipient set and threading subject from the original.
func (s *Service) Reply(ctx context.Context, scope guard.Scope, in ReplyInput) (*Receipt, error) {
	original, err := s.store.Get(ctx, scope, "emails", in.EmailID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("email %s not found", in.EmailID)
		}
		return nil, err
	}
	acct, err := s.resolveAccount(ctx, scope)
	if err != nil {
		return nil, err
	}

	to := replyRecipients(original, acct.Address)
	if len(to) == 0 {
		return nil, fmt.Errorf("cannot determine reply recipients")
	}

	subject, _ := original["subject"].(string)
	body := in.Body + "\n\n" + quoteOriginal(original)

	send := SendInput{
		To:         to,
		Subject:    ReplySubject(subject),
		Body:       body,
		ProductIDs: in.ProductIDs,
	}
	return s.deliver(ctx, scope, acct, send, in.EmailID)
}

func (s *Service) deliver(ctx context.Context, scope guard.Scope, acct Account, in SendInput, inReplyTo string) (*Receipt, error) {
	var grid string
	if len(in.ProductIDs) > 0 {
		products := s.loadProducts(ctx, scope, in.ProductIDs)
		grid = productGridHTML(products, s.storeLink.Name, s.storeLink.BaseURL)
	}

	htmlBody, err := renderHTML(in.Body, grid)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	rec := store.Record{
		"account_id":   acct.ID,
		"direction":    "outbound",
		"from_address": acct.Address,
		"to_addresses": strings.Join(in.To, ", "),
		"subject":      in.Subject,
		"body_html":    htmlBody,
		"status":       "sending",
		"is_read":      1,
	}
	if len(in.Cc) > 0 {
		rec["cc_addresses"] = strings.Join(in.Cc, ", ")
	}
	if len(in.Bcc) > 0 {
		rec["bcc_addresses"] = strings.Join(in.Bcc, ", ")
	}
	if inReplyTo != "" {
		rec["in_reply_to"] = inReplyTo
	}

	saved, err := s.store.Insert(ctx, scope, "emails", rec)
	if err != nil {
		return nil, fmt.Errorf("persist email: %w", err)
	}
	emailID, _ := saved["id"].(string)

	out := &Outbound{
		Account:   acct,
		To:        in.To,
		Cc:        in.Cc,
		Bcc:       in.Bcc,
		Subject:   in.Subject,
		HTMLBody:  htmlBody,
		PlainBody: markdownToPlain(in.Body),
	}

	if err := s.transport.Deliver(ctx, out); err != nil {
		s.logger.Error("email delivery failed",
			"email_id", emailID, "to", in.To, "error", err,
		)
		if _, uerr := s.store.Update(ctx, scope, "emails", emailID, store.Record{
			"status": "failed",
			"error":  err.Error(),
		}); uerr != nil {
			s.logger.Error("failed to mark email failed", "email_id", emailID, "error", uerr)
		}
		return nil, fmt.Errorf("send email: %w", err)
	}

	if _, err := s.store.Update(ctx, scope, "emails", emailID, store.Record{"status": "sent"}); err != nil {
		s.logger.Error("failed to mark email sent", "email_id", emailID, "error", err)
	}

	s.logger.Info("email sent", "email_id", emailID, "to", in.To, "subject", in.Subject)

	return &Receipt{
		EmailID: emailID,
		From:    acct.Address,
		To:      strings.Join(in.To, ", "),
		Subject: in.Subject,
		Status:  "sent",
	}, nil
}

// resolveAccount picks the org's sending identity: the default active
// account if one is marked, otherwise any active account.
func (s *Service) resolveAccount(ctx context.Context, scope guard.Scope) (Account, error) {
	active := store.Filter{Column: "active", Op: store.OpEq, Value: 1}

	rows, err := s.store.Select(ctx, scope, store.Query{
		Table:   "email_accounts",
		Filters: []store.Filter{active, {Column: "is_default", Op: store.OpEq, Value: 1}},
		Limit:   1,
	})
	if err != nil {
		return Account{}, err
	}
	if len(rows) == 0 {
		rows, err = s.store.Select(ctx, scope, store.Query{
			Table:   "email_accounts",
			Filters: []store.Filter{active},
			Limit:   1,
		})
		if err != nil {
			return Account{}, err
		}
	}
	if len(rows) == 0 {
		return Account{}, ErrNoAccount
	}
	return accountFromRecord(rows[0]), nil
}

func accountFromRecord(r store.Record) Account {
	acct := Account{}
	acct.ID, _ = r["id"].(string)
	acct.Address, _ = r["address"].(string)
	acct.DisplayName, _ = r["display_name"].(string)
	acct.SMTPHost, _ = r["smtp_host"].(string)
	acct.SMTPUsername, _ = r["smtp_username"].(string)
	acct.SMTPPassword, _ = r["smtp_password"].(string)
	if port, ok := r["smtp_port"].(int64); ok {
		acct.SMTPPort = int(port)
	}
	if tls, ok := r["starttls"].(int64); ok {
		acct.StartTLS = tls != 0
	}
	return acct
}

func (s *Service) loadProducts(ctx context.Context, scope guard.Scope, ids []string) []store.Record {
	var products []store.Record
	for _, id := range ids {
		p, err := s.store.Get(ctx, scope, "products", id)
		if err != nil {
			s.logger.Warn("skipping product in email", "product_id", id, "error", err)
			continue
		}
		products = append(products, p)
	}
	return products
}

// replyRecipients derives who a reply goes to: the original sender,
// unless the original was sent by us, in which case the original
// recipients minus our own address.
func replyRecipients(original store.Record, self string) []string {
	sender, _ := original["from_address"].(string)
	if extractAddress(sender) != self {
		return []string{sender}
	}
	raw, _ := original["to_addresses"].(string)
	var out []string
	for _, addr := range splitAddresses(raw) {
		if extractAddress(addr) != self {
			out = append(out, addr)
		}
	}
	return out
}

func splitAddresses(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
