// Package messaging sends outbound chat messages into CRM
// conversations. The target channels render plain text only, so
// markdown in the body is stripped, not escaped.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

const (
	// previewLen caps the conversation's last-activity preview.
	previewLen = 80

	// cardDescriptionLen caps the description carried by a product card.
	cardDescriptionLen = 120
)

// Receipt summarizes one completed send.
type Receipt struct {
	MessageID    string `json:"message_id"`
	Channel      string `json:"channel"`
	ProductCards int    `json:"product_cards"`
}

// Sender inserts outbound messages and keeps the parent conversation's
// preview and unread counter in sync. Sends to the same conversation
// are serialized so two sends in one batch cannot race on the counter
// reset.
type Sender struct {
	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSender creates a Sender backed by the given store.
func NewSender(st *store.Store, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		store:  st,
		logger: logger.With("component", "messaging"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Sender) conversationLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Send strips markup from body, inserts an outbound message, fans out
// one product-card message per product id, and updates the parent
// conversation's preview and unread counter.
func (s *Sender) Send(ctx context.Context, scope guard.Scope, conversationID, body string, productIDs []string) (*Receipt, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	plain := StripMarkup(body)
	if plain == "" && len(productIDs) == 0 {
		return nil, fmt.Errorf("message body is empty")
	}

	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.store.Get(ctx, scope, "conversations", conversationID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("conversation %s not found", conversationID)
		}
		return nil, err
	}
	channel, _ := conv["channel"].(string)

	msg, err := s.store.Insert(ctx, scope, "messages", store.Record{
		"conversation_id": conversationID,
		"direction":       "outbound",
		"body":            plain,
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	cards := 0
	for _, pid := range productIDs {
		product, err := s.store.Get(ctx, scope, "products", pid)
		if err != nil {
			s.logger.Warn("skipping product card", "product_id", pid, "error", err)
			continue
		}
		card := renderProductCard(product)
		rec := store.Record{
			"conversation_id": conversationID,
			"direction":       "outbound",
			"body":            card,
			"product_id":      pid,
		}
		if media, _ := product["image_url"].(string); media != "" {
			rec["media_url"] = media
		}
		if _, err := s.store.Insert(ctx, scope, "messages", rec); err != nil {
			s.logger.Warn("product card insert failed", "product_id", pid, "error", err)
			continue
		}
		cards++
	}

	preview := plain
	if preview == "" && cards > 0 {
		preview = fmt.Sprintf("Shared %d product(s)", cards)
	}
	_, err = s.store.Update(ctx, scope, "conversations", conversationID, store.Record{
		"last_preview": truncate(preview, previewLen),
		"unread_count": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	s.logger.Info("message sent",
		"conversation_id", conversationID,
		"channel", channel,
		"product_cards", cards,
	)

	id, _ := msg["id"].(string)
	return &Receipt{MessageID: id, Channel: channel, ProductCards: cards}, nil
}

// renderProductCard formats one product as a plain-text card line set.
func renderProductCard(product store.Record) string {
	name, _ := product["name"].(string)
	desc, _ := product["description"].(string)
	price := asFloat(product["price"])

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n$%.2f", name, price)
	if desc != "" {
		b.WriteString("\n")
		b.WriteString(truncate(desc, cardDescriptionLen))
	}
	return b.String()
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

// Patterns for stripping markdown formatting from chat bodies.
var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdUnderline  = regexp.MustCompile(`__(.+?)__`)
	mdStrike     = regexp.MustCompile(`~~(.+?)~~`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdListMarker = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	mdQuote      = regexp.MustCompile(`(?m)^>\s?`)
)

// StripMarkup removes markdown formatting while preserving the text
// content. Stripping is idempotent: applying it to already-stripped
// text is a no-op.
func StripMarkup(s string) string {
	s = mdCodeBlock.ReplaceAllString(s, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdUnderline.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdStrike.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdListMarker.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
