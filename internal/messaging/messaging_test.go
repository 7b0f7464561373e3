package messaging

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

func testSender(t *testing.T) (*Sender, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "crm.db"), guard.DefaultPolicy(), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSender(st, slog.Default()), st
}

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**hello** world", "hello world"},
		{"italic", "*hi* there", "hi there"},
		{"heading", "## Order Update\nShipped!", "Order Update\nShipped!"},
		{"link", "see [docs](https://x.com)", "see docs (https://x.com)"},
		{"image", "![logo](https://x.com/a.png)", "logo"},
		{"inline code", "run `make`", "run make"},
		{"code block", "```sh\nls\n```", "ls"},
		{"list", "- one\n- two", "one\ntwo"},
		{"quote", "> quoted line", "quoted line"},
		{"plain untouched", "Hello, your order shipped.", "Hello, your order shipped."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripMarkup(tt.in)
			if got != tt.want {
				t.Errorf("StripMarkup(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripMarkupIdempotent(t *testing.T) {
	in := "## Hi **there**\n- *item* with `code`\n[link](https://x.com)"
	once := StripMarkup(in)
	twice := StripMarkup(once)
	if once != twice {
		t.Errorf("not idempotent: %q vs %q", once, twice)
	}
	for _, ch := range []string{"**", "##", "`", "]("} {
		if strings.Contains(once, ch) {
			t.Errorf("markup %q survived stripping: %q", ch, once)
		}
	}
}

func TestSendUpdatesConversation(t *testing.T) {
	sender, st := testSender(t)
	ctx := context.Background()
	scope := guard.Scope{CallerID: "u1", OrgID: "org-a"}

	conv, err := st.Insert(ctx, scope, "conversations", store.Record{
		"channel":       "webchat",
		"customer_name": "Dana",
		"unread_count":  3,
	})
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	convID := conv["id"].(string)

	rcpt, err := sender.Send(ctx, scope, convID, "**Your order** has shipped!", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rcpt.Channel != "webchat" {
		t.Errorf("channel = %q, want webchat", rcpt.Channel)
	}

	msg, err := st.Get(ctx, scope, "messages", rcpt.MessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if body := msg["body"].(string); body != "Your order has shipped!" {
		t.Errorf("body = %q, markup not stripped", body)
	}

	updated, err := st.Get(ctx, scope, "conversations", convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if updated["unread_count"].(int64) != 0 {
		t.Errorf("unread_count = %v, want 0", updated["unread_count"])
	}
	if preview := updated["last_preview"].(string); preview != "Your order has shipped!" {
		t.Errorf("last_preview = %q", preview)
	}
}

func TestSendProductFanOut(t *testing.T) {
	sender, st := testSender(t)
	ctx := context.Background()
	scope := guard.Scope{CallerID: "u1", OrgID: "org-a"}

	conv, _ := st.Insert(ctx, scope, "conversations", store.Record{"channel": "webchat"})
	convID := conv["id"].(string)

	longDesc := strings.Repeat("spicy ", 40)
	p1, _ := st.Insert(ctx, scope, "products", store.Record{
		"name": "Hot Sauce", "price": 12.5, "description": longDesc,
		"image_url": "https://cdn.example.com/sauce.jpg",
	})
	p2, _ := st.Insert(ctx, scope, "products", store.Record{
		"name": "Mild Sauce", "price": 9.0,
	})

	rcpt, err := sender.Send(ctx, scope, convID, "Here are some options:", []string{
		p1["id"].(string), p2["id"].(string), "missing-product",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rcpt.ProductCards != 2 {
		t.Errorf("product cards = %d, want 2 (missing product skipped)", rcpt.ProductCards)
	}

	msgs, err := st.Select(ctx, scope, store.Query{
		Table:   "messages",
		Filters: []store.Filter{{Column: "conversation_id", Op: store.OpEq, Value: convID}},
	})
	if err != nil {
		t.Fatalf("select messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (text + 2 cards)", len(msgs))
	}

	var cardBody string
	for _, m := range msgs {
		if pid, _ := m["product_id"].(string); pid == p1["id"].(string) {
			cardBody = m["body"].(string)
		}
	}
	if !strings.Contains(cardBody, "Hot Sauce") || !strings.Contains(cardBody, "$12.50") {
		t.Errorf("card body missing name or price: %q", cardBody)
	}
	if len([]rune(cardBody)) > len("Hot Sauce\n$12.50\n")+cardDescriptionLen+1 {
		t.Errorf("card description not truncated: %q", cardBody)
	}
}

func TestSendMissingConversation(t *testing.T) {
	sender, _ := testSender(t)
	scope := guard.Scope{CallerID: "u1", OrgID: "org-a"}
	if _, err := sender.Send(context.Background(), scope, "nope", "hi", nil); err == nil {
		t.Fatal("expected error for missing conversation")
	}
}
