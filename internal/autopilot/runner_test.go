package autopilot

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harborcrm/harbor-agent/internal/agent"
	"github.com/harborcrm/harbor-agent/internal/briefing"
	"github.com/harborcrm/harbor-agent/internal/email"
	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/llm"
	"github.com/harborcrm/harbor-agent/internal/messaging"
	"github.com/harborcrm/harbor-agent/internal/store"
	"github.com/harborcrm/harbor-agent/internal/tools"
)

var testScope = guard.Scope{CallerID: "autopilot", OrgID: "org-a"}

type noopTransport struct{}

func (noopTransport) Deliver(context.Context, *email.Outbound) error { return nil }

// scriptedClient returns canned responses in order, repeating the last.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
	block     chan struct{} // when set, Chat waits before responding
}

func (c *scriptedClient) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	i := len(c.requests) - 1
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

func testRunner(t *testing.T, client llm.Client) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "crm.db"), guard.DefaultPolicy(), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	deps := tools.Deps{
		Store:     st,
		Messenger: messaging.NewSender(st, slog.Default()),
		Email:     email.NewService(st, noopTransport{}, email.StoreLink{Name: "Acme", BaseURL: "https://shop.example.com"}, slog.Default()),
		Logger:    slog.Default(),
	}
	registry := tools.NewAutopilotRegistry(deps)
	gatherer := briefing.NewGatherer(st, slog.Default())
	return NewRunner(gatherer, client, registry, nil, slog.Default()), st
}

func TestRunNothingToDo(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{{Content: "should never be called"}}}
	runner, _ := testRunner(t, client)

	sum, err := runner.Run(context.Background(), testScope)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Summary != nothingToDo {
		t.Errorf("summary = %q", sum.Summary)
	}
	if len(sum.Actions) != 0 {
		t.Errorf("actions = %v, want empty", sum.Actions)
	}
	if len(client.requests) != 0 {
		t.Error("empty scan must not invoke the model")
	}
}

func TestRunLowStockScenario(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID: "c1", Name: "get_record",
			Arguments: `{"table":"products","id":"ignored"}`,
		}}},
		{Content: "Flagged the low stock product for reordering."},
	}}
	runner, st := testRunner(t, client)
	ctx := context.Background()

	_, err := st.Insert(ctx, testScope, "products", store.Record{
		"name": "Hot Sauce", "active": 1,
		"stock_quantity": 2, "low_stock_threshold": 5,
	})
	if err != nil {
		t.Fatalf("insert product: %v", err)
	}

	sum, err := runner.Run(ctx, testScope)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sum.PendingCounts.LowStock != 1 {
		t.Errorf("lowStock = %d, want 1", sum.PendingCounts.LowStock)
	}
	if sum.PendingCounts.PendingOrders != 0 {
		t.Errorf("pendingOrders = %d, want 0", sum.PendingCounts.PendingOrders)
	}

	// The briefing sent to the model carries exactly the one section.
	first := client.requests[0]
	userMsg := first.Messages[len(first.Messages)-1].Content
	if !strings.Contains(userMsg, "Low Stock Products (1):") {
		t.Errorf("briefing missing low stock section: %q", userMsg)
	}
	if strings.Contains(userMsg, "Pending Orders") {
		t.Errorf("briefing carries empty section: %q", userMsg)
	}

	// No destructive tool is ever offered.
	for _, spec := range first.Tools {
		if spec.Name == "delete_record" {
			t.Fatal("delete_record offered to autopilot model")
		}
	}

	if len(sum.Actions) != 1 {
		t.Fatalf("actions = %+v, want 1", sum.Actions)
	}
	if sum.Actions[0].Description != "Looked up product ignored (failed)" {
		t.Errorf("action description = %q", sum.Actions[0].Description)
	}
	if sum.Summary != "Flagged the low stock product for reordering." {
		t.Errorf("summary = %q", sum.Summary)
	}
}

func TestRunSingleFlightPerOrg(t *testing.T) {
	client := &scriptedClient{
		responses: []*llm.Response{{Content: "done"}},
		block:     make(chan struct{}),
	}
	runner, st := testRunner(t, client)
	ctx := context.Background()

	_, _ = st.Insert(ctx, testScope, "orders", store.Record{
		"customer_name": "Dana", "status": "pending",
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, testScope)
		firstDone <- err
	}()

	// Wait until the first run holds the org lock (blocked in Chat).
	for !runner.isRunning(testScope.OrgID) {
		time.Sleep(time.Millisecond)
	}

	_, err := runner.Run(ctx, testScope)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run err = %v, want ErrAlreadyRunning", err)
	}

	// Other orgs are unaffected by this org's lock.
	otherScope := guard.Scope{CallerID: "autopilot", OrgID: "org-b"}
	if sum, err := runner.Run(ctx, otherScope); err != nil || sum.Summary != nothingToDo {
		t.Errorf("other org run: sum=%+v err=%v", sum, err)
	}

	close(client.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Lock released; a new run proceeds.
	if _, err := runner.Run(ctx, testScope); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestDescribeActionFallback(t *testing.T) {
	runner, _ := testRunner(t, &scriptedClient{responses: []*llm.Response{{Content: "x"}}})

	entry := runner.describeAction(agent.ExecutedCall{
		Name: "future_tool", Arguments: `{}`,
	})
	if entry.Description != "Executed future_tool" {
		t.Errorf("description = %q", entry.Description)
	}

	entry = runner.describeAction(agent.ExecutedCall{
		Name:      "send_email",
		Arguments: `{"to":["dana@customer.com","lee@customer.com"]}`,
	})
	if entry.Description != "Sent email to dana@customer.com, lee@customer.com" {
		t.Errorf("description = %q", entry.Description)
	}

	entry = runner.describeAction(agent.ExecutedCall{
		Name:      "send_chat_message",
		Arguments: `{"conversation_id":"0123456789abcdef"}`,
		IsError:   true,
		Result:    `{"error":"boom"}`,
	})
	if entry.Description != "Replied to conversation 01234567 (failed)" {
		t.Errorf("description = %q", entry.Description)
	}
	if entry.Details != `{"error":"boom"}` {
		t.Errorf("details = %q", entry.Details)
	}
}
