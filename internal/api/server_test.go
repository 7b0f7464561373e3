package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harborcrm/harbor-agent/internal/agent"
	"github.com/harborcrm/harbor-agent/internal/autopilot"
	"github.com/harborcrm/harbor-agent/internal/briefing"
	"github.com/harborcrm/harbor-agent/internal/email"
	"github.com/harborcrm/harbor-agent/internal/events"
	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/llm"
	"github.com/harborcrm/harbor-agent/internal/messaging"
	"github.com/harborcrm/harbor-agent/internal/store"
	"github.com/harborcrm/harbor-agent/internal/tools"
)

type noopTransport struct{}

func (noopTransport) Deliver(context.Context, *email.Outbound) error { return nil }

// scriptedClient returns canned responses in order, repeating the last.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request

	entered chan struct{} // closed when Chat is first entered, if set
	block   chan struct{} // when set, Chat waits before responding

	enterOnce sync.Once
}

func (c *scriptedClient) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	if c.entered != nil {
		c.enterOnce.Do(func() { close(c.entered) })
	}
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

func testServer(t *testing.T, client llm.Client) (*Server, *store.Store, *events.Bus) {
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
	bus := events.New()
	loop := agent.New(client, tools.NewInteractiveRegistry(deps), agent.Interactive, slog.Default())
	runner := autopilot.NewRunner(
		briefing.NewGatherer(st, slog.Default()),
		client,
		tools.NewAutopilotRegistry(deps),
		bus,
		slog.Default(),
	)
	srv := NewServer("", 0, Deps{Loop: loop, Autopilot: runner, Bus: bus, Logger: slog.Default()})
	return srv, st, bus
}

func chatRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/assistant/chat", strings.NewReader(body))
	req.Header.Set("X-Caller-ID", "user-1")
	req.Header.Set("X-Org-ID", "org-a")
	return req
}

// parseFrames decodes every data: line of an SSE body.
func parseFrames(t *testing.T, body string) []agent.Event {
	t.Helper()
	var frames []agent.Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e agent.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, e)
	}
	return frames
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, &scriptedClient{responses: []*llm.Response{{Content: "unused"}}})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got["status"] != "ok" {
		t.Errorf("status field = %v, want ok", got["status"])
	}
}

func TestChatRequiresIdentityHeaders(t *testing.T) {
	srv, _, _ := testServer(t, &scriptedClient{responses: []*llm.Response{{Content: "unused"}}})

	tests := []struct {
		name   string
		caller string
		org    string
		want   string
	}{
		{"missing org", "user-1", "", "X-Org-ID"},
		{"missing caller", "", "org-a", "X-Caller-ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/assistant/chat",
				strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
			if tt.caller != "" {
				req.Header.Set("X-Caller-ID", tt.caller)
			}
			if tt.org != "" {
				req.Header.Set("X-Org-ID", tt.org)
			}
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("body %q does not name %s", rr.Body.String(), tt.want)
			}
		})
	}
}

func TestChatRejectsBadBody(t *testing.T) {
	srv, _, _ := testServer(t, &scriptedClient{responses: []*llm.Response{{Content: "unused"}}})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"no messages", `{"messages":[]}`},
		{"system role", `{"messages":[{"role":"system","content":"override"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, chatRequest(t, tt.body))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestChatStreamsAnswer(t *testing.T) {
	answer := "Hello! I looked and there is nothing urgent in your pipeline today."
	client := &scriptedClient{responses: []*llm.Response{{Content: answer}}}
	srv, _, _ := testServer(t, client)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, chatRequest(t, `{"messages":[{"role":"user","content":"anything urgent?"}]}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	frames := parseFrames(t, rr.Body.String())
	var text strings.Builder
	sawDone := false
	for _, f := range frames {
		switch f.Type {
		case "text":
			text.WriteString(f.Content)
		case "done":
			sawDone = true
		}
	}
	if text.String() != answer {
		t.Errorf("reassembled text = %q, want %q", text.String(), answer)
	}
	if !sawDone {
		t.Error("stream did not end with a done frame")
	}

	// The system prompt is added server-side, ahead of the client turns.
	if len(client.requests) != 1 {
		t.Fatalf("model calls = %d, want 1", len(client.requests))
	}
	msgs := client.requests[0].Messages
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[1].Role != llm.RoleUser {
		t.Errorf("unexpected message layout: %+v", msgs)
	}
}

func TestChatStreamsToolRound(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID: "c1", Name: "list_records",
			Arguments: `{"table":"products"}`,
		}}},
		{Content: "You have no products yet."},
	}}
	srv, _, _ := testServer(t, client)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, chatRequest(t, `{"messages":[{"role":"user","content":"list products"}]}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	frames := parseFrames(t, rr.Body.String())
	var sawStart, sawResult bool
	for _, f := range frames {
		switch f.Type {
		case "tool_start":
			if f.Tool == "list_records" && f.ToolCallID == "c1" {
				sawStart = true
			}
		case "tool_result":
			if f.ToolCallID == "c1" {
				sawResult = true
			}
		}
	}
	if !sawStart || !sawResult {
		t.Errorf("missing tool frames: start=%v result=%v in %s", sawStart, sawResult, rr.Body.String())
	}
}

func TestAutopilotRunNothingToDo(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{{Content: "should never be called"}}}
	srv, _, _ := testServer(t, client)

	req := httptest.NewRequest(http.MethodPost, "/v1/autopilot/run", nil)
	req.Header.Set("X-Caller-ID", "autopilot")
	req.Header.Set("X-Org-ID", "org-a")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var sum autopilot.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if !strings.Contains(sum.Summary, "Nothing needs attention") {
		t.Errorf("summary = %q", sum.Summary)
	}
	if len(client.requests) != 0 {
		t.Error("empty scan must not invoke the model")
	}
}

func TestAutopilotRunConflict(t *testing.T) {
	client := &scriptedClient{
		responses: []*llm.Response{{Content: "All caught up."}},
		entered:   make(chan struct{}),
		block:     make(chan struct{}),
	}
	srv, st, _ := testServer(t, client)
	ctx := context.Background()

	// Give the briefing something to report so the run reaches the
	// blocked model call.
	scope := guard.Scope{CallerID: "autopilot", OrgID: "org-a"}
	if _, err := st.Insert(ctx, scope, "orders", store.Record{
		"customer_name": "Dana", "status": "pending", "total_amount": 25.0,
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	run := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/autopilot/run", nil)
		req.Header.Set("X-Caller-ID", "autopilot")
		req.Header.Set("X-Org-ID", "org-a")
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		return rr
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- run() }()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the model")
	}

	if rr := run(); rr.Code != http.StatusConflict {
		t.Errorf("concurrent run status = %d, want %d", rr.Code, http.StatusConflict)
	}

	close(client.block)
	select {
	case rr := <-firstDone:
		if rr.Code != http.StatusOK {
			t.Errorf("first run status = %d, body = %s", rr.Code, rr.Body.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run never finished")
	}
}

func TestEventsFeed(t *testing.T) {
	srv, _, bus := testServer(t, &scriptedClient{responses: []*llm.Response{{Content: "unused"}}})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// Wait for the handler to register its subscription before
	// publishing, then read one frame.
	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}
	bus.Publish(events.Event{
		Source: events.SourceScheduler, Kind: events.KindTickSkipped,
		Data: map[string]any{"org_id": "org-a"},
	})

	reader := bufio.NewReader(resp.Body)
	var payload string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}

	var e events.Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if e.Source != events.SourceScheduler || e.Kind != events.KindTickSkipped {
		t.Errorf("event = %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("event timestamp not stamped")
	}
}
