// Package autopilot runs the agent unattended: it gathers a briefing
// of pending work, lets the model act on it with a non-destructive
// tool set, and reports what happened as a JSON summary.
package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harborcrm/harbor-agent/internal/agent"
	"github.com/harborcrm/harbor-agent/internal/briefing"
	"github.com/harborcrm/harbor-agent/internal/events"
	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/llm"
)

// maxActions caps the action log carried in one summary.
const maxActions = 50

// nothingToDo is the fixed summary for an empty scan.
const nothingToDo = "Nothing needs attention right now."

// ErrAlreadyRunning is returned when a run for the same org is still
// in flight.
var ErrAlreadyRunning = errors.New("autopilot run already in progress for this org")

// ActionLogEntry is the human-facing audit record of one executed
// tool call.
type ActionLogEntry struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Details     string    `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary is the result of one autopilot run.
type Summary struct {
	Actions       []ActionLogEntry `json:"actions"`
	Summary       string           `json:"summary"`
	ScannedAt     time.Time        `json:"scannedAt"`
	PendingCounts briefing.Counts  `json:"pendingCounts"`
}

// Runner executes unattended runs with per-org mutual exclusion: a
// run that is still in flight when another is requested for the same
// org causes the new request to fail fast with ErrAlreadyRunning.
type Runner struct {
	gatherer *briefing.Gatherer
	loop     *agent.Loop
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// NewRunner creates a Runner. bus may be nil.
func NewRunner(gatherer *briefing.Gatherer, client llm.Client, runner agent.Runner, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "autopilot")
	return &Runner{
		gatherer: gatherer,
		loop:     agent.New(client, runner, agent.Autopilot, logger),
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		running:  make(map[string]bool),
	}
}

// Run performs one unattended tick for the caller's org.
func (r *Runner) Run(ctx context.Context, scope guard.Scope) (*Summary, error) {
	if !r.tryAcquire(scope.OrgID) {
		r.bus.Publish(events.Event{
			Source: events.SourceAutopilot, Kind: events.KindTickSkipped,
			Data: map[string]any{"org_id": scope.OrgID},
		})
		return nil, ErrAlreadyRunning
	}
	defer r.release(scope.OrgID)

	started := r.now()
	r.bus.Publish(events.Event{
		Source: events.SourceAutopilot, Kind: events.KindRunStart,
		Data: map[string]any{"org_id": scope.OrgID, "caller_id": scope.CallerID},
	})

	b, err := r.gatherer.Gather(ctx, scope)
	if err != nil {
		r.publishFailure(scope, err)
		return nil, err
	}
	if b == nil {
		// Empty scan: skip the model call entirely.
		r.logger.Info("nothing to do", "org_id", scope.OrgID)
		r.publishComplete(scope, 0, 0, started)
		return &Summary{
			Actions:   []ActionLogEntry{},
			Summary:   nothingToDo,
			ScannedAt: started,
		}, nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: agent.AutopilotPrompt()},
		{Role: llm.RoleUser, Content: agent.BriefingMessage(b.Render())},
	}

	out, err := r.loop.Run(ctx, scope, messages, nil)
	if err != nil {
		r.publishFailure(scope, err)
		return nil, fmt.Errorf("autopilot run: %w", err)
	}

	actions := make([]ActionLogEntry, 0, len(out.Calls))
	for _, call := range out.Calls {
		actions = append(actions, r.describeAction(call))
		r.bus.Publish(events.Event{
			Source: events.SourceAutopilot, Kind: events.KindToolCall,
			Data: map[string]any{"org_id": scope.OrgID, "tool": call.Name, "ok": !call.IsError},
		})
	}
	if len(actions) > maxActions {
		actions = actions[len(actions)-maxActions:]
	}

	r.publishComplete(scope, out.Rounds, len(out.Calls), started)
	r.logger.Info("run complete",
		"org_id", scope.OrgID, "rounds", out.Rounds, "actions", len(actions),
	)

	return &Summary{
		Actions:       actions,
		Summary:       out.Answer,
		ScannedAt:     started,
		PendingCounts: b.Counts,
	}, nil
}

func (r *Runner) tryAcquire(orgID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[orgID] {
		return false
	}
	r.running[orgID] = true
	return true
}

func (r *Runner) release(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, orgID)
}

func (r *Runner) isRunning(orgID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[orgID]
}

func (r *Runner) publishComplete(scope guard.Scope, rounds, calls int, started time.Time) {
	r.bus.Publish(events.Event{
		Source: events.SourceAutopilot, Kind: events.KindRunComplete,
		Data: map[string]any{
			"org_id": scope.OrgID, "rounds": rounds, "tool_calls": calls,
			"elapsed_ms": r.now().Sub(started).Milliseconds(),
		},
	})
}

func (r *Runner) publishFailure(scope guard.Scope, err error) {
	r.bus.Publish(events.Event{
		Source: events.SourceAutopilot, Kind: events.KindRunFailed,
		Data: map[string]any{"org_id": scope.OrgID, "error": err.Error()},
	})
}

// describeAction maps an executed call to a human-readable log entry.
// Every registered tool needs a case here; the fallback keeps unmapped
// tools visible rather than hidden.
func (r *Runner) describeAction(call agent.ExecutedCall) ActionLogEntry {
	args := map[string]any{}
	_ = json.Unmarshal([]byte(call.Arguments), &args)
	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}

	entry := ActionLogEntry{Type: call.Name, Timestamp: r.now()}
	if call.IsError {
		entry.Details = call.Result
	}

	switch call.Name {
	case "send_chat_message":
		entry.Description = fmt.Sprintf("Replied to conversation %s", shortID(str("conversation_id")))
	case "send_email":
		entry.Description = fmt.Sprintf("Sent email to %s", recipients(args["to"]))
	case "reply_email":
		entry.Description = fmt.Sprintf("Replied to email %s", shortID(str("email_id")))
	case "create_record":
		entry.Description = fmt.Sprintf("Created a %s record", singular(str("table")))
	case "update_record":
		entry.Description = fmt.Sprintf("Updated %s %s", singular(str("table")), shortID(str("id")))
	case "list_records":
		entry.Description = fmt.Sprintf("Reviewed %s", str("table"))
	case "get_record":
		entry.Description = fmt.Sprintf("Looked up %s %s", singular(str("table")), shortID(str("id")))
	case "search_records":
		entry.Description = fmt.Sprintf("Searched %s for %q", str("table"), str("query"))
	case "list_emails":
		entry.Description = "Reviewed email"
	case "list_messages":
		entry.Description = fmt.Sprintf("Read conversation %s", shortID(str("conversation_id")))
	case "get_dashboard_stats":
		entry.Description = "Reviewed dashboard stats"
	default:
		entry.Description = fmt.Sprintf("Executed %s", call.Name)
	}

	if call.IsError {
		entry.Description += " (failed)"
	}
	return entry
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func singular(table string) string {
	return strings.TrimSuffix(table, "s")
}

func recipients(v any) string {
	switch to := v.(type) {
	case string:
		return to
	case []any:
		var parts []string
		for _, item := range to {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return "unknown recipients"
}
