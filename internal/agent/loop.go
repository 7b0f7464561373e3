// Package agent drives the model/tool round-trips shared by the
// interactive assistant and the autopilot.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/llm"
	"github.com/harborcrm/harbor-agent/internal/tools"
)

// maxRounds caps model/tool round-trips per run.
const maxRounds = 10

// ceilingMessage is returned to interactive callers when the loop
// exhausts its rounds without a final answer.
const ceilingMessage = "I'm sorry, I wasn't able to finish that request " +
	"in a reasonable number of steps. Could you try again, or break it " +
	"into smaller pieces?"

// textChunkSize is the rune length of streamed text chunks.
const textChunkSize = 48

// Mode selects the loop's termination policy.
type Mode int

const (
	// Interactive answers the ceiling with a fixed apology.
	Interactive Mode = iota
	// Autopilot forces a text-only answer on the final round.
	Autopilot
)

// Event is one observable step of a run, consumed by the transport
// adapter.
type Event struct {
	Type       string            `json:"type"`
	Content    string            `json:"content,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Tool       string            `json:"tool,omitempty"`
	Arguments  json.RawMessage   `json:"arguments,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Effect     *tools.SideEffect `json:"effect,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// ExecutedCall records one completed tool call for the action trail.
type ExecutedCall struct {
	Name      string
	Arguments string
	Result    string
	IsError   bool
}

// Outcome is the terminal result of one run.
type Outcome struct {
	Answer string
	Rounds int
	Calls  []ExecutedCall
}

// Runner executes a batch-capable tool catalog.
type Runner interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, scope guard.Scope, call llm.ToolCall) tools.Outcome
}

// Loop owns one model/tool conversation policy. Safe for concurrent
// use; all run state is per-call.
type Loop struct {
	client llm.Client
	runner Runner
	mode   Mode
	logger *slog.Logger
}

// New creates a Loop.
func New(client llm.Client, runner Runner, mode Mode, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client: client,
		runner: runner,
		mode:   mode,
		logger: logger.With("component", "agent"),
	}
}

// Run drives the conversation until the model produces a final text
// answer or the round ceiling is hit. Events are emitted as the run
// progresses; emit may be nil.
func (l *Loop) Run(ctx context.Context, scope guard.Scope, messages []llm.Message, emit func(Event)) (*Outcome, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	specs := l.runner.Specs()
	out := &Outcome{}

	for round := 1; round <= maxRounds; round++ {
		out.Rounds = round
		forceText := l.mode == Autopilot && round == maxRounds

		resp, err := l.client.Chat(ctx, llm.Request{
			Messages:  messages,
			Tools:     specs,
			ForceText: forceText,
		})
		if err != nil {
			emit(Event{Type: "error", Message: err.Error()})
			return nil, fmt.Errorf("model call (round %d): %w", round, err)
		}

		if len(resp.ToolCalls) == 0 {
			out.Answer = resp.Content
			l.emitText(emit, resp.Content)
			emit(Event{Type: "done"})
			l.logger.Debug("run finished", "rounds", round, "calls", len(out.Calls))
			return out, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := l.dispatch(ctx, scope, resp.ToolCalls, emit)
		for i, res := range results {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: res.CallID,
				Content:    res.Content,
			})
			out.Calls = append(out.Calls, ExecutedCall{
				Name:      res.Name,
				Arguments: resp.ToolCalls[i].Arguments,
				Result:    res.Content,
				IsError:   res.IsError,
			})
		}
	}

	// Only the interactive path can get here: autopilot's forced-text
	// round returns above.
	out.Answer = ceilingMessage
	l.emitText(emit, ceilingMessage)
	emit(Event{Type: "done"})
	l.logger.Warn("run hit round ceiling", "calls", len(out.Calls))
	return out, nil
}

// dispatch runs one batch of tool calls concurrently. Every request
// produces exactly one result; results are returned in request order.
func (l *Loop) dispatch(ctx context.Context, scope guard.Scope, calls []llm.ToolCall, emit func(Event)) []tools.Outcome {
	var emitMu sync.Mutex
	safeEmit := func(e Event) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(e)
	}

	results := make([]tools.Outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()
			safeEmit(Event{
				Type:       "tool_start",
				ToolCallID: call.ID,
				Tool:       call.Name,
				Arguments:  rawJSON(call.Arguments),
			})
			res := l.runner.Execute(ctx, scope, call)
			results[i] = res
			safeEmit(Event{
				Type:       "tool_result",
				ToolCallID: call.ID,
				Tool:       call.Name,
				Result:     rawJSON(res.Content),
			})
			if res.SideEffect != nil {
				safeEmit(Event{
					Type:       "side_effect",
					ToolCallID: call.ID,
					Effect:     res.SideEffect,
				})
			}
		}()
	}
	wg.Wait()
	return results
}

func (l *Loop) emitText(emit func(Event), text string) {
	runes := []rune(text)
	for start := 0; start < len(runes); start += textChunkSize {
		end := start + textChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		emit(Event{Type: "text", Content: string(runes[start:end])})
	}
}

// rawJSON passes s through as raw JSON when it parses, otherwise
// quotes it so the event stays a valid frame.
func rawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return json.RawMessage(quoted)
}
