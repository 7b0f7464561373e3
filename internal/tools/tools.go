// Package tools defines the operations the agent can invoke against
// the CRM. The catalog sent to the model is generated from the
// handler registry, so a tool cannot exist in one without the other.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/harborcrm/harbor-agent/internal/email"
	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/llm"
	"github.com/harborcrm/harbor-agent/internal/messaging"
	"github.com/harborcrm/harbor-agent/internal/store"
)

// Args holds the model-supplied arguments for one call. Arguments are
// an untrusted external input; every accessor tolerates missing or
// wrongly-typed values.
type Args map[string]any

// String returns the string value for key, or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns the integer value for key, or def. JSON numbers arrive
// as float64.
func (a Args) Int(key string, def int) int {
	switch n := a[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

// Bool returns the boolean value for key, or def.
func (a Args) Bool(key string, def bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return def
}

// Map returns the object value for key, or nil.
func (a Args) Map(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

// StringSlice returns the string-array value for key. A bare string
// is accepted as a one-element list.
func (a Args) StringSlice(key string) []string {
	switch v := a[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SideEffect is a client-side instruction produced by a tool instead
// of a data mutation. The transport adapter forwards it to the caller.
type SideEffect struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

// Handler executes one tool call under the caller's scope.
type Handler func(ctx context.Context, scope guard.Scope, args Args) (any, error)

// Tool binds a registered name to its schema and handler.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Outcome is the result of executing one tool call. Content is always
// valid JSON: a domain payload on success, {"error": "..."} otherwise.
type Outcome struct {
	CallID     string
	Name       string
	Content    string
	IsError    bool
	SideEffect *SideEffect
}

// Registry maps tool names to handlers and generates the model-facing
// catalog. Immutable after construction.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger

	store     *store.Store
	messenger *messaging.Sender
	email     *email.Service
}

func newRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the tool catalog for the model, derived from the
// registered handlers.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Execute runs one tool call. Failures of every kind (unknown tool,
// unparseable arguments, handler errors, handler panics) come back as
// an {"error": ...} outcome; Execute itself never fails.
func (r *Registry) Execute(ctx context.Context, scope guard.Scope, call llm.ToolCall) (out Outcome) {
	out = Outcome{CallID: call.ID, Name: call.Name}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", call.Name, "panic", rec)
			out = errorOutcome(call, fmt.Sprintf("internal error executing %s", call.Name))
		}
	}()

	tool, ok := r.tools[call.Name]
	if !ok {
		return errorOutcome(call, fmt.Sprintf("Unknown tool '%s'.", call.Name))
	}

	var args Args
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorOutcome(call, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	result, err := tool.Handler(ctx, scope, args)
	if err != nil {
		return errorOutcome(call, err.Error())
	}

	if se, ok := result.(*SideEffect); ok {
		out.SideEffect = se
		result = map[string]any{"ok": true, "side_effect": se.Type}
	}

	content, err := json.Marshal(result)
	if err != nil {
		return errorOutcome(call, fmt.Sprintf("encode result of %s: %v", call.Name, err))
	}
	out.Content = string(content)
	return out
}

func errorOutcome(call llm.ToolCall, msg string) Outcome {
	content, _ := json.Marshal(map[string]string{"error": msg})
	return Outcome{
		CallID:  call.ID,
		Name:    call.Name,
		Content: string(content),
		IsError: true,
	}
}
