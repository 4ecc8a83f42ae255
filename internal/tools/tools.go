// Package tools defines the tools available to the agent and the
// dispatch hook that records every call in conversation memory.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/convmem/internal/memory"
	"github.com/nugget/convmem/internal/reinforce"
)

// Memory is the conversation memory the registry records into and the
// memory tools read from. Satisfied by *memory.Manager.
type Memory interface {
	RecordTurn(ctx context.Context, in memory.TurnInput) memory.TurnResult
	ExpandMemory(ctx context.Context, req memory.ExpandRequest) (memory.Expansion, error)
	QueryHistory(ctx context.Context, q memory.HistoryQuery) (memory.HistoryResult, error)
	GetSnapshot(ctx context.Context, projectPath string, n int) (reinforce.Snapshot, error)
	GetStats(ctx context.Context) (memory.Stats, error)
}

// Tool represents a callable tool.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]any         `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`

	// Internal tools read conversation memory and are not recorded as
	// turns themselves.
	Internal bool `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	memory Memory
	logger *slog.Logger
}

// NewRegistry creates a tool registry. When mem is non-nil every
// non-internal call is recorded and the memory tools are registered.
func NewRegistry(mem Memory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		memory: mem,
		logger: logger,
	}
	if mem != nil {
		r.registerMemoryTools()
	}
	return r
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all tools in function-calling form, sorted by name.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.Get(name)
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the given JSON arguments. The call
// is recorded as a conversation turn; large outputs come back tiered
// and a state snapshot is appended when reinforcement is due. Memory
// failures never fail the call.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	started := time.Now()
	out, err := tool.Handler(ctx, args)
	if r.memory == nil || tool.Internal {
		return out, err
	}

	response := out
	if err != nil {
		response = "error: " + err.Error()
	}
	res := r.memory.RecordTurn(ctx, memory.TurnInput{
		ProjectPath:     ProjectPathFromContext(ctx),
		ToolName:        name,
		Request:         argsJSON,
		Response:        response,
		StartedAt:       started,
		DurationMs:      time.Since(started).Milliseconds(),
		LinkedIntentIDs: IntentIDsFromContext(ctx),
	})
	r.logger.Debug("tool call recorded",
		"tool", name,
		"session_id", res.SessionID,
		"turn_id", res.TurnID,
		"tiered", len(res.ContentIDs) > 0,
		"reinforced", res.Reinforced,
		"error", err,
	)
	if err != nil {
		return "", err
	}

	out = res.Response
	if res.Reinforced && res.Snapshot != nil {
		out += "\n\n" + res.Snapshot.Format()
	}
	return out, nil
}
