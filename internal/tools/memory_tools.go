package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/convmem/internal/memory"
)

func (r *Registry) registerMemoryTools() {
	r.Register(&Tool{
		Name: "expand_memory",
		Description: "Retrieve the full content behind a tiered tool response. " +
			"Tiered responses end with a content_id; pass it here to get the complete output, " +
			"optionally only one section by heading. Content expires after its TTL.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content_id": map[string]any{
					"type":        "string",
					"description": "Content id from a tiered response (exp_...)",
				},
				"section": map[string]any{
					"type":        "string",
					"description": "Optional: heading of the section to return, matched case-insensitively",
				},
				"include_context": map[string]any{
					"type":        "boolean",
					"description": "If true, also return the turns around the one that produced the content. Default: false",
				},
			},
			"required": []string{"content_id"},
		},
		Internal: true,
		Handler:  r.handleExpandMemory,
	})

	r.Register(&Tool{
		Name: "query_conversation_history",
		Description: "Search past conversation sessions, most recent first. " +
			"Filter by project, time range, tools used, or a keyword in request and response summaries.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"project_path": map[string]any{
					"type":        "string",
					"description": "Optional: only sessions for this project",
				},
				"from": map[string]any{
					"type":        "string",
					"description": "Optional: RFC 3339 lower bound on last activity",
				},
				"to": map[string]any{
					"type":        "string",
					"description": "Optional: RFC 3339 upper bound on last activity",
				},
				"tools_used": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional: sessions that used any of these tools",
				},
				"keyword": map[string]any{
					"type":        "string",
					"description": "Optional: case-insensitive keyword",
				},
				"limit": map[string]any{
					"type":        "number",
					"description": "Maximum number of sessions. Default: 10, max: 50",
				},
			},
		},
		Internal: true,
		Handler:  r.handleQueryHistory,
	})

	r.Register(&Tool{
		Name: "get_conversation_snapshot",
		Description: "Summarize the current conversation state: recent turns, active intents, " +
			"recorded decisions, and the current focus. Use it to re-anchor after a long session.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recent_turn_count": map[string]any{
					"type":        "number",
					"description": "Number of recent turns to include. Default: 5",
				},
				"project_path": map[string]any{
					"type":        "string",
					"description": "Optional: project to snapshot. Default: the current project",
				},
			},
		},
		Internal: true,
		Handler:  r.handleGetSnapshot,
	})

	r.Register(&Tool{
		Name:        "get_memory_stats",
		Description: "Report conversation memory statistics: sessions, turns, stored content and storage use.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Internal: true,
		Handler:  r.handleGetMemoryStats,
	})
}

func (r *Registry) handleExpandMemory(ctx context.Context, args map[string]any) (string, error) {
	id := stringArg(args, "content_id")
	if id == "" {
		return "", fmt.Errorf("content_id is required")
	}
	exp, err := r.memory.ExpandMemory(ctx, memory.ExpandRequest{
		ContentID:      id,
		Section:        stringArg(args, "section"),
		IncludeContext: boolArg(args, "include_context"),
	})
	if err != nil {
		return "", err
	}
	return toJSON(exp)
}

func (r *Registry) handleQueryHistory(ctx context.Context, args map[string]any) (string, error) {
	q := memory.HistoryQuery{
		ProjectPath: stringArg(args, "project_path"),
		ToolsUsed:   stringsArg(args, "tools_used"),
		Keyword:     stringArg(args, "keyword"),
		Limit:       intArg(args, "limit"),
	}
	var err error
	if q.From, err = timeArg(args, "from"); err != nil {
		return "", err
	}
	if q.To, err = timeArg(args, "to"); err != nil {
		return "", err
	}

	res, err := r.memory.QueryHistory(ctx, q)
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func (r *Registry) handleGetSnapshot(ctx context.Context, args map[string]any) (string, error) {
	project := stringArg(args, "project_path")
	if project == "" {
		project = ProjectPathFromContext(ctx)
	}
	snap, err := r.memory.GetSnapshot(ctx, project, intArg(args, "recent_turn_count"))
	if err != nil {
		return "", err
	}
	return snap.Format(), nil
}

func (r *Registry) handleGetMemoryStats(ctx context.Context, _ map[string]any) (string, error) {
	st, err := r.memory.GetStats(ctx)
	if err != nil {
		return "", err
	}
	return toJSON(st)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// intArg reads a JSON number argument. Non-numbers read as zero.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func timeArg(args map[string]any, key string) (time.Time, error) {
	s := stringArg(args, key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp: %w", key, err)
	}
	return t, nil
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
