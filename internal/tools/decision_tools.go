package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/convmem/internal/opstate"
)

// decisionNamespace prefixes the per-project decision log in opstate.
const decisionNamespace = "decisions"

// SetDecisionLog registers record_decision and list_decisions, backed
// by the operational state store. record_decision matches the default
// decision-bearing patterns, so every call triggers reinforcement.
func (r *Registry) SetDecisionLog(state *opstate.Store) {
	if state == nil {
		return
	}

	r.Register(&Tool{
		Name:        "record_decision",
		Description: "Record a design decision for the current project so it survives long sessions and restarts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short statement of the decision",
				},
				"rationale": map[string]any{
					"type":        "string",
					"description": "Optional: why it was made",
				},
			},
			"required": []string{"title"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			title := strings.TrimSpace(stringArg(args, "title"))
			if title == "" {
				return "", fmt.Errorf("title is required")
			}
			seq, err := state.Next(ctx, decisionNamespace, "seq")
			if err != nil {
				return "", fmt.Errorf("allocate decision id: %w", err)
			}
			id := fmt.Sprintf("D-%04d", seq)
			entry := title
			if rationale := strings.TrimSpace(stringArg(args, "rationale")); rationale != "" {
				entry += " (" + rationale + ")"
			}
			if err := state.Set(ctx, decisionLog(ctx), id, entry); err != nil {
				return "", fmt.Errorf("store decision: %w", err)
			}
			return fmt.Sprintf("Decision %s recorded: %s", id, entry), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_decisions",
		Description: "List the decisions recorded for the current project.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			kv, err := state.List(ctx, decisionLog(ctx))
			if err != nil {
				return "", fmt.Errorf("list decisions: %w", err)
			}
			if len(kv) == 0 {
				return "No decisions recorded.", nil
			}
			ids := make([]string, 0, len(kv))
			for id := range kv {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			var sb strings.Builder
			for _, id := range ids {
				fmt.Fprintf(&sb, "%s: %s\n", id, kv[id])
			}
			return sb.String(), nil
		},
	})
}

func decisionLog(ctx context.Context) string {
	project := ProjectPathFromContext(ctx)
	if project == "" {
		project = "default"
	}
	return decisionNamespace + ":" + project
}
