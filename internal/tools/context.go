package tools

import "context"

type contextKey string

const (
	projectPathKey contextKey = "project_path"
	intentIDsKey   contextKey = "intent_ids"
)

// WithProjectPath sets the project the tool call belongs to.
func WithProjectPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, projectPathKey, path)
}

// ProjectPathFromContext extracts the project path from the context.
// Returns "" if not set; the memory manager substitutes its default
// project.
func ProjectPathFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(projectPathKey).(string); ok {
		return p
	}
	return ""
}

// WithIntentIDs links the tool call to active intents. Nil or empty
// ids are ignored (the original context is returned unchanged).
func WithIntentIDs(ctx context.Context, ids []string) context.Context {
	if len(ids) == 0 {
		return ctx
	}
	return context.WithValue(ctx, intentIDsKey, ids)
}

// IntentIDsFromContext extracts linked intent ids. Returns nil if none
// were set.
func IntentIDsFromContext(ctx context.Context) []string {
	if ids, ok := ctx.Value(intentIDsKey).([]string); ok {
		return ids
	}
	return nil
}
