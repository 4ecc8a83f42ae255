package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/convmem/internal/memerr"
	"github.com/nugget/convmem/internal/memory"
	"github.com/nugget/convmem/internal/reinforce"
)

// fakeMemory records turns and answers reads from canned values.
type fakeMemory struct {
	mu      sync.Mutex
	turns   []memory.TurnInput
	result  memory.TurnResult
	expand  map[string]string
	history memory.HistoryQuery
}

func (f *fakeMemory) RecordTurn(_ context.Context, in memory.TurnInput) memory.TurnResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, in)
	res := f.result
	if res.Response == "" {
		res.Response = in.Response
	}
	return res
}

func (f *fakeMemory) ExpandMemory(_ context.Context, req memory.ExpandRequest) (memory.Expansion, error) {
	payload, ok := f.expand[req.ContentID]
	if !ok {
		return memory.Expansion{}, memerr.NotFound(memerr.KindContent, req.ContentID)
	}
	return memory.Expansion{ContentID: req.ContentID, Payload: payload}, nil
}

func (f *fakeMemory) QueryHistory(_ context.Context, q memory.HistoryQuery) (memory.HistoryResult, error) {
	f.mu.Lock()
	f.history = q
	f.mu.Unlock()
	return memory.HistoryResult{Limit: 10}, nil
}

func (f *fakeMemory) GetSnapshot(_ context.Context, projectPath string, n int) (reinforce.Snapshot, error) {
	return reinforce.Snapshot{SessionID: "s1", ProjectPath: projectPath, TurnCount: n}, nil
}

func (f *fakeMemory) GetStats(context.Context) (memory.Stats, error) {
	return memory.Stats{TotalSessions: 2, TotalTurns: 9}, nil
}

func echoTool(name string) *Tool {
	return &Tool{
		Name: name,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			if msg, _ := args["fail"].(string); msg != "" {
				return "", errors.New(msg)
			}
			return fmt.Sprintf("echo %v", args["text"]), nil
		},
	}
}

func TestExecuteRecordsTurn(t *testing.T) {
	mem := &fakeMemory{}
	r := NewRegistry(mem, nil)
	r.Register(echoTool("echo"))

	ctx := WithIntentIDs(WithProjectPath(context.Background(), "/src/app"), []string{"intent-1"})
	out, err := r.Execute(ctx, "echo", `{"text":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "echo hi", out)

	require.Len(t, mem.turns, 1)
	turn := mem.turns[0]
	assert.Equal(t, "/src/app", turn.ProjectPath)
	assert.Equal(t, "echo", turn.ToolName)
	assert.Equal(t, `{"text":"hi"}`, turn.Request)
	assert.Equal(t, "echo hi", turn.Response)
	assert.Equal(t, []string{"intent-1"}, turn.LinkedIntentIDs)
	assert.False(t, turn.StartedAt.IsZero())
}

func TestExecuteReturnsTieredResponseAndSnapshot(t *testing.T) {
	mem := &fakeMemory{result: memory.TurnResult{
		Response:   "[tool output tiered] expand_memory(content_id=\"exp_000001_X\")",
		ContentIDs: []string{"exp_000001_X"},
		Reinforced: true,
		Snapshot:   &reinforce.Snapshot{SessionID: "s1", TurnCount: 5, FocusSummary: "reading files"},
	}}
	r := NewRegistry(mem, nil)
	r.Register(echoTool("echo"))

	out, err := r.Execute(context.Background(), "echo", `{"text":"big"}`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "[tool output tiered]"))
	assert.Contains(t, out, "### Conversation State")
	assert.Contains(t, out, "reading files")
}

func TestExecuteRecordsFailures(t *testing.T) {
	mem := &fakeMemory{}
	r := NewRegistry(mem, nil)
	r.Register(echoTool("echo"))

	_, err := r.Execute(context.Background(), "echo", `{"fail":"disk full"}`)
	require.EqualError(t, err, "disk full")
	require.Len(t, mem.turns, 1)
	assert.Equal(t, "error: disk full", mem.turns[0].Response)
}

func TestExecuteUnknownAndInvalid(t *testing.T) {
	mem := &fakeMemory{}
	r := NewRegistry(mem, nil)
	r.Register(echoTool("echo"))

	_, err := r.Execute(context.Background(), "nope", "")
	var unavailable *ErrToolUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "nope", unavailable.ToolName)

	_, err = r.Execute(context.Background(), "echo", "{not json")
	assert.ErrorContains(t, err, "invalid arguments")
	assert.Empty(t, mem.turns)
}

func TestMemoryToolsAreNotRecorded(t *testing.T) {
	mem := &fakeMemory{expand: map[string]string{"exp_000001_X": "full payload"}}
	r := NewRegistry(mem, nil)

	out, err := r.Execute(context.Background(), "expand_memory", `{"content_id":"exp_000001_X"}`)
	require.NoError(t, err)
	var exp memory.Expansion
	require.NoError(t, json.Unmarshal([]byte(out), &exp))
	assert.Equal(t, "full payload", exp.Payload)

	_, err = r.Execute(context.Background(), "expand_memory", `{"content_id":"exp_000002_Y"}`)
	assert.ErrorIs(t, err, memerr.ErrNotFound)

	_, err = r.Execute(context.Background(), "get_memory_stats", "")
	require.NoError(t, err)

	assert.Empty(t, mem.turns, "memory tools must not be recorded as turns")
}

func TestQueryHistoryArguments(t *testing.T) {
	mem := &fakeMemory{}
	r := NewRegistry(mem, nil)

	_, err := r.Execute(context.Background(), "query_conversation_history",
		`{"project_path":"/p","tools_used":["grep","read_file"],"keyword":"auth","limit":20,"from":"2026-01-02T00:00:00Z"}`)
	require.NoError(t, err)

	q := mem.history
	assert.Equal(t, "/p", q.ProjectPath)
	assert.Equal(t, []string{"grep", "read_file"}, q.ToolsUsed)
	assert.Equal(t, "auth", q.Keyword)
	assert.Equal(t, 20, q.Limit)
	assert.Equal(t, 2026, q.From.Year())
	assert.True(t, q.To.IsZero())

	_, err = r.Execute(context.Background(), "query_conversation_history", `{"to":"yesterday"}`)
	assert.ErrorContains(t, err, "RFC 3339")
}

func TestSnapshotToolUsesContextProject(t *testing.T) {
	r := NewRegistry(&fakeMemory{}, nil)

	ctx := WithProjectPath(context.Background(), "/src/app")
	out, err := r.Execute(ctx, "get_conversation_snapshot", `{"recent_turn_count":3}`)
	require.NoError(t, err)
	assert.Contains(t, out, "session s1")
}

func TestListSortedWithoutMemory(t *testing.T) {
	r := NewRegistry(nil, nil)
	assert.Empty(t, r.List())

	r.Register(echoTool("zeta"))
	r.Register(echoTool("alpha"))
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0]["function"].(map[string]any)["name"])

	out, err := r.Execute(context.Background(), "alpha", `{"text":1}`)
	require.NoError(t, err)
	assert.Equal(t, "echo 1", out)
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ProjectPathFromContext(ctx))
	assert.Nil(t, IntentIDsFromContext(ctx))
	assert.Equal(t, ctx, WithIntentIDs(ctx, nil))

	ctx = WithProjectPath(ctx, "/p")
	assert.Equal(t, "/p", ProjectPathFromContext(ctx))
}

func TestErrToolUnavailable(t *testing.T) {
	err := error(&ErrToolUnavailable{ToolName: "missing"})
	assert.Equal(t, `tool "missing" is not available`, err.Error())
}
