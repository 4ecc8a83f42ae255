package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/convmem/internal/events"
	"github.com/nugget/convmem/internal/expandable"
	"github.com/nugget/convmem/internal/memory"
	"github.com/nugget/convmem/internal/metrics"
	"github.com/nugget/convmem/internal/opstate"
	"github.com/nugget/convmem/internal/reinforce"
	"github.com/nugget/convmem/internal/session"
	"github.com/nugget/convmem/internal/tiering"
	"github.com/nugget/convmem/internal/tokens"
	"github.com/nugget/convmem/internal/tools"
)

type testServer struct {
	*httptest.Server
	bus       *events.Bus
	workspace string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sql.Open("sqlite", filepath.Join(dir, "memory.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	state, err := opstate.NewStore(db)
	require.NoError(t, err)
	content, err := expandable.NewStore(db, state, expandable.Config{Dir: filepath.Join(dir, "content"), Logger: logger})
	require.NoError(t, err)
	sessions, err := session.Open(ctx, filepath.Join(dir, "sessions"), logger)
	require.NoError(t, err)
	policy, err := reinforce.NewPolicy(reinforce.Config{Every: 5, DecisionTools: []string{"record_decision"}, Logger: logger})
	require.NoError(t, err)

	bus := events.New()
	m := metrics.New()
	mgr, err := memory.New(memory.Deps{
		Sessions: sessions,
		Content:  content,
		Tiering:  tiering.New(content, tokens.Heuristic{}, logger),
		Policy:   policy,
		State:    state,
		Events:   bus,
		Metrics:  m,
		Logger:   logger,
	}, memory.Config{TokenBudget: 200})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	workspace := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	var report strings.Builder
	report.WriteString("# Report\n\n")
	for i := 0; i < 60; i++ {
		report.WriteString("## Finding\n\nThe handler reaches the database through the repository.\n\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "REPORT.md"), []byte(report.String()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "small.txt"), []byte("tiny\n"), 0o644))

	reg := tools.NewRegistry(mgr, logger)
	reg.SetFileTools(tools.NewFileTools(workspace))
	reg.SetDecisionLog(state)

	srv := NewServer("127.0.0.1", 0, mgr, reg, logger)
	srv.SetMetrics(m)
	srv.SetEventBus(bus)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, bus: bus, workspace: workspace}
}

func (ts *testServer) call(t *testing.T, tool, project, args string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/tools/"+tool, strings.NewReader(args))
	require.NoError(t, err)
	if project != "" {
		req.Header.Set("X-Project-Path", project)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

var contentIDPattern = regexp.MustCompile(`exp_[0-9]{6}_[0-9A-Z]{26}`)

func TestToolCallTiersAndExpands(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.call(t, "read_file", "/src/app", `{"path":"REPORT.md"}`)
	require.Equal(t, http.StatusOK, code, body)
	out := body["output"].(string)
	id := contentIDPattern.FindString(out)
	require.NotEmpty(t, id, "tiered output should name a content id: %s", out)

	full, err := os.ReadFile(filepath.Join(ts.workspace, "REPORT.md"))
	require.NoError(t, err)

	var exp memory.Expansion
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/memory/content/"+id, &exp))
	assert.Equal(t, string(full), exp.Payload)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/memory/content/"+id+"?section=finding&context=true", &exp))
	assert.True(t, strings.HasPrefix(exp.Payload, "## Finding"))
	assert.Len(t, exp.RelatedTurns, 1)

	var errBody map[string]any
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/memory/content/"+id+"?section=missing", &errBody))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/memory/content/exp_000042_01HZZZZZZZZZZZZZZZZZZZZZZZ", &errBody))
}

func TestToolCallErrors(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.call(t, "no_such_tool", "", `{}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.call(t, "read_file", "", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.call(t, "read_file", "", `{"path":"missing.txt"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body["error"].(map[string]any)["message"], "file not found")
}

func TestMemoryEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 5; i++ {
		code, body := ts.call(t, "read_file", "/src/app", `{"path":"small.txt"}`)
		require.Equal(t, http.StatusOK, code)
		if i == 4 {
			assert.Contains(t, body["output"], "### Conversation State", "fifth turn should carry a snapshot")
		} else {
			assert.Equal(t, "tiny\n", body["output"])
		}
	}
	code, body := ts.call(t, "record_decision", "/src/app", `{"title":"Keep sessions as JSON"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["output"], "Decision D-0001 recorded")

	var stats memory.Stats
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/memory/stats", &stats))
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 6, stats.TotalTurns)

	var hist memory.HistoryResult
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/memory/history?project=/src/app&tool=record_decision&limit=99", &hist))
	require.Len(t, hist.Sessions, 1)
	assert.Equal(t, 6, hist.Sessions[0].TurnCount)
	assert.Equal(t, 50, hist.Limit)

	var errBody map[string]any
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/memory/history?from=yesterday", &errBody))

	var snap reinforce.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/memory/snapshot?project=/src/app&turns=2", &snap))
	assert.Len(t, snap.RecentTurns, 2)
	require.Len(t, snap.RecordedDecisions, 1)
	assert.Equal(t, 6, snap.RecordedDecisions[0].TurnID)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/memory/snapshot?project=/elsewhere", &errBody))

	var list map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/tools", &list))
	assert.EqualValues(t, 9, list["count"])
}

func TestHealthVersionAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	var version map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/version", &version))
	assert.NotEmpty(t, version["go_version"])

	ts.call(t, "list_dir", "/src/app", "")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `convmem_turns_recorded_total{tool="list_dir"} 1`)

	resp404, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp404.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp404.StatusCode)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	ts.call(t, "list_dir", "/src/app", "")

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+events.KindSessionCreated+"\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: {"), line)
}
