package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/convmem/internal/memerr"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "sessions"), nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return st
}

func newSession(t *testing.T, project string, turns int) *Session {
	t.Helper()
	s, err := New(project, t0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	for i := 0; i < turns; i++ {
		appendTurn(s, fmt.Sprintf("tool_%d", i))
	}
	return s
}

func appendTurn(s *Session, tool string) {
	id := s.NextTurnID()
	at := s.CreatedAt.Add(time.Duration(id) * time.Minute)
	s.Turns = append(s.Turns, Turn{
		TurnID:          id,
		ToolName:        tool,
		RequestSummary:  "req " + tool,
		ResponseSummary: "resp " + tool,
		StartedAt:       at,
		DurationMs:      12,
	})
	s.LastUpdatedAt = at
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s := newSession(t, "/src/app", 3)
	s.Turns[1].ExpandableContentIDs = []string{"exp_000001_A"}
	s.Turns[2].LinkedIntentIDs = []string{"intent-7"}
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := st.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.ProjectPath != "/src/app" || len(got.Turns) != 3 {
		t.Fatalf("Load() = %+v", got)
	}
	for i := range s.Turns {
		if got.Turns[i].TurnID != s.Turns[i].TurnID || got.Turns[i].ToolName != s.Turns[i].ToolName {
			t.Errorf("turn %d = %+v, want %+v", i, got.Turns[i], s.Turns[i])
		}
	}
	if got.Turns[0].ExpandableContentIDs == nil {
		t.Error("nil id sets should load as empty slices")
	}
}

func TestSessionFileFormat(t *testing.T) {
	st := testStore(t)
	s := newSession(t, "/src/app", 1)
	if err := st.Save(context.Background(), s); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(st.Dir(), s.ID+".json"))
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("session file is not JSON: %v", err)
	}
	for _, key := range []string{"id", "projectPath", "createdAt", "lastUpdatedAt", "status", "turns"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("session file missing %q", key)
		}
	}
	turn := raw["turns"].([]any)[0].(map[string]any)
	for _, key := range []string{"turnId", "toolName", "requestSummary", "responseSummary",
		"expandableContentIds", "linkedIntentIds", "startedAt", "durationMs"} {
		if _, ok := turn[key]; !ok {
			t.Errorf("turn missing %q", key)
		}
	}
	if _, ok := turn["expandableContentIds"].([]any); !ok {
		t.Errorf("expandableContentIds = %v, want JSON array", turn["expandableContentIds"])
	}
}

func TestSaveAppendOnly(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s := newSession(t, "/p", 2)
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save(2 turns) error: %v", err)
	}

	// Extending is fine.
	appendTurn(s, "next")
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save(3 turns) error: %v", err)
	}

	// An older snapshot is stale.
	old := s.Clone()
	old.Turns = old.Turns[:2]
	if err := st.Save(ctx, old); !errors.Is(err, ErrStale) {
		t.Errorf("Save(older) error = %v, want ErrStale", err)
	}

	// Editing a persisted turn is a rewrite.
	edited := s.Clone()
	edited.Turns[0].ResponseSummary = "changed"
	if err := st.Save(ctx, edited); !errors.Is(err, ErrHistoryRewrite) {
		t.Errorf("Save(edited) error = %v, want ErrHistoryRewrite", err)
	}

	// Status and timestamp changes are allowed.
	at := t0.Add(48 * time.Hour)
	s.Status = StatusArchived
	s.ArchivedAt = &at
	if err := st.Save(ctx, s); err != nil {
		t.Errorf("Save(archived) error: %v", err)
	}

	// Archived sessions cannot be reactivated by a stale active copy.
	s.Status = StatusActive
	s.ArchivedAt = nil
	if err := st.Save(ctx, s); !errors.Is(err, ErrStale) {
		t.Errorf("Save(reactivate) error = %v, want ErrStale", err)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	st := testStore(t)
	s := newSession(t, "/p", 2)
	s.Turns[1].TurnID = 1

	if err := st.Save(context.Background(), s); err == nil {
		t.Fatal("Save() accepted duplicate turn ids")
	}
	if _, ok := st.Meta(s.ID); ok {
		t.Error("invalid session was indexed")
	}
}

func TestLoadNotFound(t *testing.T) {
	st := testStore(t)
	for _, id := range []string{"0197aaaa-0000-7000-8000-000000000000", "../escape"} {
		_, err := st.Load(context.Background(), id)
		if !errors.Is(err, memerr.ErrNotFound) {
			t.Errorf("Load(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	badPath := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(badPath, []byte(`{"id": "broken", "turns": [`), 0o600); err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(dir, ".tmp-x.json-123")
	if err := os.WriteFile(leftover, []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Open(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if _, err := os.Stat(badPath); !os.IsNotExist(err) {
		t.Error("corrupt file left in place")
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("leftover temp file not removed")
	}
	q := st.Quarantined()
	if len(q) != 1 {
		t.Fatalf("Quarantined() = %d entries, want 1", len(q))
	}
	data, err := os.ReadFile(q[0].QuarantinePath)
	if err != nil {
		t.Fatalf("read quarantined file: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"id": "broken"`) {
		t.Error("quarantined file content was altered")
	}
	if len(st.List()) != 0 {
		t.Errorf("List() = %d sessions, want 0", len(st.List()))
	}
}

func TestLoadCorruptAfterOpen(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s := newSession(t, "/p", 1)
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	path := filepath.Join(st.Dir(), s.ID+".json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := st.Load(ctx, s.ID)
	var ce *memerr.CorruptSessionError
	if !errors.As(err, &ce) {
		t.Fatalf("Load() error = %v, want CorruptSessionError", err)
	}
	if ce.QuarantinePath == "" {
		t.Error("corrupt file was not quarantined")
	}
	if _, ok := st.Meta(s.ID); ok {
		t.Error("corrupt session still indexed")
	}
}

func TestReopenRebuildsIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	ctx := context.Background()

	st1, err := Open(ctx, dir, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	a := newSession(t, "/a", 2)
	b := newSession(t, "/b", 4)
	b.LastUpdatedAt = b.LastUpdatedAt.Add(time.Hour)
	for _, s := range []*Session{a, b} {
		if err := st1.Save(ctx, s); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}

	st2, err := Open(ctx, dir, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	list := st2.List()
	if len(list) != 2 {
		t.Fatalf("List() = %d, want 2", len(list))
	}
	if list[0].ID != b.ID {
		t.Errorf("List()[0] = %s, want most recent %s", list[0].ID, b.ID)
	}
	if got := st2.ActiveForProject("/a"); len(got) != 1 || got[0].TurnCount != 2 {
		t.Errorf("ActiveForProject(/a) = %+v", got)
	}
	if st2.StorageBytes() <= 0 {
		t.Error("StorageBytes() should be positive")
	}

	// Append-only checks survive a restart.
	appendTurn(a, "after_restart")
	if err := st2.Save(ctx, a); err != nil {
		t.Errorf("Save() after reopen error: %v", err)
	}
}

func TestArchiveAndDelete(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s := newSession(t, "/p", 1)
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	at := t0.Add(30 * time.Hour)
	got, err := st.Archive(ctx, s.ID, at)
	if err != nil {
		t.Fatalf("Archive() error: %v", err)
	}
	if got.Status != StatusArchived || got.ArchivedAt == nil || !got.ArchivedAt.Equal(at) {
		t.Errorf("Archive() = status %s archivedAt %v", got.Status, got.ArchivedAt)
	}
	if m, _ := st.Meta(s.ID); m.Status != StatusArchived {
		t.Errorf("Meta().Status = %s, want archived", m.Status)
	}
	if len(st.ActiveForProject("/p")) != 0 {
		t.Error("archived session still listed as active")
	}

	if err := st.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := st.Load(ctx, s.ID); !errors.Is(err, memerr.ErrNotFound) {
		t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
	}
	if err := st.Delete(ctx, s.ID); err != nil {
		t.Errorf("second Delete() error: %v", err)
	}
}
