package session

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	good := func() *Session {
		s, _ := New("/p", t0)
		appendTurn(s, "a")
		appendTurn(s, "b")
		return s
	}

	tests := []struct {
		name   string
		mutate func(*Session)
	}{
		{"bad id", func(s *Session) { s.ID = "../x" }},
		{"no project", func(s *Session) { s.ProjectPath = "" }},
		{"bad status", func(s *Session) { s.Status = "paused" }},
		{"turn ids out of order", func(s *Session) { s.Turns[1].TurnID = 1 }},
		{"time goes backwards", func(s *Session) { s.Turns[1].StartedAt = s.Turns[0].StartedAt.Add(-time.Second) }},
		{"missing tool", func(s *Session) { s.Turns[0].ToolName = "" }},
		{"negative duration", func(s *Session) { s.Turns[0].DurationMs = -1 }},
		{"updated before created", func(s *Session) { s.LastUpdatedAt = s.CreatedAt.Add(-time.Hour) }},
	}

	if err := good().Validate(); err != nil {
		t.Fatalf("valid session rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := good()
			tt.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	s, _ := New("/p", t0)
	appendTurn(s, "a")
	s.Turns[0].ExpandableContentIDs = []string{"x"}

	c := s.Clone()
	c.Turns[0].ExpandableContentIDs[0] = "y"
	c.Turns = append(c.Turns, Turn{})

	if s.Turns[0].ExpandableContentIDs[0] != "x" {
		t.Error("Clone shares id slices with the original")
	}
	if len(s.Turns) != 1 {
		t.Error("Clone shares the turn slice with the original")
	}
}

func TestRecentTurnsAndSummary(t *testing.T) {
	s, _ := New("/p", t0)
	for _, tool := range []string{"read", "grep", "read", "record_decision"} {
		appendTurn(s, tool)
	}

	recent := s.RecentTurns(2)
	if len(recent) != 2 || recent[0].TurnID != 3 || recent[1].TurnID != 4 {
		t.Errorf("RecentTurns(2) = %+v", recent)
	}
	if got := s.RecentTurns(10); len(got) != 4 {
		t.Errorf("RecentTurns(10) = %d turns, want 4", len(got))
	}
	if got := s.RecentTurns(0); len(got) != 0 {
		t.Errorf("RecentTurns(0) = %d turns, want 0", len(got))
	}

	sum := s.Summarize()
	if sum.TurnCount != 4 {
		t.Errorf("TurnCount = %d, want 4", sum.TurnCount)
	}
	want := []string{"read", "grep", "record_decision"}
	if len(sum.ToolsUsed) != len(want) {
		t.Fatalf("ToolsUsed = %v, want %v", sum.ToolsUsed, want)
	}
	for i := range want {
		if sum.ToolsUsed[i] != want[i] {
			t.Errorf("ToolsUsed[%d] = %q, want %q", i, sum.ToolsUsed[i], want[i])
		}
	}
	if sum.FirstRequest != "req read" || sum.LastResponse != "resp record_decision" {
		t.Errorf("summary text = %q / %q", sum.FirstRequest, sum.LastResponse)
	}
	if s.NextTurnID() != 5 {
		t.Errorf("NextTurnID() = %d, want 5", s.NextTurnID())
	}
}
