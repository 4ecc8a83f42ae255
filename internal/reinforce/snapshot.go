package reinforce

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/convmem/internal/session"
)

// Snapshot is a bounded, on-demand view of recent session state. It is
// advisory: the caller decides whether to splice it into a response.
type Snapshot struct {
	SessionID         string         `json:"sessionId"`
	ProjectPath       string         `json:"projectPath"`
	TurnCount         int            `json:"turnCount"`
	RecentTurns       []session.Turn `json:"recentTurns"`
	ActiveIntentIDs   []string       `json:"activeIntentIds"`
	RecordedDecisions []Decision     `json:"recordedDecisions"`
	FocusSummary      string         `json:"focusSummary"`
	GeneratedAt       time.Time      `json:"generatedAt"`
}

// Decision is a decision-bearing turn surfaced in a snapshot.
type Decision struct {
	TurnID   int       `json:"turnId"`
	ToolName string    `json:"toolName"`
	Summary  string    `json:"summary"`
	At       time.Time `json:"at"`
}

// Format renders the snapshot as a compact markdown block for splicing
// into a tool response.
func (s Snapshot) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Conversation State (session %s, turn %d)\n\n", s.SessionID, s.TurnCount)

	if s.FocusSummary != "" {
		fmt.Fprintf(&sb, "Focus: %s\n", s.FocusSummary)
	}

	if len(s.RecordedDecisions) > 0 {
		sb.WriteString("\nDecisions:\n")
		for _, d := range s.RecordedDecisions {
			fmt.Fprintf(&sb, "- turn %d %s: %s\n", d.TurnID, d.ToolName, truncate(d.Summary, 200))
		}
	}

	if len(s.ActiveIntentIDs) > 0 {
		fmt.Fprintf(&sb, "\nActive intents: %s\n", strings.Join(s.ActiveIntentIDs, ", "))
	}

	if len(s.RecentTurns) > 0 {
		sb.WriteString("\nRecent turns:\n")
		for _, t := range s.RecentTurns {
			fmt.Fprintf(&sb, "- #%d %s (%dms): %s", t.TurnID, t.ToolName, t.DurationMs, truncate(t.RequestSummary, 120))
			if len(t.ExpandableContentIDs) > 0 {
				fmt.Fprintf(&sb, " [expand: %s]", strings.Join(t.ExpandableContentIDs, ", "))
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// truncate shortens s to at most n runes, collapsing newlines.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
