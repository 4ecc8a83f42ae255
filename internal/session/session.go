// Package session defines conversation sessions and their turns, and
// persists them as one JSON document per session. Turns are append-only:
// once a turn has been written to disk it is never rewritten.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Session is the ordered record of every turn in one project's
// conversation.
type Session struct {
	ID            string     `json:"id"`
	ProjectPath   string     `json:"projectPath"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	Status        Status     `json:"status"`
	ArchivedAt    *time.Time `json:"archivedAt,omitempty"`
	Turns         []Turn     `json:"turns"`
}

// Turn is one recorded tool invocation. Turns are immutable once
// appended.
type Turn struct {
	TurnID               int       `json:"turnId"`
	ToolName             string    `json:"toolName"`
	RequestSummary       string    `json:"requestSummary"`
	ResponseSummary      string    `json:"responseSummary"`
	ExpandableContentIDs []string  `json:"expandableContentIds"`
	LinkedIntentIDs      []string  `json:"linkedIntentIds"`
	StartedAt            time.Time `json:"startedAt"`
	DurationMs           int64     `json:"durationMs"`
}

// Summary is the listing view of a session used by history queries.
type Summary struct {
	ID            string     `json:"id"`
	ProjectPath   string     `json:"projectPath"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	ArchivedAt    *time.Time `json:"archivedAt,omitempty"`
	TurnCount     int        `json:"turnCount"`
	ToolsUsed     []string   `json:"toolsUsed"`
	ContentIDs    []string   `json:"expandableContentIds"`
	FirstRequest  string     `json:"firstRequest,omitempty"`
	LastResponse  string     `json:"lastResponse,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id is safe to use as a session file name.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Validate checks required fields and turn ordering. Sessions that fail
// validation are never written and are quarantined when read.
func (s *Session) Validate() error {
	var errs []error
	if !ValidID(s.ID) {
		errs = append(errs, fmt.Errorf("invalid id %q", s.ID))
	}
	if s.ProjectPath == "" {
		errs = append(errs, errors.New("projectPath is required"))
	}
	if s.CreatedAt.IsZero() {
		errs = append(errs, errors.New("createdAt is required"))
	}
	if s.LastUpdatedAt.Before(s.CreatedAt) {
		errs = append(errs, errors.New("lastUpdatedAt precedes createdAt"))
	}
	switch s.Status {
	case StatusActive, StatusArchived:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", s.Status))
	}

	prevID := 0
	var prevStart time.Time
	for i, t := range s.Turns {
		if t.TurnID <= prevID {
			errs = append(errs, fmt.Errorf("turn %d: turnId %d not greater than %d", i, t.TurnID, prevID))
		}
		if t.ToolName == "" {
			errs = append(errs, fmt.Errorf("turn %d: toolName is required", i))
		}
		if t.StartedAt.IsZero() {
			errs = append(errs, fmt.Errorf("turn %d: startedAt is required", i))
		} else if t.StartedAt.Before(prevStart) {
			errs = append(errs, fmt.Errorf("turn %d: startedAt goes backwards", i))
		}
		if t.DurationMs < 0 {
			errs = append(errs, fmt.Errorf("turn %d: negative durationMs", i))
		}
		prevID, prevStart = t.TurnID, t.StartedAt
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	c := *s
	if s.ArchivedAt != nil {
		at := *s.ArchivedAt
		c.ArchivedAt = &at
	}
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		t.ExpandableContentIDs = slices.Clone(t.ExpandableContentIDs)
		t.LinkedIntentIDs = slices.Clone(t.LinkedIntentIDs)
		c.Turns[i] = t
	}
	return &c
}

// LastTurn returns the most recent turn, or false for an empty session.
func (s *Session) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// NextTurnID returns the id the next appended turn must carry.
func (s *Session) NextTurnID() int {
	if t, ok := s.LastTurn(); ok {
		return t.TurnID + 1
	}
	return 1
}

// RecentTurns returns copies of the last n turns, oldest first.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.Turns) == 0 {
		return []Turn{}
	}
	start := max(len(s.Turns)-n, 0)
	out := make([]Turn, 0, len(s.Turns)-start)
	for _, t := range s.Turns[start:] {
		t.ExpandableContentIDs = slices.Clone(t.ExpandableContentIDs)
		t.LinkedIntentIDs = slices.Clone(t.LinkedIntentIDs)
		out = append(out, t)
	}
	return out
}

// ToolsUsed returns the distinct tool names in first-use order.
func (s *Session) ToolsUsed() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.Turns {
		if !seen[t.ToolName] {
			seen[t.ToolName] = true
			out = append(out, t.ToolName)
		}
	}
	return out
}

// ContentIDs returns every expandable content id referenced by a turn.
func (s *Session) ContentIDs() []string {
	var out []string
	for _, t := range s.Turns {
		out = append(out, t.ExpandableContentIDs...)
	}
	return out
}

// Summarize returns the listing view of s.
func (s *Session) Summarize() Summary {
	sum := Summary{
		ID:            s.ID,
		ProjectPath:   s.ProjectPath,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		LastUpdatedAt: s.LastUpdatedAt,
		ArchivedAt:    s.ArchivedAt,
		TurnCount:     len(s.Turns),
		ToolsUsed:     s.ToolsUsed(),
		ContentIDs:    s.ContentIDs(),
	}
	if sum.ToolsUsed == nil {
		sum.ToolsUsed = []string{}
	}
	if sum.ContentIDs == nil {
		sum.ContentIDs = []string{}
	}
	if len(s.Turns) > 0 {
		sum.FirstRequest = s.Turns[0].RequestSummary
		sum.LastResponse = s.Turns[len(s.Turns)-1].ResponseSummary
	}
	return sum
}

// normalize replaces nil id sets with empty ones so the JSON document
// always carries arrays.
func (s *Session) normalize() {
	if s.Turns == nil {
		s.Turns = []Turn{}
	}
	for i := range s.Turns {
		if s.Turns[i].ExpandableContentIDs == nil {
			s.Turns[i].ExpandableContentIDs = []string{}
		}
		if s.Turns[i].LinkedIntentIDs == nil {
			s.Turns[i].LinkedIntentIDs = []string{}
		}
	}
}
