// Package reinforce decides when to re-inject condensed conversation
// state into a tool response, and builds that state. Reinforcement fires
// every K turns, or right after a decision-bearing tool.
package reinforce

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/nugget/convmem/internal/session"
)

// DefaultEvery is the reinforcement cadence used when Config.Every is zero.
const DefaultEvery = 5

// IntentSource returns the ids of intents currently active in the
// knowledge graph for a project. It is only read, never mutated.
type IntentSource interface {
	GetActiveIntents(ctx context.Context, projectPath string) ([]string, error)
}

// IntentSourceFunc adapts a function to [IntentSource].
type IntentSourceFunc func(ctx context.Context, projectPath string) ([]string, error)

// GetActiveIntents calls f.
func (f IntentSourceFunc) GetActiveIntents(ctx context.Context, projectPath string) ([]string, error) {
	return f(ctx, projectPath)
}

// Config holds Policy options.
type Config struct {
	// Every is the cadence K.
	Every int
	// DecisionTools are glob patterns matched against tool names.
	DecisionTools []string
	// Intents is optional.
	Intents IntentSource
	Logger  *slog.Logger
	Now     func() time.Time
}

// Policy is the state reinforcement policy. It holds no per-session
// state and is safe for concurrent use.
type Policy struct {
	every    int
	patterns []glob.Glob
	intents  IntentSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewPolicy compiles the decision-bearing patterns.
func NewPolicy(cfg Config) (*Policy, error) {
	if cfg.Every <= 0 {
		cfg.Every = DefaultEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Policy{
		every:   cfg.Every,
		intents: cfg.Intents,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	for _, pattern := range cfg.DecisionTools {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile decision tool pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, g)
	}
	return p, nil
}

// Every returns the cadence K.
func (p *Policy) Every() int { return p.every }

// IsDecisionBearing reports whether toolName matches a decision pattern.
func (p *Policy) IsDecisionBearing(toolName string) bool {
	for _, g := range p.patterns {
		if g.Match(toolName) {
			return true
		}
	}
	return false
}

// ShouldReinforce reports whether the turn just appended to s should
// carry a snapshot.
func (p *Policy) ShouldReinforce(s *session.Session) bool {
	return p.shouldReinforce(len(s.Turns), lastTool(s))
}

func (p *Policy) shouldReinforce(turnCount int, lastTool string) bool {
	if turnCount == 0 {
		return false
	}
	return p.IsDecisionBearing(lastTool) || turnCount%p.every == 0
}

func lastTool(s *session.Session) string {
	t, ok := s.LastTurn()
	if !ok {
		return ""
	}
	return t.ToolName
}

// Window is a bounded view of a session: its identity and its last few
// turns. Building a snapshot from a Window never touches older turns.
type Window struct {
	SessionID   string
	ProjectPath string
	TotalTurns  int
	Turns       []session.Turn
}

// WindowOf copies the last n turns of s.
func WindowOf(s *session.Session, n int) Window {
	return Window{
		SessionID:   s.ID,
		ProjectPath: s.ProjectPath,
		TotalTurns:  len(s.Turns),
		Turns:       s.RecentTurns(n),
	}
}

// ShouldReinforceWindow is [Policy.ShouldReinforce] for a Window.
func (p *Policy) ShouldReinforceWindow(w Window) bool {
	tool := ""
	if len(w.Turns) > 0 {
		tool = w.Turns[len(w.Turns)-1].ToolName
	}
	return p.shouldReinforce(w.TotalTurns, tool)
}

// BuildReinforcement builds a snapshot from the last K turns of s.
func (p *Policy) BuildReinforcement(ctx context.Context, s *session.Session) Snapshot {
	return p.Build(ctx, WindowOf(s, p.every))
}

// Build assembles a snapshot from w. Intent lookup failures are logged
// and the snapshot is returned without them.
func (p *Policy) Build(ctx context.Context, w Window) Snapshot {
	snap := Snapshot{
		SessionID:   w.SessionID,
		ProjectPath: w.ProjectPath,
		TurnCount:   w.TotalTurns,
		RecentTurns: w.Turns,
		GeneratedAt: p.now().UTC(),
	}
	if snap.RecentTurns == nil {
		snap.RecentTurns = []session.Turn{}
	}

	intents := make(map[string]bool)
	if p.intents != nil && w.ProjectPath != "" {
		ids, err := p.intents.GetActiveIntents(ctx, w.ProjectPath)
		if err != nil {
			p.logger.Warn("active intent lookup failed",
				"project", w.ProjectPath,
				"error", err,
			)
		}
		for _, id := range ids {
			intents[id] = true
		}
	}

	for _, t := range w.Turns {
		for _, id := range t.LinkedIntentIDs {
			intents[id] = true
		}
		if p.IsDecisionBearing(t.ToolName) {
			snap.RecordedDecisions = append(snap.RecordedDecisions, Decision{
				TurnID:   t.TurnID,
				ToolName: t.ToolName,
				Summary:  firstNonEmpty(t.RequestSummary, t.ResponseSummary),
				At:       t.StartedAt,
			})
		}
	}

	snap.ActiveIntentIDs = make([]string, 0, len(intents))
	for id := range intents {
		snap.ActiveIntentIDs = append(snap.ActiveIntentIDs, id)
	}
	sort.Strings(snap.ActiveIntentIDs)
	if snap.RecordedDecisions == nil {
		snap.RecordedDecisions = []Decision{}
	}

	snap.FocusSummary = focus(w.Turns)
	return snap
}

// focus describes what the window was about: tool usage counts and the
// most recent request.
func focus(turns []session.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	counts := make(map[string]int)
	var order []string
	for _, t := range turns {
		if counts[t.ToolName] == 0 {
			order = append(order, t.ToolName)
		}
		counts[t.ToolName]++
	}
	slices.SortStableFunc(order, func(a, b string) int { return counts[b] - counts[a] })

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, fmt.Sprintf("%s x%d", name, counts[name]))
	}

	last := turns[len(turns)-1]
	return fmt.Sprintf("Last %d turns used %s. Most recent: %s: %s",
		len(turns), strings.Join(parts, ", "), last.ToolName, truncate(firstNonEmpty(last.RequestSummary, "(no request)"), 160))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
