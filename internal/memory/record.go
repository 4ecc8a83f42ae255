package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/convmem/internal/config"
	"github.com/nugget/convmem/internal/events"
	"github.com/nugget/convmem/internal/metrics"
	"github.com/nugget/convmem/internal/reinforce"
	"github.com/nugget/convmem/internal/session"
)

// Reinforcement triggers, used as metric labels and event data.
const (
	TriggerDecision = "decision"
	TriggerCadence  = "cadence"
)

// TurnInput describes one completed tool invocation.
type TurnInput struct {
	ProjectPath string
	ToolName    string
	Request     string
	Response    string
	// StartedAt is when the tool call began. Zero means now.
	StartedAt       time.Time
	DurationMs      int64
	LinkedIntentIDs []string
}

// TurnResult is what the dispatch hook hands back to the agent.
type TurnResult struct {
	SessionID string
	TurnID    int
	// Response is the raw response, or its tiered summary when it
	// exceeded the token budget.
	Response   string
	ContentIDs []string
	// Reinforced is set when Snapshot should be spliced into the
	// response.
	Reinforced     bool
	Snapshot       *reinforce.Snapshot
	ReductionRatio float64
	// FlushQueued reports that this turn handed the session to the
	// background writer.
	FlushQueued bool
}

// RecordTurn appends a turn to the project's active session. It never
// fails the tool call: storage problems are logged and the turn is kept
// in memory until the next successful flush.
func (m *Manager) RecordTurn(ctx context.Context, in TurnInput) TurnResult {
	project := in.ProjectPath
	if project == "" {
		project = DefaultProject
	}
	tool := in.ToolName
	if tool == "" {
		tool = "unknown"
	}
	result := TurnResult{Response: in.Response}

	as, err := m.sessionFor(ctx, project)
	if err != nil {
		m.logger.Error("conversation memory unavailable, turn not recorded",
			"project", project,
			"tool", tool,
			"error", err,
		)
		return result
	}

	// Tiering writes content, so it runs before the session lock.
	tiered, err := m.tiering.Tier(ctx, as.id, tool, []byte(in.Response), m.cfg.TokenBudget)
	if err != nil {
		m.metrics.StorageError("tier")
		m.logger.Warn("response tiering failed, returning full response",
			"session_id", as.id,
			"tool", tool,
			"error", err,
		)
	} else {
		result.Response = tiered.Summary
		result.ReductionRatio = tiered.ReductionRatio
		if tiered.Tiered() {
			result.ContentIDs = []string{tiered.ContentID}
		}
	}

	as, ok := m.lockCurrent(ctx, as, project)
	if !ok {
		return result
	}

	now := m.now().UTC()
	started := in.StartedAt
	if started.IsZero() {
		started = now
	}
	started = started.UTC()
	if last, ok := as.s.LastTurn(); ok && started.Before(last.StartedAt) {
		started = last.StartedAt
	}
	duration := in.DurationMs
	if duration < 0 {
		duration = 0
	}

	turn := session.Turn{
		TurnID:               as.s.NextTurnID(),
		ToolName:             tool,
		RequestSummary:       clip(in.Request, m.cfg.SummaryChars),
		ResponseSummary:      clip(result.Response, m.cfg.SummaryChars),
		ExpandableContentIDs: uniqueSorted(result.ContentIDs),
		LinkedIntentIDs:      uniqueSorted(in.LinkedIntentIDs),
		StartedAt:            started,
		DurationMs:           duration,
	}
	as.s.Turns = append(as.s.Turns, turn)
	if now.After(as.s.LastUpdatedAt) {
		as.s.LastUpdatedAt = now
	}
	as.dirty = true
	as.sinceFlush++

	window := reinforce.WindowOf(as.s, m.policy.Every())
	reinforced := m.policy.ShouldReinforceWindow(window)

	if as.sinceFlush >= m.cfg.PersistAfterTurns {
		if m.enqueue(flushJob{as: as, snap: as.s.Clone()}) {
			as.sinceFlush = 0
			result.FlushQueued = true
		}
	}

	rolled := false
	// Archived inline under the session lock: the project's next turn
	// must not resume the full session.
	if len(as.s.Turns) >= m.cfg.MaxTurnsPerSession {
		m.rollover(ctx, as, now)
		rolled = true
	}
	as.mu.Unlock()

	m.mu.Lock()
	m.lastProject = project
	m.mu.Unlock()

	result.SessionID = as.id
	result.TurnID = turn.TurnID

	if reinforced {
		trigger := TriggerCadence
		if m.policy.IsDecisionBearing(tool) {
			trigger = TriggerDecision
		}
		snap := m.policy.Build(ctx, window)
		result.Reinforced = true
		result.Snapshot = &snap
		m.metrics.Reinforced(trigger)
		m.publish(events.SourceMemory, events.KindReinforced, map[string]any{
			"session_id": as.id,
			"turn_id":    turn.TurnID,
			"trigger":    trigger,
		})
	}

	m.metrics.TurnRecorded(tool, len(result.ContentIDs) > 0, result.ReductionRatio)
	m.logger.Log(ctx, config.LevelTrace, "turn recorded",
		"session_id", as.id,
		"turn_id", turn.TurnID,
		"tool", tool,
		"tiered", len(result.ContentIDs) > 0,
		"reinforced", reinforced,
	)

	if rolled {
		m.publish(events.SourceMemory, events.KindSessionRollover, map[string]any{
			"session_id": as.id,
			"project":    project,
			"turns":      turn.TurnID,
		})
	}
	return result
}

// lockCurrent locks as, moving on to the project's current session if
// as was retired while the caller was not holding its lock. On success
// the returned session is locked.
func (m *Manager) lockCurrent(ctx context.Context, as *activeSession, project string) (*activeSession, bool) {
	for {
		as.mu.Lock()
		if !as.retired {
			return as, true
		}
		as.mu.Unlock()

		next, err := m.sessionFor(ctx, project)
		if err != nil {
			m.logger.Error("conversation memory unavailable, turn not recorded",
				"project", project,
				"error", err,
			)
			return nil, false
		}
		as = next
	}
}

// rollover archives a session that reached the turn cap. The caller
// holds as.mu. The archived copy is written synchronously so the next
// turn for the project cannot resume it from disk.
func (m *Manager) rollover(ctx context.Context, as *activeSession, now time.Time) {
	snap := as.s.Clone()
	snap.Status = session.StatusArchived
	snap.ArchivedAt = &now

	if err := m.sessions.Save(ctx, snap); err != nil {
		m.metrics.Flushed(metrics.FlushFailed)
		m.metrics.StorageError("rollover")
		m.logger.Error("failed to archive full session",
			"session_id", as.id,
			"turns", len(snap.Turns),
			"error", err,
		)
		m.markRetired(as.id)
	} else {
		m.metrics.Flushed(metrics.FlushOK)
		as.s = snap
		as.dirty = false
		as.sinceFlush = 0
	}
	as.retired = true
	m.retire(as)

	m.logger.Info("session reached turn limit, rolling over",
		"session_id", as.id,
		"project", as.project,
		"turns", len(snap.Turns),
	)
}

// enqueue hands a flush job to the writer without blocking. A full or
// closed queue drops the job; the session stays dirty.
func (m *Manager) enqueue(job flushJob) bool {
	m.qmu.RLock()
	defer m.qmu.RUnlock()
	if m.queueClosed {
		return false
	}
	select {
	case m.flushCh <- job:
		m.metrics.SetQueueDepth(len(m.flushCh))
		return true
	default:
		m.metrics.Flushed(metrics.FlushDropped)
		m.logger.Warn("flush queue full, session stays dirty",
			"session_id", job.snap.ID,
			"queue_size", cap(m.flushCh),
		)
		return false
	}
}

// flushLoop is the single session writer.
func (m *Manager) flushLoop() error {
	for job := range m.flushCh {
		m.metrics.SetQueueDepth(len(m.flushCh))
		_ = m.write(context.Background(), job)
	}
	return nil
}

// write persists one snapshot. Stale snapshots are dropped quietly.
func (m *Manager) write(ctx context.Context, job flushJob) error {
	err := m.sessions.Save(ctx, job.snap)
	switch {
	case err == nil:
		m.metrics.Flushed(metrics.FlushOK)
		m.markFlushed(job.as, len(job.snap.Turns))
		m.logger.Debug("session flushed",
			"session_id", job.snap.ID,
			"turns", len(job.snap.Turns),
		)
		m.publish(events.SourceMemory, events.KindSessionFlushed, map[string]any{
			"session_id": job.snap.ID,
			"turns":      len(job.snap.Turns),
		})
		return nil
	case errors.Is(err, session.ErrStale):
		m.metrics.Flushed(metrics.FlushStale)
		m.logger.Debug("stale session snapshot dropped",
			"session_id", job.snap.ID,
			"turns", len(job.snap.Turns),
		)
		return nil
	default:
		m.metrics.Flushed(metrics.FlushFailed)
		m.metrics.StorageError("flush")
		m.logger.Warn("session flush failed, keeping turns in memory",
			"session_id", job.snap.ID,
			"error", err,
		)
		return err
	}
}

// markFlushed clears the dirty flag if nothing was appended after the
// flushed snapshot was taken.
func (m *Manager) markFlushed(as *activeSession, turns int) {
	if as == nil {
		return
	}
	as.mu.Lock()
	if len(as.s.Turns) == turns {
		as.dirty = false
	}
	as.mu.Unlock()
}

// clip shortens s to at most n runes on a rune boundary, collapsing
// whitespace runs first.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
