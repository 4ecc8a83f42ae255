package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/nugget/convmem/internal/memerr"
	"github.com/nugget/convmem/internal/reinforce"
	"github.com/nugget/convmem/internal/session"
	"github.com/nugget/convmem/internal/tiering"
)

// contextTurns is how many turns on each side of a referencing turn
// [Manager.ExpandMemory] includes.
const contextTurns = 2

// maxHistoryScan bounds how many sessions one history query inspects.
const maxHistoryScan = 1000

// ExpandRequest asks for the full content behind a tiered response.
type ExpandRequest struct {
	ContentID string
	// Section, when set, returns only the matching heading section.
	Section string
	// IncludeContext adds the turns around the one that produced the
	// content.
	IncludeContext bool
}

// Expansion is the result of [Manager.ExpandMemory].
type Expansion struct {
	ContentID    string         `json:"contentId"`
	SessionID    string         `json:"sessionId"`
	ToolName     string         `json:"toolName"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	TokenCount   int            `json:"tokenCount"`
	Section      string         `json:"section,omitempty"`
	Payload      string         `json:"payload"`
	RelatedTurns []session.Turn `json:"relatedTurns,omitempty"`
}

// ExpandMemory returns stored content by id. Reading never extends the
// TTL. Unknown ids yield a [memerr.NotFoundError], expired ones a
// [memerr.ExpiredError].
func (m *Manager) ExpandMemory(ctx context.Context, req ExpandRequest) (Expansion, error) {
	entry, err := m.content.Fetch(ctx, req.ContentID)
	if err != nil {
		return Expansion{}, err
	}

	exp := Expansion{
		ContentID:  entry.ContentID,
		SessionID:  entry.SessionID,
		ToolName:   entry.ToolName,
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
		TokenCount: entry.TokenCount,
		Payload:    string(entry.Payload),
	}

	if name := strings.TrimSpace(req.Section); name != "" {
		sec, ok := tiering.Find(entry.Payload, name)
		if !ok {
			return Expansion{}, memerr.NotFound(memerr.KindSection, req.ContentID+"#"+name)
		}
		exp.Section = sec.Title
		exp.Payload = sec.Body
	}

	if req.IncludeContext {
		turns, err := m.relatedTurns(ctx, entry.SessionID, entry.ContentID)
		if err != nil {
			m.logger.Warn("could not load turn context for content",
				"content_id", entry.ContentID,
				"session_id", entry.SessionID,
				"error", err,
			)
		}
		exp.RelatedTurns = turns
	}
	return exp, nil
}

// relatedTurns returns every turn referencing contentID plus up to
// contextTurns turns on each side, in turn order.
func (m *Manager) relatedTurns(ctx context.Context, sessionID, contentID string) ([]session.Turn, error) {
	s, err := m.sessionCopy(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	keep := make([]bool, len(s.Turns))
	for i, t := range s.Turns {
		if !slices.Contains(t.ExpandableContentIDs, contentID) {
			continue
		}
		for j := max(0, i-contextTurns); j <= min(len(s.Turns)-1, i+contextTurns); j++ {
			keep[j] = true
		}
	}

	var out []session.Turn
	for i, k := range keep {
		if k {
			out = append(out, s.Turns[i])
		}
	}
	return out, nil
}

// sessionCopy returns a private copy of a session, preferring the
// in-memory state of an active session over its file.
func (m *Manager) sessionCopy(ctx context.Context, id string) (*session.Session, error) {
	if as := m.activeByID(id); as != nil {
		as.mu.Lock()
		s := as.s.Clone()
		as.mu.Unlock()
		return s, nil
	}
	return m.sessions.Load(ctx, id)
}

// HistoryQuery filters sessions. Zero fields do not filter.
type HistoryQuery struct {
	ProjectPath string
	// From and To bound the session's last activity, inclusive.
	From time.Time
	To   time.Time
	// ToolsUsed matches sessions that used any of the listed tools.
	ToolsUsed []string
	// Keyword matches request or response summaries, case-insensitively.
	Keyword string
	Limit   int
}

// HistoryResult is the result of [Manager.QueryHistory].
type HistoryResult struct {
	Sessions []session.Summary `json:"sessions"`
	// Skipped counts sessions that could not be read.
	Skipped int `json:"skipped"`
	Limit   int `json:"limit"`
}

// QueryHistory lists sessions matching q, most recently updated first.
// Unreadable sessions are skipped and counted rather than failing the
// query.
func (m *Manager) QueryHistory(ctx context.Context, q HistoryQuery) (HistoryResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = m.cfg.HistoryLimitDefault
	}
	limit = min(limit, m.cfg.HistoryLimitMax)

	res := HistoryResult{Sessions: []session.Summary{}, Limit: limit}
	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))

	type candidate struct {
		id      string
		updated time.Time
		live    *session.Session
	}
	var cands []candidate
	seen := make(map[string]bool)

	for _, as := range m.activeSessions() {
		as.mu.Lock()
		s := as.s.Clone()
		as.mu.Unlock()
		seen[s.ID] = true
		cands = append(cands, candidate{id: s.ID, updated: s.LastUpdatedAt, live: s})
	}
	for _, meta := range m.sessions.List() {
		if seen[meta.ID] {
			continue
		}
		cands = append(cands, candidate{id: meta.ID, updated: meta.LastUpdatedAt})
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		return b.updated.Compare(a.updated)
	})

	for i, c := range cands {
		if i >= maxHistoryScan || len(res.Sessions) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !inRange(c.updated, q.From, q.To) {
			continue
		}

		s := c.live
		if s == nil {
			loaded, err := m.sessions.Load(ctx, c.id)
			if err != nil {
				if errors.Is(err, memerr.ErrNotFound) {
					// Deleted by a sweep since List.
					continue
				}
				res.Skipped++
				m.logger.Warn("skipping unreadable session in history query",
					"session_id", c.id,
					"error", err,
				)
				continue
			}
			s = loaded
		}

		if q.ProjectPath != "" && s.ProjectPath != q.ProjectPath {
			continue
		}
		if !usesAny(s, q.ToolsUsed) || !mentions(s, keyword) {
			continue
		}
		res.Sessions = append(res.Sessions, s.Summarize())
	}
	return res, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func usesAny(s *session.Session, tools []string) bool {
	if len(tools) == 0 {
		return true
	}
	for _, t := range s.Turns {
		if slices.Contains(tools, t.ToolName) {
			return true
		}
	}
	return false
}

func mentions(s *session.Session, keyword string) bool {
	if keyword == "" {
		return true
	}
	for _, t := range s.Turns {
		if strings.Contains(strings.ToLower(t.RequestSummary), keyword) ||
			strings.Contains(strings.ToLower(t.ResponseSummary), keyword) {
			return true
		}
	}
	return false
}

// GetSnapshot builds a state snapshot from the last n turns of the
// project's active session, or of its most recently updated session
// when none is active in memory. An empty project picks the project
// that last recorded a turn. n <= 0 uses the configured default.
func (m *Manager) GetSnapshot(ctx context.Context, projectPath string, n int) (reinforce.Snapshot, error) {
	if n <= 0 {
		n = m.cfg.SnapshotTurns
	}
	n = min(n, maxSnapshotTurns)

	m.mu.Lock()
	if projectPath == "" {
		projectPath = m.lastProject
	}
	as := m.active[projectPath]
	m.mu.Unlock()

	if as != nil {
		as.mu.Lock()
		w := reinforce.WindowOf(as.s, n)
		as.mu.Unlock()
		return m.policy.Build(ctx, w), nil
	}

	for _, meta := range m.sessions.List() {
		if projectPath != "" && meta.ProjectPath != projectPath {
			continue
		}
		s, err := m.sessions.Load(ctx, meta.ID)
		if err != nil {
			if errors.Is(err, memerr.ErrCorrupt) || errors.Is(err, memerr.ErrNotFound) {
				continue
			}
			return reinforce.Snapshot{}, err
		}
		return m.policy.Build(ctx, reinforce.WindowOf(s, n)), nil
	}

	id := projectPath
	if id == "" {
		id = "(any project)"
	}
	return reinforce.Snapshot{}, memerr.NotFound(memerr.KindSession, id)
}

// Stats are aggregate memory statistics.
type Stats struct {
	TotalSessions          int     `json:"totalSessions"`
	ActiveSessions         int     `json:"activeSessions"`
	ArchivedSessions       int     `json:"archivedSessions"`
	TotalTurns             int     `json:"totalTurns"`
	TotalExpandableContent int     `json:"totalExpandableContent"`
	StorageBytes           int64   `json:"storageBytes"`
	ContentBytes           int64   `json:"contentBytes"`
	AvgTurnsPerSession     float64 `json:"avgTurnsPerSession"`
	QueueDepth             int     `json:"queueDepth"`
}

// GetStats aggregates statistics over persisted and in-memory sessions.
// In-memory state wins for sessions that have unflushed turns.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	type row struct {
		status session.Status
		turns  int
	}
	rows := make(map[string]row)
	for _, meta := range m.sessions.List() {
		rows[meta.ID] = row{status: meta.Status, turns: meta.TurnCount}
	}
	for _, as := range m.activeSessions() {
		as.mu.Lock()
		rows[as.id] = row{status: as.s.Status, turns: len(as.s.Turns)}
		as.mu.Unlock()
	}

	var st Stats
	for _, r := range rows {
		st.TotalSessions++
		st.TotalTurns += r.turns
		switch r.status {
		case session.StatusActive:
			st.ActiveSessions++
		case session.StatusArchived:
			st.ArchivedSessions++
		}
	}
	if st.TotalSessions > 0 {
		st.AvgTurnsPerSession = float64(st.TotalTurns) / float64(st.TotalSessions)
	}

	cs, err := m.content.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.TotalExpandableContent = cs.Count
	st.ContentBytes = cs.StoredBytes
	st.StorageBytes = m.sessions.StorageBytes() + cs.StoredBytes
	st.QueueDepth = len(m.flushCh)
	return st, nil
}
