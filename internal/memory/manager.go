// Package memory orchestrates conversation memory: it records every tool
// turn into the active session of its project, tiers large responses,
// decides when to reinforce conversation state, persists sessions in
// the background, and runs the archive, retention and content TTL
// sweeps. A single Manager owns each data directory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/convmem/internal/config"
	"github.com/nugget/convmem/internal/events"
	"github.com/nugget/convmem/internal/expandable"
	"github.com/nugget/convmem/internal/memerr"
	"github.com/nugget/convmem/internal/metrics"
	"github.com/nugget/convmem/internal/opstate"
	"github.com/nugget/convmem/internal/reinforce"
	"github.com/nugget/convmem/internal/session"
	"github.com/nugget/convmem/internal/tiering"
)

// DefaultProject is used for turns recorded without a project path.
const DefaultProject = "default"

// maxSnapshotTurns bounds GetSnapshot regardless of what is asked for.
const maxSnapshotTurns = 50

// Config tunes the Manager. Zero values take the defaults noted on each
// field.
type Config struct {
	PersistAfterTurns  int // default 5
	MaxTurnsPerSession int // default 500
	TokenBudget        int // default 500
	SummaryChars       int // default 240

	SessionMaxAge     time.Duration // default 24h
	ArchivedRetention time.Duration // default 30 days

	HistoryLimitDefault int // default 10
	HistoryLimitMax     int // default 50
	SnapshotTurns       int // default 5
	FlushQueueSize      int // default 64

	// Cron specs for the background sweeps; empty disables a sweep.
	ArchiveSchedule      string
	RetentionSchedule    string
	ContentSweepSchedule string
}

// ConfigFrom maps the file configuration onto a manager Config.
func ConfigFrom(cfg *config.Config) Config {
	m := cfg.Memory
	return Config{
		PersistAfterTurns:    m.PersistAfterTurns,
		MaxTurnsPerSession:   m.MaxTurnsPerSession,
		TokenBudget:          m.TokenBudget,
		SummaryChars:         m.SummaryChars,
		SessionMaxAge:        m.SessionMaxAge(),
		ArchivedRetention:    m.ArchivedRetention(),
		HistoryLimitDefault:  m.HistoryLimitDefault,
		HistoryLimitMax:      m.HistoryLimitMax,
		SnapshotTurns:        m.SnapshotTurns,
		FlushQueueSize:       m.FlushQueueSize,
		ArchiveSchedule:      cfg.Maintenance.ArchiveSchedule,
		RetentionSchedule:    cfg.Maintenance.RetentionSchedule,
		ContentSweepSchedule: cfg.Maintenance.ContentSweepSchedule,
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.PersistAfterTurns, 5)
	setDefault(&c.MaxTurnsPerSession, 500)
	setDefault(&c.TokenBudget, 500)
	setDefault(&c.SummaryChars, 240)
	setDefault(&c.HistoryLimitDefault, 10)
	setDefault(&c.HistoryLimitMax, 50)
	setDefault(&c.SnapshotTurns, 5)
	setDefault(&c.FlushQueueSize, 64)
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 24 * time.Hour
	}
	if c.ArchivedRetention <= 0 {
		c.ArchivedRetention = 30 * 24 * time.Hour
	}
	if c.HistoryLimitDefault > c.HistoryLimitMax {
		c.HistoryLimitDefault = c.HistoryLimitMax
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Deps are the collaborators a Manager is built from. Sessions, Content,
// Tiering and Policy are required.
type Deps struct {
	Sessions *session.Store
	Content  *expandable.Store
	Tiering  *tiering.Builder
	Policy   *reinforce.Policy

	State   *opstate.Store
	Events  *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// activeSession is an in-memory active session. mu serializes turn
// appends; it is always taken before any store lock.
type activeSession struct {
	id      string
	project string

	mu         sync.Mutex
	s          *session.Session
	sinceFlush int
	dirty      bool

	// retired is set once the session is archived or rolled over. A
	// recorder that finds it set looks the project up again.
	retired bool
}

// flushJob is a point-in-time copy of a session for the writer.
type flushJob struct {
	as   *activeSession
	snap *session.Session
}

// Manager is the conversation memory manager. Create it with [New], call
// [Manager.Start] to resume sessions and schedule maintenance, and
// [Manager.Close] on shutdown.
type Manager struct {
	cfg      Config
	sessions *session.Store
	content  *expandable.Store
	tiering  *tiering.Builder
	policy   *reinforce.Policy
	state    *opstate.Store
	events   *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	active      map[string]*activeSession // by project path
	lastProject string

	// retiredIDs are sessions retired in memory whose archived copy
	// could not be written. They are never resumed.
	retiredIDs map[string]bool

	loads singleflight.Group

	// openMu serializes resuming sessions from disk with the disk-only
	// pass of ArchiveIdle.
	openMu sync.Mutex

	// qmu guards sends on flushCh against the close in Close.
	qmu         sync.RWMutex
	queueClosed bool
	flushCh     chan flushJob
	writers     errgroup.Group

	cron      *cron.Cron
	closeOnce sync.Once
	closeErr  error
}

// New creates a Manager and starts its flush writer.
func New(deps Deps, cfg Config) (*Manager, error) {
	if deps.Sessions == nil || deps.Content == nil || deps.Tiering == nil || deps.Policy == nil {
		return nil, errors.New("memory: sessions, content, tiering and policy are required")
	}
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m := &Manager{
		cfg:        cfg,
		sessions:   deps.Sessions,
		content:    deps.Content,
		tiering:    deps.Tiering,
		policy:     deps.Policy,
		state:      deps.State,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
		active:     make(map[string]*activeSession),
		retiredIDs: make(map[string]bool),
		flushCh:    make(chan flushJob, cfg.FlushQueueSize),
	}
	m.writers.Go(m.flushLoop)
	return m, nil
}

// Start resumes active sessions found on disk, reports files quarantined
// while opening the session store, and schedules the maintenance sweeps.
func (m *Manager) Start(ctx context.Context) error {
	for _, ce := range m.sessions.Quarantined() {
		m.publishQuarantine(ce)
	}

	seen := make(map[string]bool)
	for _, meta := range m.sessions.List() {
		if meta.Status != session.StatusActive || seen[meta.ProjectPath] {
			continue
		}
		seen[meta.ProjectPath] = true
		if _, err := m.sessionFor(ctx, meta.ProjectPath); err != nil {
			m.logger.Warn("failed to resume session",
				"project", meta.ProjectPath,
				"session_id", meta.ID,
				"error", err,
			)
		}
	}

	return m.schedule()
}

// Close stops the sweeps, drains queued flushes and writes every dirty
// active session one last time. It is safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.cron != nil {
			stopped := m.cron.Stop()
			select {
			case <-stopped.Done():
			case <-ctx.Done():
				m.logger.Warn("maintenance jobs still running at shutdown")
			}
		}

		m.qmu.Lock()
		m.queueClosed = true
		close(m.flushCh)
		m.qmu.Unlock()
		_ = m.writers.Wait()

		var errs []error
		for _, as := range m.activeSessions() {
			as.mu.Lock()
			var snap *session.Session
			if as.dirty && !as.retired {
				snap = as.s.Clone()
			}
			as.mu.Unlock()
			if snap == nil {
				continue
			}
			if err := m.write(ctx, flushJob{as: as, snap: snap}); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
		m.logger.Info("conversation memory closed", "sessions", len(m.activeSessions()))
	})
	return m.closeErr
}

// sessionFor returns the in-memory active session for project, resuming
// it from disk or creating it as needed. Concurrent first calls for the
// same project share one load.
func (m *Manager) sessionFor(ctx context.Context, project string) (*activeSession, error) {
	m.mu.Lock()
	as := m.active[project]
	m.mu.Unlock()
	if as != nil {
		return as, nil
	}

	v, err, _ := m.loads.Do(project, func() (any, error) {
		m.mu.Lock()
		existing := m.active[project]
		m.mu.Unlock()
		if existing != nil {
			return existing, nil
		}
		return m.openSession(ctx, project)
	})
	if err != nil {
		return nil, err
	}
	return v.(*activeSession), nil
}

// openSession resumes the newest active session persisted for project,
// archiving any older active ones, or starts a fresh session.
func (m *Manager) openSession(ctx context.Context, project string) (*activeSession, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	var resumed *session.Session
	for _, meta := range m.sessions.ActiveForProject(project) {
		if resumed != nil || m.isRetired(meta.ID) {
			if _, err := m.sessions.Archive(ctx, meta.ID, m.now()); err != nil {
				m.logger.Warn("failed to archive duplicate active session",
					"session_id", meta.ID, "project", project, "error", err)
			} else {
				m.logger.Info("archived duplicate active session",
					"session_id", meta.ID, "project", project)
			}
			continue
		}
		s, err := m.sessions.Load(ctx, meta.ID)
		if err != nil {
			var ce *memerr.CorruptSessionError
			if errors.As(err, &ce) {
				m.publishQuarantine(ce)
			}
			m.logger.Warn("could not resume session, starting fresh",
				"session_id", meta.ID, "project", project, "error", err)
			continue
		}
		resumed = s
	}

	kind := events.KindSessionResumed
	if resumed == nil {
		s, err := session.New(project, m.now())
		if err != nil {
			return nil, err
		}
		resumed = s
		kind = events.KindSessionCreated
	}

	as := &activeSession{id: resumed.ID, project: project, s: resumed}
	m.mu.Lock()
	m.active[project] = as
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(n)

	m.logger.Info("conversation session opened",
		"session_id", resumed.ID,
		"project", project,
		"turns", len(resumed.Turns),
		"resumed", kind == events.KindSessionResumed,
	)
	m.publish(events.SourceMemory, kind, map[string]any{
		"session_id": resumed.ID,
		"project":    project,
		"turns":      len(resumed.Turns),
	})
	return as, nil
}

// retire removes as from the active map if it is still the project's
// current session.
func (m *Manager) retire(as *activeSession) {
	m.mu.Lock()
	if m.active[as.project] == as {
		delete(m.active, as.project)
	}
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(n)
}

func (m *Manager) markRetired(id string) {
	m.mu.Lock()
	m.retiredIDs[id] = true
	m.mu.Unlock()
}

func (m *Manager) isRetired(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retiredIDs[id]
}

func (m *Manager) activeSessions() []*activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*activeSession, 0, len(m.active))
	for _, as := range m.active {
		out = append(out, as)
	}
	return out
}

func (m *Manager) activeByID(id string) *activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, as := range m.active {
		if as.id == id {
			return as
		}
	}
	return nil
}

func (m *Manager) publish(source, kind string, data map[string]any) {
	m.events.Publish(events.Event{
		Timestamp: m.now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

func (m *Manager) publishQuarantine(ce *memerr.CorruptSessionError) {
	m.publish(events.SourceMemory, events.KindSessionQuarantined, map[string]any{
		"session_id":      ce.ID,
		"path":            ce.Path,
		"quarantine_path": ce.QuarantinePath,
	})
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memory.Manager{active: %d}", len(m.active))
}
