package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nugget/convmem/internal/events"
	"github.com/nugget/convmem/internal/session"
)

// Sweep names, used in logs, metrics and opstate keys.
const (
	SweepArchive   = "archive"
	SweepRetention = "retention"
	SweepContent   = "content"
)

// maintenanceNamespace holds the last run time of each sweep.
const maintenanceNamespace = "maintenance"

// ArchiveIdle archives every active session whose last activity is at
// least SessionMaxAge before now. It returns how many were archived.
func (m *Manager) ArchiveIdle(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var (
		n    int
		errs []error
	)

	for _, as := range m.activeSessions() {
		as.mu.Lock()
		if as.retired || now.Sub(as.s.LastUpdatedAt) < m.cfg.SessionMaxAge {
			as.mu.Unlock()
			continue
		}
		snap := as.s.Clone()
		snap.Status = session.StatusArchived
		snap.ArchivedAt = &now
		if err := m.sessions.Save(ctx, snap); err != nil {
			as.mu.Unlock()
			m.metrics.StorageError("archive")
			errs = append(errs, fmt.Errorf("archive session %s: %w", as.id, err))
			continue
		}
		as.s = snap
		as.dirty = false
		as.retired = true
		m.retire(as)
		as.mu.Unlock()

		n++
		m.archived(as.id, snap.ProjectPath, snap.LastUpdatedAt, now)
	}

	// Active sessions on disk that were never resumed in this process.
	m.openMu.Lock()
	defer m.openMu.Unlock()
	for _, meta := range m.sessions.List() {
		if meta.Status != session.StatusActive || now.Sub(meta.LastUpdatedAt) < m.cfg.SessionMaxAge {
			continue
		}
		if m.activeByID(meta.ID) != nil {
			continue
		}
		if _, err := m.sessions.Archive(ctx, meta.ID, now); err != nil {
			m.metrics.StorageError("archive")
			errs = append(errs, fmt.Errorf("archive session %s: %w", meta.ID, err))
			continue
		}
		n++
		m.archived(meta.ID, meta.ProjectPath, meta.LastUpdatedAt, now)
	}

	return n, errors.Join(errs...)
}

func (m *Manager) archived(id, project string, lastUpdated, now time.Time) {
	idle := now.Sub(lastUpdated).Hours()
	m.logger.Info("idle session archived",
		"session_id", id,
		"project", project,
		"last_updated", lastUpdated,
		"idle_hours", idle,
	)
	m.publish(events.SourceMaintenance, events.KindSessionArchived, map[string]any{
		"session_id": id,
		"project":    project,
		"idle_hours": idle,
	})
}

// PurgeArchived deletes archived sessions whose last activity is more
// than ArchivedRetention before now, along with their stored content.
func (m *Manager) PurgeArchived(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var (
		n    int
		errs []error
	)
	for _, meta := range m.sessions.List() {
		if meta.Status != session.StatusArchived || now.Sub(meta.LastUpdatedAt) <= m.cfg.ArchivedRetention {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		removed, err := m.content.DeleteSession(ctx, meta.ID)
		if err != nil {
			m.metrics.StorageError("purge")
			errs = append(errs, fmt.Errorf("delete content of session %s: %w", meta.ID, err))
			continue
		}
		if err := m.sessions.Delete(ctx, meta.ID); err != nil {
			m.metrics.StorageError("purge")
			errs = append(errs, fmt.Errorf("delete session %s: %w", meta.ID, err))
			continue
		}

		n++
		m.logger.Info("archived session deleted",
			"session_id", meta.ID,
			"project", meta.ProjectPath,
			"content_removed", removed,
		)
		m.publish(events.SourceMaintenance, events.KindSessionDeleted, map[string]any{
			"session_id":      meta.ID,
			"project":         meta.ProjectPath,
			"content_removed": removed,
		})
	}
	return n, errors.Join(errs...)
}

// SweepContent removes the payloads of expandable content past its TTL.
// Swept ids keep expanding as expired until their session is purged.
func (m *Manager) SweepContent(ctx context.Context, now time.Time) (int, error) {
	n, err := m.content.Sweep(ctx, now)
	if n > 0 {
		m.publish(events.SourceMaintenance, events.KindContentSwept, map[string]any{
			"removed": n,
		})
	}
	return n, err
}

type sweep struct {
	name string
	spec string
	run  func(context.Context, time.Time) (int, error)
}

func (m *Manager) sweeps() []sweep {
	return []sweep{
		{name: SweepArchive, spec: m.cfg.ArchiveSchedule, run: m.ArchiveIdle},
		{name: SweepRetention, spec: m.cfg.RetentionSchedule, run: m.PurgeArchived},
		{name: SweepContent, spec: m.cfg.ContentSweepSchedule, run: m.SweepContent},
	}
}

// RunSweeps runs every sweep once at now, in archive, retention,
// content order. Errors are logged.
func (m *Manager) RunSweeps(ctx context.Context, now time.Time) map[string]int {
	out := make(map[string]int)
	for _, sw := range m.sweeps() {
		out[sw.name] = m.runSweep(ctx, sw, now)
	}
	return out
}

func (m *Manager) runSweep(ctx context.Context, sw sweep, now time.Time) int {
	start := time.Now()
	n, err := sw.run(ctx, now)
	m.metrics.Swept(sw.name, n)
	if err != nil {
		m.logger.Error("maintenance sweep failed",
			"sweep", sw.name,
			"handled", n,
			"error", err,
		)
	} else {
		m.logger.Debug("maintenance sweep complete",
			"sweep", sw.name,
			"handled", n,
			"elapsed", time.Since(start),
		)
	}
	if m.state != nil {
		if err := m.state.Set(ctx, maintenanceNamespace, "last_"+sw.name, now.UTC().Format(time.RFC3339)); err != nil {
			m.logger.Warn("failed to record sweep time", "sweep", sw.name, "error", err)
		}
	}
	return n
}

// LastSweeps returns the recorded last run time of each sweep.
func (m *Manager) LastSweeps(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	if m.state == nil {
		return out, nil
	}
	kv, err := m.state.List(ctx, maintenanceNamespace)
	if err != nil {
		return nil, err
	}
	for _, sw := range m.sweeps() {
		v, ok := kv["last_"+sw.name]
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			continue
		}
		out[sw.name] = t
	}
	return out, nil
}

// schedule registers the sweeps on a cron scheduler and starts it.
func (m *Manager) schedule() error {
	if m.cron != nil {
		return nil
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{m.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger})),
	)
	for _, sw := range m.sweeps() {
		if sw.spec == "" {
			continue
		}
		if _, err := c.AddFunc(sw.spec, func() {
			m.runSweep(context.Background(), sw, m.now())
		}); err != nil {
			return fmt.Errorf("schedule %s sweep %q: %w", sw.name, sw.spec, err)
		}
		m.logger.Info("maintenance sweep scheduled", "sweep", sw.name, "schedule", sw.spec)
	}
	c.Start()
	m.cron = c
	return nil
}

// cronLogger routes scheduler logs to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
