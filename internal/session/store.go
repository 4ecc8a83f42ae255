package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/nugget/convmem/internal/memerr"
)

var (
	// ErrStale is returned by [Store.Save] for a snapshot older than
	// what is already on disk. Callers may drop it.
	ErrStale = errors.New("stale session snapshot")
	// ErrHistoryRewrite is returned by [Store.Save] when the write would
	// change turns that were already persisted.
	ErrHistoryRewrite = errors.New("persisted session history would be rewritten")
)

// New creates an empty active session for projectPath.
func New(projectPath string, now time.Time) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now = now.UTC()
	return &Session{
		ID:            id.String(),
		ProjectPath:   projectPath,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Status:        StatusActive,
		Turns:         []Turn{},
	}, nil
}

// Meta is the in-memory index entry for a persisted session.
type Meta struct {
	ID            string
	ProjectPath   string
	Status        Status
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	ArchivedAt    *time.Time
	TurnCount     int
	Size          int64

	// digest covers the persisted turns; Save compares it against the
	// same prefix of the incoming turns.
	digest string
}

// Store persists sessions as <dir>/<id>.json and keeps an index of
// them in memory. All methods are safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	dir           string
	quarantineDir string
	logger        *slog.Logger
	index         map[string]Meta
	quarantined   []*memerr.CorruptSessionError
}

// Open indexes every session file in dir. Files that fail to decode or
// validate are moved to dir/quarantine and reported by [Store.Quarantined].
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, memerr.Storage("mkdir", dir, err)
	}

	st := &Store{
		dir:           dir,
		quarantineDir: filepath.Join(dir, "quarantine"),
		logger:        logger,
		index:         make(map[string]Meta),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, memerr.Storage("list", dir, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".tmp-") {
			// Leftover from an interrupted write; the rename never happened.
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		if filepath.Ext(name) != ".json" {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := st.loadLocked(id); err != nil && !errors.Is(err, memerr.ErrCorrupt) {
			logger.Warn("failed to index session file", "path", filepath.Join(dir, name), "error", err)
		}
	}

	logger.Debug("session store opened",
		"dir", dir,
		"sessions", len(st.index),
		"quarantined", len(st.quarantined),
	)
	return st, nil
}

// Dir returns the directory holding session files.
func (st *Store) Dir() string { return st.dir }

// Save writes s to disk atomically (temp file, then rename). The write
// is rejected if s fails validation, if it is older than the persisted
// copy ([ErrStale]), or if it would alter persisted turns
// ([ErrHistoryRewrite]).
func (st *Store) Save(_ context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("validate session %s: %w", s.ID, err)
	}
	doc := s.Clone()
	doc.normalize()

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saveLocked(doc)
}

func (st *Store) saveLocked(doc *Session) error {
	if prev, ok := st.index[doc.ID]; ok {
		if err := checkAppend(prev, doc); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", doc.ID, err)
	}
	path := st.path(doc.ID)
	if err := writeFileAtomic(path, data); err != nil {
		return memerr.Storage("write", path, err)
	}
	st.index[doc.ID] = metaOf(doc, int64(len(data)))
	return nil
}

func checkAppend(prev Meta, doc *Session) error {
	if prev.ProjectPath != doc.ProjectPath || !prev.CreatedAt.Equal(doc.CreatedAt) {
		return fmt.Errorf("session %s: identity changed: %w", doc.ID, ErrHistoryRewrite)
	}
	if len(doc.Turns) < prev.TurnCount {
		return fmt.Errorf("session %s: %d turns, %d persisted: %w", doc.ID, len(doc.Turns), prev.TurnCount, ErrStale)
	}
	if prev.Status == StatusArchived && doc.Status == StatusActive {
		return fmt.Errorf("session %s: already archived: %w", doc.ID, ErrStale)
	}
	if digestTurns(doc.Turns[:prev.TurnCount]) != prev.digest {
		return fmt.Errorf("session %s: %w", doc.ID, ErrHistoryRewrite)
	}
	return nil
}

// Load reads a session from disk. Unknown ids return a
// [*memerr.NotFoundError]; undecodable files are quarantined and
// reported as a [*memerr.CorruptSessionError].
func (st *Store) Load(_ context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, memerr.NotFound(memerr.KindSession, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loadLocked(id)
}

func (st *Store) loadLocked(id string) (*Session, error) {
	path := st.path(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		delete(st.index, id)
		return nil, memerr.NotFound(memerr.KindSession, id)
	}
	if err != nil {
		return nil, memerr.Storage("read", path, err)
	}

	s, err := decode(data)
	if err == nil && s.ID != id {
		err = fmt.Errorf("file name does not match id %q", s.ID)
	}
	if err != nil {
		return nil, st.quarantineLocked(id, path, err)
	}

	st.index[id] = metaOf(s, int64(len(data)))
	return s, nil
}

func decode(data []byte) (*Session, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var s Session
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// quarantineLocked moves a bad file aside, never overwriting it, and
// drops it from the index.
func (st *Store) quarantineLocked(id, path string, cause error) *memerr.CorruptSessionError {
	delete(st.index, id)
	ce := &memerr.CorruptSessionError{ID: id, Path: path, Err: cause}

	if err := os.MkdirAll(st.quarantineDir, 0o750); err != nil {
		st.logger.Error("failed to create quarantine directory", "path", st.quarantineDir, "error", err)
	} else {
		dest := filepath.Join(st.quarantineDir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
		if err := os.Rename(path, dest); err != nil {
			st.logger.Error("failed to quarantine session file", "path", path, "error", err)
		} else {
			ce.QuarantinePath = dest
		}
	}

	st.quarantined = append(st.quarantined, ce)
	st.logger.Warn("corrupt session file quarantined",
		"session_id", id,
		"path", path,
		"quarantine_path", ce.QuarantinePath,
		"error", cause,
	)
	return ce
}

// Archive marks a persisted session archived at the given time. Already
// archived sessions are returned unchanged.
func (st *Store) Archive(_ context.Context, id string, at time.Time) (*Session, error) {
	if !ValidID(id) {
		return nil, memerr.NotFound(memerr.KindSession, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s, err := st.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusArchived {
		return s, nil
	}
	at = at.UTC()
	s.Status = StatusArchived
	s.ArchivedAt = &at
	s.normalize()
	if err := st.saveLocked(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes a session file. Deleting an unknown id is not an error.
func (st *Store) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return memerr.NotFound(memerr.KindSession, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	path := st.path(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return memerr.Storage("delete", path, err)
	}
	delete(st.index, id)
	return nil
}

// Meta returns the index entry for id.
func (st *Store) Meta(id string) (Meta, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	m, ok := st.index[id]
	return m, ok
}

// List returns the index, most recently updated first.
func (st *Store) List() []Meta {
	st.mu.Lock()
	out := make([]Meta, 0, len(st.index))
	for _, m := range st.index {
		out = append(out, m)
	}
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdatedAt.Equal(out[j].LastUpdatedAt) {
			return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// ActiveForProject returns the active sessions persisted for
// projectPath, most recently updated first.
func (st *Store) ActiveForProject(projectPath string) []Meta {
	var out []Meta
	for _, m := range st.List() {
		if m.ProjectPath == projectPath && m.Status == StatusActive {
			out = append(out, m)
		}
	}
	return out
}

// StorageBytes returns the total size of indexed session files.
func (st *Store) StorageBytes() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int64
	for _, m := range st.index {
		n += m.Size
	}
	return n
}

// Quarantined returns the corrupt files found since the store opened.
func (st *Store) Quarantined() []*memerr.CorruptSessionError {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]*memerr.CorruptSessionError(nil), st.quarantined...)
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

func metaOf(s *Session, size int64) Meta {
	return Meta{
		ID:            s.ID,
		ProjectPath:   s.ProjectPath,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		LastUpdatedAt: s.LastUpdatedAt,
		ArchivedAt:    s.ArchivedAt,
		TurnCount:     len(s.Turns),
		Size:          size,
		digest:        digestTurns(s.Turns),
	}
}

func digestTurns(turns []Turn) string {
	h := blake3.New()
	enc := json.NewEncoder(h)
	for i := range turns {
		t := turns[i]
		if t.ExpandableContentIDs == nil {
			t.ExpandableContentIDs = []string{}
		}
		if t.LinkedIntentIDs == nil {
			t.LinkedIntentIDs = []string{}
		}
		t.StartedAt = t.StartedAt.UTC()
		_ = enc.Encode(t)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeFileAtomic writes data to a temp file beside path and renames it
// into place, so a crash leaves either the old or the new document.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
