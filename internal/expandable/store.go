// Package expandable stores full-fidelity tool payloads under generated
// content ids so a tiered summary can be expanded later. Payloads live
// as zstd-compressed blob files next to a SQLite index; entries expire
// after a fixed TTL and reads never extend it. Sweeping an expired entry
// removes its blob but keeps the index row as a tombstone, so the id
// keeps reading as expired rather than unknown until its session is
// deleted.
package expandable

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/nugget/convmem/internal/memerr"
	"github.com/nugget/convmem/internal/opstate"
)

// DefaultTTL is the content lifetime used when Config.TTL is zero.
const DefaultTTL = 24 * time.Hour

// opstate location of the content id high-water mark.
const (
	seqNamespace = "expandable"
	seqKey       = "content_seq"
)

// idPattern matches ids produced by [Store.Put]. Anything else is
// rejected before it can be turned into a blob path.
var idPattern = regexp.MustCompile(`^exp_[0-9]{6,}_[0-9A-HJKMNP-TV-Z]{26}$`)

// Entry is one stored payload and its metadata. Payload is only
// populated by [Store.Fetch].
type Entry struct {
	ContentID  string
	SessionID  string
	ToolName   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	TokenCount int
	Size       int64 // uncompressed payload bytes
	StoredSize int64 // compressed bytes on disk
	Checksum   string
	// SweptAt is set once the blob has been removed by [Store.Sweep].
	SweptAt    time.Time
	Payload    []byte
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Swept reports whether the blob has been removed.
func (e *Entry) Swept() bool { return !e.SweptAt.IsZero() }

// Stats summarizes the live (unswept) store contents.
type Stats struct {
	Count       int
	Bytes       int64 // uncompressed payload bytes
	StoredBytes int64
}

// Config holds Store options.
type Config struct {
	// Dir is where blob files are written. Created if missing.
	Dir string
	// TTL is the lifetime of each entry. Zero means [DefaultTTL].
	TTL    time.Duration
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the expandable content store. The RWMutex is the store-level
// lock: Fetch holds it for reading, and each per-entry deletion holds it
// for writing, so a reader sees an entry either whole or not at all.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	state  *opstate.Store
	dir    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	// localSeq backs the id counter when no opstate store is configured.
	localSeq atomic.Int64
}

// NewStore creates a Store that indexes entries in db and keeps the id
// counter in state. A nil state falls back to an in-process counter;
// ids stay unique through their random suffix.
func NewStore(db *sql.DB, state *opstate.Store, cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("expandable: blob directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, memerr.Storage("mkdir", cfg.Dir, err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		db:     db,
		state:  state,
		dir:    cfg.Dir,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		now:    cfg.Now,
		enc:    enc,
		dec:    dec,
	}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS expandable_content (
		content_id  TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		token_count INTEGER NOT NULL,
		size        INTEGER NOT NULL,
		stored_size INTEGER NOT NULL,
		checksum    TEXT NOT NULL,
		swept_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_expandable_session ON expandable_content(session_id);
	CREATE INDEX IF NOT EXISTS idx_expandable_expires ON expandable_content(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Indexes created before tombstones lack swept_at.
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('expandable_content') WHERE name = 'swept_at'`,
	).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.db.Exec(`ALTER TABLE expandable_content ADD COLUMN swept_at INTEGER`); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the compression codecs. The caller owns the database.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores payload and returns its new content id. The only failure
// mode is a [*memerr.StorageError].
func (s *Store) Put(ctx context.Context, sessionID, toolName string, payload []byte, tokenCount int) (string, error) {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return "", memerr.Storage("sequence", seqNamespace, err)
	}
	id := fmt.Sprintf("exp_%06d_%s", seq, ulid.Make().String())

	sum := blake3.Sum256(payload)
	compressed := s.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))

	path := s.blobPath(id)
	if err := writeFileAtomic(path, compressed); err != nil {
		return "", memerr.Storage("write", path, err)
	}

	now := s.now().UTC()
	s.mu.Lock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO expandable_content
		 (content_id, session_id, tool_name, created_at, expires_at, token_count, size, stored_size, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, toolName, now.UnixNano(), now.Add(s.ttl).UnixNano(),
		tokenCount, len(payload), len(compressed), hex.EncodeToString(sum[:]),
	)
	s.mu.Unlock()
	if err != nil {
		_ = os.Remove(path)
		return "", memerr.Storage("index", "expandable_content", err)
	}

	s.logger.Debug("expandable content stored",
		"content_id", id,
		"session_id", sessionID,
		"tool", toolName,
		"bytes", len(payload),
		"stored_bytes", len(compressed),
		"tokens", tokenCount,
	)
	return id, nil
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	if s.state == nil {
		return s.localSeq.Add(1), nil
	}
	return s.state.Next(ctx, seqNamespace, seqKey)
}

// Get implements the soft-fail lookup contract: an unknown id reports
// found=false, an expired id reports expired=true with no payload.
// Only storage failures produce an error.
func (s *Store) Get(ctx context.Context, contentID string) (payload []byte, found, expired bool, err error) {
	e, err := s.Fetch(ctx, contentID)
	switch {
	case err == nil:
		return e.Payload, true, false, nil
	case errors.Is(err, memerr.ErrNotFound):
		return nil, false, false, nil
	case errors.Is(err, memerr.ErrExpired):
		return nil, true, true, nil
	default:
		return nil, false, false, err
	}
}

// Fetch returns the entry with its payload. It returns a
// [*memerr.NotFoundError] for unknown ids and a [*memerr.ExpiredError]
// once the TTL has passed, whether or not the entry has been swept.
func (s *Store) Fetch(ctx context.Context, contentID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(ctx, contentID)
	if err != nil {
		return Entry{}, err
	}
	if e.Swept() || e.Expired(s.now()) {
		return Entry{}, &memerr.ExpiredError{ID: contentID, ExpiredAt: e.ExpiresAt}
	}

	path := s.blobPath(contentID)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, memerr.Storage("read", path, err)
	}
	payload, err := s.dec.DecodeAll(compressed, make([]byte, 0, e.Size))
	if err != nil {
		return Entry{}, memerr.Storage("decompress", path, err)
	}
	sum := blake3.Sum256(payload)
	if hex.EncodeToString(sum[:]) != e.Checksum {
		return Entry{}, memerr.Storage("verify", path, errors.New("checksum mismatch"))
	}

	e.Payload = payload
	return e, nil
}

// Lookup returns entry metadata without reading the payload. Expired
// entries are still returned, including swept tombstones.
func (s *Store) Lookup(ctx context.Context, contentID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(ctx, contentID)
}

func (s *Store) lookup(ctx context.Context, contentID string) (Entry, error) {
	if !idPattern.MatchString(contentID) {
		return Entry{}, memerr.NotFound(memerr.KindContent, contentID)
	}

	var e Entry
	var created, expires int64
	var swept sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT content_id, session_id, tool_name, created_at, expires_at,
		        token_count, size, stored_size, checksum, swept_at
		 FROM expandable_content WHERE content_id = ?`, contentID,
	).Scan(&e.ContentID, &e.SessionID, &e.ToolName, &created, &expires,
		&e.TokenCount, &e.Size, &e.StoredSize, &e.Checksum, &swept)
	if err == sql.ErrNoRows {
		return Entry{}, memerr.NotFound(memerr.KindContent, contentID)
	}
	if err != nil {
		return Entry{}, memerr.Storage("query", "expandable_content", err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.ExpiresAt = time.Unix(0, expires).UTC()
	if swept.Valid {
		e.SweptAt = time.Unix(0, swept.Int64).UTC()
	}
	return e, nil
}

// Sweep removes the blob of every live entry whose expiry is at or
// before now, leaving a tombstone row, and returns how many were
// removed. Calling it again with the same now removes nothing further.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.selectIDs(ctx,
		`SELECT content_id FROM expandable_content
		 WHERE expires_at <= ? AND swept_at IS NULL ORDER BY content_id`,
		now.UnixNano())
	if err != nil {
		return 0, err
	}
	removed, err := s.forEach(ctx, ids, func(ctx context.Context, id string) (bool, error) {
		return s.tombstoneOne(ctx, id, now)
	})
	if removed > 0 {
		s.logger.Info("expired content swept", "removed", removed)
	}
	return removed, err
}

// DeleteSession removes every entry belonging to sessionID regardless
// of expiry, tombstones included.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	ids, err := s.selectIDs(ctx,
		`SELECT content_id FROM expandable_content WHERE session_id = ? ORDER BY content_id`,
		sessionID)
	if err != nil {
		return 0, err
	}
	return s.forEach(ctx, ids, s.deleteOne)
}

func (s *Store) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerr.Storage("query", "expandable_content", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, memerr.Storage("scan", "expandable_content", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Storage("query", "expandable_content", err)
	}
	return ids, nil
}

// forEach applies fn to entries one at a time. fn takes the write lock
// itself and reports false for an entry a concurrent sweep got to first.
func (s *Store) forEach(ctx context.Context, ids []string, fn func(context.Context, string) (bool, error)) (int, error) {
	removed := 0
	var errs []error
	for _, id := range ids {
		ok, err := fn(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func (s *Store) deleteOne(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM expandable_content WHERE content_id = ?`, id)
	if err != nil {
		return false, memerr.Storage("delete", "expandable_content", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	s.removeBlob(id)
	return true, nil
}

func (s *Store) tombstoneOne(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE expandable_content SET swept_at = ?, stored_size = 0
		 WHERE content_id = ? AND swept_at IS NULL`,
		now.UTC().UnixNano(), id)
	if err != nil {
		return false, memerr.Storage("sweep", "expandable_content", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.removeBlob(id)
	return true, nil
}

// removeBlob deletes the blob for id. The index row already marks the
// entry unreadable, so a failure only leaves wasted space.
func (s *Store) removeBlob(id string) {
	path := s.blobPath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove content blob", "content_id", id, "path", path, "error", err)
	}
}

// Stats returns the number of live entries and their sizes. Tombstones
// are not counted.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(stored_size), 0) FROM expandable_content
		 WHERE swept_at IS NULL`,
	).Scan(&st.Count, &st.Bytes, &st.StoredBytes)
	if err != nil {
		return Stats{}, memerr.Storage("stats", "expandable_content", err)
	}
	return st, nil
}

func (s *Store) blobPath(id string) string {
	return filepath.Join(s.dir, id+".zst")
}

// writeFileAtomic writes data to a temp file in the target directory
// and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
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
