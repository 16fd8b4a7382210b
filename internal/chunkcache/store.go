// Package chunkcache keeps synthesized chunk audio so repeated text in the
// same voice skips the engine.
package chunkcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
	_ "modernc.org/sqlite"
)

const (
	ModeOff        = "off"
	ModeMemory     = "memory"
	ModePersistent = "persistent"
)

// Key identifies a chunk rendering: model, precision, voice and text.
type Key string

func KeyFor(model tts.ModelConfig, v voice.ID, text string) Key {
	h := sha256.New()
	for _, part := range []string{model.ID, model.DType, string(v), text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Entry is one cached chunk.
type Entry struct {
	Voice      voice.ID
	SampleRate int
	Samples    []float32
}

// Store is a two-tier chunk cache: an LRU in memory and, in persistent mode,
// a SQLite table behind it.
type Store struct {
	db     *sql.DB
	mem    *lru.Cache[Key, Entry]
	cfg    config.CacheConfig
	log    *slog.Logger
	clock  func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// Open initializes the cache according to config.
func Open(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "chunk-cache")), clock: time.Now}
	if cfg.Mode == ModeOff {
		return s, nil
	}

	size := cfg.MemoryEntries
	if size <= 0 {
		size = 1
	}
	mem, err := lru.New[Key, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	s.mem = mem
	if cfg.Mode != ModePersistent {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("chunk cache vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("chunk cache prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS chunks (
    key TEXT PRIMARY KEY,
    voice TEXT NOT NULL,
    sample_rate INTEGER NOT NULL,
    samples BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    last_used_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_last_used ON chunks(last_used_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether lookups can ever hit.
func (s *Store) Enabled() bool { return s != nil && s.mem != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached entry for key. A disk hit is promoted to memory.
func (s *Store) Get(ctx context.Context, key Key) (Entry, bool, error) {
	if !s.Enabled() {
		return Entry{}, false, nil
	}
	if e, ok := s.mem.Get(key); ok {
		s.hits.Add(1)
		return e, true, nil
	}
	if s.db == nil {
		s.misses.Add(1)
		return Entry{}, false, nil
	}

	var (
		v       string
		rate    int
		payload []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT voice, sample_rate, samples FROM chunks WHERE key = ?`, string(key)).Scan(&v, &rate, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("query chunk: %w", err)
	}
	samples, err := audio.BytesToFloat32(payload)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode cached chunk: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chunks SET last_used_at = ? WHERE key = ?`, s.now(), string(key)); err != nil {
		s.log.Debug("failed to touch cached chunk", slog.String("error", err.Error()))
	}
	e := Entry{Voice: voice.ID(v), SampleRate: rate, Samples: samples}
	s.mem.Add(key, e)
	s.hits.Add(1)
	return e, true, nil
}

// Put stores an entry in every enabled tier.
func (s *Store) Put(ctx context.Context, key Key, e Entry) error {
	if !s.Enabled() {
		return nil
	}
	s.mem.Add(key, e)
	if s.db == nil {
		return nil
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks(key, voice, sample_rate, samples, created_at, last_used_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET sample_rate=excluded.sample_rate, samples=excluded.samples, last_used_at=excluded.last_used_at`,
		string(key), string(e.Voice), e.SampleRate, audio.Float32Bytes(e.Samples), now, now)
	if err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	return nil
}

// Prune applies configured retention to the disk tier: entries unused for
// RetentionDays go first, then the least recently used beyond MaxEntries.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE last_used_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE key IN (
			SELECT key FROM chunks ORDER BY last_used_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of chunks on disk, or in memory when the cache is
// not persistent.
func (s *Store) Count(ctx context.Context) (int, error) {
	switch {
	case !s.Enabled():
		return 0, nil
	case s.db == nil:
		return s.mem.Len(), nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// Stats returns lookup hit and miss counts since Open.
func (s *Store) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

func (s *Store) now() int64 { return s.clock().UnixMilli() }
