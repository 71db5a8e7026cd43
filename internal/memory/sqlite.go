package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// phoneticThreshold is the minimum Jaro-Winkler score for a phonetic
// near-miss to count as a search hit.
const phoneticThreshold = 0.70

// Option configures a [SQLStore].
type Option func(*SQLStore)

// WithKeyGenerator installs the key derivation helper used when Save is
// called without a key.
func WithKeyGenerator(kg KeyGenerator) Option {
	return func(s *SQLStore) { s.keygen = kg }
}

// WithLogger sets the store logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *SQLStore) { s.log = log }
}

// SQLStore is the SQLite-backed [Store]. It keeps a full in-memory mirror of
// the memories table; cache and database mutate under the same lock.
type SQLStore struct {
	db     *sql.DB
	keygen KeyGenerator
	log    *slog.Logger

	mu    sync.RWMutex
	cache map[string]Record
}

var _ Store = (*SQLStore)(nil)

const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    key           TEXT    PRIMARY KEY,
    content       TEXT    NOT NULL,
    category      TEXT    NOT NULL,
    is_fact       INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP NOT NULL
);`

// NewSQLStore creates the memories table if needed and warms the cache from
// the database. The *sql.DB is shared with the journal; both ride the same
// single-connection WAL database.
func NewSQLStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{
		db:    db,
		log:   slog.Default(),
		cache: make(map[string]Record),
	}
	for _, o := range opts {
		o(s)
	}

	if _, err := db.ExecContext(ctx, ddlMemories); err != nil {
		return nil, fmt.Errorf("memory: create table: %w", err)
	}
	if err := s.warmCache(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) warmCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, content, category, is_fact, created_at, updated_at, last_accessed FROM memories`)
	if err != nil {
		return fmt.Errorf("memory: warm cache: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		var fact int
		if err := rows.Scan(&r.Key, &r.Content, &r.Category, &fact,
			&r.CreatedAt, &r.UpdatedAt, &r.LastAccessed); err != nil {
			return fmt.Errorf("memory: warm cache scan: %w", err)
		}
		r.IsFact = fact != 0
		s.cache[r.Key] = r
	}
	return rows.Err()
}

// Save implements [Store]. Writes are durable before the call returns.
func (s *SQLStore) Save(ctx context.Context, key, content string, category Category, isFact bool) (SaveResult, error) {
	if strings.TrimSpace(content) == "" {
		return SaveResult{}, fmt.Errorf("memory: save: empty content")
	}
	if category == "" {
		category = CategoryGeneral
	}
	if !category.IsValid() {
		return SaveResult{}, fmt.Errorf("memory: save: invalid category %q", category)
	}

	if key == "" {
		key = s.deriveKey(ctx, content)
	}
	key = NormalizeKey(key)
	if key == "" {
		return SaveResult{}, fmt.Errorf("memory: save: content yields empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, exists := s.cache[key]

	rec := Record{
		Key:          key,
		Content:      content,
		Category:     category,
		IsFact:       isFact,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
	}
	action := ActionCreated
	if exists {
		action = ActionUpdated
		rec.CreatedAt = existing.CreatedAt
		// Saving over an existing record never changes its protection.
		rec.IsFact = existing.IsFact
	}

	const q = `
		INSERT INTO memories (key, content, category, is_fact, created_at, updated_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
		    content       = excluded.content,
		    category      = excluded.category,
		    is_fact       = excluded.is_fact,
		    updated_at    = excluded.updated_at,
		    last_accessed = excluded.last_accessed`
	_, err := s.db.ExecContext(ctx, q,
		rec.Key, rec.Content, string(rec.Category), boolInt(rec.IsFact),
		rec.CreatedAt, rec.UpdatedAt, rec.LastAccessed)
	if err != nil {
		return SaveResult{}, fmt.Errorf("memory: save %q: %w", key, err)
	}

	s.cache[key] = rec
	return SaveResult{Key: key, Action: action}, nil
}

// deriveKey asks the configured generator for a key, falling back to a
// deterministic content-derived key on any failure.
func (s *SQLStore) deriveKey(ctx context.Context, content string) string {
	if s.keygen != nil {
		key, err := s.keygen.GenerateKey(ctx, content)
		if err == nil && NormalizeKey(key) != "" {
			return key
		}
		if err != nil {
			s.log.Warn("memory key generation failed, using fallback", "error", err)
		}
	}
	return FallbackKey(content)
}

// Get implements [Store]. The last_accessed touch happens on a detached
// goroutine so recall latency never includes a disk write.
func (s *SQLStore) Get(ctx context.Context, key string) (*Record, error) {
	key = NormalizeKey(key)

	s.mu.RLock()
	rec, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	go s.touch(key)

	out := rec
	return &out, nil
}

// touch updates last_accessed in both the database and the cache.
func (s *SQLStore) touch(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[key]
	if !ok {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed = ? WHERE key = ?`, now, key); err != nil {
		s.log.Warn("memory touch failed", "key", key, "error", err)
		return
	}
	rec.LastAccessed = now
	s.cache[key] = rec
}

// Search implements [Store]. Substring match on keys first; when nothing
// matches literally, a phonetic pass catches near-misses the STT layer tends
// to produce ("mildred" vs "mildrid").
func (s *SQLStore) Search(ctx context.Context, query string) ([]Record, error) {
	needle := NormalizeKey(query)
	if needle == "" {
		return []Record{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for key, rec := range s.cache {
		if strings.Contains(key, needle) {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		for key, rec := range s.cache {
			if phoneticMatch(needle, key) {
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// phoneticMatch reports whether any token of query sounds like any token of
// key, confirmed by a Jaro-Winkler score above the threshold.
func phoneticMatch(query, key string) bool {
	qTokens := strings.Split(query, "-")
	kTokens := strings.Split(key, "-")
	for _, qt := range qTokens {
		qp, qs := matchr.DoubleMetaphone(qt)
		for _, kt := range kTokens {
			kp, ks := matchr.DoubleMetaphone(kt)
			if qp == "" || kp == "" {
				continue
			}
			if qp != kp && qp != ks && (qs == "" || (qs != kp && qs != ks)) {
				continue
			}
			if matchr.JaroWinkler(qt, kt, false) >= phoneticThreshold {
				return true
			}
		}
	}
	return false
}

// Remove implements [Store].
func (s *SQLStore) Remove(ctx context.Context, key string, force bool) (MutationResult, error) {
	key = NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cache[key]
	if !ok {
		return ResultNotFound, nil
	}
	if rec.IsFact && !force {
		return ResultProtected, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key); err != nil {
		return "", fmt.Errorf("memory: remove %q: %w", key, err)
	}
	delete(s.cache, key)
	return ResultOK, nil
}

// Update implements [Store]. An empty category keeps the existing one.
func (s *SQLStore) Update(ctx context.Context, key, content string, category Category, force bool) (MutationResult, error) {
	key = NormalizeKey(key)
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("memory: update %q: empty content", key)
	}
	if category != "" && !category.IsValid() {
		return "", fmt.Errorf("memory: update %q: invalid category %q", key, category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cache[key]
	if !ok {
		return ResultNotFound, nil
	}
	if rec.IsFact && !force {
		return ResultProtected, nil
	}

	if category == "" {
		category = rec.Category
	}
	now := time.Now().UTC()

	const q = `UPDATE memories SET content = ?, category = ?, updated_at = ? WHERE key = ?`
	if _, err := s.db.ExecContext(ctx, q, content, string(category), now, key); err != nil {
		return "", fmt.Errorf("memory: update %q: %w", key, err)
	}

	rec.Content = content
	rec.Category = category
	rec.UpdatedAt = now
	s.cache[key] = rec
	return ResultOK, nil
}

// ListKeys implements [Store]. Keys come back sorted for stable prompts.
func (s *SQLStore) ListKeys(ctx context.Context) (KeyList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kl := KeyList{Facts: []string{}, Memories: []string{}}
	for key, rec := range s.cache {
		if rec.IsFact {
			kl.Facts = append(kl.Facts, key)
		} else {
			kl.Memories = append(kl.Memories, key)
		}
	}
	sort.Strings(kl.Facts)
	sort.Strings(kl.Memories)
	return kl, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
