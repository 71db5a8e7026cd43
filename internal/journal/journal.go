// Package journal persists completed calls: conversation metadata, the full
// message transcript, the analyzer summary, and the post-call emotional
// metrics.
//
// The backing store is a single SQLite database file opened in WAL mode with
// one writer connection, so transactions serialize naturally. Writes are
// atomic per call: a failed transaction leaves the database unchanged and the
// caller may retry. The summary row is committed before messages so a
// message-save failure never loses the call record itself.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is one of the three persisted roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one transcript entry. Timestamps order messages within a call;
// ties are broken user-before-assistant so a question always precedes its
// answer.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is the per-call record written on session close. The Summary field
// carries the analyzer's aggregate JSON verbatim.
type Summary struct {
	CallID    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Summary   json.RawMessage
}

// EmotionalMetrics is the structured post-call analysis. Scalar fields are on
// a 0–10 scale.
type EmotionalMetrics struct {
	Anxiety   int `json:"anxiety"`
	Agitation int `json:"agitation"`
	Confusion int `json:"confusion"`
	Comfort   int `json:"comfort"`

	MentionsPain       bool `json:"mentions_pain"`
	MentionsMedication bool `json:"mentions_medication"`
	MentionsLoneliness bool `json:"mentions_loneliness"`

	Notes string `json:"notes"`
}

// Journal is the durable conversation store. All methods are safe for
// concurrent use; the underlying connection pool is capped at one connection
// so writes serialize.
type Journal struct {
	db  *sql.DB
	loc *time.Location
}

// Option configures a Journal.
type Option func(*Journal)

// WithLocation sets the timezone loaded timestamps are returned in. Storage
// is always UTC. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(j *Journal) {
		if loc != nil {
			j.loc = loc
		}
	}
}

// Open opens (creating if needed) the database at path, switches it to WAL
// mode, and applies pending schema migrations. Pass ":memory:" for an
// ephemeral store in tests.
func Open(ctx context.Context, path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// Single writer connection; SQLite serializes anyway and this avoids
	// SQLITE_BUSY churn between goroutines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA synchronous = NORMAL`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", p, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{db: db, loc: time.UTC}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

// DB exposes the underlying handle for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// SaveSummary upserts the conversation row keyed on call id and replaces its
// dependent analytics row inside one transaction. Returns the numeric
// conversation id used by SaveMessages and SaveEmotionalMetrics.
func (j *Journal) SaveSummary(ctx context.Context, s Summary) (int64, error) {
	if s.CallID == "" {
		return 0, fmt.Errorf("journal: save summary: empty call id")
	}
	summary := s.Summary
	if len(summary) == 0 {
		summary = json.RawMessage(`{}`)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("journal: save summary: begin: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO conversations (call_sid, started_at, ended_at, duration_ms, summary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (call_sid) DO UPDATE SET
		    started_at  = excluded.started_at,
		    ended_at    = excluded.ended_at,
		    duration_ms = excluded.duration_ms,
		    summary     = excluded.summary
		RETURNING id`

	var id int64
	err = tx.QueryRowContext(ctx, upsert,
		s.CallID,
		s.StartedAt.UTC(),
		s.EndedAt.UTC(),
		s.Duration.Milliseconds(),
		string(summary),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("journal: save summary: upsert: %w", err)
	}

	// Stale analytics from a previous save of the same call are replaced,
	// not merged.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM analytics WHERE conversation_id = ?`, id); err != nil {
		return 0, fmt.Errorf("journal: save summary: clear analytics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: save summary: commit: %w", err)
	}
	return id, nil
}

// SaveMessages replaces the transcript for the given conversation. It
// validates roles and timestamps up front, then deletes existing rows and
// batch-inserts the new set in one transaction, so repeated saves of the same
// slice are idempotent.
func (j *Journal) SaveMessages(ctx context.Context, conversationID int64, msgs []Message) error {
	for i, m := range msgs {
		if !m.Role.IsValid() {
			return fmt.Errorf("journal: save messages: message %d has invalid role %q", i, m.Role)
		}
		if m.Timestamp.IsZero() {
			return fmt.Errorf("journal: save messages: message %d has zero timestamp", i)
		}
	}

	ordered := make([]Message, len(msgs))
	copy(ordered, msgs)
	sortMessages(ordered)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: save messages: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("journal: save messages: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("journal: save messages: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range ordered {
		if _, err := stmt.ExecContext(ctx, conversationID, string(m.Role), m.Content, m.Timestamp.UTC()); err != nil {
			return fmt.Errorf("journal: save messages: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: save messages: commit: %w", err)
	}
	return nil
}

// LoadMessages returns the transcript for the call, timestamp ascending with
// user rows before assistant rows on equal timestamps.
func (j *Journal) LoadMessages(ctx context.Context, callID string) ([]Message, error) {
	const q = `
		SELECT m.role, m.content, m.timestamp
		FROM   messages m
		JOIN   conversations c ON c.id = m.conversation_id
		WHERE  c.call_sid = ?
		ORDER  BY m.timestamp ASC,
		          CASE m.role WHEN 'system' THEN 0 WHEN 'user' THEN 1 ELSE 2 END`

	rows, err := j.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("journal: load messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("journal: load messages: scan: %w", err)
		}
		m.Role = Role(role)
		m.Timestamp = m.Timestamp.In(j.loc)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: load messages: rows: %w", err)
	}
	return msgs, nil
}

// SaveEmotionalMetrics writes the post-call analysis row. It is independent
// of summary and message saves; a retry replaces the previous row.
func (j *Journal) SaveEmotionalMetrics(ctx context.Context, conversationID int64, m EmotionalMetrics) error {
	for _, v := range []struct {
		name  string
		value int
	}{
		{"anxiety", m.Anxiety},
		{"agitation", m.Agitation},
		{"confusion", m.Confusion},
		{"comfort", m.Comfort},
	} {
		if v.value < 0 || v.value > 10 {
			return fmt.Errorf("journal: save metrics: %s %d out of range [0,10]", v.name, v.value)
		}
	}

	const q = `
		INSERT INTO analytics
		    (conversation_id, anxiety, agitation, confusion, comfort,
		     mentions_pain, mentions_medication, mentions_loneliness, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
		    anxiety             = excluded.anxiety,
		    agitation           = excluded.agitation,
		    confusion           = excluded.confusion,
		    comfort             = excluded.comfort,
		    mentions_pain       = excluded.mentions_pain,
		    mentions_medication = excluded.mentions_medication,
		    mentions_loneliness = excluded.mentions_loneliness,
		    notes               = excluded.notes`

	_, err := j.db.ExecContext(ctx, q,
		conversationID,
		m.Anxiety, m.Agitation, m.Confusion, m.Comfort,
		boolInt(m.MentionsPain), boolInt(m.MentionsMedication), boolInt(m.MentionsLoneliness),
		m.Notes,
	)
	if err != nil {
		return fmt.Errorf("journal: save metrics: %w", err)
	}
	return nil
}

// LoadEmotionalMetrics returns the analysis row for the conversation, or
// (nil, nil) when none has been written yet.
func (j *Journal) LoadEmotionalMetrics(ctx context.Context, conversationID int64) (*EmotionalMetrics, error) {
	const q = `
		SELECT anxiety, agitation, confusion, comfort,
		       mentions_pain, mentions_medication, mentions_loneliness, notes
		FROM   analytics
		WHERE  conversation_id = ?`

	var m EmotionalMetrics
	var pain, med, lonely int
	err := j.db.QueryRowContext(ctx, q, conversationID).Scan(
		&m.Anxiety, &m.Agitation, &m.Confusion, &m.Comfort,
		&pain, &med, &lonely, &m.Notes,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load metrics: %w", err)
	}
	m.MentionsPain = pain != 0
	m.MentionsMedication = med != 0
	m.MentionsLoneliness = lonely != 0
	return &m, nil
}

// sortMessages orders by timestamp ascending, breaking ties system, then
// user, then assistant. Stable so equal entries keep their append order.
func sortMessages(msgs []Message) {
	rank := func(r Role) int {
		switch r {
		case RoleSystem:
			return 0
		case RoleUser:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(msgs, func(i, k int) bool {
		if !msgs[i].Timestamp.Equal(msgs[k].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[k].Timestamp)
		}
		return rank(msgs[i].Role) < rank(msgs[k].Role)
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
