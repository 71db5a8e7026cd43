package journal

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is the ordered list of schema versions. Each entry runs inside
// its own transaction and is recorded in schema_migrations, so re-running the
// loader against an up-to-date database is a no-op.
//
// Never edit an existing entry once released; append a new version instead.
var migrations = []string{
	// v1 — base schema: conversations, messages, analytics.
	`
CREATE TABLE IF NOT EXISTS conversations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    call_sid    TEXT    NOT NULL UNIQUE,
    started_at  TIMESTAMP NOT NULL,
    ended_at    TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    summary     TEXT    NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role            TEXT    NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content         TEXT    NOT NULL,
    timestamp       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, timestamp);

CREATE TABLE IF NOT EXISTS analytics (
    conversation_id     INTEGER PRIMARY KEY REFERENCES conversations (id) ON DELETE CASCADE,
    anxiety             INTEGER NOT NULL,
    agitation           INTEGER NOT NULL,
    confusion           INTEGER NOT NULL,
    comfort             INTEGER NOT NULL,
    mentions_pain       INTEGER NOT NULL DEFAULT 0,
    mentions_medication INTEGER NOT NULL DEFAULT 0,
    mentions_loneliness INTEGER NOT NULL DEFAULT 0,
    notes               TEXT    NOT NULL DEFAULT '',
    created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
}

// migrate applies any pending schema versions in order. Safe to call on every
// application start.
func migrate(ctx context.Context, db *sql.DB) error {
	const bootstrap = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
	if _, err := db.ExecContext(ctx, bootstrap); err != nil {
		return fmt.Errorf("journal: migrate bootstrap: %w", err)
	}

	var current int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("journal: migrate version probe: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("journal: migrate v%d begin: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal: migrate v%d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal: migrate v%d record: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("journal: migrate v%d commit: %w", version, err)
		}
	}
	return nil
}
