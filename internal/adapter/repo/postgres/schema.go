package postgres

import (
	"context"
	"fmt"
)

// schemaSQL bootstraps the tables; every statement is idempotent so the
// worker and the server can both run it at startup.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_states (
    id                   TEXT PRIMARY KEY,
    conversation_id      TEXT NOT NULL,
    objective            TEXT NOT NULL DEFAULT '',
    current_objective    TEXT NOT NULL DEFAULT '',
    current_level        INT  NOT NULL DEFAULT -1,
    current_hypothesis   TEXT NOT NULL DEFAULT '',
    methodology          TEXT NOT NULL DEFAULT '',
    conversation_title   TEXT NOT NULL DEFAULT '',
    research_mode        TEXT NOT NULL DEFAULT 'semi-autonomous',
    plan                 JSONB NOT NULL DEFAULT '[]',
    suggested_next_steps JSONB NOT NULL DEFAULT '[]',
    key_insights         JSONB NOT NULL DEFAULT '[]',
    discoveries          JSONB NOT NULL DEFAULT '[]',
    uploaded_datasets    JSONB NOT NULL DEFAULT '[]',
    agent_notes          JSONB NOT NULL DEFAULT '[]',
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    question        TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL DEFAULT '',
    summary         TEXT NOT NULL DEFAULT '',
    source          TEXT NOT NULL DEFAULT '',
    state_id        TEXT NOT NULL DEFAULT '',
    response_time   DOUBLE PRECISION,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS iteration_states (
    id               TEXT PRIMARY KEY,
    message_id       TEXT NOT NULL,
    conversation_id  TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    source           TEXT NOT NULL DEFAULT '',
    is_deep_research BOOLEAN NOT NULL DEFAULT FALSE,
    status           TEXT NOT NULL DEFAULT 'running',
    error            TEXT NOT NULL DEFAULT '',
    values_json      JSONB NOT NULL DEFAULT '{}',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS files (
    id                    TEXT PRIMARY KEY,
    conversation_state_id TEXT NOT NULL,
    conversation_id       TEXT NOT NULL,
    user_id               TEXT NOT NULL,
    filename              TEXT NOT NULL,
    mime                  TEXT NOT NULL DEFAULT '',
    size                  BIGINT NOT NULL DEFAULT 0,
    storage_path          TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'pending',
    error                 TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_files_state ON files (conversation_state_id, status);
`

// EnsureSchema applies the embedded schema.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
