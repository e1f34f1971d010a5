// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store] on a single shared [pgxpool.Pool].
//
// [Migrate] is idempotent and creates all required tables and indexes via
// CREATE TABLE IF NOT EXISTS; it runs automatically from [NewStore].
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT         PRIMARY KEY,
    technician_id  TEXT         NOT NULL DEFAULT '',
    job_id         TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL,
    started_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_conversations_status
    ON conversations (status);
`

const ddlTranscriptionSegments = `
CREATE TABLE IF NOT EXISTS transcription_segments (
    id              TEXT              PRIMARY KEY,
    conversation_id TEXT              NOT NULL,
    speaker_type    TEXT              NOT NULL,
    text            TEXT              NOT NULL,
    start_time      DOUBLE PRECISION  NOT NULL,
    end_time        DOUBLE PRECISION  NOT NULL,
    confidence      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    is_final        BOOLEAN           NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_segments_conversation_start
    ON transcription_segments (conversation_id, start_time);
`

const ddlLiveNudges = `
CREATE TABLE IF NOT EXISTS live_nudges (
    id                 TEXT              PRIMARY KEY,
    conversation_id    TEXT              NOT NULL,
    nudge_type         TEXT              NOT NULL,
    priority           TEXT              NOT NULL,
    title              TEXT              NOT NULL DEFAULT '',
    message            TEXT              NOT NULL DEFAULT '',
    suggested_response TEXT              NOT NULL DEFAULT '',
    trigger_phrase     TEXT              NOT NULL DEFAULT '',
    trigger_offset     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    confidence         DOUBLE PRECISION  NOT NULL DEFAULT 0,
    is_fallback        BOOLEAN           NOT NULL DEFAULT FALSE,
    state              TEXT              NOT NULL,
    created_at         TIMESTAMPTZ       NOT NULL DEFAULT now(),
    expires_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_live_nudges_conversation
    ON live_nudges (conversation_id, created_at);
`

const ddlNudgeEvents = `
CREATE TABLE IF NOT EXISTS nudge_events (
    id          BIGSERIAL    PRIMARY KEY,
    nudge_id    TEXT         NOT NULL,
    state       TEXT         NOT NULL,
    occurred_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_nudge_events_nudge
    ON nudge_events (nudge_id, occurred_at);
`

// Migrate ensures all livecoach tables and indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{
		ddlConversations,
		ddlTranscriptionSegments,
		ddlLiveNudges,
		ddlNudgeEvents,
	} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
