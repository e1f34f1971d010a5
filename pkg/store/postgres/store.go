package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callwise/livecoach/pkg/store"
	"github.com/callwise/livecoach/pkg/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed persistence layer. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveConversation implements [store.ConversationStore]. Re-inserting an
// existing id is a no-op.
func (s *Store) SaveConversation(ctx context.Context, c types.Conversation) error {
	const q = `
		INSERT INTO conversations (id, technician_id, job_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, c.ID, c.TechnicianID, c.JobID, string(c.Status), c.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres store: save conversation: %w", err)
	}
	return nil
}

// UpdateConversationStatus implements [store.ConversationStore].
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status types.ConversationStatus, endedAt time.Time) error {
	const q = `
		UPDATE conversations
		SET    status = $2,
		       ended_at = COALESCE($3, ended_at)
		WHERE  id = $1`

	var ended *time.Time
	if !endedAt.IsZero() {
		ended = &endedAt
	}
	tag, err := s.pool.Exec(ctx, q, id, string(status), ended)
	if err != nil {
		return fmt.Errorf("postgres store: update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: update conversation status: %w", store.ErrNotFound)
	}
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	const q = `
		SELECT id, technician_id, job_id, status, started_at, ended_at
		FROM   conversations
		WHERE  id = $1`

	var (
		c     types.Conversation
		ended *time.Time
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.TechnicianID, &c.JobID, &c.Status, &c.StartedAt, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: get conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get conversation: %w", err)
	}
	if ended != nil {
		c.EndedAt = *ended
	}
	return &c, nil
}

// SaveSegment implements [store.SegmentStore]. Idempotent on segment id: a
// duplicate insert is silently ignored.
func (s *Store) SaveSegment(ctx context.Context, seg types.Segment) error {
	const q = `
		INSERT INTO transcription_segments
		    (id, conversation_id, speaker_type, text, start_time, end_time, confidence, is_final)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		seg.ID, seg.ConversationID, string(seg.Speaker), seg.Text,
		seg.Start, seg.End, seg.Confidence, seg.IsFinal)
	if err != nil {
		return fmt.Errorf("postgres store: save segment: %w", err)
	}
	return nil
}

// ListSegments implements [store.SegmentStore].
func (s *Store) ListSegments(ctx context.Context, conversationID string) ([]types.Segment, error) {
	const q = `
		SELECT id, conversation_id, speaker_type, text, start_time, end_time, confidence, is_final
		FROM   transcription_segments
		WHERE  conversation_id = $1
		ORDER  BY start_time`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list segments: %w", err)
	}
	defer rows.Close()

	var out []types.Segment
	for rows.Next() {
		var seg types.Segment
		if err := rows.Scan(&seg.ID, &seg.ConversationID, &seg.Speaker, &seg.Text,
			&seg.Start, &seg.End, &seg.Confidence, &seg.IsFinal); err != nil {
			return nil, fmt.Errorf("postgres store: scan segment: %w", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list segments: %w", err)
	}
	return out, nil
}

// SaveNudge implements [store.NudgeStore].
func (s *Store) SaveNudge(ctx context.Context, n *types.Nudge) error {
	const q = `
		INSERT INTO live_nudges
		    (id, conversation_id, nudge_type, priority, title, message,
		     suggested_response, trigger_phrase, trigger_offset, confidence,
		     is_fallback, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		n.ID, n.ConversationID, string(n.Category), string(n.Priority),
		n.Title, n.Message, n.SuggestedResponse, n.TriggerPhrase,
		n.TriggerOffset, n.Confidence, n.Fallback, string(n.State),
		n.CreatedAt, n.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres store: save nudge: %w", err)
	}
	return nil
}

// SaveTransition implements [store.NudgeStore]. The transition is appended to
// nudge_events and the live_nudges row's current state is updated, in one
// transaction.
func (s *Store) SaveTransition(ctx context.Context, nudgeID string, state types.NudgeState, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: save transition: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO nudge_events (nudge_id, state, occurred_at) VALUES ($1, $2, $3)`,
		nudgeID, string(state), at); err != nil {
		return fmt.Errorf("postgres store: save transition: insert event: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE live_nudges SET state = $2 WHERE id = $1`,
		nudgeID, string(state)); err != nil {
		return fmt.Errorf("postgres store: save transition: update nudge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: save transition: commit: %w", err)
	}
	return nil
}

// ListNudges implements [store.NudgeStore].
func (s *Store) ListNudges(ctx context.Context, conversationID string) ([]types.Nudge, error) {
	const q = `
		SELECT id, conversation_id, nudge_type, priority, title, message,
		       suggested_response, trigger_phrase, trigger_offset, confidence,
		       is_fallback, state, created_at, expires_at
		FROM   live_nudges
		WHERE  conversation_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list nudges: %w", err)
	}
	defer rows.Close()

	var out []types.Nudge
	for rows.Next() {
		var (
			n       types.Nudge
			expires *time.Time
		)
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.Category, &n.Priority,
			&n.Title, &n.Message, &n.SuggestedResponse, &n.TriggerPhrase,
			&n.TriggerOffset, &n.Confidence, &n.Fallback, &n.State,
			&n.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("postgres store: scan nudge: %w", err)
		}
		if expires != nil {
			n.ExpiresAt = *expires
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list nudges: %w", err)
	}
	return out, nil
}
