// Package store defines the persistence contracts for the livecoach pipeline.
//
// The pipeline writes append-only: finalized segments exactly once, nudges on
// creation, and every lifecycle transition as its own event row. Historical
// transcript rows are never updated destructively.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/callwise/livecoach/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ConversationStore persists conversation rows and status changes.
type ConversationStore interface {
	// SaveConversation inserts a conversation. Idempotent on id.
	SaveConversation(ctx context.Context, c types.Conversation) error

	// UpdateConversationStatus transitions the conversation's lifecycle
	// status. endedAt is recorded when non-zero.
	UpdateConversationStatus(ctx context.Context, id string, status types.ConversationStatus, endedAt time.Time) error

	// GetConversation fetches one conversation, or [ErrNotFound].
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
}

// SegmentStore persists finalized transcript segments. Writes are idempotent
// on segment id.
type SegmentStore interface {
	SaveSegment(ctx context.Context, seg types.Segment) error

	// ListSegments returns a conversation's finalized segments ordered by
	// start offset.
	ListSegments(ctx context.Context, conversationID string) ([]types.Segment, error)
}

// NudgeStore persists nudges and their lifecycle transitions.
type NudgeStore interface {
	// SaveNudge inserts a new nudge row in its initial state.
	SaveNudge(ctx context.Context, n *types.Nudge) error

	// SaveTransition appends one lifecycle transition and updates the nudge
	// row's current state.
	SaveTransition(ctx context.Context, nudgeID string, state types.NudgeState, at time.Time) error

	// ListNudges returns a conversation's nudges ordered by creation time.
	ListNudges(ctx context.Context, conversationID string) ([]types.Nudge, error)
}

// Store combines all persistence contracts of the pipeline.
type Store interface {
	ConversationStore
	SegmentStore
	NudgeStore

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close()
}
