// Package mock provides an in-memory test double for [store.Store].
//
// All data lives in maps guarded by a mutex; use it in unit tests and when
// running without a database. Set the Err field to inject failures into every
// operation.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/callwise/livecoach/pkg/store"
	"github.com/callwise/livecoach/pkg/types"
)

// Transition records one persisted lifecycle transition.
type Transition struct {
	NudgeID    string
	State      types.NudgeState
	OccurredAt time.Time
}

// Store is an in-memory implementation of [store.Store].
type Store struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every operation.
	Err error

	conversations map[string]types.Conversation
	segments      map[string]types.Segment
	nudges        map[string]types.Nudge

	// Transitions records every SaveTransition call in order.
	Transitions []Transition
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		conversations: make(map[string]types.Conversation),
		segments:      make(map[string]types.Segment),
		nudges:        make(map[string]types.Nudge),
	}
}

func (s *Store) SaveConversation(_ context.Context, c types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.conversations[c.ID]; !ok {
		s.conversations[c.ID] = c
	}
	return nil
}

func (s *Store) UpdateConversationStatus(_ context.Context, id string, status types.ConversationStatus, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("mock store: update conversation status: %w", store.ErrNotFound)
	}
	c.Status = status
	if !endedAt.IsZero() {
		c.EndedAt = endedAt
	}
	s.conversations[id] = c
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("mock store: get conversation %s: %w", id, store.ErrNotFound)
	}
	cp := c
	return &cp, nil
}

func (s *Store) SaveSegment(_ context.Context, seg types.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.segments[seg.ID]; !ok {
		s.segments[seg.ID] = seg
	}
	return nil
}

func (s *Store) ListSegments(_ context.Context, conversationID string) ([]types.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []types.Segment
	for _, seg := range s.segments {
		if seg.ConversationID == conversationID {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (s *Store) SaveNudge(_ context.Context, n *types.Nudge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.nudges[n.ID]; !ok {
		s.nudges[n.ID] = *n
	}
	return nil
}

func (s *Store) SaveTransition(_ context.Context, nudgeID string, state types.NudgeState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Transitions = append(s.Transitions, Transition{NudgeID: nudgeID, State: state, OccurredAt: at})
	if n, ok := s.nudges[nudgeID]; ok {
		n.State = state
		s.nudges[nudgeID] = n
	}
	return nil
}

func (s *Store) ListNudges(_ context.Context, conversationID string) ([]types.Nudge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []types.Nudge
	for _, n := range s.nudges {
		if n.ConversationID == conversationID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

func (s *Store) Close() {}
