// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parlor-games/parlor/lib/clock"
	"github.com/parlor-games/parlor/mailbox"
)

// DefaultMessageTTL is how long an undrained box and an inactive
// roster entry survive. A card session is an evening; a day covers
// every legitimate reattach without hoarding abandoned sessions.
const DefaultMessageTTL = 24 * time.Hour

// Store persists session rosters and per-peer message boxes. All
// methods are safe for concurrent use. Append to a peer that never
// joined succeeds; the box simply ages out if nobody drains it.
type Store interface {
	// Append files msg in the box of (session, peer).
	Append(ctx context.Context, session, peer string, msg mailbox.Message) error

	// Drain removes and returns everything in the box of
	// (session, peer), in arrival order. An empty or unknown box
	// yields an empty slice.
	Drain(ctx context.Context, session, peer string) ([]mailbox.Message, error)

	// AddPeer registers peer in the session roster. Idempotent;
	// re-adding refreshes the entry's TTL.
	AddPeer(ctx context.Context, session, peer string) error

	// RemovePeer drops peer from the session roster.
	RemovePeer(ctx context.Context, session, peer string) error

	// Roster lists the session's registered peers, sorted.
	Roster(ctx context.Context, session string) ([]string, error)

	// Purge discards the box of (session, peer) without returning it.
	Purge(ctx context.Context, session, peer string) error
}

// boxKey addresses one peer's box within one session.
type boxKey struct {
	session string
	peer    string
}

type memoryBox struct {
	messages []mailbox.Message
	touched  time.Time
}

// MemoryStore keeps boxes and rosters in process memory. TTL is
// enforced lazily: stale entries are reaped when a drain or roster
// read walks past them, so an idle store costs nothing.
type MemoryStore struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	boxes   map[boxKey]*memoryBox
	rosters map[string]map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A zero ttl means
// [DefaultMessageTTL]; a nil clk means the real clock.
func NewMemoryStore(ttl time.Duration, clk clock.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		ttl:     ttl,
		clock:   clk,
		boxes:   make(map[boxKey]*memoryBox),
		rosters: make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) Append(ctx context.Context, session, peer string, msg mailbox.Message) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := boxKey{session: session, peer: peer}
	box := s.boxes[key]
	if box == nil {
		box = &memoryBox{}
		s.boxes[key] = box
	}
	box.messages = append(box.messages, msg)
	box.touched = now
	return nil
}

func (s *MemoryStore) Drain(ctx context.Context, session, peer string) ([]mailbox.Message, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(now)

	// Draining is peer activity; keep the roster entry warm.
	if roster := s.rosters[session]; roster != nil {
		if _, ok := roster[peer]; ok {
			roster[peer] = now
		}
	}

	key := boxKey{session: session, peer: peer}
	box := s.boxes[key]
	if box == nil {
		return []mailbox.Message{}, nil
	}
	delete(s.boxes, key)
	return box.messages, nil
}

func (s *MemoryStore) AddPeer(ctx context.Context, session, peer string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.rosters[session]
	if roster == nil {
		roster = make(map[string]time.Time)
		s.rosters[session] = roster
	}
	roster[peer] = now
	return nil
}

func (s *MemoryStore) RemovePeer(ctx context.Context, session, peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.rosters[session]
	if roster == nil {
		return nil
	}
	delete(roster, peer)
	if len(roster) == 0 {
		delete(s.rosters, session)
	}
	return nil
}

func (s *MemoryStore) Roster(ctx context.Context, session string) ([]string, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(now)
	roster := s.rosters[session]
	peers := make([]string, 0, len(roster))
	for peer := range roster {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers, nil
}

func (s *MemoryStore) Purge(ctx context.Context, session, peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.boxes, boxKey{session: session, peer: peer})
	return nil
}

// reapLocked drops boxes and roster entries idle past the TTL.
// Callers hold s.mu.
func (s *MemoryStore) reapLocked(now time.Time) {
	for key, box := range s.boxes {
		if now.Sub(box.touched) > s.ttl {
			delete(s.boxes, key)
		}
	}
	for session, roster := range s.rosters {
		for peer, seen := range roster {
			if now.Sub(seen) > s.ttl {
				delete(roster, peer)
			}
		}
		if len(roster) == 0 {
			delete(s.rosters, session)
		}
	}
}
