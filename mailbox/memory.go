// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Compile-time interface check.
var _ Mailbox = (*HubMailbox)(nil)

// Hub is an in-process relay for tests and same-process peers. Each
// (session, peer) pair has one box; Send appends to the recipient's
// box, Fetch drains the local box destructively. Safe for concurrent
// use by any number of bound mailboxes.
type Hub struct {
	mu    sync.Mutex
	boxes map[hubKey][]Message
}

type hubKey struct {
	session string
	peer    string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{boxes: make(map[hubKey][]Message)}
}

// Mailbox returns a Mailbox bound to (session, peer) backed by this hub.
func (h *Hub) Mailbox(session, peer string) *HubMailbox {
	return &HubMailbox{
		hub:     h,
		session: session,
		peer:    peer,
		closed:  make(chan struct{}),
	}
}

// Inject appends msg directly to the box of (session, to), bypassing
// any bound mailbox. Tests use it to simulate relay redelivery
// (duplicates) and messages from peers that never joined.
func (h *Hub) Inject(session, to string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := hubKey{session: session, peer: to}
	h.boxes[key] = append(h.boxes[key], msg)
}

// Pending returns the number of undelivered messages in the box of
// (session, peer). Test assertion helper.
func (h *Hub) Pending(session, peer string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boxes[hubKey{session: session, peer: peer}])
}

// HubMailbox is a hub-backed Mailbox bound to one (session, peer).
type HubMailbox struct {
	hub     *Hub
	session string
	peer    string

	closed    chan struct{}
	closeOnce sync.Once
}

// Send appends msg to the recipient's box.
func (m *HubMailbox) Send(ctx context.Context, msg Message) error {
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("mailbox: refusing to send: %w", err)
	}

	m.hub.Inject(m.session, msg.To, msg)
	return nil
}

// Fetch drains the local box, deleting its key. The returned slice is
// the box's own backing array; the hub never touches it again.
func (m *HubMailbox) Fetch(ctx context.Context) ([]Message, error) {
	select {
	case <-m.closed:
		return nil, net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	key := hubKey{session: m.session, peer: m.peer}
	messages := m.hub.boxes[key]
	delete(m.hub.boxes, key)
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

// Close marks the mailbox closed. The hub keeps any undelivered
// messages; a fresh mailbox for the same peer would still drain them,
// matching a relay's behavior across client restarts.
func (m *HubMailbox) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
