// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three signaling message types.
type Kind string

const (
	// KindOffer carries a session description proposing a connection.
	// The payload is the SDP text.
	KindOffer Kind = "offer"

	// KindAnswer carries the session description accepting an offer.
	// The payload is the SDP text.
	KindAnswer Kind = "answer"

	// KindCandidate carries one trickled ICE candidate. The payload is
	// the JSON encoding of the candidate init structure.
	KindCandidate Kind = "candidate"
)

// Message is one signaling message. Immutable once sent. The relay
// delivers it at least once, possibly delayed, possibly out of order;
// receivers must not assume any ordering, even among one sender's
// messages.
type Message struct {
	// ID is a sender-assigned UUID. Receivers use it to suppress the
	// duplicates an at-least-once relay can produce.
	ID string `json:"id"`

	// Kind is offer, answer, or candidate.
	Kind Kind `json:"kind"`

	// From is the sending peer's ID within the session.
	From string `json:"from"`

	// To is the recipient peer's ID. The relay files the message under
	// (session, To).
	To string `json:"to"`

	// SentAt is the sender's clock at send time, RFC 3339 on the wire.
	SentAt time.Time `json:"sent_at"`

	// StoredAt is stamped by the relay when it accepts the message.
	// Zero for messages that never crossed a relay.
	StoredAt time.Time `json:"stored_at,omitzero"`

	// Payload is the SDP text for offers and answers, or candidate
	// JSON for candidates.
	Payload string `json:"payload"`
}

// NewMessage assembles a Message with a fresh UUID. The caller supplies
// sentAt from its injected clock so message timestamps stay testable.
func NewMessage(kind Kind, from, to, payload string, sentAt time.Time) Message {
	return Message{
		ID:      uuid.NewString(),
		Kind:    kind,
		From:    from,
		To:      to,
		SentAt:  sentAt,
		Payload: payload,
	}
}

// Validate checks the fields a relay or hub must refuse to store
// without: a known kind and non-empty routing information.
func (m Message) Validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer, KindCandidate:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if m.From == "" {
		return fmt.Errorf("message from is required")
	}
	if m.To == "" {
		return fmt.Errorf("message to is required")
	}
	return nil
}

// Mailbox is a peer's view of the relay, bound to one
// (session, local peer) pair at construction. Send posts to the
// recipient named in the message; Fetch destructively drains the local
// box in relay arrival order. Implementations must tolerate concurrent
// callers.
//
// Loss semantics: Send may silently fail after transport-level retries
// are exhausted, and a fetched-but-unprocessed message is gone for
// good. Consumers recover through negotiation timeouts, never by
// expecting redelivery.
type Mailbox interface {
	// Send posts msg to the box of msg.To within the bound session.
	Send(ctx context.Context, msg Message) error

	// Fetch returns and clears all messages queued for the local peer.
	// An empty box yields an empty slice and nil error.
	Fetch(ctx context.Context) ([]Message, error)

	// Close releases the transport. Subsequent Send and Fetch calls
	// fail with net.ErrClosed.
	Close() error
}
