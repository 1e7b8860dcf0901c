// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"time"
)

// PeerID names one peer at the table. IDs are compared
// lexicographically to break negotiation ties, so every peer must see
// the same byte-for-byte spelling of every other peer's ID.
type PeerID string

// State is the lifecycle position of one peer connection.
type State int

const (
	// StateIdle means the machine exists but no negotiation has
	// started. Machines are born Idle when a stray candidate arrives
	// ahead of its offer.
	StateIdle State = iota

	// StateNegotiating means an offer/answer exchange is in flight.
	StateNegotiating

	// StateConnected means media is flowing.
	StateConnected

	// StateDisconnected means media stopped; the machine is holding
	// its resources through a grace window in case transport recovers
	// on its own.
	StateDisconnected

	// StateFailed is terminal: negotiation was rejected, timed out
	// past the retry budget, or the transport died past repair. The
	// pool removes failed machines; a later inbound offer starts
	// fresh.
	StateFailed

	// StateClosed is terminal: the peer was removed deliberately and
	// all resources are released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role records which side of the offer/answer exchange this machine
// took. Only initiators retry; the role therefore outlives the
// negotiation that assigned it.
type Role int

const (
	// RoleNone means no negotiation has assigned a role yet.
	RoleNone Role = iota

	// RoleInitiator sent the offer.
	RoleInitiator

	// RoleResponder answered one.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	case RoleNone:
		return "none"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a point-in-time copy of one machine's
// user-visible state, safe to retain after the machine moves on.
type ConnectionInfo struct {
	// Peer is the remote peer this connection serves.
	Peer PeerID

	// State is the lifecycle position at snapshot time.
	State State

	// Role is the side taken in the current or last negotiation.
	Role Role

	// Attempts counts retries consumed by the current trouble, zero
	// while healthy. It resets every time the connection reaches
	// Connected.
	Attempts int

	// EstablishedAt is when the connection last entered Connected,
	// zero if it never has.
	EstablishedAt time.Time

	// LastError is the most recent failure reason, nil while healthy.
	LastError error

	// Stream is the remote peer's live media stream, nil until the
	// transport surfaces one.
	Stream *MediaStream
}
