// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh establishes and repairs a full mesh of real-time media
// connections between the peers at a table, negotiating over a lossy
// store-and-forward mailbox.
//
// One [Pool] serves one local peer. The game layer tells it which
// peers must be connected ([Pool.EstablishConnections]) and which have
// left ([Pool.RemovePeer]); the pool's poller drains the mailbox and
// routes each signaling message to the connection state machine for
// the sending peer, creating machines on first contact. Each machine
// is a single goroutine owning the complete lifecycle for one remote
// peer: Idle, Negotiating as Initiator or Responder, Connected,
// Disconnected within a grace window, Failed, Closed. No state is
// shared between machines, so one peer's failure cannot disturb
// another's connection; the pool surfaces per-peer outcomes as
// [Event]s and read-only [ConnectionInfo] snapshots, never as errors.
//
// Simultaneous offers (glare) resolve without a coordinator: both
// sides compare peer IDs with the same pure rule, the
// lexicographically smaller side abandons its own offer and answers
// the incoming one, and the larger side ignores the incoming offer.
// ICE candidates that outrun their session description wait in a
// per-machine buffer and apply in arrival order the moment the remote
// description lands. Initiators repair lost connections with a
// bounded, backoff-spaced retry budget; responders never re-offer, so
// a broken pair can never generate colliding repairs.
//
// The media layer is a capability the environment provides, reduced
// to the [Session] interface and a [SessionFactory]. Production wiring
// uses pion/webrtc through [NewPionFactory]; tests substitute fakes and
// drive the machines deterministically with lib/clock.
package mesh
