// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox defines the signaling message model and the transports
// that carry signaling between peers through a store-and-forward relay.
//
// Peers at a table cannot reach each other directly until media
// negotiation completes, so offers, answers, and ICE candidates travel
// through a relay that stores messages per (session, recipient) mailbox.
// The relay guarantees nothing beyond best effort: delivery is
// at-least-once, possibly delayed by seconds, and unordered across
// senders. [Message] carries a sender-assigned UUID so consumers can
// suppress duplicates, and a Kind discriminating offers, answers, and
// candidates.
//
// The [Mailbox] interface is the only thing the negotiation core sees:
// Send posts a message to the recipient's box, Fetch destructively
// drains the local box. A message fetched and then lost to a crash is
// never redelivered; the negotiation layer recovers through its own
// timeout and retry policy, not through relay redelivery.
//
// Two production transports implement the interface. [HTTPMailbox]
// polls the relay's REST endpoints; sends retry transient failures
// (connection errors, 429, 5xx) a bounded number of times with
// doubling backoff. [WSMailbox] holds a persistent WebSocket to the
// relay and buffers pushed messages in an internal inbox so that Fetch
// has identical semantics to the polling transport; the socket redials
// automatically with backoff when it drops. The two exist because
// deployments behind strict proxies can only poll, while everything
// else prefers the push path. The negotiation core is written once
// against the interface and cannot tell them apart.
//
// [Hub] is an in-process relay for tests and same-process peers.
package mailbox
