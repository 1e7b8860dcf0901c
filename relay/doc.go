// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the store-and-forward signaling server the
// mailbox transports talk to.
//
// The relay files messages under (session, recipient) boxes and hands
// each box to its owner either by destructive poll (the REST mailbox
// endpoints) or by WebSocket push (the stream endpoint). Delivery is
// at least once with no ordering guarantee across senders; boxes that
// nobody drains are reaped by TTL. Peers bootstrap through the
// unauthenticated join endpoint, which registers them in the session
// roster and mints the HS256 bearer token every other endpoint
// requires.
//
// Storage is pluggable through [Store]: [MemoryStore] for a single
// relay process, [RedisStore] to share boxes across restarts or
// replicas.
package relay
