// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

// shouldYield resolves offer glare: it reports whether the local
// peer, having sent an offer and then received one from remote,
// must abandon its own offer and answer the remote one instead.
//
// The rule is a pure comparison both sides evaluate identically, so
// exactly one of any colliding pair yields: the lexicographically
// smaller ID becomes the responder, the larger keeps the initiator
// role and ignores the colliding offer.
func shouldYield(local, remote PeerID) bool {
	return local < remote
}
