// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

// candidateBuffer holds remote ICE candidates that arrived before the
// session description they belong to. The relay reorders freely, so a
// trickled candidate routinely outruns its offer or answer; applying
// it early would be rejected by the media layer, dropping it would
// cost connectivity.
//
// A machine carries a buffer exactly while it has no remote
// description. Once the description is applied the machine drains the
// buffer in arrival order and discards it; from then on candidates
// apply directly.
type candidateBuffer struct {
	pending []string
}

func (b *candidateBuffer) add(candidate string) {
	b.pending = append(b.pending, candidate)
}

// drain returns the buffered candidates in arrival order and empties
// the buffer.
func (b *candidateBuffer) drain() []string {
	pending := b.pending
	b.pending = nil
	return pending
}

func (b *candidateBuffer) len() int {
	return len(b.pending)
}
