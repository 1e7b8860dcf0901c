// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import "testing"

// TestCandidateBufferDrainOrder checks that drain preserves arrival
// order and leaves the buffer empty.
func TestCandidateBufferDrainOrder(t *testing.T) {
	var b candidateBuffer
	b.add("one")
	b.add("two")
	b.add("three")
	if got := b.len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}

	got := b.drain()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("drain returned %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("drain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if b.len() != 0 {
		t.Fatalf("len after drain = %d, want 0", b.len())
	}
}
