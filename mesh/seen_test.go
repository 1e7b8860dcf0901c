// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"fmt"
	"testing"
)

// TestSeenSetObserve checks that only repeat observations report
// seen.
func TestSeenSetObserve(t *testing.T) {
	s := newSeenSet(4)
	if s.observe("a") {
		t.Fatal("first observation of a reported seen")
	}
	if !s.observe("a") {
		t.Fatal("second observation of a reported unseen")
	}
	if s.observe("b") {
		t.Fatal("first observation of b reported seen")
	}
}

// TestSeenSetEvictsOldest checks the memory bound: once the window
// overflows, the oldest ID is forgotten and would pass again.
func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(3)
	for i := 0; i < 4; i++ {
		s.observe(fmt.Sprintf("id-%d", i))
	}
	if s.observe("id-0") {
		t.Fatal("evicted id-0 still reported seen")
	}
	if !s.observe("id-3") {
		t.Fatal("recent id-3 reported unseen")
	}
}
