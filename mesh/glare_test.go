// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import "testing"

// TestShouldYield pins the glare rule: the lexicographically smaller
// ID abandons its offer and answers.
func TestShouldYield(t *testing.T) {
	cases := []struct {
		local, remote PeerID
		want          bool
	}{
		{"alice", "bob", true},
		{"bob", "alice", false},
		{"a", "ab", true},
		{"ab", "a", false},
		{"peer-1", "peer-2", true},
		{"peer-2", "peer-1", false},
	}
	for _, tc := range cases {
		if got := shouldYield(tc.local, tc.remote); got != tc.want {
			t.Errorf("shouldYield(%q, %q) = %v, want %v", tc.local, tc.remote, got, tc.want)
		}
	}
}

// TestShouldYieldExactlyOneSide checks the property the rule exists
// for: in any distinct pair exactly one side yields. Two yielders
// would stall, two holders would never converge.
func TestShouldYieldExactlyOneSide(t *testing.T) {
	peers := []PeerID{"alice", "bob", "carol", "dave", "zoe-9", "Zoe"}
	for _, a := range peers {
		for _, b := range peers {
			if a == b {
				continue
			}
			if shouldYield(a, b) == shouldYield(b, a) {
				t.Errorf("shouldYield(%q, %q) == shouldYield(%q, %q), want exactly one true", a, b, b, a)
			}
		}
	}
}
