// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

// seenSet remembers recently observed message IDs in bounded memory,
// evicting oldest first. The relay delivers at-least-once, so every
// machine filters redelivered signals through one of these.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	limit int
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{
		ids:   make(map[string]struct{}, limit),
		limit: limit,
	}
}

// observe records id and reports whether it had been seen already.
func (s *seenSet) observe(id string) bool {
	if _, ok := s.ids[id]; ok {
		return true
	}
	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return false
}
