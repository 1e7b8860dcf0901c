// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import "errors"

// Terminal negotiation outcomes, surfaced through PeerFailed events
// and ConnectionInfo.LastError. Match with errors.Is; the concrete
// error usually wraps one of these with attempt context.
var (
	// ErrNegotiationTimeout means no usable connection emerged within
	// the policy deadline, including every retry the role allowed.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrNegotiationRejected means the media layer refused the
	// exchange itself, for example an unparseable or incompatible
	// session description. Retrying the same exchange cannot help.
	ErrNegotiationRejected = errors.New("negotiation rejected")
)
