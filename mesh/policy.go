// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import "time"

// Defaults for Policy fields left zero. Chosen for human-scale card
// games over a relay that may delay signaling by whole seconds.
const (
	// DefaultPollInterval is how often the pool drains the mailbox.
	DefaultPollInterval = 2 * time.Second

	// DefaultSweepInterval is how often machines are checked for
	// negotiations stuck past their deadline.
	DefaultSweepInterval = 5 * time.Second

	// DefaultEstablishStagger spaces the offers of one
	// EstablishConnections call so a peer joining a full table does
	// not burst the relay.
	DefaultEstablishStagger = 150 * time.Millisecond

	// DefaultNegotiationTimeout bounds one offer/answer attempt.
	DefaultNegotiationTimeout = 30 * time.Second

	// DefaultGraceWindow is how long a Disconnected machine holds its
	// transport before repairing or giving up. ICE restarts on flaky
	// consumer links usually resolve inside this window.
	DefaultGraceWindow = 10 * time.Second

	// DefaultMaxRetries caps initiator re-offers per trouble.
	DefaultMaxRetries = 3

	// DefaultRetryBackoffBase scales the linear retry backoff.
	DefaultRetryBackoffBase = 2 * time.Second

	// DefaultRetryBackoffMax caps the retry backoff.
	DefaultRetryBackoffMax = 10 * time.Second
)

// Policy holds the timing knobs of a pool. The zero value means "all
// defaults"; tests shrink the durations to drive negotiations through
// their lifecycles quickly.
type Policy struct {
	// PollInterval is the mailbox fetch cadence.
	PollInterval time.Duration

	// SweepInterval is the stale-negotiation check cadence.
	SweepInterval time.Duration

	// EstablishStagger is the delay between consecutive offers of one
	// EstablishConnections call.
	EstablishStagger time.Duration

	// NegotiationTimeout bounds one offer/answer attempt; a machine
	// still Negotiating past it either retries (initiator) or fails
	// (responder).
	NegotiationTimeout time.Duration

	// GraceWindow is how long a Disconnected connection may stay down
	// before the machine intervenes.
	GraceWindow time.Duration

	// MaxRetries is the number of re-offers an initiator may spend on
	// one trouble before failing. Negative disables retries entirely.
	MaxRetries int

	// RetryBackoffBase and RetryBackoffMax shape the wait before the
	// nth retry: min(n*base, max).
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = DefaultSweepInterval
	}
	if p.EstablishStagger <= 0 {
		p.EstablishStagger = DefaultEstablishStagger
	}
	if p.NegotiationTimeout <= 0 {
		p.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if p.GraceWindow <= 0 {
		p.GraceWindow = DefaultGraceWindow
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.RetryBackoffBase <= 0 {
		p.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if p.RetryBackoffMax <= 0 {
		p.RetryBackoffMax = DefaultRetryBackoffMax
	}
	return p
}

// retryBackoff returns the wait before retry attempt n (1-based).
func (p Policy) retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * p.RetryBackoffBase
	if d > p.RetryBackoffMax {
		d = p.RetryBackoffMax
	}
	return d
}
