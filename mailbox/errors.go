// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RelayError represents a structured error response from the relay.
// Callers can use errors.As to extract the structured information:
//
//	var relayErr *mailbox.RelayError
//	if errors.As(err, &relayErr) {
//	    if relayErr.Code == mailbox.ErrCodeForbidden { ... }
//	}
type RelayError struct {
	// Code is the relay error code (e.g., "P_FORBIDDEN", "P_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the relay.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Relay error codes.
const (
	ErrCodeForbidden      = "P_FORBIDDEN"
	ErrCodeUnknownToken   = "P_UNKNOWN_TOKEN"
	ErrCodeNotFound       = "P_NOT_FOUND"
	ErrCodeUnknownSession = "P_UNKNOWN_SESSION"
	ErrCodePeerInUse      = "P_PEER_IN_USE"
	ErrCodeInvalidParam   = "P_INVALID_PARAM"
	ErrCodeMissingParam   = "P_MISSING_PARAM"
	ErrCodeLimitExceeded  = "P_LIMIT_EXCEEDED"
	ErrCodeUnknown        = "P_UNKNOWN"
)

// IsRelayError checks whether err is a *RelayError with the given error code.
func IsRelayError(err error, code string) bool {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code == code
	}
	return false
}

// relayErrorFromBody decodes the relay's error envelope. A body that
// is not the expected shape (proxy in the way, crashed handler) still
// yields a *RelayError carrying the status so IsTransient can
// classify it.
func relayErrorFromBody(statusCode int, method, path string, body []byte) error {
	var relayErr RelayError
	if err := json.Unmarshal(body, &relayErr); err != nil || relayErr.Code == "" {
		return &RelayError{
			Code:       ErrCodeUnknown,
			Message:    fmt.Sprintf("unexpected %d response from %s %s: %s", statusCode, method, path, string(body)),
			StatusCode: statusCode,
		}
	}
	relayErr.StatusCode = statusCode
	return &relayErr
}

// IsTransient returns true for errors that are likely transient and
// worth retrying: connection failures, rate limiting (429), and server
// errors (5xx). Returns false for client errors (4xx except 429) which
// indicate a permanent problem with the request.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		// 429 Too Many Requests: rate limit, transient.
		if relayErr.StatusCode == 429 {
			return true
		}
		// 5xx: server error, transient.
		if relayErr.StatusCode >= 500 {
			return true
		}
		// 4xx (except 429): client error, permanent.
		if relayErr.StatusCode >= 400 {
			return false
		}
	}

	// Non-relay errors (connection refused, timeout, EOF) are transient.
	return true
}
