// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parlor-games/parlor/lib/clock"
)

// Claims binds a bearer token to one peer within one session. The
// join endpoint mints them; every authenticated endpoint checks the
// session against the request path and, for owner-only boxes, the
// peer too.
type Claims struct {
	Session string `json:"session"`
	Peer    string `json:"peer"`
	jwt.RegisteredClaims
}

// authenticator mints and verifies the relay's HS256 session tokens.
// Verification runs on the injected clock so expiry is testable.
type authenticator struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
	parser *jwt.Parser
}

func newAuthenticator(secret []byte, ttl time.Duration, clk clock.Clock) *authenticator {
	a := &authenticator{secret: secret, ttl: ttl, clock: clk}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.clock.Now() }),
	)
	return a
}

// mint issues a token for peer in session, valid for the
// authenticator's TTL.
func (a *authenticator) mint(session, peer string) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		Session: session,
		Peer:    peer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   peer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// verify parses and validates raw, returning its claims.
func (a *authenticator) verify(raw string) (*Claims, error) {
	token, err := a.parser.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("unexpected claims type")
	}
	if claims.Session == "" || claims.Peer == "" {
		return nil, errors.New("token missing session binding")
	}
	return claims, nil
}
