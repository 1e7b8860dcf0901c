// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for Parlor
// daemons.
//
// Configuration is loaded from a single file specified by either the
// PARLOR_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search, so a daemon's configuration is always auditable from one
// file.
//
// The file supports environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter: the
// synthetic media source is disabled and logging drops to info.
//
// Variable expansion (${VAR} and ${VAR:-default} patterns) runs after
// loading, on the fields that commonly differ per machine: the peer
// ID, the relay URL, the redis address, and the token secret. No
// other environment variables override config values.
//
// One file serves both daemons: parlor-peer reads the peer, media,
// and log sections; parlor-relay reads the relay and log sections.
// Role-specific requirements (a peer identity, a relay signing
// secret) are enforced by the daemon that needs them, not here.
package config
