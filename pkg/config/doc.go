// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides the two configuration surfaces of the server.
//
// Settings is the immutable boot configuration, loaded once at startup from
// compiled defaults and EDGEWARDEN_* environment variables.
//
// Resolver serves the dynamic settings that can change while the server is
// running. Each lookup resolves through a short-lived in-memory cache, then
// the central KV store, then the process environment, then compiled
// defaults. Setters write through to the KV store and drop the cache entry,
// so a new value becomes effective everywhere within the cache TTL.
package config
