// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package actor implements the sharded, single-writer store that backs every
// short-lived protocol artifact: authorization codes, pushed authorization
// requests, device and backchannel grants, DPoP jti sets, rate-limit counters,
// sessions and flow runtime state.
//
// An actor is a key-scoped state owner. All operations addressed to the same
// [Identity] are executed by a single goroutine, one at a time, so a
// read-check-write sequence inside an operation observes no interleaving for
// that key. Operations addressed to distinct identities run in parallel.
//
// Records carry an absolute expiry. Reads past the expiry return
// [ErrNotFound] even if the physical record has not been swept yet; sweeping
// is alarm-driven and batched.
package actor
