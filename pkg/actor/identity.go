// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identity addresses a single actor instance. The textual form is
// "g{generation}:{region}:{shard}:{primaryID}". For single-use artifacts the
// primary ID is embedded in the generated token (for example inside a PAR
// request_uri) so that later consumers route back to the owning shard.
type Identity struct {
	Generation int
	Region     string
	Shard      int
	PrimaryID  string
}

// String renders the identity in its canonical wire form.
func (id Identity) String() string {
	return fmt.Sprintf("g%d:%s:%d:%s", id.Generation, id.Region, id.Shard, id.PrimaryID)
}

// ParseIdentity parses the canonical "g{gen}:{region}:{shard}:{primaryID}"
// form. The primary ID may itself contain colons; only the first three
// separators are structural.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("malformed actor identity %q", s)
	}
	if !strings.HasPrefix(parts[0], "g") {
		return Identity{}, fmt.Errorf("malformed actor generation %q", parts[0])
	}
	gen, err := strconv.Atoi(parts[0][1:])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed actor generation %q: %w", parts[0], err)
	}
	shard, err := strconv.Atoi(parts[2])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed actor shard %q: %w", parts[2], err)
	}
	if parts[1] == "" || parts[3] == "" {
		return Identity{}, fmt.Errorf("malformed actor identity %q", s)
	}
	return Identity{Generation: gen, Region: parts[1], Shard: shard, PrimaryID: parts[3]}, nil
}

// Router maps (tenant, key) pairs onto actor identities.
type Router struct {
	// Generation is bumped when the shard topology changes; identities from
	// older generations keep routing to their original shard.
	Generation int

	// Regions lists the regions artifacts may be homed in. The current
	// process serves Regions[0]; others appear only in parsed identities.
	Regions []string

	// Shards is the number of shards per region. Must be >= 1.
	Shards int
}

// NewRouter creates a router with a single region and the given shard count.
func NewRouter(region string, shards int) *Router {
	if shards < 1 {
		shards = 1
	}
	return &Router{Generation: 1, Regions: []string{region}, Shards: shards}
}

// RouteFor returns the identity owning the given (tenant, key) pair. The
// mapping is stable: the same pair always routes to the same shard.
func (r *Router) RouteFor(tenant, key string) Identity {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenant))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return Identity{
		Generation: r.Generation,
		Region:     r.Regions[0],
		Shard:      int(h.Sum32() % uint32(r.Shards)),
		PrimaryID:  key,
	}
}

// MintIdentity creates an identity for a freshly minted single-use artifact.
// The primary ID is a random UUID nonce; callers embed the full identity in
// the generated token so consumption routes back to the same shard.
func (r *Router) MintIdentity(tenant string) Identity {
	nonce := uuid.NewString()
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenant))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(nonce))
	return Identity{
		Generation: r.Generation,
		Region:     r.Regions[0],
		Shard:      int(h.Sum32() % uint32(r.Shards)),
		PrimaryID:  nonce,
	}
}
