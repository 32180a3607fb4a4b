// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package device

import (
	"sync"

	"github.com/cowfs/cowfs/internal/bkey"
)

// OpenBucket is an in-memory reservation on a bucket currently being
// filled (spec.md §3 "Open bucket"): it pins the bucket's generation
// until the write completes, so a concurrent invalidation of the same
// bucket cannot be observed mid-write.
type OpenBucket struct {
	Addr        Addr
	Gen         Gen
	DataType    bkey.DataType
	SectorsUsed uint32
	SectorsCap  uint32
}

// Full reports whether the open bucket has no room for another write
// of n sectors.
func (ob *OpenBucket) Full(n uint32) bool { return ob.SectorsUsed+n > ob.SectorsCap }

// Role identifies which write point role an allocation is for
// (spec.md §3 "Write point"): copygc, rebalance, btree metadata, or
// foreground data. Each role has exactly one write point; foreground
// writes from every goroutine share the same one.
type Role uint8

const (
	RoleForeground Role = iota
	RoleBtree
	RoleCopygc
	RoleRebalance
	nrRoles
)

// WritePoint amortises bucket selection across many extents: once a
// role has an OpenBucket with room, successive writes for that role
// reuse it instead of re-running the allocator.
type WritePoint struct {
	mu  sync.Mutex
	cur *OpenBucket
}

// Registry is the small fixed pool of write points named in spec.md
// §3 ("Write point"), one per Role.
type Registry struct {
	points [nrRoles]WritePoint
}

func NewRegistry() *Registry { return &Registry{} }

// Current returns the write point's currently open bucket, if any and
// if it still has room for n sectors.
func (r *Registry) Current(role Role, n uint32) (*OpenBucket, bool) {
	wp := &r.points[role]
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.cur != nil && !wp.cur.Full(n) {
		return wp.cur, true
	}
	return nil, false
}

// Take reserves n sectors from the role's current open bucket,
// accounting them under the write point's own lock.
func (r *Registry) Take(role Role, n uint32) (*OpenBucket, bool) {
	wp := &r.points[role]
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.cur != nil && !wp.cur.Full(n) {
		wp.cur.SectorsUsed += n
		return wp.cur, true
	}
	return nil, false
}

// SetCurrent installs a freshly-allocated OpenBucket as the write
// point's current reservation, replacing (and thereby releasing) any
// prior one.
func (r *Registry) SetCurrent(role Role, ob *OpenBucket) {
	wp := &r.points[role]
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.cur = ob
}

// Release drops the write point's reservation once the pinned write
// has durably completed (spec.md §3 "Open bucket" lifecycle).
func (r *Registry) Release(role Role) {
	wp := &r.points[role]
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.cur = nil
}
