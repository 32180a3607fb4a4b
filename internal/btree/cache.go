// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"context"
	"fmt"
	"sync"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

// CacheKey is the fixed-capacity node cache's key (spec.md §4.D.1):
// (btree_id, level, min_key, seq).
type CacheKey struct {
	BtreeID bkey.BtreeID
	Level   uint8
	MinKey  bpos.Pos
	Seq     uint64
}

// NodeSource reads a node's bytes off a device when the cache misses
// (§4.D.4 step 3). It is implemented by DeviceNodeSource, which the
// filesystem object builds over its device table.
type NodeSource interface {
	ReadNode(ctx context.Context, ptr bkey.BtreePtrV2, btreeID bkey.BtreeID, level uint8) (*Node, error)
}

// NodeCache is the fixed-capacity node cache of spec.md §4.D.1.
// Eviction is clock-based: each resident node gets a second chance via
// its Accessed flag, and a node is never evicted while it is dirty,
// holds any lock, or is pinned by a journal seq past the reclaim
// floor (CachedNode.Evictable). Over-capacity inserts whose sweep
// finds no victim are tolerated; the next install retries the sweep.
type NodeCache struct {
	mu       sync.Mutex
	capacity int
	src      NodeSource
	entries  map[CacheKey]*CachedNode
	clock    []CacheKey
	hand     int

	// reclaimFloor is the journal's last_seq_ondisk; nodes whose
	// JournalPin is above it are unevictable (§4.B "Pinning").
	reclaimFloor uint64

	// cannibalMu is the single global mutex serialising cannibalise
	// contention (§4.D.1).
	cannibalMu sync.Mutex
}

func NewNodeCache(capacity int, src NodeSource) *NodeCache {
	return &NodeCache{
		capacity: capacity,
		src:      src,
		entries:  make(map[CacheKey]*CachedNode, capacity),
	}
}

// Get returns the node at key, reading it through the NodeSource on a
// miss (§4.D.4 step 3).
func (c *NodeCache) Get(ctx context.Context, key CacheKey, ptr bkey.BtreePtrV2) (*CachedNode, error) {
	c.mu.Lock()
	if cn, ok := c.entries[key]; ok {
		cn.Accessed = true
		c.mu.Unlock()
		return cn, nil
	}
	c.mu.Unlock()

	if c.src == nil {
		return nil, fmt.Errorf("btree: node %+v not cached and no node source configured", key)
	}
	n, err := c.src.ReadNode(ctx, ptr, key.BtreeID, key.Level)
	if err != nil {
		return nil, fmt.Errorf("btree: read node %+v: %w", key, err)
	}
	cn := newCachedNode(n)
	c.install(key, cn)
	return cn, nil
}

// Insert installs a freshly-built node (e.g. from a split, or the
// root of a newly-formatted tree) directly into the cache, bypassing
// NodeSource.
func (c *NodeCache) Insert(key CacheKey, n *Node) *CachedNode {
	cn := newCachedNode(n)
	c.install(key, cn)
	return cn
}

func (c *NodeCache) install(key CacheKey, cn *CachedNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// New arrivals get a second-chance grace period so the sweep
	// below can never victimize the node being installed.
	cn.Accessed = true
	if _, ok := c.entries[key]; !ok {
		if len(c.entries) >= c.capacity {
			// Best effort, one out per one in: if every resident
			// is protected the cache runs over capacity and later
			// installs retry the sweep.
			c.evictOneLocked()
		}
		c.clock = append(c.clock, key)
	}
	c.entries[key] = cn
}

// evictOneLocked runs one clock sweep: accessed entries lose their
// second chance and are passed over; unevictable entries (dirty,
// locked, pinned) are skipped. Two full revolutions without a victim
// means everything resident is protected.
func (c *NodeCache) evictOneLocked() bool {
	for sweep := 0; sweep < 2*len(c.clock); sweep++ {
		if len(c.clock) == 0 {
			return false
		}
		c.hand %= len(c.clock)
		key := c.clock[c.hand]
		cn, ok := c.entries[key]
		if !ok {
			// Invalidated behind the clock's back; reclaim the slot.
			c.clock = append(c.clock[:c.hand], c.clock[c.hand+1:]...)
			continue
		}
		if cn.Accessed {
			cn.Accessed = false
			c.hand++
			continue
		}
		if !cn.Evictable(c.reclaimFloor) {
			c.hand++
			continue
		}
		delete(c.entries, key)
		c.clock = append(c.clock[:c.hand], c.clock[c.hand+1:]...)
		return true
	}
	return false
}

// Invalidate drops a node from the cache (used after it becomes
// garbage post-split/merge once the journal sequence has flushed).
func (c *NodeCache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// SetReclaimFloor updates the journal reclamation floor eviction
// checks pins against.
func (c *NodeCache) SetReclaimFloor(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reclaimFloor = seq
}

// Len reports the resident node count.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cannibalize forces a reclaim under memory pressure; callers must
// hold cannibalMu only for the duration of picking a victim, per
// spec.md §4.D.1.
func (c *NodeCache) Cannibalize(fn func() error) error {
	c.cannibalMu.Lock()
	defer c.cannibalMu.Unlock()
	return fn()
}
