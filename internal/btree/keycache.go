// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

// keyCacheCapacity bounds the key cache's resident set; spec.md §4.D.5
// describes it as holding "hot" entries, not every entry ever touched.
const keyCacheCapacity = 4096

// KeyCache is the second hash-indexed structure from spec.md §4.D.5:
// a single "hot" value per (btree_id, bpos), used by btrees that opt
// in (currently only alloc) to reduce contention on hot leaf nodes.
// Reads prefer it when present; writes flush through it. It wraps
// hashicorp/golang-lru's ARCCache the way the teacher's own
// cmd/btrfs-mount LRU cache does: a typed facade over the package's
// interface{}-keyed cache.
type KeyCache struct {
	inner *lru.ARCCache
}

func NewKeyCache() *KeyCache {
	c, err := lru.NewARC(keyCacheCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// keyCacheCapacity never is.
		panic(err)
	}
	return &KeyCache{inner: c}
}

// Opt-in list per spec.md §4.D.5 ("Selected btrees (currently alloc)").
func OptsIntoKeyCache(id bkey.BtreeID) bool { return id == bkey.BtreeAlloc }

type keyCacheKey struct {
	BtreeID bkey.BtreeID
	Pos     bpos.Pos
}

func (kc *KeyCache) Get(id bkey.BtreeID, pos bpos.Pos) (bkey.Record, bool) {
	v, ok := kc.inner.Get(keyCacheKey{id, pos})
	if !ok {
		return bkey.Record{}, false
	}
	return v.(bkey.Record), true
}

// Set flushes-through a write: the normal btree path still applies
// the mutation, and the key cache is updated in the same step so it
// never serves a stale value (§4.D.5 "writes go through the normal
// B-tree path but flush-through the key cache").
func (kc *KeyCache) Set(id bkey.BtreeID, pos bpos.Pos, rec bkey.Record) {
	kc.inner.Add(keyCacheKey{id, pos}, rec)
}

func (kc *KeyCache) Delete(id bkey.BtreeID, pos bpos.Pos) {
	kc.inner.Remove(keyCacheKey{id, pos})
}
