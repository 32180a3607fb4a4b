// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"context"
	"fmt"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

// Btree is one copy-on-write B+-tree identified by a BtreeID (spec.md
// §3 "Btree"): a root pointer, the shared node cache it descends
// through, and the has_snapshots/is_extents parametrisation carried by
// bkey.BtreeID itself.
type Btree struct {
	ID    bkey.BtreeID
	cache *NodeCache

	// root is never nil: New installs an empty leaf as the root of a
	// brand-new tree. RootPtr is the on-disk pointer stored in the
	// superblock once the root has been written at least once.
	RootPtr *bkey.BtreePtrV2
	root    *CachedNode

	// TargetFillBytes is threaded into every node this tree
	// creates (§4.D.6).
	TargetFillBytes int

	// keys is nil unless OptsIntoKeyCache(id); only the alloc tree
	// opts in today (§4.D.5).
	keys *KeyCache
}

func New(id bkey.BtreeID, cache *NodeCache, targetFillBytes int) *Btree {
	root := NewNode(id, 0, bpos.Min, bpos.SMax, targetFillBytes)
	t := &Btree{
		ID:              id,
		cache:           cache,
		root:            newCachedNode(root),
		TargetFillBytes: targetFillBytes,
	}
	if OptsIntoKeyCache(id) {
		t.keys = NewKeyCache()
	}
	return t
}

// rootKey is the cache key for this tree's current root.
func (t *Btree) rootKey() CacheKey {
	return CacheKey{BtreeID: t.ID, Level: t.root.Node.Level, MinKey: t.root.Node.MinKey, Seq: t.root.Node.Seq}
}

// descend walks from the root to the leaf node whose range contains
// pos, acquiring mode at the leaf and LockRead at every level above it
// (§4.D.4). A root that is itself a leaf is acquired at mode. descend
// does no interior-node readahead; PrefetchCount is not consulted.
func (t *Btree) descend(ctx context.Context, pos bpos.Pos, mode LockMode, locksWant uint8) (*Path, error) {
	p := NewPath(t.ID, pos, false, locksWant)
	cur := t.root
	rootMode := LockRead
	if cur.Node.Level == 0 {
		rootMode = mode
	}
	cur.Lock(rootMode)
	p.Levels = append(p.Levels, PathLevel{Key: t.rootKey(), Cached: cur, LockMode: rootMode})

	for cur.Node.Level > 0 {
		idx := findChildSlot(cur.Node, pos)
		child, childPtr, err := t.childAt(ctx, cur.Node, idx)
		if err != nil {
			return nil, err
		}
		childMode := LockRead
		if child.Node.Level == 0 {
			childMode = mode
		}
		child.Lock(childMode)
		key := CacheKey{BtreeID: t.ID, Level: child.Node.Level, MinKey: child.Node.MinKey, Seq: child.Node.Seq}
		_ = childPtr
		p.Levels = append(p.Levels, PathLevel{Key: key, Cached: child, Idx: idx, LockMode: childMode})
		cur = child
	}
	if mode != LockRead {
		// Leaf already acquired at the target mode above; nothing
		// further to upgrade here. Interior levels stay LockRead
		// per the ordering rule (§4.D.2): only the leaf needs
		// write/intent for a single-key mutation, the transaction
		// engine is responsible for acquiring intent higher up
		// when a split will touch the parent (§4.D.6 step 3).
	}
	return p, nil
}

// findChildSlot returns the index of the child pointer in an interior
// node whose range contains pos (spec.md §4.D.4 step 1).
func findChildSlot(n *Node, pos bpos.Pos) int {
	merged := n.Merged()
	for i, rec := range merged {
		_, ok := rec.Value.(*bkey.BtreePtrV2)
		if !ok {
			continue
		}
		if i+1 < len(merged) {
			nextPtr, ok := merged[i+1].Value.(*bkey.BtreePtrV2)
			if ok && pos.Cmp(nextPtr.MinKey.ToBpos()) >= 0 {
				continue
			}
		}
		return i
	}
	return len(merged) - 1
}

// childAt performs the fast-path/cache-miss dance of §4.D.4 steps
// 1-3 for the idx'th child of an interior node.
func (t *Btree) childAt(ctx context.Context, n *Node, idx int) (*CachedNode, *bkey.BtreePtrV2, error) {
	merged := n.Merged()
	if idx < 0 || idx >= len(merged) {
		return nil, nil, fmt.Errorf("btree: interior node %v has no child at slot %d", n, idx)
	}
	ptr, ok := merged[idx].Value.(*bkey.BtreePtrV2)
	if !ok {
		return nil, nil, fmt.Errorf("btree: slot %d of node %v is not a btree_ptr_v2", idx, n)
	}
	// Fast path: mem_ptr cache hit (§4.D.4 step 2).
	if cached, ok := ptr.MemPtr.(*CachedNode); ok && cached.Node.Seq == ptr.Seq {
		return cached, ptr, nil
	}
	key := CacheKey{BtreeID: t.ID, Level: n.Level - 1, MinKey: ptr.MinKey.ToBpos(), Seq: ptr.Seq}
	cached, err := t.cache.Get(ctx, key, *ptr)
	if err != nil {
		return nil, nil, err
	}
	ptr.MemPtr = cached
	return cached, ptr, nil
}

// Lookup returns the record at pos, if present (the underlying
// primitive for iter_peek_slot at an exact key).
func (t *Btree) Lookup(ctx context.Context, pos bpos.Pos) (bkey.Record, bool, error) {
	if t.keys != nil {
		if rec, ok := t.keys.Get(t.ID, pos); ok {
			return rec, !rec.Deleted(), nil
		}
	}

	p, err := t.descend(ctx, pos, LockRead, 0)
	if err != nil {
		return bkey.Record{}, false, err
	}
	defer t.unlockPath(p)
	leaf := p.Leaf()
	for _, rec := range leaf.Cached.Node.Merged() {
		if rec.Pos().Equal(pos) {
			if t.keys != nil {
				t.keys.Set(t.ID, pos, rec)
			}
			return rec, !rec.Deleted(), nil
		}
	}
	return bkey.Record{}, false, nil
}

func (t *Btree) unlockPath(p *Path) {
	for i := len(p.Levels) - 1; i >= 0; i-- {
		p.Levels[i].Cached.Unlock(p.Levels[i].LockMode)
	}
}
