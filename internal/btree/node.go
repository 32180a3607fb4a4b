// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btree implements Component D of spec.md §4.D: the cached,
// versioned B+-tree engine — node cache, paths, iterators, descent,
// the alloc key cache, and split/merge/rewrite.
package btree

import (
	"fmt"
	"sort"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/device"
)

// NodeMagic identifies a valid on-disk btree node header; EncodeNode
// stores it XOR'd with the node's btree ID. The filesystem UUID is not
// part of the stored magic.
const NodeMagic uint64 = 0xc0de1974b73ee000

// Bset is one independently-checksummed (not encrypted), sorted
// batch of bkeys appended to a node at a point in time
// (spec.md §3 "Btree node"). A node's logical contents is the sorted
// merge of its bsets.
type Bset struct {
	Seq        uint64
	JournalSeq uint64
	CSumType   uint8
	CSumHi     uint64
	CSumLo     uint64

	// Keys is kept sorted by bpos.Pos at all times; appends
	// insert in order rather than append-then-sort, since a bset
	// is filled incrementally by one transaction commit at a time
	// (§4.E step 5 "append each bkey to the target node's active
	// bset").
	Keys []bkey.Record
}

func (b *Bset) insertSorted(rec bkey.Record) {
	pos := rec.Pos()
	i := sort.Search(len(b.Keys), func(i int) bool {
		return b.Keys[i].Pos().Cmp(pos) >= 0
	})
	if i < len(b.Keys) && b.Keys[i].Pos().Cmp(pos) == 0 {
		b.Keys[i] = rec
		return
	}
	b.Keys = append(b.Keys, bkey.Record{})
	copy(b.Keys[i+1:], b.Keys[i:])
	b.Keys[i] = rec
}

// SizeBytes estimates the encoded size of the bset for overflow
// checks ahead of a split (§4.D.6).
func (b *Bset) SizeBytes() int {
	n := 0
	for _, k := range b.Keys {
		enc, err := bkey.Encode(k)
		if err != nil {
			continue
		}
		n += len(enc)
	}
	return n
}

// Node is the in-memory, decoded representation of an on-disk btree
// node (spec.md §3 "Btree node"): a header plus one or more bsets.
// Its key range is [MinKey, MaxKey]; children of an interior node
// partition the parent's range.
type Node struct {
	BtreeID bkey.BtreeID
	Level   uint8
	Seq     uint64
	MinKey  bpos.Pos
	MaxKey  bpos.Pos

	// Ptr is nil for an as-yet-unwritten (newly split) node.
	Ptr *bkey.BtreePtrV2

	Bsets []*Bset

	// TargetFillBytes bounds how large the merged bset content may
	// grow before a split is triggered (§4.D.6 step 1: "when a
	// bset write would overflow a node's remaining bytes").
	TargetFillBytes int
}

// NewNode allocates an empty node for a split or initial root.
func NewNode(btreeID bkey.BtreeID, level uint8, minKey, maxKey bpos.Pos, targetFillBytes int) *Node {
	return &Node{
		BtreeID:         btreeID,
		Level:           level,
		MinKey:          minKey,
		MaxKey:          maxKey,
		Bsets:           []*Bset{{}},
		TargetFillBytes: targetFillBytes,
	}
}

// activeBset is the bset new writes are appended to: always the last
// one (§4.E step 5).
func (n *Node) activeBset() *Bset {
	if len(n.Bsets) == 0 {
		n.Bsets = append(n.Bsets, &Bset{})
	}
	return n.Bsets[len(n.Bsets)-1]
}

// Insert appends/overwrites rec in the node's active bset.
func (n *Node) Insert(rec bkey.Record) {
	n.activeBset().insertSorted(rec)
}

// Overflowing reports whether the node's merged contents exceed its
// target fill size and a split is due (§4.D.6 step 1).
func (n *Node) Overflowing() bool {
	total := 0
	for _, b := range n.Bsets {
		total += b.SizeBytes()
	}
	return n.TargetFillBytes > 0 && total > n.TargetFillBytes
}

// Merged returns the node's logical contents: the sorted merge of all
// bsets, later bsets (in Bsets slice order) winning on a duplicate key, tombstones
// included so callers can distinguish "absent" from "deleted".
func (n *Node) Merged() []bkey.Record {
	byPos := make(map[bpos.Pos]bkey.Record, 16)
	order := make([]bpos.Pos, 0, 16)
	for _, b := range n.Bsets {
		for _, rec := range b.Keys {
			p := rec.Pos()
			if _, ok := byPos[p]; !ok {
				order = append(order, p)
			}
			byPos[p] = rec
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Cmp(order[j]) < 0 })
	out := make([]bkey.Record, 0, len(order))
	for _, p := range order {
		out = append(out, byPos[p])
	}
	return out
}

// Contains reports whether pos falls within the node's key range
// (the invariant checked in spec.md §8: "b.k.p lies strictly within
// [node.min_key, node.max_key]").
func (n *Node) Contains(pos bpos.Pos) bool {
	return n.MinKey.Cmp(pos) <= 0 && pos.Cmp(n.MaxKey) <= 0
}

// String aids debugging/log lines, mirroring the teacher's node_exp.go.
func (n *Node) String() string {
	return fmt.Sprintf("btree=%v level=%d seq=%d range=[%v,%v]", n.BtreeID, n.Level, n.Seq, n.MinKey, n.MaxKey)
}

// CachedNode is a node plus its cache-resident metadata: the lock,
// an auxiliary search structure, and dirty/accessed/in-flight flags
// (spec.md §4.D.1).
type CachedNode struct {
	Node *Node

	lock *nodeLock

	Dirty         bool
	Accessed      bool
	ReadInFlight  bool
	WriteInFlight bool

	// JournalPin is the highest journal seq this node's dirty
	// content references; the node cannot be evicted or written
	// out from under that pin (spec.md §4.B "Pinning").
	JournalPin uint64

	// parent is transient and reset during splits (Design Note 9:
	// "replace with lookup-on-demand via the current iterator's
	// path" — we still keep a weak, best-effort back-reference for
	// the fast path, but path-based lookup is authoritative).
	parent device.Addr
}

func newCachedNode(n *Node) *CachedNode {
	return &CachedNode{Node: n, lock: newNodeLock()}
}

func (c *CachedNode) Lock(mode LockMode)         { c.lock.Lock(mode) }
func (c *CachedNode) TryLock(mode LockMode) bool { return c.lock.TryLock(mode) }
func (c *CachedNode) Unlock(mode LockMode)       { c.lock.Unlock(mode) }
func (c *CachedNode) Upgrade(from, to LockMode) bool {
	return c.lock.Upgrade(from, to)
}

// Evictable reports the eviction precondition from spec.md §4.D.1:
// "refuses nodes that are dirty, have any locks held, or are pinned
// by an in-flight journal sequence."
func (c *CachedNode) Evictable(lastSeqOndisk uint64) bool {
	return !c.Dirty && c.lock.Idle() && c.JournalPin <= lastSeqOndisk && !c.ReadInFlight && !c.WriteInFlight
}
