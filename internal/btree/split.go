// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

// SplitResult is one or two sibling nodes replacing an overflowing
// node (spec.md §4.D.6).
type SplitResult struct {
	Left, Right *Node
}

// Split implements §4.D.6: allocate sibling node(s) copy-on-write
// (never overwrite n in place), copy the sorted union of n's bsets
// into them, and split where the cumulative encoded size reaches half
// of the total. A node with at most one record goes to Left only (a
// 1-node "split" — really a
// compaction/rewrite), matching spec.md's "allocate one or two
// sibling nodes."
func Split(n *Node) SplitResult {
	merged := n.Merged()
	splitIdx := chooseSplitKey(merged, n.TargetFillBytes)

	if splitIdx >= len(merged) {
		left := NewNode(n.BtreeID, n.Level, n.MinKey, n.MaxKey, n.TargetFillBytes)
		for _, rec := range merged {
			left.Insert(rec)
		}
		return SplitResult{Left: left}
	}

	// The siblings' ranges partition the original node's range with
	// no gap: [min_key, rightMin-1] and [rightMin, max_key].
	rightMin := merged[splitIdx].Pos()
	left := NewNode(n.BtreeID, n.Level, n.MinKey, rightMin.Prev(), n.TargetFillBytes)
	for _, rec := range merged[:splitIdx] {
		left.Insert(rec)
	}
	right := NewNode(n.BtreeID, n.Level, rightMin, n.MaxKey, n.TargetFillBytes)
	for _, rec := range merged[splitIdx:] {
		right.Insert(rec)
	}
	return SplitResult{Left: left, Right: right}
}

// chooseSplitKey picks the index of the first record at which the
// cumulative encoded size reaches half of the total, clamped to
// [1, len(merged)-1] so both sides are non-empty (§4.D.6 step 2);
// targetFillBytes is not consulted. With at most one record it
// returns len(merged).
func chooseSplitKey(merged []bkey.Record, targetFillBytes int) int {
	if len(merged) <= 1 {
		return len(merged)
	}
	sizes := make([]int, len(merged))
	total := 0
	for i, rec := range merged {
		enc, err := bkey.Encode(rec)
		sz := len(enc)
		if err != nil {
			sz = 64
		}
		sizes[i] = sz
		total += sz
	}
	half := total / 2
	running := 0
	idx := len(merged) - 1
	for i, sz := range sizes {
		running += sz
		if running >= half {
			idx = i
			break
		}
	}
	if idx == 0 {
		idx = 1
	}
	if idx >= len(merged) {
		idx = len(merged) - 1
	}
	return idx
}

// Merge implements the merge side of §4.D.6: two adjacent
// under-filled siblings are combined copy-on-write into one node.
func Merge(a, b *Node) *Node {
	out := NewNode(a.BtreeID, a.Level, a.MinKey, b.MaxKey, a.TargetFillBytes)
	for _, rec := range a.Merged() {
		out.Insert(rec)
	}
	for _, rec := range b.Merged() {
		out.Insert(rec)
	}
	return out
}

// Rewrite compacts a node's bsets into a single fresh bset
// (copy-on-write), the same pattern §4.D.6 uses for format upgrades.
func Rewrite(n *Node) *Node {
	out := NewNode(n.BtreeID, n.Level, n.MinKey, n.MaxKey, n.TargetFillBytes)
	for _, rec := range n.Merged() {
		out.Insert(rec)
	}
	return out
}

// ParentUpdate describes how to replace one child pointer in a parent
// interior node with the result of a split (§4.D.6 step 3): one
// pointer in, one or two out.
type ParentUpdate struct {
	OldChildMinKey bpos.Pos
	NewChildren    []bkey.Record // btree_ptr_v2-valued records
}

// ApplyParentUpdate performs the replacement described by u against
// parent's active bset. It is invoked inside the same transaction
// that performed the split (§4.D.6 step 3: "Update the parent
// atomically as part of the same transaction").
func ApplyParentUpdate(parent *Node, u ParentUpdate) {
	filtered := make([]bkey.Record, 0, len(parent.Merged()))
	for _, rec := range parent.Merged() {
		ptr, ok := rec.Value.(*bkey.BtreePtrV2)
		if ok && ptr.MinKey.ToBpos().Equal(u.OldChildMinKey) {
			continue
		}
		filtered = append(filtered, rec)
	}
	filtered = append(filtered, u.NewChildren...)
	parent.Bsets = []*Bset{{}}
	for _, rec := range filtered {
		parent.Insert(rec)
	}
}

// PrefetchCount returns K, the number of sibling nodes the iterator
// should read ahead of when traversing interior nodes (§4.D.4):
// 2 during normal operation, 16 during recovery.
func PrefetchCount(recovering bool) int {
	if recovering {
		return 16
	}
	return 2
}
