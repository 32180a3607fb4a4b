// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bpos implements the 160-bit key ("bpos" in spec.md §3) that
// every bkey in every btree is ordered by: (inode, offset, snapshot).
package bpos

import (
	"fmt"
	"math"
)

// Pos is the 3-tuple key. Snapshot 0 is used by trees that don't
// opt into snapshot versioning (has_snapshots == false in spec.md's
// Btree type).
type Pos struct {
	Inode    uint64
	Offset   uint64
	Snapshot uint32
}

var (
	// Min is the least possible Pos.
	Min = Pos{}
	// SMax is the greatest possible Pos (spec.md's SPOS_MAX).
	SMax = Pos{Inode: math.MaxUint64, Offset: math.MaxUint64, Snapshot: math.MaxUint32}
)

// Cmp implements the total order (inode, offset, snapshot).
func (a Pos) Cmp(b Pos) int {
	if c := cmpUint(a.Inode, b.Inode); c != 0 {
		return c
	}
	if c := cmpUint(a.Offset, b.Offset); c != 0 {
		return c
	}
	return cmpUint(uint64(a.Snapshot), uint64(b.Snapshot))
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (a Pos) Less(b Pos) bool { return a.Cmp(b) < 0 }
func (a Pos) Equal(b Pos) bool {
	return a.Inode == b.Inode && a.Offset == b.Offset && a.Snapshot == b.Snapshot
}

func (a Pos) String() string {
	return fmt.Sprintf("%d:%d:%d", a.Inode, a.Offset, a.Snapshot)
}

// WithSnapshot returns a with its snapshot component replaced; used
// to compare two keys' (inode, offset) parts while varying snapshot,
// which is the core move of snapshot-filtered iteration (§4.D.3).
func (a Pos) WithSnapshot(snapshot uint32) Pos {
	a.Snapshot = snapshot
	return a
}

// Next returns the immediate successor of a in the total order, or a
// itself if a is already SMax. Used to step an iterator past a leaf
// node's max_key into its right sibling's range.
func (a Pos) Next() Pos {
	switch {
	case a.Snapshot < math.MaxUint32:
		a.Snapshot++
	case a.Offset < math.MaxUint64:
		a.Offset++
		a.Snapshot = 0
	case a.Inode < math.MaxUint64:
		a.Inode++
		a.Offset = 0
		a.Snapshot = 0
	}
	return a
}

// Prev returns the immediate predecessor of a in the total order, or a
// itself if a is already Min. Splits use it to end a left sibling's
// range exactly one position before the right sibling's min_key, so
// the two ranges partition the parent's without a gap.
func (a Pos) Prev() Pos {
	switch {
	case a.Snapshot > 0:
		a.Snapshot--
	case a.Offset > 0:
		a.Offset--
		a.Snapshot = math.MaxUint32
	case a.Inode > 0:
		a.Inode--
		a.Offset = math.MaxUint64
		a.Snapshot = math.MaxUint32
	}
	return a
}

// SameLogicalKey reports whether a and b differ only in Snapshot.
func (a Pos) SameLogicalKey(b Pos) bool {
	return a.Inode == b.Inode && a.Offset == b.Offset
}
