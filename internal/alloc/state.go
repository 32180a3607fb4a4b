// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package alloc implements Component C of spec.md §4.C: the
// bucket-based space allocator, its three secondary index btrees
// (freespace, need_discard, lru), and the background discard worker.
package alloc

import (
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/device"
)

// BucketState re-exports bkey.BucketState so callers working at the
// allocator layer don't need to import internal/bkey just to name a
// state (SPEC_FULL.md supplemented feature #1).
type BucketState = bkey.BucketState

const (
	StateFree       = bkey.StateFree
	StateNeedGCGens = bkey.StateNeedGCGens
	StateNeedDiscard = bkey.StateNeedDiscard
	StateCached     = bkey.StateCached
	StateDirty      = bkey.StateDirty
)

// Reclaimable reports whether a bucket in state s is a candidate for
// the freespace index (spec.md §4.C: "candidate buckets, ordered
// most-reclaimable-first"): only a fully free bucket is immediately
// allocatable.
func Reclaimable(s BucketState) bool { return s == StateFree }

// bucketAddr recovers the (dev, bucket_nr) this alloc key describes
// from its bpos: spec.md §4.C keys the alloc btree by (dev, bucket_nr).
func bucketAddr(pos bpos.Pos) device.Addr {
	return device.Addr{Dev: device.Idx(pos.Inode), Bucket: pos.Offset}
}

// AddrFromAllocPos is bucketAddr exported for callers outside this
// package (internal/dataop, internal/fsck) that walk the alloc btree
// directly rather than through Allocator/Discarder.
func AddrFromAllocPos(pos bpos.Pos) device.Addr { return bucketAddr(pos) }

// allocPos is the inverse: the bpos a given bucket's alloc_v4 key is
// stored at.
func allocPos(addr device.Addr) bpos.Pos {
	return bpos.Pos{Inode: uint64(addr.Dev), Offset: addr.Bucket}
}
