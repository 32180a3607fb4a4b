// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package alloc

import (
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/device"
)

// genbitsShift places the 8-bit genbits value in the high byte of the
// freespace key's offset component, leaving 56 bits for bucket_nr
// (SPEC_FULL.md supplemented feature #2, resolving spec.md §4.C's
// informal "ordered most-reclaimable-first" into an exact encoding
// matching alloc_freespace_pos/alloc_freespace_genbits upstream).
const genbitsShift = 56

const bucketNrMask = (uint64(1) << genbitsShift) - 1

// Genbits derives the 8-bit sort key used by the freespace index: the
// bucket's generation, advanced by one if it is still waiting on a
// gen increment (NeedIncGen), so a bucket that will become reclaimable
// after its next gen bump sorts alongside buckets already at that
// future generation rather than alongside its current one.
func Genbits(a bkey.AllocV4) uint8 {
	g := a.Gen
	if a.NeedIncGen() {
		g++
	}
	return g
}

// FreespacePos is the key a bucket's freespace index entry lives at:
// (dev, genbits<<56 | bucket_nr).
func FreespacePos(addr device.Addr, genbits uint8) bpos.Pos {
	return bpos.Pos{
		Inode:  uint64(addr.Dev),
		Offset: uint64(genbits)<<genbitsShift | (addr.Bucket & bucketNrMask),
	}
}

// NeedDiscardPos and LRUPos are plain (dev, bucket_nr) keys: membership
// alone is the signal for these two indexes (spec.md §3, §4.C).
func NeedDiscardPos(addr device.Addr) bpos.Pos { return allocPos(addr) }
func LRUPos(addr device.Addr) bpos.Pos         { return allocPos(addr) }

// AddrFromFreespacePos recovers the bucket address a freespace index
// entry refers to, stripping the genbits byte back off the offset.
func AddrFromFreespacePos(pos bpos.Pos) device.Addr {
	return device.Addr{Dev: device.Idx(pos.Inode), Bucket: pos.Offset & bucketNrMask}
}
