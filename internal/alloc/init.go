// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package alloc

import (
	"context"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/txn"
)

// InitializeFreespace is the one-shot pass spec.md §4.C names: a
// freshly-formatted device has alloc state but no freespace keys, so
// every bucket's alloc_v4 key is staged once (creating an implicit,
// all-zero free bucket where none exists yet) and TransMarkAlloc
// derives the matching freespace/need_discard/lru entries. The whole
// device goes through one transaction — one journal entry — rather
// than one per bucket. Idempotent: re-staging a bucket already
// correctly indexed produces no secondary-index delta (old == new).
// Callers gate this behind the per-device freespace_initialized
// superblock flag and must not call it again once it returns nil.
func InitializeFreespace(ctx context.Context, engine *txn.Engine, dev *device.Device) error {
	tx := engine.Begin(ctx)
	for bucket := uint64(0); bucket < dev.NrBuckets(); bucket++ {
		addr := device.Addr{Dev: dev.Idx, Bucket: bucket}
		rec, ok, err := engine.Lookup(ctx, bkey.BtreeAlloc, allocPos(addr))
		if err != nil {
			return err
		}
		var cur bkey.AllocV4
		if ok {
			if v, ok := rec.Value.(*bkey.AllocV4); ok {
				cur = *v
			}
		}
		cp := cur
		tx.Update(bkey.BtreeAlloc, allocPos(addr), bkey.New(allocPos(addr), bkey.TypeAllocV4, &cp), txn.FlagNone)
	}
	return tx.Commit(ctx)
}
