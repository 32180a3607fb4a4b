// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package alloc

import (
	"context"
	"errors"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/txn"
)

// ErrNoSpace is returned when the freespace index has no candidate
// bucket left to allocate (spec.md §4.C "ENOSPC on exhaustion").
var ErrNoSpace = errors.New("alloc: no space left")

// maxAllocAttempts bounds the confirm-then-mutate retry loop: a
// candidate bucket that another transaction claimed first is skipped,
// not fatal, but the scan must still terminate.
const maxAllocAttempts = 1024

// Allocator runs spec.md §4.C's allocation algorithm against the
// engine's alloc/freespace btrees: scan the freespace index for a
// candidate, confirm it is still free, and mutate it to DataType
// transactionally, restarting (via Transaction.Commit's own retry
// loop) on a lost race.
type Allocator struct {
	engine *txn.Engine
}

func NewAllocator(engine *txn.Engine) *Allocator {
	return &Allocator{engine: engine}
}

// Alloc claims one free bucket on any device for dataType, returning
// its address. It does not pick a device: callers that need a
// specific target (e.g. a write point's configured device set) should
// filter by scanning with WritePoint.Role/Device first; this method
// implements the core scan-confirm-mutate primitive every such policy
// is built on.
func (a *Allocator) Alloc(ctx context.Context, dataType bkey.DataType) (device.Addr, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		addr, claimed, err := a.tryClaimOne(ctx, dataType)
		if err != nil {
			return device.Addr{}, err
		}
		if claimed {
			return addr, nil
		}
		// Candidate was no longer free by the time we confirmed it
		// (another transaction won the race); scan past it.
	}
	return device.Addr{}, ErrNoSpace
}

// tryClaimOne scans the freespace index for the first candidate,
// re-reads its alloc_v4 key inside a fresh transaction to confirm it
// is still free, and if so mutates it to dataType. It returns
// ErrNoSpace when the scan finds no candidate at all (ENOSPC); a lost
// race returns (zero address, false, nil) so the caller just retries
// the scan; a successful claim returns (addr, true, nil).
func (a *Allocator) tryClaimOne(ctx context.Context, dataType bkey.DataType) (device.Addr, bool, error) {
	tx := a.engine.Begin(ctx)
	it := tx.IterInit(bkey.BtreeFreespace, 0, btree.Filter{})
	rec, ok, err := it.Peek(ctx)
	tx.IterExit(it)
	if err != nil {
		return device.Addr{}, false, err
	}
	if !ok {
		return device.Addr{}, false, ErrNoSpace
	}

	addr := AddrFromFreespacePos(rec.Pos())
	allocRec, ok, err := a.engine.Lookup(ctx, bkey.BtreeAlloc, allocPos(addr))
	if err != nil {
		return device.Addr{}, false, err
	}
	var cur bkey.AllocV4
	if ok {
		if v, ok := allocRec.Value.(*bkey.AllocV4); ok {
			cur = *v
		}
	}
	if !Reclaimable(cur.State()) {
		return device.Addr{}, false, nil
	}

	next := cur
	next.DataType = dataType
	if dataType == bkey.DataUser || dataType == bkey.DataBtree {
		next.DirtySectors = 1
	} else if dataType == bkey.DataCached {
		next.CachedSectors = 1
	}

	tx.Update(bkey.BtreeAlloc, allocPos(addr), bkey.New(allocPos(addr), bkey.TypeAllocV4, &next), txn.FlagNone)
	if err := tx.Commit(ctx); err != nil {
		if _, isRestart := txn.AsRestart(err); isRestart {
			return device.Addr{}, false, nil
		}
		return device.Addr{}, false, err
	}
	return addr, true, nil
}

// Free reverts a bucket to the free state, incrementing its generation
// so stale pointers against the old allocation are recognised (spec.md
// §4.C, §8 "Gen wraparound").
func (a *Allocator) Free(ctx context.Context, addr device.Addr) error {
	tx := a.engine.Begin(ctx)
	allocRec, ok, err := a.engine.Lookup(ctx, bkey.BtreeAlloc, allocPos(addr))
	if err != nil {
		return err
	}
	var cur bkey.AllocV4
	if ok {
		if v, ok := allocRec.Value.(*bkey.AllocV4); ok {
			cur = *v
		}
	}
	next := bkey.AllocV4{Gen: cur.Gen + 1}
	next.SetNeedIncGen(false)
	tx.Update(bkey.BtreeAlloc, allocPos(addr), bkey.New(allocPos(addr), bkey.TypeAllocV4, &next), txn.FlagNone)
	return tx.Commit(ctx)
}
