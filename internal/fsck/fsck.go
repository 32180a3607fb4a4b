// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fsck implements the fsck(opts) Core API surface of spec.md
// §6: a full consistency check of the allocator's secondary indexes
// against the alloc btree they derive from, optionally repairing what
// it finds. Grounded on the same re-confirm-before-acting idiom as
// internal/alloc's Discarder, generalized from one index
// (need_discard) to all three (freespace, need_discard, lru).
package fsck

import (
	"context"
	"fmt"

	"github.com/cowfs/cowfs/internal/alloc"
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/txn"
)

// Opts controls fsck's behavior (spec.md §6 fsck(opts)).
type Opts struct {
	// Repair stages the missing/stale secondary-index entries each
	// finding names, one transaction per inconsistent bucket.
	Repair bool
}

// Finding is one detected inconsistency: the secondary index tree, the
// bucket, the index position the entry belongs at, and whether the
// entry should be present (it is missing) or absent (it is stale).
type Finding struct {
	BtreeID     bkey.BtreeID
	Addr        device.Addr
	Pos         bpos.Pos
	WantPresent bool
	Detail      string
}

// Report is fsck's result.
type Report struct {
	BucketsScanned int
	Findings       []Finding
	Repaired       int
}

// Run walks every key in the alloc btree and checks that its derived
// BucketState agrees with whether it is present in each secondary
// index (freespace iff Reclaimable, need_discard iff NeedDiscard set,
// lru iff Cached), per spec.md §4.C's trigger invariant. It does
// not scan the data btrees (extents/inodes/dirents/...) for structural
// corruption — a from-scratch tree walk/rebuild is out of scope here;
// see DESIGN.md.
func Run(ctx context.Context, engine *txn.Engine, opts Opts) (*Report, error) {
	tree := engine.Tree(bkey.BtreeAlloc)
	if tree == nil {
		return nil, fmt.Errorf("fsck: alloc tree not registered")
	}

	report := &Report{}
	iter := tree.NewIterator(0, btree.Filter{})
	defer iter.Close()

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, ok, err := iter.Next(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}
		report.BucketsScanned++

		a, ok := rec.Value.(*bkey.AllocV4)
		if ok {
			addr := alloc.AddrFromAllocPos(rec.Pos())
			findings, err := checkBucket(ctx, engine, addr, *a)
			if err != nil {
				return report, err
			}
			report.Findings = append(report.Findings, findings...)
			if len(findings) > 0 && opts.Repair {
				if err := repairBucket(ctx, engine, findings); err != nil {
					return report, err
				}
				report.Repaired++
			}
		}
	}
	return report, nil
}

func checkBucket(ctx context.Context, engine *txn.Engine, addr device.Addr, a bkey.AllocV4) ([]Finding, error) {
	var findings []Finding

	wantFreespace := alloc.Reclaimable(a.State())
	fsPos := alloc.FreespacePos(addr, alloc.Genbits(a))
	_, hasFreespace, err := engine.Lookup(ctx, bkey.BtreeFreespace, fsPos)
	if err != nil {
		return nil, err
	}
	if wantFreespace != hasFreespace {
		findings = append(findings, Finding{BtreeID: bkey.BtreeFreespace, Addr: addr, Pos: fsPos, WantPresent: wantFreespace,
			Detail: fmt.Sprintf("freespace index presence=%v, want %v", hasFreespace, wantFreespace)})
	}

	wantDiscard := a.NeedDiscard()
	ndPos := alloc.NeedDiscardPos(addr)
	_, hasDiscard, err := engine.Lookup(ctx, bkey.BtreeNeedDiscard, ndPos)
	if err != nil {
		return nil, err
	}
	if wantDiscard != hasDiscard {
		findings = append(findings, Finding{BtreeID: bkey.BtreeNeedDiscard, Addr: addr, Pos: ndPos, WantPresent: wantDiscard,
			Detail: fmt.Sprintf("need_discard index presence=%v, want %v", hasDiscard, wantDiscard)})
	}

	wantLRU := a.State() == bkey.StateCached
	lruPos := alloc.LRUPos(addr)
	_, hasLRU, err := engine.Lookup(ctx, bkey.BtreeLRU, lruPos)
	if err != nil {
		return nil, err
	}
	if wantLRU != hasLRU {
		findings = append(findings, Finding{BtreeID: bkey.BtreeLRU, Addr: addr, Pos: lruPos, WantPresent: wantLRU,
			Detail: fmt.Sprintf("lru index presence=%v, want %v", hasLRU, wantLRU)})
	}

	return findings, nil
}

// repairBucket stages exactly the inserts/deletes that bring the
// secondary indexes back in line with the alloc key checkBucket just
// validated against, in one transaction per bucket. The updates go in
// trigger-generated so TransMarkAlloc doesn't re-derive them.
func repairBucket(ctx context.Context, engine *txn.Engine, findings []Finding) error {
	tx := engine.Begin(ctx)
	for _, f := range findings {
		if !f.WantPresent {
			tx.Delete(f.BtreeID, f.Pos)
			continue
		}
		var rec bkey.Record
		switch f.BtreeID {
		case bkey.BtreeFreespace:
			rec = bkey.New(f.Pos, bkey.TypeFreespace, &bkey.Freespace{})
		case bkey.BtreeNeedDiscard:
			rec = bkey.New(f.Pos, bkey.TypeNeedDiscard, &bkey.NeedDiscard{})
		case bkey.BtreeLRU:
			rec = bkey.New(f.Pos, bkey.TypeLRU, &bkey.LRU{})
		default:
			return fmt.Errorf("fsck: repair: unexpected index tree %v", f.BtreeID)
		}
		tx.Update(f.BtreeID, f.Pos, rec, txn.FlagTriggerGenerated)
	}
	return tx.Commit(ctx)
}
