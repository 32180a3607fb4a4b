// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package txn

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
)

// UpdateFlags modifies how an update is applied (e.g. skip triggers
// for an update the triggers themselves produced, avoiding
// re-entrancy).
type UpdateFlags uint8

const (
	FlagNone             UpdateFlags = 0
	FlagTriggerGenerated UpdateFlags = 1 << 0
)

// PendingUpdate is one staged bkey write (spec.md §4.E: "a list of
// pending update entries (btree_id, path, new bkey, flags)").
type PendingUpdate struct {
	BtreeID bkey.BtreeID
	Pos     bpos.Pos
	New     bkey.Record
	Flags   UpdateFlags

	// triggered marks that this update's trigger has already run
	// during the current fixed-point pass (commit.go step 3); it is
	// cleared whenever Update() replaces the record's content so a
	// changed update is reconsidered.
	triggered bool
}

// Transaction holds everything spec.md §4.E lists: open paths,
// pending updates, a journal preallocation (acquired at commit time),
// and a restarted flag.
type Transaction struct {
	ctx    context.Context
	engine *Engine

	iters   []*btree.Iterator
	updates []PendingUpdate

	restarted bool
}

// IterInit creates an iterator over btreeID, overlaying this
// transaction's own pending updates (WITH_UPDATES) so reads inside
// the same transaction see its own not-yet-committed writes.
func (tx *Transaction) IterInit(btreeID bkey.BtreeID, snapshot uint32, filter btree.Filter) *btree.Iterator {
	t := tx.engine.Tree(btreeID)
	filter.WithUpdates = true
	it := t.NewIterator(snapshot, filter, tx)
	tx.iters = append(tx.iters, it)
	return it
}

// IterExit drops an iterator (spec.md §4.E "iter_init / iter_exit").
func (tx *Transaction) IterExit(it *btree.Iterator) {
	it.Close()
	for i, x := range tx.iters {
		if x == it {
			tx.iters = append(tx.iters[:i], tx.iters[i+1:]...)
			break
		}
	}
}

// Overlay implements btree.Overlay: it hands back this transaction's
// own pending updates for the given btree/range, letting iterators
// see uncommitted writes from the same transaction.
func (tx *Transaction) Overlay(btreeID bkey.BtreeID, from, to bpos.Pos) []bkey.Record {
	out := make([]bkey.Record, 0, len(tx.updates))
	for _, u := range tx.updates {
		if u.BtreeID == btreeID && u.Pos.Cmp(from) >= 0 && u.Pos.Cmp(to) <= 0 {
			out = append(out, u.New)
		}
	}
	return out
}

// Update stages a bkey write at pos, coalescing with an existing
// pending update on the same (btree, pos) (spec.md §4.E "update()").
func (tx *Transaction) Update(btreeID bkey.BtreeID, pos bpos.Pos, rec bkey.Record, flags UpdateFlags) {
	for i, u := range tx.updates {
		if u.BtreeID == btreeID && u.Pos.Equal(pos) {
			tx.updates[i].New = rec
			tx.updates[i].Flags = flags
			tx.updates[i].triggered = false
			return
		}
	}
	tx.updates = append(tx.updates, PendingUpdate{BtreeID: btreeID, Pos: pos, New: rec, Flags: flags})
}

// Delete stages a tombstone write at pos.
func (tx *Transaction) Delete(btreeID bkey.BtreeID, pos bpos.Pos) {
	tx.Update(btreeID, pos, bkey.Record{Header: bkey.Header{KeyType: bkey.TypeDeleted, Key: bkey.FromBpos(pos)}}, FlagNone)
}

// sortUpdates orders pending updates by (btree_id, bpos) — the path
// sort order of spec.md §4.E commit step 1. Cached-tree updates are
// not distinguished here since PendingUpdate doesn't carry a Cached
// flag; callers targeting the alloc key cache route through
// internal/alloc, which is itself a normal btree client.
func (tx *Transaction) sortUpdates() {
	slices.SortStableFunc(tx.updates, func(a, b PendingUpdate) bool {
		if a.BtreeID != b.BtreeID {
			return a.BtreeID < b.BtreeID
		}
		return a.Pos.Cmp(b.Pos) < 0
	})
}

// begin resets a transaction for a fresh attempt (spec.md "begin()"),
// retaining no iterators: per §5, "A restart leaves the transaction's
// iterators invalid; begin() must be called."
func (tx *Transaction) begin() {
	for _, it := range tx.iters {
		it.Close()
	}
	tx.iters = nil
	tx.restarted = false
	for i := range tx.updates {
		tx.updates[i].triggered = false
	}
}
