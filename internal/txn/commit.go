// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package txn

import (
	"context"
	"fmt"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/journal"
)

// maxTriggerIters bounds step 3's fixed-point loop (spec.md §4.E:
// "Repeat until a fixed point is reached or the transaction restarts
// due to resource exhaustion").
const maxTriggerIters = 64

// journalOverheadBytes is a fixed per-entry allowance on top of the
// encoded size of every staged bkey, covering the entry header
// (seq/last_seq/checksum) reserved alongside it.
const journalOverheadBytes = 64

// Commit runs spec.md §4.E's commit protocol to completion, retrying
// internally on restart (spec.md §7: "Transaction-level errors (Busy,
// restart) are handled internally by the commit loop"). A non-restart
// error is returned to the caller as-is; the transaction is left with
// its pending updates intact so the caller may inspect them, but must
// not reuse it without a fresh Begin.
func (tx *Transaction) Commit(ctx context.Context) error {
	var lastReason RestartReason
	for attempt := 0; attempt < tx.engine.maxCommitRetries; attempt++ {
		err := tx.commitOnce(ctx)
		if err == nil {
			if tx.engine.onCommit != nil {
				tx.engine.onCommit()
			}
			return nil
		}
		reason, ok := AsRestart(err)
		if !ok {
			return err
		}
		lastReason = reason
		if tx.engine.onRestart != nil {
			tx.engine.onRestart(reason)
		}
		tx.begin()
	}
	return fmt.Errorf("txn: commit: gave up after %d restarts, last reason %s", tx.engine.maxCommitRetries, lastReason)
}

// commitOnce is a single attempt at the 7-step protocol. Any returned
// RestartError unwinds with no partial effect on the journal (the
// reservation, if any was taken, is only released after every step
// through 5 has succeeded).
func (tx *Transaction) commitOnce(ctx context.Context) error {
	// Step 1: sort updates into the total lock/commit order.
	tx.sortUpdates()

	// Step 2 (lock upgrade) and step 3 (triggers) are interleaved here:
	// each call to Btree.Apply (step 5, below) itself acquires the
	// leaf's write lock in ascending key order since updates are
	// sorted, which satisfies §4.D.2's ordering rule for the
	// single-node-mutation case this in-memory engine targets. True
	// cross-update lock pre-acquisition (so a failed upgrade anywhere
	// in the batch restarts before any mutation lands) is future work;
	// see DESIGN.md.
	if err := tx.runTriggersToFixedPoint(ctx); err != nil {
		return err
	}

	if len(tx.updates) == 0 {
		return nil
	}

	// Step 4: reserve journal space for every staged update.
	totalBytes := journalOverheadBytes
	for _, u := range tx.updates {
		enc, err := bkey.Encode(u.New)
		if err != nil {
			return fmt.Errorf("txn: encode update for journal reservation: %w", err)
		}
		totalBytes += len(enc)
	}
	reservation, err := tx.engine.journal.Reserve(ctx, totalBytes)
	if err != nil {
		return fmt.Errorf("txn: journal reserve: %w", err)
	}

	// Step 5: apply in memory.
	subEntries := make([]journal.SubEntry, 0, len(tx.updates))
	var dirtyNodes []*btree.CachedNode
	for _, u := range tx.updates {
		tree := tx.engine.Tree(u.BtreeID)
		if tree == nil {
			return fmt.Errorf("txn: commit: no btree registered for %v", u.BtreeID)
		}
		dirty, err := tree.Apply(ctx, u.Pos, u.New)
		if err != nil {
			return fmt.Errorf("txn: apply %v@%v: %w", u.BtreeID, u.Pos, err)
		}
		dirtyNodes = append(dirtyNodes, dirty...)
		subEntries = append(subEntries, journal.SubEntry{
			Type:    journal.SubEntryBkeyUpdate,
			BtreeID: u.BtreeID,
			Key:     u.New,
		})
	}
	for _, n := range dirtyNodes {
		if n.JournalPin < reservation.Seq() {
			n.JournalPin = reservation.Seq()
		}
	}
	tx.engine.journal.Pins().Add(reservation.Seq())
	reservation.Stage(subEntries...)

	// Step 6: release so the entry becomes eligible for write.
	if err := reservation.Release(ctx, true); err != nil {
		return fmt.Errorf("txn: journal release: %w", err)
	}

	// Step 7: unlocking already happened inside each Btree.Apply call
	// (descend's deferred unlockPath); open-iterator holds are dropped
	// by begin() on the caller's next Begin/restart, and this
	// commitOnce returning nil means the caller treats tx as spent.
	return nil
}

// runTriggersToFixedPoint implements step 3: invoke the registered
// Trigger for every staged update whose btree has one, folding any
// further updates it produces back into the pending set, until a pass
// produces nothing new.
func (tx *Transaction) runTriggersToFixedPoint(ctx context.Context) error {
	for iter := 0; ; iter++ {
		if iter >= maxTriggerIters {
			return restart(RestartTooManyIters)
		}
		produced := false
		for i := range tx.updates {
			u := tx.updates[i]
			if u.triggered || u.Flags&FlagTriggerGenerated != 0 {
				continue
			}
			tx.updates[i].triggered = true
			trig := tx.engine.trigger(u.BtreeID)
			if trig == nil {
				continue
			}
			var oldRec *bkey.Record
			if old, ok, err := tx.engine.Tree(u.BtreeID).Lookup(ctx, u.Pos); err == nil && ok {
				oldRec = &old
			}
			newRec := u.New
			extra, err := trig(tx, oldRec, &newRec)
			if err != nil {
				return err
			}
			for _, e := range extra {
				e.Flags |= FlagTriggerGenerated
				tx.Update(e.BtreeID, e.Pos, e.New, e.Flags)
				produced = true
			}
		}
		if !produced {
			return nil
		}
		tx.sortUpdates()
	}
}
