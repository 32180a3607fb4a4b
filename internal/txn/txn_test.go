// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package txn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/journal"
)

type stubWriter struct {
	mu      sync.Mutex
	entries [][]byte
}

func (w *stubWriter) WriteEntry(ctx context.Context, dat []byte, fua bool) (device.Addr, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(dat))
	copy(cp, dat)
	w.entries = append(w.entries, cp)
	return device.Addr{Bucket: uint64(len(w.entries) - 1)}, nil
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *stubWriter) {
	t.Helper()
	w := &stubWriter{}
	e := NewEngine(journal.New(w, 1<<20), opts...)
	cache := btree.NewNodeCache(128, nil)
	for id := bkey.BtreeAlloc; id <= bkey.BtreeExtents; id++ {
		e.RegisterTree(btree.New(id, cache, 1<<16))
	}
	return e, w
}

func allocRecord(pos bpos.Pos, dt bkey.DataType) bkey.Record {
	return bkey.New(pos, bkey.TypeAllocV4, &bkey.AllocV4{DataType: dt, DirtySectors: 1})
}

func TestCommitAppliesUpdate(t *testing.T) {
	ctx := context.Background()
	e, w := newTestEngine(t)

	pos := bpos.Pos{Inode: 0, Offset: 7}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeAlloc, pos, allocRecord(pos, bkey.DataUser), FlagNone)
	require.NoError(t, tx.Commit(ctx))

	rec, ok, err := e.Lookup(ctx, bkey.BtreeAlloc, pos)
	require.NoError(t, err)
	require.True(t, ok)
	got := rec.Value.(*bkey.AllocV4)
	assert.Equal(t, bkey.DataUser, got.DataType)

	// The commit produced exactly one journal entry carrying the key.
	require.Len(t, w.entries, 1)
	entry, err := journal.Decode(w.entries[0])
	require.NoError(t, err)
	require.Len(t, entry.SubEntries, 1)
	assert.Equal(t, journal.SubEntryBkeyUpdate, entry.SubEntries[0].Type)
	assert.Equal(t, pos, entry.SubEntries[0].Key.Pos())
}

func TestCommitWithNoUpdatesWritesNothing(t *testing.T) {
	ctx := context.Background()
	e, w := newTestEngine(t)

	tx := e.Begin(ctx)
	require.NoError(t, tx.Commit(ctx))
	assert.Empty(t, w.entries)
}

func TestDeleteStagesTombstone(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	pos := bpos.Pos{Inode: 1, Offset: 2}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeAlloc, pos, allocRecord(pos, bkey.DataUser), FlagNone)
	require.NoError(t, tx.Commit(ctx))

	tx = e.Begin(ctx)
	tx.Delete(bkey.BtreeAlloc, pos)
	require.NoError(t, tx.Commit(ctx))

	_, ok, err := e.Lookup(ctx, bkey.BtreeAlloc, pos)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateCoalescesOnSamePos(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	pos := bpos.Pos{Inode: 1, Offset: 1}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeAlloc, pos, allocRecord(pos, bkey.DataUser), FlagNone)
	tx.Update(bkey.BtreeAlloc, pos, allocRecord(pos, bkey.DataBtree), FlagNone)
	require.Len(t, tx.updates, 1)
	require.NoError(t, tx.Commit(ctx))

	rec, ok, err := e.Lookup(ctx, bkey.BtreeAlloc, pos)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bkey.DataBtree, rec.Value.(*bkey.AllocV4).DataType)
}

func TestIteratorSeesOwnPendingUpdates(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	pos := bpos.Pos{Inode: 9, Offset: 0}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeExtents, pos, bkey.New(pos, bkey.TypeExtent, &bkey.Opaque{Dat: []byte("x")}), FlagNone)

	it := tx.IterInit(bkey.BtreeExtents, 0, btree.Filter{})
	rec, ok, err := it.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok, "uncommitted write must be visible through WITH_UPDATES")
	assert.Equal(t, pos, rec.Pos())
	tx.IterExit(it)

	// Not visible outside the transaction until commit.
	_, ok, err = e.Lookup(ctx, bkey.BtreeExtents, pos)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Commit(ctx))
	_, ok, err = e.Lookup(ctx, bkey.BtreeExtents, pos)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTriggerRunsToFixedPoint(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	var calls int
	e.RegisterTrigger(bkey.BtreeAlloc, func(tx *Transaction, old, new *bkey.Record) ([]PendingUpdate, error) {
		calls++
		pos := new.Pos()
		shadow := bpos.Pos{Inode: pos.Inode, Offset: pos.Offset}
		return []PendingUpdate{{
			BtreeID: bkey.BtreeFreespace,
			Pos:     shadow,
			New:     bkey.New(shadow, bkey.TypeFreespace, &bkey.Freespace{}),
		}}, nil
	})

	pos := bpos.Pos{Inode: 0, Offset: 3}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeAlloc, pos, allocRecord(pos, bkey.DataUser), FlagNone)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 1, calls, "trigger-generated updates must not re-trigger")

	_, ok, err := e.Lookup(ctx, bkey.BtreeFreespace, pos)
	require.NoError(t, err)
	assert.True(t, ok, "trigger-generated update must commit atomically with the original")
}

func TestCommitRetriesOnRestart(t *testing.T) {
	ctx := context.Background()

	var restarts []RestartReason
	e, _ := newTestEngine(t, WithRestartObserver(func(r RestartReason) { restarts = append(restarts, r) }))

	fails := 1
	e.RegisterTrigger(bkey.BtreeAlloc, func(tx *Transaction, old, new *bkey.Record) ([]PendingUpdate, error) {
		if fails > 0 {
			fails--
			return nil, restart(RestartWouldDeadlock)
		}
		return nil, nil
	})

	pos := bpos.Pos{Inode: 2, Offset: 2}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeAlloc, pos, allocRecord(pos, bkey.DataUser), FlagNone)
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, restarts, 1)
	assert.Equal(t, RestartWouldDeadlock, restarts[0])

	_, ok, err := e.Lookup(ctx, bkey.BtreeAlloc, pos)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommitGivesUpAfterBoundedRetries(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	e.maxCommitRetries = 3

	e.RegisterTrigger(bkey.BtreeAlloc, func(tx *Transaction, old, new *bkey.Record) ([]PendingUpdate, error) {
		return nil, restart(RestartMemory)
	})

	pos := bpos.Pos{Inode: 4, Offset: 4}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeAlloc, pos, allocRecord(pos, bkey.DataUser), FlagNone)
	err := tx.Commit(ctx)
	require.Error(t, err)
	_, isRestart := AsRestart(err)
	assert.False(t, isRestart, "a spent retry budget surfaces as a terminal error")
	assert.Contains(t, err.Error(), "memory")
}

func TestAsRestart(t *testing.T) {
	reason, ok := AsRestart(restart(RestartTooManyIters))
	assert.True(t, ok)
	assert.Equal(t, RestartTooManyIters, reason)

	_, ok = AsRestart(context.Canceled)
	assert.False(t, ok)
}

func TestRestartReasonStrings(t *testing.T) {
	assert.Equal(t, "would_deadlock", RestartWouldDeadlock.String())
	assert.Equal(t, "lock_upgrade_fail", RestartLockUpgradeFail.String())
	assert.Equal(t, "too_many_iters", RestartTooManyIters.String())
}
