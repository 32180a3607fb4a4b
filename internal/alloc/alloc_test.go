// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package alloc

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
	"github.com/cowfs/cowfs/internal/journal"
	"github.com/cowfs/cowfs/internal/txn"
)

type nullWriter struct {
	mu sync.Mutex
	n  int
}

func (w *nullWriter) WriteEntry(ctx context.Context, dat []byte, fua bool) (device.Addr, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
	return device.Addr{}, nil
}

func newTestEngine(t *testing.T) *txn.Engine {
	t.Helper()
	e := txn.NewEngine(journal.New(&nullWriter{}, 1<<20))
	cache := btree.NewNodeCache(128, nil)
	for id := bkey.BtreeAlloc; id <= bkey.BtreeLRU; id++ {
		e.RegisterTree(btree.New(id, cache, 1<<16))
	}
	e.RegisterTrigger(bkey.BtreeAlloc, TransMarkAlloc)
	return e
}

func newTestAllocDevice(t *testing.T, idx device.Idx, nbuckets uint64) *device.Device {
	t.Helper()
	const bucketSize = 4096
	f := diskio.NewMemFile("alloc-test", diskio.SectorAddr(bucketSize*nbuckets/diskio.SectorSize))
	dev, err := device.Open(idx, uuid.New(), f, 512, bucketSize, nbuckets)
	require.NoError(t, err)
	return dev
}

func stageAlloc(t *testing.T, e *txn.Engine, addr device.Addr, a bkey.AllocV4) {
	t.Helper()
	ctx := context.Background()
	tx := e.Begin(ctx)
	cp := a
	tx.Update(bkey.BtreeAlloc, allocPos(addr), bkey.New(allocPos(addr), bkey.TypeAllocV4, &cp), txn.FlagNone)
	require.NoError(t, tx.Commit(ctx))
}

func hasKey(t *testing.T, e *txn.Engine, id bkey.BtreeID, pos bpos.Pos) bool {
	t.Helper()
	_, ok, err := e.Lookup(context.Background(), id, pos)
	require.NoError(t, err)
	return ok
}

func TestGenbits(t *testing.T) {
	assert.EqualValues(t, 0, Genbits(bkey.AllocV4{}))
	assert.EqualValues(t, 7, Genbits(bkey.AllocV4{Gen: 7}))

	pending := bkey.AllocV4{Gen: 7}
	pending.SetNeedIncGen(true)
	assert.EqualValues(t, 8, Genbits(pending), "a pending gen bump sorts at the future generation")

	wrap := bkey.AllocV4{Gen: 255}
	wrap.SetNeedIncGen(true)
	assert.EqualValues(t, 0, Genbits(wrap), "genbits wraps with the u8 generation")
}

func TestFreespacePosRoundTrip(t *testing.T) {
	addr := device.Addr{Dev: 3, Bucket: 41}
	pos := FreespacePos(addr, 9)
	assert.Equal(t, uint64(3), pos.Inode)
	assert.Equal(t, uint64(9)<<56|41, pos.Offset)
	assert.Equal(t, addr, AddrFromFreespacePos(pos))
}

func TestTransMarkAllocIndexesFreshFreeBucket(t *testing.T) {
	e := newTestEngine(t)
	addr := device.Addr{Dev: 0, Bucket: 5}

	// No prior alloc key: staging the zero (free) state must create
	// the freespace entry, not assume one already exists.
	stageAlloc(t, e, addr, bkey.AllocV4{})
	assert.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)))
}

func TestTransMarkAllocFreeToDirty(t *testing.T) {
	e := newTestEngine(t)
	addr := device.Addr{Dev: 0, Bucket: 5}
	stageAlloc(t, e, addr, bkey.AllocV4{})
	require.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)))

	stageAlloc(t, e, addr, bkey.AllocV4{DataType: bkey.DataUser, DirtySectors: 8})
	assert.False(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)),
		"allocating a bucket must drop its freespace entry in the same transaction")
}

func TestTransMarkAllocNeedDiscard(t *testing.T) {
	e := newTestEngine(t)
	addr := device.Addr{Dev: 0, Bucket: 6}

	nd := bkey.AllocV4{}
	nd.SetNeedDiscard(true)
	stageAlloc(t, e, addr, nd)
	assert.True(t, hasKey(t, e, bkey.BtreeNeedDiscard, NeedDiscardPos(addr)))
	assert.False(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)),
		"need_discard is not reclaimable")

	stageAlloc(t, e, addr, bkey.AllocV4{})
	assert.False(t, hasKey(t, e, bkey.BtreeNeedDiscard, NeedDiscardPos(addr)))
	assert.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)))
}

func TestTransMarkAllocCachedLRU(t *testing.T) {
	e := newTestEngine(t)
	addr := device.Addr{Dev: 0, Bucket: 7}

	stageAlloc(t, e, addr, bkey.AllocV4{DataType: bkey.DataCached, CachedSectors: 4})
	assert.True(t, hasKey(t, e, bkey.BtreeLRU, LRUPos(addr)))

	stageAlloc(t, e, addr, bkey.AllocV4{})
	assert.False(t, hasKey(t, e, bkey.BtreeLRU, LRUPos(addr)))
}

func TestTransMarkAllocGenChangeReindexes(t *testing.T) {
	e := newTestEngine(t)
	addr := device.Addr{Dev: 0, Bucket: 8}

	stageAlloc(t, e, addr, bkey.AllocV4{})
	require.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)))

	stageAlloc(t, e, addr, bkey.AllocV4{Gen: 1})
	assert.False(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)))
	assert.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 1)),
		"a gen bump moves the freespace key to the new genbits slot")
}

func TestInitializeFreespaceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dev := newTestAllocDevice(t, 0, 64)

	require.NoError(t, InitializeFreespace(ctx, e, dev))
	for b := uint64(0); b < dev.NrBuckets(); b++ {
		addr := device.Addr{Dev: 0, Bucket: b}
		require.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)), "bucket %d", b)
	}

	// Second pass produces no duplicate or moved entries.
	require.NoError(t, InitializeFreespace(ctx, e, dev))
	for b := uint64(0); b < dev.NrBuckets(); b++ {
		addr := device.Addr{Dev: 0, Bucket: b}
		require.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 0)), "bucket %d", b)
	}
}

func TestAllocatorClaimsFreeBucket(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dev := newTestAllocDevice(t, 0, 64)
	require.NoError(t, InitializeFreespace(ctx, e, dev))

	a := NewAllocator(e)
	addr, err := a.Alloc(ctx, bkey.DataUser)
	require.NoError(t, err)

	rec, ok, err := e.Lookup(ctx, bkey.BtreeAlloc, allocPos(addr))
	require.NoError(t, err)
	require.True(t, ok)
	got := rec.Value.(*bkey.AllocV4)
	assert.Equal(t, bkey.DataUser, got.DataType)
	assert.Equal(t, bkey.StateDirty, got.State())

	assert.False(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, got.Gen)),
		"claimed bucket must leave the freespace index")
}

func TestAllocatorExhaustionReturnsNoSpace(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dev := newTestAllocDevice(t, 0, 64)
	require.NoError(t, InitializeFreespace(ctx, e, dev))

	a := NewAllocator(e)
	claimed := make(map[device.Addr]bool)
	for i := uint64(0); i < dev.NrBuckets(); i++ {
		addr, err := a.Alloc(ctx, bkey.DataUser)
		require.NoError(t, err)
		assert.False(t, claimed[addr], "bucket %v claimed twice", addr)
		claimed[addr] = true
	}

	_, err := a.Alloc(ctx, bkey.DataUser)
	assert.ErrorIs(t, err, ErrNoSpace)

	// Exhaustion must not corrupt state: every bucket is still
	// marked dirty and absent from freespace.
	for addr := range claimed {
		rec, ok, lookupErr := e.Lookup(ctx, bkey.BtreeAlloc, allocPos(addr))
		require.NoError(t, lookupErr)
		require.True(t, ok)
		assert.Equal(t, bkey.StateDirty, rec.Value.(*bkey.AllocV4).State())
	}
}

func TestFreeBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dev := newTestAllocDevice(t, 0, 64)
	require.NoError(t, InitializeFreespace(ctx, e, dev))

	a := NewAllocator(e)
	addr, err := a.Alloc(ctx, bkey.DataUser)
	require.NoError(t, err)

	require.NoError(t, a.Free(ctx, addr))

	rec, ok, err := e.Lookup(ctx, bkey.BtreeAlloc, allocPos(addr))
	require.NoError(t, err)
	require.True(t, ok)
	got := rec.Value.(*bkey.AllocV4)
	assert.Equal(t, bkey.StateFree, got.State())
	assert.EqualValues(t, 1, got.Gen, "freeing invalidates old pointers by bumping gen")
	assert.True(t, hasKey(t, e, bkey.BtreeFreespace, FreespacePos(addr, 1)))
}

func TestDiscarderClearsFlagAndIssuesDiscard(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dev := newTestAllocDevice(t, 0, 64)

	addr := device.Addr{Dev: 0, Bucket: 3}
	nd := bkey.AllocV4{}
	nd.SetNeedDiscard(true)
	stageAlloc(t, e, addr, nd)
	require.True(t, hasKey(t, e, bkey.BtreeNeedDiscard, NeedDiscardPos(addr)))

	d := NewDiscarder(e, map[device.Idx]*device.Device{0: dev})
	n, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok, err := e.Lookup(ctx, bkey.BtreeAlloc, allocPos(addr))
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.Value.(*bkey.AllocV4).NeedDiscard())
	assert.False(t, hasKey(t, e, bkey.BtreeNeedDiscard, NeedDiscardPos(addr)))
}

func TestDiscarderDropsStaleIndexEntry(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dev := newTestAllocDevice(t, 0, 64)

	// Index says need_discard but the live bucket disagrees; plant
	// the stale entry without going through the trigger.
	addr := device.Addr{Dev: 0, Bucket: 4}
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeNeedDiscard, NeedDiscardPos(addr),
		bkey.New(NeedDiscardPos(addr), bkey.TypeNeedDiscard, &bkey.NeedDiscard{}), txn.FlagTriggerGenerated)
	require.NoError(t, tx.Commit(ctx))

	d := NewDiscarder(e, map[device.Idx]*device.Device{0: dev})
	n, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the stale entry is consumed")
	assert.False(t, hasKey(t, e, bkey.BtreeNeedDiscard, NeedDiscardPos(addr)))
}
