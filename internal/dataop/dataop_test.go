// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dataop

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs/internal/alloc"
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
	"github.com/cowfs/cowfs/internal/journal"
	"github.com/cowfs/cowfs/internal/txn"
)

type nullWriter struct{}

func (nullWriter) WriteEntry(ctx context.Context, dat []byte, fua bool) (device.Addr, error) {
	return device.Addr{}, nil
}

func newScrubFs(t *testing.T, allocated []uint64) (*txn.Engine, map[device.Idx]*device.Device) {
	t.Helper()
	ctx := context.Background()

	e := txn.NewEngine(journal.New(nullWriter{}, 1<<20))
	cache := btree.NewNodeCache(128, nil)
	for id := bkey.BtreeAlloc; id <= bkey.BtreeLRU; id++ {
		e.RegisterTree(btree.New(id, cache, 1<<16))
	}
	e.RegisterTrigger(bkey.BtreeAlloc, alloc.TransMarkAlloc)

	const bucketSize = 4096
	const nbuckets = 64
	f := diskio.NewMemFile("dataop-test", diskio.SectorAddr(bucketSize*nbuckets/diskio.SectorSize))
	dev, err := device.Open(0, uuid.New(), f, 512, bucketSize, nbuckets)
	require.NoError(t, err)
	require.NoError(t, alloc.InitializeFreespace(ctx, e, dev))

	for _, b := range allocated {
		pos := bpos.Pos{Inode: 0, Offset: b}
		tx := e.Begin(ctx)
		tx.Update(bkey.BtreeAlloc, pos,
			bkey.New(pos, bkey.TypeAllocV4, &bkey.AllocV4{DataType: bkey.DataUser, DirtySectors: 1}), txn.FlagNone)
		require.NoError(t, tx.Commit(ctx))
	}
	return e, map[device.Idx]*device.Device{0: dev}
}

func TestScrubReportsEachAllocatedBucket(t *testing.T) {
	ctx := context.Background()
	allocated := []uint64{3, 17, 41}
	e, devs := newScrubFs(t, allocated)

	progress := Run(ctx, e, devs, DataOp{Op: OpScrub, Start: bpos.Min, End: bpos.SMax})

	var seen []uint64
	var last Progress
	for p := range progress {
		require.NoError(t, p.Err)
		seen = append(seen, p.Pos.Offset)
		last = p
	}
	assert.Equal(t, allocated, seen)
	assert.Equal(t, uint64(len(allocated)), last.SectorsDone)
	assert.Equal(t, uint64(len(allocated)), last.SectorsTotal)
	assert.Equal(t, bkey.DataUser, last.DataType)
	assert.Equal(t, bkey.BtreeAlloc, last.BtreeID)
}

func TestScrubHonorsRange(t *testing.T) {
	ctx := context.Background()
	e, devs := newScrubFs(t, []uint64{3, 17, 41})

	progress := Run(ctx, e, devs, DataOp{
		Op:    OpScrub,
		Start: bpos.Pos{Inode: 0, Offset: 10},
		End:   bpos.Pos{Inode: 0, Offset: 20},
	})

	var seen []uint64
	for p := range progress {
		require.NoError(t, p.Err)
		seen = append(seen, p.Pos.Offset)
	}
	assert.Equal(t, []uint64{17}, seen)
}

func TestScrubEmptyRange(t *testing.T) {
	ctx := context.Background()
	e, devs := newScrubFs(t, nil)

	progress := Run(ctx, e, devs, DataOp{Op: OpScrub, Start: bpos.Min, End: bpos.SMax})
	for p := range progress {
		require.NoError(t, p.Err)
		t.Fatalf("unexpected progress update for an all-free filesystem: %+v", p)
	}
}

func TestOpStrings(t *testing.T) {
	assert.Equal(t, "scrub", OpScrub.String())
	assert.Equal(t, "rereplicate", OpRereplicate.String())
	assert.Equal(t, "migrate", OpMigrate.String())
	assert.Equal(t, "rewrite", OpRewrite.String())
}
