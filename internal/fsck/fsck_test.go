// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fsck

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs/internal/alloc"
	"github.com/cowfs/cowfs/internal/bkey"
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

func newCheckedFs(t *testing.T) (*txn.Engine, *device.Device) {
	t.Helper()
	e := txn.NewEngine(journal.New(nullWriter{}, 1<<20))
	cache := btree.NewNodeCache(128, nil)
	for id := bkey.BtreeAlloc; id <= bkey.BtreeLRU; id++ {
		e.RegisterTree(btree.New(id, cache, 1<<16))
	}
	e.RegisterTrigger(bkey.BtreeAlloc, alloc.TransMarkAlloc)

	const bucketSize = 4096
	const nbuckets = 64
	f := diskio.NewMemFile("fsck-test", diskio.SectorAddr(bucketSize*nbuckets/diskio.SectorSize))
	dev, err := device.Open(0, uuid.New(), f, 512, bucketSize, nbuckets)
	require.NoError(t, err)

	require.NoError(t, alloc.InitializeFreespace(context.Background(), e, dev))
	return e, dev
}

func TestCleanFilesystemHasNoFindings(t *testing.T) {
	ctx := context.Background()
	e, dev := newCheckedFs(t)

	report, err := Run(ctx, e, Opts{})
	require.NoError(t, err)
	assert.EqualValues(t, dev.NrBuckets(), report.BucketsScanned)
	assert.Empty(t, report.Findings)
	assert.Zero(t, report.Repaired)
}

// dropFreespaceKey removes a bucket's freespace entry behind the
// trigger's back, simulating index drift.
func dropFreespaceKey(t *testing.T, e *txn.Engine, addr device.Addr) {
	t.Helper()
	ctx := context.Background()
	pos := alloc.FreespacePos(addr, 0)
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeFreespace, pos,
		bkey.New(pos, bkey.TypeDeleted, nil), txn.FlagTriggerGenerated)
	require.NoError(t, tx.Commit(ctx))
}

func TestDetectsMissingFreespaceKey(t *testing.T) {
	ctx := context.Background()
	e, _ := newCheckedFs(t)

	addr := device.Addr{Dev: 0, Bucket: 9}
	dropFreespaceKey(t, e, addr)

	report, err := Run(ctx, e, Opts{})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, bkey.BtreeFreespace, f.BtreeID)
	assert.Equal(t, addr, f.Addr)
	assert.True(t, f.WantPresent)
}

func TestDetectsStaleLRUKey(t *testing.T) {
	ctx := context.Background()
	e, _ := newCheckedFs(t)

	// Plant an lru entry for a bucket that holds no cached data.
	addr := device.Addr{Dev: 0, Bucket: 10}
	pos := alloc.LRUPos(addr)
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeLRU, pos, bkey.New(pos, bkey.TypeLRU, &bkey.LRU{}), txn.FlagTriggerGenerated)
	require.NoError(t, tx.Commit(ctx))

	report, err := Run(ctx, e, Opts{})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, bkey.BtreeLRU, report.Findings[0].BtreeID)
	assert.False(t, report.Findings[0].WantPresent)
}

func TestRepairThenSecondRunIsClean(t *testing.T) {
	ctx := context.Background()
	e, _ := newCheckedFs(t)

	dropFreespaceKey(t, e, device.Addr{Dev: 0, Bucket: 9})

	addr := device.Addr{Dev: 0, Bucket: 10}
	pos := alloc.LRUPos(addr)
	tx := e.Begin(ctx)
	tx.Update(bkey.BtreeLRU, pos, bkey.New(pos, bkey.TypeLRU, &bkey.LRU{}), txn.FlagTriggerGenerated)
	require.NoError(t, tx.Commit(ctx))

	report, err := Run(ctx, e, Opts{Repair: true})
	require.NoError(t, err)
	assert.Len(t, report.Findings, 2)
	assert.Equal(t, 2, report.Repaired)

	// The second run reports zero repairs.
	report, err = Run(ctx, e, Opts{Repair: true})
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Zero(t, report.Repaired)
}
