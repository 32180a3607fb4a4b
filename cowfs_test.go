// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cowfs_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs"
	"github.com/cowfs/cowfs/internal/alloc"
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
	"github.com/cowfs/cowfs/internal/fsck"
)

const (
	testBlockSize  = 4096
	testBucketSize = 1 << 17 // 128 KiB
	testNrBuckets  = 128     // 16 MiB per device
)

func newTestFiles(t *testing.T, n int) map[device.Idx]diskio.File {
	t.Helper()
	files := make(map[device.Idx]diskio.File, n)
	sectors := diskio.SectorAddr(testBucketSize * testNrBuckets / diskio.SectorSize)
	for i := 0; i < n; i++ {
		files[device.Idx(i)] = diskio.NewMemFile("loop", sectors)
	}
	return files
}

func formatAndOpen(t *testing.T, files map[device.Idx]diskio.File) *cowfs.Fs {
	t.Helper()
	specs := make(map[device.Idx]cowfs.FormatDevice, len(files))
	for idx, f := range files {
		specs[idx] = cowfs.FormatDevice{File: f, BucketSize: testBucketSize, NrBuckets: testNrBuckets}
	}
	require.NoError(t, cowfs.Format(uuid.New(), testBlockSize, specs))

	fs, err := cowfs.Open(context.Background(), files, nil)
	require.NoError(t, err)
	return fs
}

func TestFormatAndOpenEmpty(t *testing.T) {
	files := newTestFiles(t, 2)
	fs := formatAndOpen(t, files)

	u := fs.Usage()
	assert.Equal(t, uint64(2*testBucketSize*testNrBuckets), u.CapacityBytes)
	assert.Equal(t, uint64(2*testNrBuckets), u.NrBuckets)
	assert.Equal(t, 2, u.NrDevices)

	// Fresh filesystem: fsck finds nothing to complain about.
	report, err := fsck.Run(context.Background(), fs.Engine, fsck.Opts{})
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.EqualValues(t, 2*testNrBuckets, report.BucketsScanned)
}

func TestSingleKeyInsertAndRead(t *testing.T) {
	ctx := context.Background()
	files := newTestFiles(t, 1)
	fs := formatAndOpen(t, files)

	pos := bpos.Pos{Inode: 42, Offset: 0}
	tx := fs.Begin(ctx)
	tx.Update(bkey.BtreeExtents, pos, bkey.New(pos, bkey.TypeExtent, &bkey.Opaque{Dat: []byte("hello")}), 0)
	require.NoError(t, tx.Commit(ctx))

	it := fs.Engine.Tree(bkey.BtreeExtents).NewIterator(0, btree.Filter{})
	defer it.Close()

	it.SetPos(pos)
	rec, err := it.PeekSlot(ctx)
	require.NoError(t, err)
	require.False(t, rec.Deleted())
	assert.Equal(t, []byte("hello"), rec.Value.(*bkey.Opaque).Dat)

	it.SetPos(bpos.Pos{Inode: 42, Offset: 1})
	rec, err = it.PeekSlot(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Deleted(), "the adjacent slot is a hole")
}

func TestAllocatorSkipsReservedBuckets(t *testing.T) {
	ctx := context.Background()
	files := newTestFiles(t, 1)
	fs := formatAndOpen(t, files)

	// The superblock region, journal ring, and tail backup must never
	// be handed out; drain the allocator and check every claim.
	dev := fs.Devices()[0]
	var claimed []uint64
	for {
		addr, err := fs.Allocator.Alloc(ctx, bkey.DataUser)
		if err != nil {
			require.ErrorIs(t, err, alloc.ErrNoSpace)
			break
		}
		claimed = append(claimed, addr.Bucket)
	}
	require.NotEmpty(t, claimed)

	reserved := make(map[uint64]bool)
	for _, b := range claimed {
		require.False(t, reserved[b])
		reserved[b] = true
	}
	for _, b := range claimed {
		rec, ok, err := fs.Engine.Lookup(ctx, bkey.BtreeAlloc, bpos.Pos{Inode: 0, Offset: b})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, bkey.DataUser, rec.Value.(*bkey.AllocV4).DataType, "bucket %d", b)
		assert.NotEqual(t, uint64(dev.NrBuckets()-1), b, "tail backup bucket must stay reserved")
	}

	// Everything not claimed is a reserved system bucket.
	for b := uint64(0); b < dev.NrBuckets(); b++ {
		if reserved[b] {
			continue
		}
		rec, ok, err := fs.Engine.Lookup(ctx, bkey.BtreeAlloc, bpos.Pos{Inode: 0, Offset: b})
		require.NoError(t, err)
		require.True(t, ok)
		dt := rec.Value.(*bkey.AllocV4).DataType
		assert.Contains(t, []bkey.DataType{bkey.DataSuperblock, bkey.DataJournal}, dt, "bucket %d", b)
	}
}

func TestStopAndReopenReplaysJournal(t *testing.T) {
	ctx := context.Background()
	files := newTestFiles(t, 1)
	fs := formatAndOpen(t, files)

	pos := bpos.Pos{Inode: 7, Offset: 3}
	tx := fs.Begin(ctx)
	tx.Update(bkey.BtreeExtents, pos, bkey.New(pos, bkey.TypeExtent, &bkey.Opaque{Dat: []byte("persist-me")}), 0)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, fs.Stop(ctx))

	fs2, err := cowfs.Open(ctx, files, nil)
	require.NoError(t, err)

	rec, ok, err := fs2.Engine.Lookup(ctx, bkey.BtreeExtents, pos)
	require.NoError(t, err)
	require.True(t, ok, "a committed key must survive stop/reopen via journal replay")
	assert.Equal(t, []byte("persist-me"), rec.Value.(*bkey.Opaque).Dat)

	// The alloc indexes replayed too: fsck is clean without a
	// fresh freespace-initialization pass.
	report, err := fsck.Run(ctx, fs2.Engine, fsck.Opts{})
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestReopenTwiceKeepsHistory(t *testing.T) {
	ctx := context.Background()
	files := newTestFiles(t, 1)
	fs := formatAndOpen(t, files)

	posA := bpos.Pos{Inode: 1, Offset: 0}
	tx := fs.Begin(ctx)
	tx.Update(bkey.BtreeExtents, posA, bkey.New(posA, bkey.TypeExtent, &bkey.Opaque{Dat: []byte("first")}), 0)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, fs.Stop(ctx))

	// Second session: the mount blacklists a guard range past the
	// replayed seqs, then writes more.
	fs2, err := cowfs.Open(ctx, files, nil)
	require.NoError(t, err)
	posB := bpos.Pos{Inode: 2, Offset: 0}
	tx = fs2.Begin(ctx)
	tx.Update(bkey.BtreeExtents, posB, bkey.New(posB, bkey.TypeExtent, &bkey.Opaque{Dat: []byte("second")}), 0)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, fs2.Stop(ctx))

	// Third session: both sessions' writes replay across the
	// blacklisted gap between them.
	fs3, err := cowfs.Open(ctx, files, nil)
	require.NoError(t, err)
	for _, want := range []struct {
		pos bpos.Pos
		dat string
	}{{posA, "first"}, {posB, "second"}} {
		rec, ok, err := fs3.Engine.Lookup(ctx, bkey.BtreeExtents, want.pos)
		require.NoError(t, err)
		require.True(t, ok, "key at %v lost", want.pos)
		assert.Equal(t, []byte(want.dat), rec.Value.(*bkey.Opaque).Dat)
	}
}

func TestWritePointReusesOpenBucket(t *testing.T) {
	ctx := context.Background()
	files := newTestFiles(t, 1)
	fs := formatAndOpen(t, files)

	ob1, err := fs.AllocForRole(ctx, device.RoleForeground, 8)
	require.NoError(t, err)
	ob2, err := fs.AllocForRole(ctx, device.RoleForeground, 8)
	require.NoError(t, err)
	assert.Equal(t, ob1.Addr, ob2.Addr, "successive small writes for one role share the open bucket")
	assert.EqualValues(t, 16, ob2.SectorsUsed)

	// A different role gets its own bucket.
	ob3, err := fs.AllocForRole(ctx, device.RoleBtree, 8)
	require.NoError(t, err)
	assert.NotEqual(t, ob1.Addr, ob3.Addr)
	assert.Equal(t, bkey.DataBtree, ob3.DataType)

	// Releasing the write point's open bucket makes the next allocation
	// for that role open a fresh one.
	fs.WritePoints.Release(device.RoleForeground)
	ob4, err := fs.AllocForRole(ctx, device.RoleForeground, 8)
	require.NoError(t, err)
	assert.NotEqual(t, ob1.Addr, ob4.Addr)
}

func TestGenBumpInvalidatesPointer(t *testing.T) {
	ctx := context.Background()
	files := newTestFiles(t, 1)
	fs := formatAndOpen(t, files)

	ob, err := fs.AllocForRole(ctx, device.RoleForeground, 8)
	require.NoError(t, err)

	ok, err := fs.PointerGenOK(ctx, ob.Addr, ob.Gen)
	require.NoError(t, err)
	assert.True(t, ok, "a freshly recorded pointer matches the live gen")

	// LRU-style invalidation: free the bucket, bumping its gen.
	require.NoError(t, fs.Allocator.Free(ctx, ob.Addr))

	ok, err = fs.PointerGenOK(ctx, ob.Addr, ob.Gen)
	require.NoError(t, err)
	assert.False(t, ok, "the old pointer reads as a cache miss after the gen bump")
}
