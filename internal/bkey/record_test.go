// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bkey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

func TestEncodeDecodeRoundTripAllocV4(t *testing.T) {
	pos := bpos.Pos{Inode: 3, Offset: 1024, Snapshot: 0}
	alloc := &bkey.AllocV4{DataType: bkey.DataUser, DirtySectors: 7}
	rec := bkey.New(pos, bkey.TypeAllocV4, alloc)

	dat, err := bkey.Encode(rec)
	require.NoError(t, err)

	got, n, err := bkey.Decode(dat)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, pos, got.Pos())
	gotAlloc, ok := got.Value.(*bkey.AllocV4)
	require.True(t, ok)
	assert.Equal(t, bkey.DataUser, gotAlloc.DataType)
	assert.EqualValues(t, 7, gotAlloc.DirtySectors)
}

func TestEncodeDecodeRoundTripBtreePtrV2(t *testing.T) {
	pos := bpos.Pos{Inode: 1, Offset: 2}
	ptr := &bkey.BtreePtrV2{DevIdx: 1, BucketNr: 55, Gen: 3, MinKey: bkey.FromBpos(pos)}
	rec := bkey.New(pos, bkey.TypeBtreePtrV2, ptr)

	dat, err := bkey.Encode(rec)
	require.NoError(t, err)

	got, _, err := bkey.Decode(dat)
	require.NoError(t, err)
	gotPtr, ok := got.Value.(*bkey.BtreePtrV2)
	require.True(t, ok)
	assert.EqualValues(t, 55, gotPtr.BucketNr)
	assert.True(t, gotPtr.GenOK(3))
	assert.False(t, gotPtr.GenOK(4))
}

func TestDecodeRejectsTruncatedValue(t *testing.T) {
	pos := bpos.Pos{Inode: 1}
	rec := bkey.New(pos, bkey.TypeAllocV4, &bkey.AllocV4{})
	dat, err := bkey.Encode(rec)
	require.NoError(t, err)

	_, _, err = bkey.Decode(dat[:bkey.HeaderSize])
	assert.Error(t, err)
}

func TestUnknownTypeDecodesOpaque(t *testing.T) {
	pos := bpos.Pos{Inode: 9}
	rec := bkey.New(pos, bkey.TypeInode, &bkey.Opaque{Dat: []byte("payload")})
	dat, err := bkey.Encode(rec)
	require.NoError(t, err)

	got, _, err := bkey.Decode(dat)
	require.NoError(t, err)
	op, ok := got.Value.(*bkey.Opaque)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), op.Dat)
}

func TestDeletedRecord(t *testing.T) {
	rec := bkey.Record{Header: bkey.Header{KeyType: bkey.TypeDeleted}}
	assert.True(t, rec.Deleted())

	rec2 := bkey.New(bpos.Pos{}, bkey.TypeAllocV4, &bkey.AllocV4{})
	assert.False(t, rec2.Deleted())
}

func TestAllocV4StatePriority(t *testing.T) {
	a := bkey.AllocV4{}
	assert.Equal(t, bkey.StateFree, a.State())

	a.CachedSectors = 4
	assert.Equal(t, bkey.StateCached, a.State())

	a.DirtySectors = 1
	assert.Equal(t, bkey.StateDirty, a.State())

	a.SetNeedIncGen(true)
	assert.Equal(t, bkey.StateNeedGCGens, a.State())

	a.SetNeedDiscard(true)
	assert.Equal(t, bkey.StateNeedDiscard, a.State())
}

func TestAllocV4FlagSetters(t *testing.T) {
	var a bkey.AllocV4
	assert.False(t, a.NeedDiscard())
	a.SetNeedDiscard(true)
	assert.True(t, a.NeedDiscard())
	a.SetNeedDiscard(false)
	assert.False(t, a.NeedDiscard())
}
