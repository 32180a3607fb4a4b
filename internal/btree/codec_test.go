// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

func TestNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := NewNode(bkey.BtreeAlloc, 0, bpos.Pos{Inode: 1}, bpos.Pos{Inode: 9}, 1<<16)
	n.Insert(rec(2))
	n.Insert(rec(5))
	n.Bsets = append(n.Bsets, &Bset{Seq: 1, JournalSeq: 7})
	n.Insert(rec(8))

	enc, err := EncodeNode(n)
	require.NoError(t, err)

	got, err := DecodeNode(enc, 1<<16)
	require.NoError(t, err)
	assert.Equal(t, n.BtreeID, got.BtreeID)
	assert.Equal(t, n.Level, got.Level)
	assert.Equal(t, n.MinKey, got.MinKey)
	assert.Equal(t, n.MaxKey, got.MaxKey)
	require.Len(t, got.Bsets, 2)
	assert.Equal(t, uint64(7), got.Bsets[1].JournalSeq)

	merged := got.Merged()
	require.Len(t, merged, 3)
	assert.Equal(t, uint64(2), merged[0].Pos().Inode)
	assert.Equal(t, uint64(8), merged[2].Pos().Inode)
}

func TestDecodeNodeRejectsBadMagic(t *testing.T) {
	n := NewNode(bkey.BtreeAlloc, 0, bpos.Min, bpos.SMax, 0)
	enc, err := EncodeNode(n)
	require.NoError(t, err)

	enc[0] ^= 0xFF
	_, err = DecodeNode(enc, 0)
	assert.Error(t, err)
}

func TestDecodeNodeDetectsBsetCorruption(t *testing.T) {
	n := NewNode(bkey.BtreeAlloc, 0, bpos.Min, bpos.SMax, 0)
	n.Insert(rec(3))
	enc, err := EncodeNode(n)
	require.NoError(t, err)

	// Flip a byte inside the bset's record region (past the node and
	// bset headers).
	enc[len(enc)-1] ^= 0xFF
	_, err = DecodeNode(enc, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}
