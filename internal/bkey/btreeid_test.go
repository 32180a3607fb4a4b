// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bkey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cowfs/cowfs/internal/bkey"
)

func TestBtreeIDString(t *testing.T) {
	assert.Equal(t, "alloc", bkey.BtreeAlloc.String())
	assert.Equal(t, "extents", bkey.BtreeExtents.String())
	assert.Contains(t, bkey.BtreeID(200).String(), "BtreeID(200)")
}

func TestBtreeIDParams(t *testing.T) {
	assert.False(t, bkey.BtreeAlloc.HasSnapshots())
	assert.False(t, bkey.BtreeAlloc.IsExtents())

	assert.True(t, bkey.BtreeExtents.HasSnapshots())
	assert.True(t, bkey.BtreeExtents.IsExtents())

	assert.True(t, bkey.BtreeInodes.HasSnapshots())
	assert.False(t, bkey.BtreeInodes.IsExtents())

	assert.False(t, bkey.BtreeReflink.HasSnapshots())
	assert.True(t, bkey.BtreeReflink.IsExtents())
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "alloc_v4", bkey.TypeAllocV4.String())
	assert.Contains(t, bkey.Type(250).String(), "Type(250)")
}
