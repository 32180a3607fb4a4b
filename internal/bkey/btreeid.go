// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bkey

import "fmt"

// BtreeID enumerates the small set of btrees named in spec.md §3
// (Btree entity). A generated table (btreeIDNames) provides the
// reflection Design Note 9 asks for instead of an X-macro.
type BtreeID uint8

const (
	BtreeAlloc BtreeID = iota
	BtreeFreespace
	BtreeNeedDiscard
	BtreeLRU
	BtreeExtents
	BtreeInodes
	BtreeDirents
	BtreeXattrs
	BtreeReflink
	BtreeSubvolumes
	BtreeSnapshots
	NrBtreeIDs
)

var btreeIDNames = [NrBtreeIDs]string{
	BtreeAlloc:       "alloc",
	BtreeFreespace:   "freespace",
	BtreeNeedDiscard: "need_discard",
	BtreeLRU:         "lru",
	BtreeExtents:     "extents",
	BtreeInodes:      "inodes",
	BtreeDirents:     "dirents",
	BtreeXattrs:      "xattrs",
	BtreeReflink:     "reflink",
	BtreeSubvolumes:  "subvolumes",
	BtreeSnapshots:   "snapshots",
}

func (id BtreeID) String() string {
	if id >= NrBtreeIDs {
		return fmt.Sprintf("BtreeID(%d)", uint8(id))
	}
	return btreeIDNames[id]
}

// btreeParams describes the two booleans spec.md's Btree entity
// parametrises every tree by.
type btreeParams struct {
	HasSnapshots bool
	IsExtents    bool
}

var btreeParamsTable = [NrBtreeIDs]btreeParams{
	BtreeAlloc:       {},
	BtreeFreespace:   {},
	BtreeNeedDiscard: {},
	BtreeLRU:         {},
	BtreeExtents:     {HasSnapshots: true, IsExtents: true},
	BtreeInodes:      {HasSnapshots: true},
	BtreeDirents:     {HasSnapshots: true},
	BtreeXattrs:      {HasSnapshots: true},
	BtreeReflink:     {IsExtents: true},
	BtreeSubvolumes:  {},
	BtreeSnapshots:   {},
}

func (id BtreeID) HasSnapshots() bool { return btreeParamsTable[id].HasSnapshots }
func (id BtreeID) IsExtents() bool    { return btreeParamsTable[id].IsExtents }
