// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bkey implements the variable-sized typed key/value record
// (spec.md §3 "Bkey") used throughout every btree: a fixed header
// (type, size, key) followed by a type-specific value payload. Every
// on-disk layout here is encoded with explicit little-endian
// serialisers — field by field, no reliance on compiler layout.
package bkey

import (
	"encoding/binary"
	"fmt"

	"github.com/cowfs/cowfs/internal/bpos"
)

// Type is the bkey value-type tag (spec.md's Bkey.type).
type Type uint8

const (
	TypeDeleted Type = iota
	TypeAllocV4
	TypeFreespace
	TypeNeedDiscard
	TypeLRU
	TypeBtreePtrV2
	TypeExtent
	TypeReflink
	TypeInode
	TypeDirent
	TypeXattr
	TypeSubvolume
	TypeSnapshot
	TypeOpaque // passthrough: any type this module does not interpret
)

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

var typeNames = map[Type]string{
	TypeDeleted:     "deleted",
	TypeAllocV4:     "alloc_v4",
	TypeFreespace:   "freespace",
	TypeNeedDiscard: "need_discard",
	TypeLRU:         "lru",
	TypeBtreePtrV2:  "btree_ptr_v2",
	TypeExtent:      "extent",
	TypeReflink:     "reflink",
	TypeInode:       "inode",
	TypeDirent:      "dirent",
	TypeXattr:       "xattr",
	TypeSubvolume:   "subvolume",
	TypeSnapshot:    "snapshot",
	TypeOpaque:      "opaque",
}

// HeaderSize is Header's encoded size in bytes: type (1) + size (4) +
// key (20).
const HeaderSize = 1 + 4 + PosSize

// Header is the fixed-size prefix of every on-disk bkey record.
// Size is only meaningful (non-zero) for extent-style keys
// (btreeID.IsExtents(), spec.md's Bkey description).
type Header struct {
	KeyType Type
	Size    uint32
	Key     Pos
}

// AppendEncoded appends h's fixed 25-byte encoding to dst.
func (h Header) AppendEncoded(dst []byte) []byte {
	dst = append(dst, byte(h.KeyType))
	dst = binary.LittleEndian.AppendUint32(dst, h.Size)
	return h.Key.AppendEncoded(dst)
}

// DecodeHeader parses the fixed header prefix of dat, returning the
// number of bytes consumed.
func DecodeHeader(dat []byte) (Header, int, error) {
	if len(dat) < HeaderSize {
		return Header{}, 0, fmt.Errorf("bkey: header needs %d bytes, have %d", HeaderSize, len(dat))
	}
	return Header{
		KeyType: Type(dat[0]),
		Size:    binary.LittleEndian.Uint32(dat[1:5]),
		Key:     decodePos(dat[5:HeaderSize]),
	}, HeaderSize, nil
}

// PosSize is the encoded size of an on-disk key position: inode (8) +
// offset (8) + snapshot (4).
const PosSize = 20

// Pos mirrors bpos.Pos with an explicit on-disk little-endian layout;
// kept as a distinct type (rather than serializing bpos.Pos directly)
// so bpos stays free of encoding concerns, matching the teacher's
// separation between btrfsprim (pure types) and the on-disk structs
// in btrfs/.
type Pos struct {
	Inode    uint64
	Offset   uint64
	Snapshot uint32
}

func (p Pos) AppendEncoded(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, p.Inode)
	dst = binary.LittleEndian.AppendUint64(dst, p.Offset)
	return binary.LittleEndian.AppendUint32(dst, p.Snapshot)
}

func decodePos(dat []byte) Pos {
	return Pos{
		Inode:    binary.LittleEndian.Uint64(dat[0:8]),
		Offset:   binary.LittleEndian.Uint64(dat[8:16]),
		Snapshot: binary.LittleEndian.Uint32(dat[16:20]),
	}
}

func FromBpos(p bpos.Pos) Pos {
	return Pos{Inode: p.Inode, Offset: p.Offset, Snapshot: p.Snapshot}
}

func (p Pos) ToBpos() bpos.Pos {
	return bpos.Pos{Inode: p.Inode, Offset: p.Offset, Snapshot: p.Snapshot}
}
