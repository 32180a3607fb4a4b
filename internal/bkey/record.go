// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bkey

import (
	"fmt"
	"reflect"

	"github.com/cowfs/cowfs/internal/bpos"
)

// Value is implemented by every bkey value payload type: a marshal to
// the value's explicit little-endian layout, and an unmarshal that
// reports how many bytes it consumed.
type Value interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(dat []byte) (int, error)
}

// valueTypes is the reflection table Design Note 9 asks for in place
// of an X-macro enumerating bkey types.
var valueTypes = map[Type]reflect.Type{
	TypeAllocV4:     reflect.TypeOf(AllocV4{}),
	TypeFreespace:   reflect.TypeOf(Freespace{}),
	TypeNeedDiscard: reflect.TypeOf(NeedDiscard{}),
	TypeLRU:         reflect.TypeOf(LRU{}),
	TypeBtreePtrV2:  reflect.TypeOf(BtreePtrV2{}),
}

// Record is a decoded (header, value) pair: the in-memory form of a
// single bkey.
type Record struct {
	Header Header
	Value  Value
}

// Pos returns the record's position as a bpos.Pos, the form the rest
// of the engine (paths, iterators, ordering) operates on.
func (r Record) Pos() bpos.Pos { return r.Header.Key.ToBpos() }

// Deleted reports whether this record is a tombstone: peek_slot
// (§4.D.3) synthesizes one of these for holes in extent trees, and a
// transaction update with a TypeDeleted value removes the logical key.
func (r Record) Deleted() bool { return r.Header.KeyType == TypeDeleted }

// Decode parses a single bkey record (header + value) from dat,
// returning the number of bytes consumed.
func Decode(dat []byte) (Record, int, error) {
	hdr, n, err := DecodeHeader(dat)
	if err != nil {
		return Record{}, n, err
	}
	var valLen int
	if extentSizedTypes[hdr.KeyType] {
		valLen = int(hdr.Size)
	} else {
		// Non-extent trees don't carry a size field; the value
		// runs to end-of-record, which the caller (bset decoder)
		// knows from the record framing.
		valLen = len(dat) - n
	}
	if n+valLen > len(dat) {
		return Record{}, n, fmt.Errorf("bkey: value of declared size %d overruns %d available bytes", valLen, len(dat)-n)
	}

	val, err := newValue(hdr.KeyType)
	if err != nil {
		return Record{}, n, err
	}
	vn, err := val.UnmarshalBinary(dat[n : n+valLen])
	if err != nil {
		return Record{}, n, fmt.Errorf("bkey: value type %v: %w", hdr.KeyType, err)
	}
	n += vn
	return Record{Header: hdr, Value: val}, n, nil
}

// extentSizedTypes marks types whose value length is carried in the
// header's Size field (the is_extents trees, per spec.md's Bkey
// description: "size:u32 — for extents only"); everything else must
// be inferred from record framing.
var extentSizedTypes = map[Type]bool{
	TypeExtent:  true,
	TypeReflink: true,
}

func newValue(t Type) (Value, error) {
	if typ, ok := valueTypes[t]; ok {
		return reflect.New(typ).Interface().(Value), nil
	}
	// Opaque passthrough: extent/reflink/inode/dirent/xattr/
	// subvolume/snapshot and anything else this module doesn't
	// interpret (spec.md §3).
	return &Opaque{}, nil
}

// Encode serializes a Record back to bytes, recomputing Header.Size
// for extent-style keys.
func Encode(r Record) ([]byte, error) {
	var valBytes []byte
	if r.Value != nil {
		var err error
		valBytes, err = r.Value.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("bkey: value type %v: %w", r.Header.KeyType, err)
		}
	}
	hdr := r.Header
	if extentSizedTypes[hdr.KeyType] {
		hdr.Size = uint32(len(valBytes))
	}
	out := hdr.AppendEncoded(make([]byte, 0, HeaderSize+len(valBytes)))
	return append(out, valBytes...), nil
}

// New builds a Record with value v at key.
func New(key bpos.Pos, t Type, v Value) Record {
	return Record{
		Header: Header{
			KeyType: t,
			Key:     FromBpos(key),
		},
		Value: v,
	}
}
