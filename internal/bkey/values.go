// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bkey

import (
	"encoding/binary"
	"fmt"
)

// DataType is the bucket data_type enum from spec.md §3 (Bucket).
type DataType uint8

const (
	DataFree DataType = iota
	DataSuperblock
	DataJournal
	DataBtree
	DataUser
	DataCached
	DataParity
	DataStripe
	DataNeedGCGens
	DataNeedDiscard
)

// allocV4Size is the fixed on-disk size of an alloc_v4 value: gen,
// data_type, flags, pad (1 each), dirty/cached sectors (4 each),
// io_times (8 each), stripe (4), stripe_redundancy (1).
const allocV4Size = 4 + 4 + 4 + 8 + 8 + 4 + 1

// AllocV4 is the alloc_v4 bkey value: primary per-bucket state, keyed
// by (dev, bucket_nr) in the alloc btree (spec.md §4.C).
type AllocV4 struct {
	Gen              uint8
	DataType         DataType
	Flags            uint8 // bit0=NeedIncGen bit1=NeedDiscard
	Pad              uint8
	DirtySectors     uint32
	CachedSectors    uint32
	IOTimeRead       uint64
	IOTimeWrite      uint64
	Stripe           uint32
	StripeRedundancy uint8
}

func (a AllocV4) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 0, allocV4Size)
	dst = append(dst, a.Gen, byte(a.DataType), a.Flags, a.Pad)
	dst = binary.LittleEndian.AppendUint32(dst, a.DirtySectors)
	dst = binary.LittleEndian.AppendUint32(dst, a.CachedSectors)
	dst = binary.LittleEndian.AppendUint64(dst, a.IOTimeRead)
	dst = binary.LittleEndian.AppendUint64(dst, a.IOTimeWrite)
	dst = binary.LittleEndian.AppendUint32(dst, a.Stripe)
	dst = append(dst, a.StripeRedundancy)
	return dst, nil
}

func (a *AllocV4) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < allocV4Size {
		return 0, fmt.Errorf("bkey: alloc_v4 needs %d bytes, have %d", allocV4Size, len(dat))
	}
	a.Gen = dat[0]
	a.DataType = DataType(dat[1])
	a.Flags = dat[2]
	a.Pad = dat[3]
	a.DirtySectors = binary.LittleEndian.Uint32(dat[4:8])
	a.CachedSectors = binary.LittleEndian.Uint32(dat[8:12])
	a.IOTimeRead = binary.LittleEndian.Uint64(dat[12:20])
	a.IOTimeWrite = binary.LittleEndian.Uint64(dat[20:28])
	a.Stripe = binary.LittleEndian.Uint32(dat[28:32])
	a.StripeRedundancy = dat[32]
	return allocV4Size, nil
}

const (
	allocFlagNeedIncGen  = 1 << 0
	allocFlagNeedDiscard = 1 << 1
)

func (a AllocV4) NeedIncGen() bool  { return a.Flags&allocFlagNeedIncGen != 0 }
func (a AllocV4) NeedDiscard() bool { return a.Flags&allocFlagNeedDiscard != 0 }

func (a *AllocV4) SetNeedIncGen(v bool)  { a.setFlag(allocFlagNeedIncGen, v) }
func (a *AllocV4) SetNeedDiscard(v bool) { a.setFlag(allocFlagNeedDiscard, v) }

func (a *AllocV4) setFlag(bit uint8, v bool) {
	if v {
		a.Flags |= bit
	} else {
		a.Flags &^= bit
	}
}

// BucketState is the derived total function over AllocV4 named in
// spec.md §3 ("Derived bucket state") and resolved by
// original_source/libbcachefs/alloc_background.c's bch2_bucket_states
// to exactly five states (SPEC_FULL.md supplemented feature #1).
type BucketState uint8

const (
	StateFree BucketState = iota
	StateNeedGCGens
	StateNeedDiscard
	StateCached
	StateDirty
)

func (s BucketState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateNeedGCGens:
		return "need_gc_gens"
	case StateNeedDiscard:
		return "need_discard"
	case StateCached:
		return "cached"
	case StateDirty:
		return "dirty"
	default:
		return "invalid"
	}
}

// State implements bch2_bucket_states: need_discard and need_gc_gens
// take priority over cached/dirty, which are in turn derived from the
// live sector counts; the zero value is free.
func (a AllocV4) State() BucketState {
	switch {
	case a.NeedDiscard():
		return StateNeedDiscard
	case a.NeedIncGen():
		return StateNeedGCGens
	case a.DirtySectors > 0:
		return StateDirty
	case a.CachedSectors > 0:
		return StateCached
	default:
		return StateFree
	}
}

// Freespace, NeedDiscard and LRU are presence-only secondary index
// keys (spec.md §3, §4.C): membership in the tree, not the value, is
// the information. Their values carry no payload; a zero-length
// MarshalBinary round-trips to a zero-length UnmarshalBinary.
type Freespace struct{}

func (Freespace) MarshalBinary() ([]byte, error)           { return nil, nil }
func (*Freespace) UnmarshalBinary(dat []byte) (int, error) { return 0, nil }

type NeedDiscard struct{}

func (NeedDiscard) MarshalBinary() ([]byte, error)           { return nil, nil }
func (*NeedDiscard) UnmarshalBinary(dat []byte) (int, error) { return 0, nil }

type LRU struct{}

func (LRU) MarshalBinary() ([]byte, error)           { return nil, nil }
func (*LRU) UnmarshalBinary(dat []byte) (int, error) { return 0, nil }

// btreePtrV2Size is the fixed on-disk size of a btree_ptr_v2 value:
// dev_idx (2), bucket_nr (8), gen (1), pad (5), sector_off (4),
// seq (8), min_key (20).
const btreePtrV2Size = 2 + 8 + 1 + 5 + 4 + 8 + PosSize

// BtreePtrV2 is a child pointer (spec.md §3 Bkey: btree_ptr_v2): the
// on-disk (dev, bucket_nr, gen) pointer plus the min_key/seq needed to
// validate a cached in-memory node without a disk read.
type BtreePtrV2 struct {
	DevIdx    uint16
	BucketNr  uint64
	Gen       uint8
	SectorOff uint32
	Seq       uint64
	MinKey    Pos

	// MemPtr caches the address of an already-decoded node with
	// matching Seq (spec.md §4.D.4 fast path). It is in-memory
	// only and is never part of the on-disk encoding or checksum.
	MemPtr any
}

func (p BtreePtrV2) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 0, btreePtrV2Size)
	dst = binary.LittleEndian.AppendUint16(dst, p.DevIdx)
	dst = binary.LittleEndian.AppendUint64(dst, p.BucketNr)
	dst = append(dst, p.Gen, 0, 0, 0, 0, 0)
	dst = binary.LittleEndian.AppendUint32(dst, p.SectorOff)
	dst = binary.LittleEndian.AppendUint64(dst, p.Seq)
	return p.MinKey.AppendEncoded(dst), nil
}

func (p *BtreePtrV2) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < btreePtrV2Size {
		return 0, fmt.Errorf("bkey: btree_ptr_v2 needs %d bytes, have %d", btreePtrV2Size, len(dat))
	}
	p.DevIdx = binary.LittleEndian.Uint16(dat[0:2])
	p.BucketNr = binary.LittleEndian.Uint64(dat[2:10])
	p.Gen = dat[10]
	p.SectorOff = binary.LittleEndian.Uint32(dat[16:20])
	p.Seq = binary.LittleEndian.Uint64(dat[20:28])
	p.MinKey = decodePos(dat[28:btreePtrV2Size])
	return btreePtrV2Size, nil
}

// GenOK reports whether observedGen (the generation recorded on an
// extent pointer, or read live off the bucket) still matches this
// btree pointer's recorded generation, honoring u8 wraparound.
func (p BtreePtrV2) GenOK(observedGen uint8) bool {
	return p.Gen == observedGen
}
