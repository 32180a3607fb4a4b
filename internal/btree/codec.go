// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/cowfs/cowfs/internal/bkey"
)

// EncodeNode serializes n's header and bsets: the node header (magic,
// btree ID, level, min and max key), a u32 bset count, then
// concatenated bsets each preceded by its own (seq, journal_seq,
// csum_type, csum_hi, csum_lo, u32 key count). The bset header has no
// u64_count or version field. Each record within a bset is
// additionally length-prefixed here: spec.md's bkey header only
// carries an explicit Size for extent-style keys, so a uniform
// per-record length is added at this framing layer to make every bset
// self-delimiting regardless of key type (see DESIGN.md).
func EncodeNode(n *Node) ([]byte, error) {
	var out []byte

	hdr := make([]byte, 0, 8+1+1+bkey.HeaderSize*2)
	hdr = binary.LittleEndian.AppendUint64(hdr, NodeMagic^uint64(n.BtreeID))
	hdr = append(hdr, byte(n.BtreeID), n.Level)
	hdr = bkey.Header{Key: bkey.FromBpos(n.MinKey)}.AppendEncoded(hdr)
	hdr = bkey.Header{Key: bkey.FromBpos(n.MaxKey)}.AppendEncoded(hdr)
	out = append(out, hdr...)

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(n.Bsets)))
	out = append(out, countBuf...)

	for _, b := range n.Bsets {
		var body []byte
		for _, rec := range b.Keys {
			enc, err := bkey.Encode(rec)
			if err != nil {
				return nil, fmt.Errorf("btree: encode node: %w", err)
			}
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(enc)))
			body = append(body, lenBuf...)
			body = append(body, enc...)
		}
		b.CSumType = bsetCSumType
		b.CSumHi = 0
		b.CSumLo = bsetChecksum(body)

		bsetHdr := make([]byte, 8+8+1+8+8+4)
		binary.LittleEndian.PutUint64(bsetHdr[0:8], b.Seq)
		binary.LittleEndian.PutUint64(bsetHdr[8:16], b.JournalSeq)
		bsetHdr[16] = b.CSumType
		binary.LittleEndian.PutUint64(bsetHdr[17:25], b.CSumHi)
		binary.LittleEndian.PutUint64(bsetHdr[25:33], b.CSumLo)
		binary.LittleEndian.PutUint32(bsetHdr[33:37], uint32(len(b.Keys)))
		out = append(out, bsetHdr...)
		out = append(out, body...)
	}
	return out, nil
}

// bsetCSumType tags the checksum algorithm below; 0 means unchecked
// (a bset written by a build that predates per-bset checksums).
const bsetCSumType = 1

// bsetChecksum covers a bset's encoded record region (spec.md §3:
// "each bset is an independently-checksummed ... batch of bkeys").
func bsetChecksum(dat []byte) uint64 {
	var h uint64 = 0xcbf29ce484222325
	for _, c := range dat {
		h ^= uint64(c)
		h *= 0x100000001b3
	}
	return h
}

// DecodeNode parses the layout EncodeNode produces, given the tree's
// fill-size target (carried out-of-band the same way a mount passes
// its configured node size to every tree it opens).
func DecodeNode(dat []byte, targetFillBytes int) (*Node, error) {
	if len(dat) < 10+2*bkey.HeaderSize {
		return nil, fmt.Errorf("btree: decode node: header truncated")
	}
	magicXorID := binary.LittleEndian.Uint64(dat[0:8])
	btreeID := bkey.BtreeID(dat[8])
	if magicXorID != NodeMagic^uint64(btreeID) {
		return nil, fmt.Errorf("btree: decode node: bad magic")
	}
	level := dat[9]
	off := 10
	minHdr, n, err := bkey.DecodeHeader(dat[off:])
	if err != nil {
		return nil, fmt.Errorf("btree: decode node: min_key: %w", err)
	}
	off += n
	maxHdr, n, err := bkey.DecodeHeader(dat[off:])
	if err != nil {
		return nil, fmt.Errorf("btree: decode node: max_key: %w", err)
	}
	off += n

	if len(dat) < off+4 {
		return nil, fmt.Errorf("btree: decode node: bset count truncated")
	}
	nBsets := int(binary.LittleEndian.Uint32(dat[off : off+4]))
	off += 4

	node := NewNode(btreeID, level, minHdr.Key.ToBpos(), maxHdr.Key.ToBpos(), targetFillBytes)
	node.Bsets = node.Bsets[:0]

	for i := 0; i < nBsets; i++ {
		if len(dat) < off+37 {
			return nil, fmt.Errorf("btree: decode node: bset %d header truncated", i)
		}
		b := &Bset{
			Seq:        binary.LittleEndian.Uint64(dat[off : off+8]),
			JournalSeq: binary.LittleEndian.Uint64(dat[off+8 : off+16]),
			CSumType:   dat[off+16],
			CSumHi:     binary.LittleEndian.Uint64(dat[off+17 : off+25]),
			CSumLo:     binary.LittleEndian.Uint64(dat[off+25 : off+33]),
		}
		nKeys := int(binary.LittleEndian.Uint32(dat[off+33 : off+37]))
		off += 37

		bodyStart := off
		for k := 0; k < nKeys; k++ {
			if len(dat) < off+4 {
				return nil, fmt.Errorf("btree: decode node: bset %d key %d length truncated", i, k)
			}
			recLen := int(binary.LittleEndian.Uint32(dat[off : off+4]))
			off += 4
			if len(dat) < off+recLen {
				return nil, fmt.Errorf("btree: decode node: bset %d key %d truncated", i, k)
			}
			rec, _, err := bkey.Decode(dat[off : off+recLen])
			if err != nil {
				return nil, fmt.Errorf("btree: decode node: bset %d key %d: %w", i, k, err)
			}
			off += recLen
			b.Keys = append(b.Keys, rec)
		}
		if b.CSumType == bsetCSumType {
			if got := bsetChecksum(dat[bodyStart:off]); got != b.CSumLo {
				return nil, fmt.Errorf("btree: decode node: bset %d checksum mismatch: stored=%#x calculated=%#x", i, b.CSumLo, got)
			}
		}
		node.Bsets = append(node.Bsets, b)
	}
	return node, nil
}
