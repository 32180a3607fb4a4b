// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package superblock implements the on-disk superblock described by
// spec.md §6: a fixed header (magic, UUIDs, version, block_size,
// nr_devices, an offsets table) followed by a payload of typed,
// length-prefixed fields. Two primary copies plus one backup per
// device, per spec.md §3 ("nr_superblocks×offsets layout descriptor").
package superblock

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
	"github.com/cowfs/cowfs/internal/journal"
)

// Magic identifies a cowfs superblock. It is stored and checked as-is;
// the filesystem UUID is not folded into it.
const Magic uint64 = 0xc0f5b10c5b10cc0f

// MaxOffsets bounds the sb_offset table (spec.md §3: "up to 8
// sb_offset sectors").
const MaxOffsets = 8

// headerSize is the fixed on-disk header size: checksum (8), magic
// (8), two UUIDs (16 each), version + block_size (2 each), nr_devices
// + nr_offsets (1 each), pad (2), sb_offset table (8*8), fields_size
// (4).
const headerSize = 8 + 8 + 16 + 16 + 2 + 2 + 1 + 1 + 2 + MaxOffsets*8 + 4

// Header is the fixed-size prefix of the on-disk superblock, encoded
// field by field in little-endian order (no reliance on compiler
// layout).
type Header struct {
	Checksum     uint64
	Magic        uint64
	UUID         [16]byte
	ExternalUUID [16]byte
	Version      uint16
	BlockSize    uint16
	NrDevices    uint8
	NrOffsets    uint8
	Pad          uint16
	Offsets      [MaxOffsets]uint64
	FieldsSize   uint32
}

func (h Header) encode() []byte {
	out := make([]byte, headerSize)
	putU64le(out[0:8], h.Checksum)
	putU64le(out[8:16], h.Magic)
	copy(out[16:32], h.UUID[:])
	copy(out[32:48], h.ExternalUUID[:])
	putU16le(out[48:50], h.Version)
	putU16le(out[50:52], h.BlockSize)
	out[52] = h.NrDevices
	out[53] = h.NrOffsets
	putU16le(out[54:56], h.Pad)
	for i, off := range h.Offsets {
		putU64le(out[56+8*i:64+8*i], off)
	}
	putU32le(out[120:124], h.FieldsSize)
	return out
}

func decodeHeader(dat []byte) (Header, int, error) {
	if len(dat) < headerSize {
		return Header{}, 0, fmt.Errorf("superblock: header needs %d bytes, have %d", headerSize, len(dat))
	}
	var h Header
	h.Checksum = getU64le(dat[0:8])
	h.Magic = getU64le(dat[8:16])
	copy(h.UUID[:], dat[16:32])
	copy(h.ExternalUUID[:], dat[32:48])
	h.Version = getU16le(dat[48:50])
	h.BlockSize = getU16le(dat[50:52])
	h.NrDevices = dat[52]
	h.NrOffsets = dat[53]
	h.Pad = getU16le(dat[54:56])
	for i := range h.Offsets {
		h.Offsets[i] = getU64le(dat[56+8*i : 64+8*i])
	}
	h.FieldsSize = getU32le(dat[120:124])
	return h, headerSize, nil
}

// FieldType enumerates the typed, length-prefixed payload sections
// spec.md §6 names: members, crypt, replicas, disk_groups, quota,
// journal, clean, journal_seq_blacklist.
type FieldType uint8

const (
	FieldMembers FieldType = iota
	FieldCrypt
	FieldReplicas
	FieldDiskGroups
	FieldQuota
	FieldJournal
	FieldClean
	FieldJournalSeqBlacklist
)

// Field is one TLV payload section; Data is the section's own encoding
// (Member, SeqRange list, or an opaque blob for sections this engine
// doesn't interpret — crypt, disk_groups, quota are carried
// byte-for-byte since nothing in this module's scope reads them).
type Field struct {
	Type FieldType
	Data []byte
}

func (f Field) MarshalBinary() ([]byte, error) {
	out := make([]byte, 5+len(f.Data))
	out[0] = byte(f.Type)
	putU32le(out[1:5], uint32(len(f.Data)))
	copy(out[5:], f.Data)
	return out, nil
}

func (f *Field) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < 5 {
		return 0, fmt.Errorf("superblock: field header truncated")
	}
	f.Type = FieldType(dat[0])
	size := int(getU32le(dat[1:5]))
	if 5+size > len(dat) {
		return 0, fmt.Errorf("superblock: field of declared size %d overruns %d available bytes", size, len(dat)-5)
	}
	f.Data = append([]byte(nil), dat[5:5+size]...)
	return 5 + size, nil
}

func putU32le(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU16le(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getU16le(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// Member is one device's entry in the FieldMembers section (spec.md §3
// "superblock member record").
type Member struct {
	UUID       uuid.UUID
	NrBuckets  uint64
	BucketSize uint32
	Idx        device.Idx
}

// Clean records the clean/unclean shutdown marker (spec.md §6
// "clean"): set on fs_stop. Nothing in this module clears it after a
// mount, and fsck does not read it.
type Clean struct {
	WasClean bool
}

// Superblock is the decoded in-memory form.
type Superblock struct {
	Header
	UUIDv         uuid.UUID
	ExternalUUIDv uuid.UUID

	Members              []Member
	JournalSeqBlacklist  []journal.SeqRange
	CleanShutdown        Clean
	FreespaceInitialized map[device.Idx]bool

	// Opaque carries any field type this module does not interpret
	// (crypt, replicas, disk_groups, quota) byte-for-byte so a
	// round-trip never silently drops foreign data.
	Opaque []Field
}

// New builds a fresh, empty superblock for fsUUID with the given
// block size and member devices (spec.md's format() surface).
func New(fsUUID, externalUUID uuid.UUID, blockSize uint16, members []Member) *Superblock {
	return &Superblock{
		Header: Header{
			Magic:     Magic,
			Version:   1,
			BlockSize: blockSize,
			NrDevices: uint8(len(members)),
		},
		UUIDv:                fsUUID,
		ExternalUUIDv:        externalUUID,
		Members:              members,
		FreespaceInitialized: make(map[device.Idx]bool),
	}
}

// Encode serializes sb, including its checksum, to bytes.
func Encode(sb *Superblock) ([]byte, error) {
	sb.Header.UUID = sb.UUIDv
	sb.Header.ExternalUUID = sb.ExternalUUIDv

	var fields []Field
	for _, m := range sb.Members {
		fields = append(fields, Field{Type: FieldMembers, Data: encodeMember(m)})
	}
	for _, r := range sb.JournalSeqBlacklist {
		fields = append(fields, Field{Type: FieldJournalSeqBlacklist, Data: encodeSeqRange(r)})
	}
	fields = append(fields, Field{Type: FieldClean, Data: encodeClean(sb.CleanShutdown)})
	for idx, done := range sb.FreespaceInitialized {
		if done {
			fields = append(fields, Field{Type: FieldJournal, Data: []byte{byte(idx)}})
		}
	}
	fields = append(fields, sb.Opaque...)

	var payload []byte
	for _, f := range fields {
		enc, err := f.MarshalBinary()
		if err != nil {
			return nil, err
		}
		payload = append(payload, enc...)
	}
	sb.Header.FieldsSize = uint32(len(payload))

	out := append(sb.Header.encode(), payload...)
	csum := checksum(out[8:])
	putU64le(out[0:8], csum)
	return out, nil
}

// Decode parses a superblock from dat, verifying its checksum and
// magic.
func Decode(dat []byte) (*Superblock, error) {
	hdr, n, err := decodeHeader(dat)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("superblock: bad magic %#x", hdr.Magic)
	}
	if n+int(hdr.FieldsSize) > len(dat) {
		return nil, fmt.Errorf("superblock: declared payload of %d bytes overruns %d available", hdr.FieldsSize, len(dat)-n)
	}
	want := checksum(dat[8 : n+int(hdr.FieldsSize)])
	got := hdr.Checksum
	if want != got {
		return nil, fmt.Errorf("superblock: checksum mismatch: stored=%#x calculated=%#x", got, want)
	}

	sb := &Superblock{Header: hdr, UUIDv: hdr.UUID, ExternalUUIDv: hdr.ExternalUUID}
	sb.FreespaceInitialized = make(map[device.Idx]bool)

	payload := dat[n : n+int(hdr.FieldsSize)]
	for len(payload) > 0 {
		var f Field
		fn, err := f.UnmarshalBinary(payload)
		if err != nil {
			return nil, fmt.Errorf("superblock: field: %w", err)
		}
		payload = payload[fn:]
		switch f.Type {
		case FieldMembers:
			m, err := decodeMember(f.Data)
			if err != nil {
				return nil, err
			}
			sb.Members = append(sb.Members, m)
		case FieldJournalSeqBlacklist:
			r, err := decodeSeqRange(f.Data)
			if err != nil {
				return nil, err
			}
			sb.JournalSeqBlacklist = append(sb.JournalSeqBlacklist, r)
		case FieldClean:
			sb.CleanShutdown = decodeClean(f.Data)
		case FieldJournal:
			if len(f.Data) == 1 {
				sb.FreespaceInitialized[device.Idx(f.Data[0])] = true
			}
		default:
			sb.Opaque = append(sb.Opaque, f)
		}
	}
	return sb, nil
}

func checksum(dat []byte) uint64 {
	var h uint64 = 0xcbf29ce484222325
	for _, b := range dat {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	return h
}

func putU64le(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func encodeMember(m Member) []byte {
	out := make([]byte, 16+8+4+1)
	copy(out[0:16], m.UUID[:])
	putU64le(out[16:24], m.NrBuckets)
	putU32le(out[24:28], m.BucketSize)
	out[28] = byte(m.Idx)
	return out
}

func decodeMember(dat []byte) (Member, error) {
	if len(dat) < 29 {
		return Member{}, fmt.Errorf("superblock: member record truncated")
	}
	var u uuid.UUID
	copy(u[:], dat[0:16])
	return Member{
		UUID:       u,
		NrBuckets:  getU64le(dat[16:24]),
		BucketSize: getU32le(dat[24:28]),
		Idx:        device.Idx(dat[28]),
	}, nil
}

func getU64le(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func encodeSeqRange(r journal.SeqRange) []byte {
	out := make([]byte, 16)
	putU64le(out[0:8], r.Start)
	putU64le(out[8:16], r.End)
	return out
}

func decodeSeqRange(dat []byte) (journal.SeqRange, error) {
	if len(dat) < 16 {
		return journal.SeqRange{}, fmt.Errorf("superblock: journal_seq_blacklist entry truncated")
	}
	return journal.SeqRange{Start: getU64le(dat[0:8]), End: getU64le(dat[8:16])}, nil
}

func encodeClean(c Clean) []byte {
	if c.WasClean {
		return []byte{1}
	}
	return []byte{0}
}

func decodeClean(dat []byte) Clean {
	return Clean{WasClean: len(dat) > 0 && dat[0] != 0}
}

// ReservedOffsets are the sector offsets of the two primary copies;
// the backup lives at the tail of each device and is computed from
// its size at write time.
var ReservedOffsets = [2]diskio.SectorAddr{8, 4096}

// BackupOffset returns the sector offset of the backup copy near the
// tail of a device of size sectors.
func BackupOffset(sectors diskio.SectorAddr) diskio.SectorAddr {
	const backupSectors = 8
	if sectors < backupSectors {
		return 0
	}
	return sectors - backupSectors
}
