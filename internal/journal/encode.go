// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/cowfs/cowfs/internal/bkey"
)

// EntryMagic identifies a valid on-disk journal entry header
// (spec.md §6 "On-disk journal entry").
const EntryMagic uint32 = 0x6a736574 // "jset"

// Encode serializes an Entry as (csum u64, magic u32, flags u32, seq
// u64, last_seq u64, sub-entry count u32), then each sub-entry
// prefixed by its u32 byte length. The header has no version field,
// and its count is of sub-entries, not of u64 words.
func Encode(e *Entry) ([]byte, error) {
	buf := make([]byte, 0, 64+len(e.SubEntries)*32)
	var scratch [8]byte

	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf = append(buf, scratch[:]...)
	}
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf = append(buf, scratch[:4]...)
	}

	putU64(e.Checksum)
	putU32(EntryMagic)
	flags := uint32(0)
	if e.NoFlush {
		flags |= 1
	}
	putU32(flags)
	putU64(e.Seq)
	putU64(e.LastSeq)
	putU32(uint32(len(e.SubEntries)))

	for _, se := range e.SubEntries {
		sub, err := encodeSubEntry(se)
		if err != nil {
			return nil, err
		}
		putU32(uint32(len(sub)))
		buf = append(buf, sub...)
	}
	return buf, nil
}

func encodeSubEntry(se SubEntry) ([]byte, error) {
	buf := []byte{byte(se.Type), byte(se.BtreeID), se.Level}
	switch se.Type {
	case SubEntryBkeyUpdate:
		kb, err := bkey.Encode(se.Key)
		if err != nil {
			return nil, fmt.Errorf("journal: encode bkey sub-entry: %w", err)
		}
		buf = append(buf, kb...)
	case SubEntryBtreeRoot:
		if se.RootPtr != nil {
			pb, err := rawMarshal(*se.RootPtr)
			if err != nil {
				return nil, err
			}
			buf = append(buf, pb...)
		}
	case SubEntryUsageDelta:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(se.UsageDelta))
		buf = append(buf, tmp[:]...)
	case SubEntryClock:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], se.ClockTicks)
		buf = append(buf, tmp[:]...)
	case SubEntryBlacklist:
		var tmp [16]byte
		binary.LittleEndian.PutUint64(tmp[0:8], se.Blacklist.Start)
		binary.LittleEndian.PutUint64(tmp[8:16], se.Blacklist.End)
		buf = append(buf, tmp[:]...)
	case SubEntryLogMessage:
		buf = append(buf, []byte(se.Message)...)
	}
	return buf, nil
}

func rawMarshal(ptr bkey.BtreePtrV2) ([]byte, error) {
	return ptr.MarshalBinary()
}

// Decode is the reverse of Encode, used by mount-time journal replay.
func Decode(dat []byte) (*Entry, error) {
	if len(dat) < 8+4+4+8+8+4 {
		return nil, fmt.Errorf("journal: entry too short to decode header")
	}
	e := &Entry{}
	off := 0
	readU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(dat[off:])
		off += 8
		return v
	}
	readU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(dat[off:])
		off += 4
		return v
	}

	e.Checksum = readU64()
	magic := readU32()
	if magic != EntryMagic {
		return nil, fmt.Errorf("journal: bad magic %#x", magic)
	}
	flags := readU32()
	e.NoFlush = flags&1 != 0
	e.Seq = readU64()
	e.LastSeq = readU64()
	count := readU32()

	for i := uint32(0); i < count; i++ {
		if off+4 > len(dat) {
			return nil, fmt.Errorf("journal: truncated sub-entry length")
		}
		l := int(readU32())
		if off+l > len(dat) {
			return nil, fmt.Errorf("journal: truncated sub-entry body")
		}
		se, err := decodeSubEntry(dat[off : off+l])
		if err != nil {
			return nil, err
		}
		e.SubEntries = append(e.SubEntries, se)
		off += l
	}
	return e, nil
}

func decodeSubEntry(dat []byte) (SubEntry, error) {
	if len(dat) < 3 {
		return SubEntry{}, fmt.Errorf("journal: sub-entry too short")
	}
	se := SubEntry{Type: SubEntryType(dat[0]), BtreeID: bkey.BtreeID(dat[1]), Level: dat[2]}
	body := dat[3:]
	switch se.Type {
	case SubEntryBkeyUpdate:
		rec, _, err := bkey.Decode(body)
		if err != nil {
			return se, fmt.Errorf("journal: decode bkey sub-entry: %w", err)
		}
		se.Key = rec
	case SubEntryBtreeRoot:
		var ptr bkey.BtreePtrV2
		if _, err := ptr.UnmarshalBinary(body); err != nil {
			return se, fmt.Errorf("journal: decode root ptr sub-entry: %w", err)
		}
		se.RootPtr = &ptr
	case SubEntryUsageDelta:
		se.UsageDelta = int64(binary.LittleEndian.Uint64(body))
	case SubEntryClock:
		se.ClockTicks = binary.LittleEndian.Uint64(body)
	case SubEntryBlacklist:
		se.Blacklist = SeqRange{
			Start: binary.LittleEndian.Uint64(body[0:8]),
			End:   binary.LittleEndian.Uint64(body[8:16]),
		}
	case SubEntryLogMessage:
		se.Message = string(body)
	}
	return se, nil
}
