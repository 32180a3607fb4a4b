// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package journal implements Component B of spec.md §4.B: the
// append-only ring that linearises concurrent mutations and
// guarantees crash consistency.
package journal

import (
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/device"
)

// SubEntryType enumerates the typed sub-entries a journal entry
// carries (spec.md §3 "Journal entry" / §6 jset_entry).
type SubEntryType uint8

const (
	SubEntryBkeyUpdate SubEntryType = iota
	SubEntryBtreeRoot
	SubEntryUsageDelta
	SubEntryClock
	SubEntryBlacklist
	SubEntryLogMessage
)

// SubEntry is a single typed sub-record within an Entry.
type SubEntry struct {
	Type SubEntryType

	// Populated depending on Type.
	BtreeID    bkey.BtreeID
	Level      uint8
	Key        bkey.Record     // SubEntryBkeyUpdate
	RootPtr    *bkey.BtreePtrV2 // SubEntryBtreeRoot
	UsageDelta int64            // SubEntryUsageDelta: signed sector delta
	ClockTicks uint64           // SubEntryClock
	Blacklist  SeqRange         // SubEntryBlacklist
	Message    string           // SubEntryLogMessage
}

// SeqRange is an inclusive range of journal sequence numbers, used by
// the blacklist mechanism (spec.md §4.B "Replay").
type SeqRange struct {
	Start, End uint64
}

func (r SeqRange) Contains(seq uint64) bool { return seq >= r.Start && seq <= r.End }

// Entry is one self-describing, checksummed journal record (spec.md
// §3 "Journal entry").
type Entry struct {
	Seq      uint64
	LastSeq  uint64
	NoFlush  bool
	Checksum uint64

	SubEntries []SubEntry

	// OnDisk records where this entry landed, once written, so the
	// reclaim path knows which bucket(s) to eventually discard.
	OnDisk *device.Addr
}

// computeChecksum is a placeholder for the real checksum algorithm
// (spec.md §1 names checksum primitives as an external collaborator
// out of scope for this module); it exists so Entry round-trips
// through Encode/Decode with a checksum field that is actually
// checked, without depending on a specific algorithm.
func (e *Entry) computeChecksum() uint64 {
	var h uint64 = 0xcbf29ce484222325
	mix := func(v uint64) {
		h ^= v
		h *= 0x100000001b3
	}
	mix(e.Seq)
	mix(e.LastSeq)
	for _, se := range e.SubEntries {
		mix(uint64(se.Type))
		mix(uint64(se.BtreeID))
		mix(uint64(len(se.Message)))
	}
	return h
}

// Seal finalizes the checksum before the entry is written.
func (e *Entry) Seal() { e.Checksum = e.computeChecksum() }

// VerifyChecksum reports whether e's checksum still matches its
// content, per spec.md §7 "Checksum" error kind.
func (e *Entry) VerifyChecksum() bool { return e.Checksum == e.computeChecksum() }
