// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/cowfs/cowfs/internal/device"
)

// Writer is the device-facing half of the journal: it knows how to
// lay an encoded entry out into journal buckets on one or more
// devices (spec.md §4.B "Each device owns a contiguous set of journal
// buckets").
type Writer interface {
	// WriteEntry durably writes dat (an encoded Entry) to the next
	// free journal bucket slot, with fua forcing REQ_FUA.
	WriteEntry(ctx context.Context, dat []byte, fua bool) (device.Addr, error)
}

// Pins tracks, per journal seq, how many dirty btree nodes still
// reference it (spec.md §4.B "Pinning"): the entry cannot be
// reclaimed while any pin <= its seq is outstanding. A min-heap of
// pinned seqs keeps Min — the hot query, recomputed for every new
// entry's last_seq — at the top; counts tracks multiplicity, since
// many nodes typically pin the same seq, and heap entries whose count
// has dropped to zero are discarded lazily when Min next looks.
type Pins struct {
	mu     sync.Mutex
	counts map[uint64]int
	seqs   seqHeap
}

func NewPins() *Pins { return &Pins{counts: make(map[uint64]int)} }

func (p *Pins) Add(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[seq] == 0 {
		heap.Push(&p.seqs, seq)
	}
	p.counts[seq]++
}

func (p *Pins) Release(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[seq] > 0 {
		p.counts[seq]--
		if p.counts[seq] == 0 {
			delete(p.counts, seq)
		}
	}
}

// Min returns the smallest outstanding pinned seq, and whether any
// pin exists at all.
func (p *Pins) Min() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.seqs) > 0 {
		seq := p.seqs[0]
		if p.counts[seq] > 0 {
			return seq, true
		}
		heap.Pop(&p.seqs)
	}
	return 0, false
}

// seqHeap is a min-heap of journal sequence numbers.
type seqHeap []uint64

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)         { *h = append(*h, x.(uint64)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	seq := old[n-1]
	*h = old[:n-1]
	return seq
}

// Journal is the append-only ring described by spec.md §4.B: it
// batches mutations into sequenced entries, replays them on recovery,
// and tracks reclaim eligibility via Pins.
type Journal struct {
	mu sync.Mutex

	writer Writer
	pins   *Pins

	nextSeq        uint64
	current        *Entry
	currentBytes   int
	currentHolders int
	entryCapacity  int

	lastSeqOndisk uint64
	blacklist     []SeqRange

	waiters []chan struct{}

	// writeQueue holds every entry that has been through Release but
	// has not yet been handed to the writer; flushQueue drains it in
	// seq order.
	writeQueue []*Entry
}

func New(writer Writer, entryCapacityBytes int) *Journal {
	return &Journal{
		writer:        writer,
		pins:          NewPins(),
		nextSeq:       1,
		entryCapacity: entryCapacityBytes,
	}
}

func (j *Journal) Pins() *Pins { return j.pins }

// Reservation is the ordering primitive of spec.md §4.B: the seq at
// which it lands is the commit order.
type Reservation struct {
	journal *Journal
	entry   *Entry
	bytes   int
}

func (r *Reservation) Seq() uint64 { return r.entry.Seq }

// Reserve obtains a reservation for at most nBytes in the current (or
// a freshly-started) in-memory journal entry, blocking (not spinning)
// while the journal is full (spec.md §8 boundary behaviour).
func (j *Journal) Reserve(ctx context.Context, nBytes int) (*Reservation, error) {
	for {
		j.mu.Lock()
		if j.current == nil {
			j.current = &Entry{Seq: j.nextSeq, LastSeq: j.computeLastSeqLocked()}
			j.nextSeq++
			j.currentBytes = 0
		}
		if j.currentBytes+nBytes <= j.entryCapacity || j.currentBytes == 0 {
			j.currentBytes += nBytes
			j.currentHolders++
			entry := j.current
			j.mu.Unlock()
			return &Reservation{journal: j, entry: entry, bytes: nBytes}, nil
		}
		ch := make(chan struct{})
		j.waiters = append(j.waiters, ch)
		j.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (j *Journal) computeLastSeqLocked() uint64 {
	if min, ok := j.pins.Min(); ok {
		return min
	}
	return j.nextSeq
}

// Stage attaches subEntries to the reservation's entry (§4.E step 5:
// "copies its prepared bkey updates into the reserved region").
func (r *Reservation) Stage(subEntries ...SubEntry) {
	r.journal.mu.Lock()
	defer r.journal.mu.Unlock()
	r.entry.SubEntries = append(r.entry.SubEntries, subEntries...)
}

// Release marks this reservation done. When the last holder of an
// entry releases it, the entry becomes eligible for write (§4.B
// "Commit").
func (r *Reservation) Release(ctx context.Context, fua bool) error {
	j := r.journal
	j.mu.Lock()
	if j.current != r.entry {
		// The entry was already sealed and handed to the write
		// pipeline by the last holder.
		j.mu.Unlock()
		return nil
	}
	j.currentHolders--
	if j.currentHolders > 0 {
		j.mu.Unlock()
		return nil
	}
	j.current = nil
	entry := r.entry
	entry.Seal()
	j.writeQueue = append(j.writeQueue, entry)
	waiters := j.waiters
	j.waiters = nil
	j.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	return j.flushQueue(ctx, fua)
}

// flushQueue submits queued entries to the writer in strict seq
// order (spec.md §4.B "A write-io pipeline submits entries in seq
// order"). The §9 open question on NO_FLUSH is left unresolved; we
// always request fua, the conservative choice it calls for.
func (j *Journal) flushQueue(ctx context.Context, fua bool) error {
	j.mu.Lock()
	slices.SortFunc(j.writeQueue, func(a, b *Entry) bool { return a.Seq < b.Seq })
	queue := j.writeQueue
	j.writeQueue = nil
	j.mu.Unlock()

	for _, entry := range queue {
		dat, err := Encode(entry)
		if err != nil {
			return fmt.Errorf("journal: encode seq %d: %w", entry.Seq, err)
		}
		// §9 open question: when NO_FLUSH may be skipped is
		// undocumented upstream; always FUA until clarified.
		_ = entry.NoFlush
		addr, err := j.writer.WriteEntry(ctx, dat, true)
		if err != nil {
			return fmt.Errorf("journal: write seq %d: %w", entry.Seq, err)
		}
		j.mu.Lock()
		entry.OnDisk = &addr
		if entry.Seq > j.lastSeqOndisk {
			j.lastSeqOndisk = entry.Seq
		}
		j.mu.Unlock()
	}
	return nil
}

// AdvanceTo fast-forwards seq allocation past seq, so entries written
// after a replay land beyond everything already on disk (including any
// blacklisted guard range).
func (j *Journal) AdvanceTo(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.nextSeq <= seq {
		j.nextSeq = seq + 1
	}
	if seq > j.lastSeqOndisk {
		j.lastSeqOndisk = seq
	}
}

// LastSeqOndisk is the reclamation floor: journal_pin values at or
// below it reference entries already durable.
func (j *Journal) LastSeqOndisk() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeqOndisk
}

// Blacklist records that seq is known to have never been durably
// committed (spec.md §4.B "Replay").
func (j *Journal) Blacklist(r SeqRange) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blacklist = append(j.blacklist, r)
}

func (j *Journal) IsBlacklisted(seq uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.blacklist {
		if r.Contains(seq) {
			return true
		}
	}
	return false
}
