// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import "golang.org/x/exp/slices"

// Apply is called once per non-blacklisted entry, in seq order,
// during replay (spec.md §4.B "Replay"). Root-update sub-entries
// should take effect immediately, per spec.
type Apply func(e *Entry) error

// Replay implements spec.md §4.B: given every well-checksummed entry
// found across all journal buckets (candidates, order irrelevant,
// already checksum-verified by the caller), keep the longest
// contiguous sequence ending at the newest seq present, blacklist any
// gaps, and apply the survivors in seq order. A gap already fully
// covered by `known` (blacklist ranges persisted by an earlier mount)
// does not break contiguity: those seqs never happened, by prior
// agreement, and the run extends across them.
//
// It returns the newly-blacklisted ranges (to be persisted into the
// superblock's journal_seq_blacklist field, per spec.md §6) and the
// highest seq actually applied.
func Replay(candidates []*Entry, known []SeqRange, apply Apply) (blacklisted []SeqRange, lastApplied uint64, err error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	slices.SortFunc(candidates, func(a, b *Entry) bool { return a.Seq < b.Seq })

	// Find the longest contiguous run ending at the newest seq
	// present: walk backward from the end, and the moment there's an
	// unexplained gap, everything before the gap is a separate
	// island that must be blacklisted (it cannot be durable if a
	// later seq exists without it — crash ordering guarantees commit
	// order == seq order == on-disk order).
	runStart := len(candidates) - 1
	for runStart > 0 {
		prev, cur := candidates[runStart-1].Seq, candidates[runStart].Seq
		if prev == cur-1 || gapCovered(prev+1, cur-1, known) {
			runStart--
			continue
		}
		break
	}

	if runStart > 0 {
		gapStart := candidates[0].Seq
		gapEnd := candidates[runStart].Seq - 1
		blacklisted = append(blacklisted, SeqRange{Start: gapStart, End: gapEnd})
	}

	for _, e := range candidates[runStart:] {
		if err := apply(e); err != nil {
			return blacklisted, lastApplied, err
		}
		lastApplied = e.Seq
	}
	return blacklisted, lastApplied, nil
}

// gapCovered reports whether every seq in [a, b] lies within some
// known blacklist range.
func gapCovered(a, b uint64, known []SeqRange) bool {
	for s := a; s <= b; {
		advanced := false
		for _, r := range known {
			if r.Contains(s) {
				if r.End >= b {
					return true
				}
				s = r.End + 1
				advanced = true
				break
			}
		}
		if !advanced {
			return false
		}
	}
	return true
}
