// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package device

// Gen is a bucket generation counter (spec.md §3 Bucket: "gen (u8):
// monotonically-increasing generation; wrapping").
type Gen uint8

// Next returns the generation after g, wrapping at 256 the way a u8
// does on real hardware.
func (g Gen) Next() Gen { return g + 1 }

// StaleAgainst reports whether a pointer recorded with writeGen is
// stale relative to the bucket's current generation g: stale unless
// the pointer's generation exactly matches (spec.md §8 "Gen
// wraparound: old pointer correctly recognised as stale" and §4.C
// "readers notice the mismatch").
//
// A u8 generation space is small enough that "wrap-successor" cannot
// be distinguished from "very old" by magnitude alone; the engine's
// only sound rule is exact match — readers treat anything else as
// stale, which is what makes LRU invalidation (bumping gen) work as a
// cache-miss signal rather than needing an explicit tombstone.
func (g Gen) StaleAgainst(writeGen Gen) bool { return g != writeGen }
