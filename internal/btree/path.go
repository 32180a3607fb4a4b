// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

// PathLevel is one entry in a Path's per-level array: the node
// pointer, in-node iterator position, and held lock mode (spec.md
// §4.D.2).
type PathLevel struct {
	Key      CacheKey
	Cached   *CachedNode
	Idx      int
	LockMode LockMode
}

// Path is a per-transaction descriptor holding the chain of nodes
// from root down to a target bpos, per spec.md §4.D.2. Paths are
// reference-counted; Clone implements the copy-on-clone behaviour
// ("duplicated the moment one aliased user attempts a mutating
// move").
type Path struct {
	BtreeID   bkey.BtreeID
	Target    bpos.Pos
	Cached    bool
	Level     uint8
	LocksWant uint8

	Levels []PathLevel

	refs int
}

func NewPath(btreeID bkey.BtreeID, target bpos.Pos, cached bool, locksWant uint8) *Path {
	return &Path{
		BtreeID:   btreeID,
		Target:    target,
		Cached:    cached,
		LocksWant: locksWant,
		refs:      1,
	}
}

// Ref increments the path's reference count (aliasing by another
// iterator).
func (p *Path) Ref() *Path {
	p.refs++
	return p
}

// Clone performs the copy-on-clone duplication: it produces an
// independent Path with its own Levels slice (so mutating one alias's
// cursor position does not affect the other), dropping this Path's
// reference.
func (p *Path) Clone() *Path {
	np := &Path{
		BtreeID:   p.BtreeID,
		Target:    p.Target,
		Cached:    p.Cached,
		Level:     p.Level,
		LocksWant: p.LocksWant,
		Levels:    append([]PathLevel(nil), p.Levels...),
		refs:      1,
	}
	p.refs--
	return np
}

// orderKey returns the total order key used for lock ordering and
// for keeping a transaction's paths sorted: (btree_id, cached, bpos,
// -level) per spec.md §4.D.2.
type orderKey struct {
	BtreeID bkey.BtreeID
	Cached  bool
	Pos     bpos.Pos
	NegLvl  int
}

func (p *Path) orderKey() orderKey {
	return orderKey{BtreeID: p.BtreeID, Cached: p.Cached, Pos: p.Target, NegLvl: -int(p.Level)}
}

// Less implements the total lock order from spec.md §4.D.2.
func (p *Path) Less(other *Path) bool {
	a, b := p.orderKey(), other.orderKey()
	if a.BtreeID != b.BtreeID {
		return a.BtreeID < b.BtreeID
	}
	if a.Cached != b.Cached {
		return !a.Cached && b.Cached
	}
	if c := a.Pos.Cmp(b.Pos); c != 0 {
		return c < 0
	}
	return a.NegLvl < b.NegLvl
}

// AtLevel returns the level a leaf-to-root Path is sitting at, or nil
// if the path hasn't descended that far.
func (p *Path) AtLevel(level uint8) *PathLevel {
	for i := range p.Levels {
		if p.Levels[i].Cached != nil && p.Levels[i].Cached.Node.Level == level {
			return &p.Levels[i]
		}
	}
	return nil
}

// Leaf returns the deepest (level-0, or Path.Level) path level.
func (p *Path) Leaf() *PathLevel {
	if len(p.Levels) == 0 {
		return nil
	}
	return &p.Levels[len(p.Levels)-1]
}
