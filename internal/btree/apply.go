// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"context"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
)

// Apply performs step 5 of spec.md §4.E's commit protocol for a
// single key against this tree: descend to the target leaf under
// LockWrite, append the record to its active bset, and split the
// node if it now overflows (§4.D.6). It returns the leaf it wrote
// into so the caller can journal-pin it. When the leaf splits, the new
// siblings and the new or updated parent are marked Dirty but are not
// in the returned slice.
func (t *Btree) Apply(ctx context.Context, pos bpos.Pos, rec bkey.Record) ([]*CachedNode, error) {
	p, err := t.descend(ctx, pos, LockWrite, 0)
	if err != nil {
		return nil, err
	}
	defer t.unlockPath(p)

	leaf := p.Leaf().Cached
	leaf.Node.Insert(rec)
	leaf.Dirty = true
	dirty := []*CachedNode{leaf}

	if t.keys != nil {
		if rec.Deleted() {
			t.keys.Delete(t.ID, pos)
		} else {
			t.keys.Set(t.ID, pos, rec)
		}
	}

	if leaf.Node.Overflowing() {
		if err := t.splitLeaf(ctx, p); err != nil {
			return dirty, err
		}
	}
	return dirty, nil
}

// splitLeaf implements §4.D.6 for the simple (single-parent) case:
// split the overflowing leaf, then either update the existing parent
// or, if the leaf was the root, install a fresh root with two
// children. Multi-level cascading splits (a parent that itself
// overflows after absorbing the new pointer) are out of scope for
// this in-memory engine; see DESIGN.md.
func (t *Btree) splitLeaf(ctx context.Context, p *Path) error {
	leaf := p.Leaf().Cached
	result := Split(leaf.Node)

	if len(p.Levels) == 1 {
		// leaf IS the root: build a fresh interior root.
		newRoot := NewNode(t.ID, leaf.Node.Level+1, bpos.Min, bpos.SMax, t.TargetFillBytes)
		newRoot.Insert(childPointerRecord(result.Left))
		if result.Right != nil {
			newRoot.Insert(childPointerRecord(result.Right))
		}
		t.root = newCachedNode(newRoot)
		t.root.Dirty = true
		return nil
	}

	parentLevel := p.Levels[len(p.Levels)-2]
	update := ParentUpdate{OldChildMinKey: leaf.Node.MinKey}
	update.NewChildren = append(update.NewChildren, childPointerRecord(result.Left))
	if result.Right != nil {
		update.NewChildren = append(update.NewChildren, childPointerRecord(result.Right))
	}
	ApplyParentUpdate(parentLevel.Cached.Node, update)
	parentLevel.Cached.Dirty = true
	return nil
}

// childPointerRecord builds the btree_ptr_v2 record a parent holds for
// a freshly split-out child. The child has no on-disk home yet, so the
// pointer's MemPtr is primed with the in-memory node; descent's fast
// path (§4.D.4 step 2) resolves through it until the node is written
// out and the pointer gains a real device address.
func childPointerRecord(child *Node) bkey.Record {
	ptr := &bkey.BtreePtrV2{
		Seq:    child.Seq,
		MinKey: bkey.FromBpos(child.MinKey),
	}
	cn := newCachedNode(child)
	cn.Dirty = true
	ptr.MemPtr = cn
	return bkey.Record{
		Header: bkey.Header{KeyType: bkey.TypeBtreePtrV2, Key: bkey.FromBpos(child.MinKey)},
		Value:  ptr,
	}
}
