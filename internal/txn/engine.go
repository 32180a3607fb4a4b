// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package txn

import (
	"context"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/journal"
)

// Trigger is a typed commit-time hook (spec.md §4.E step 3
// "Mark triggers", e.g. trans_mark_alloc, trans_mark_extent). It may
// return further updates to stage, which are folded back into the
// commit set until a fixed point (spec.md: "Repeat until a fixed
// point is reached or the transaction restarts due to resource
// exhaustion").
type Trigger func(tx *Transaction, old, new *bkey.Record) ([]PendingUpdate, error)

// Engine coordinates every Btree (Component D) and the Journal
// (Component B) behind the single commit protocol of spec.md §4.E. It
// is explicitly owned by the filesystem object, not a process-wide
// singleton (Design Notes: "Global mutable state... model as
// explicitly-owned sub-systems").
type Engine struct {
	// BtreeID is a small dense enum, so the tree and trigger
	// registries are fixed arrays indexed by it. Both are populated
	// at mount, before any transaction runs, and read-only after.
	trees    [bkey.NrBtreeIDs]*btree.Btree
	triggers [bkey.NrBtreeIDs]Trigger
	journal  *journal.Journal

	maxCommitRetries int

	onRestart func(RestartReason)
	onCommit  func()
}

type Option func(*Engine)

// WithRestartObserver wires a callback (e.g. metrics.Registry.ObserveRestart)
// invoked every time the commit loop restarts.
func WithRestartObserver(fn func(RestartReason)) Option { return func(e *Engine) { e.onRestart = fn } }

// WithCommitObserver wires a callback invoked on every successful commit.
func WithCommitObserver(fn func()) Option { return func(e *Engine) { e.onCommit = fn } }

func NewEngine(j *journal.Journal, opts ...Option) *Engine {
	e := &Engine{
		journal:          j,
		maxCommitRetries: 100,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterTree attaches a Btree the engine is responsible for
// coordinating commits against.
func (e *Engine) RegisterTree(t *btree.Btree) {
	e.trees[t.ID] = t
}

func (e *Engine) Tree(id bkey.BtreeID) *btree.Btree {
	if id >= bkey.NrBtreeIDs {
		return nil
	}
	return e.trees[id]
}

// RegisterTrigger installs the commit-time hook for btreeID (e.g.
// alloc.TransMarkAlloc for bkey.BtreeAlloc).
func (e *Engine) RegisterTrigger(id bkey.BtreeID, fn Trigger) {
	e.triggers[id] = fn
}

func (e *Engine) trigger(id bkey.BtreeID) Trigger {
	if id >= bkey.NrBtreeIDs {
		return nil
	}
	return e.triggers[id]
}

// Begin starts a fresh transaction attempt (spec.md §4.E "begin()").
func (e *Engine) Begin(ctx context.Context) *Transaction {
	return &Transaction{
		ctx:    ctx,
		engine: e,
	}
}

// Lookup is a convenience one-shot read outside of any caller-held
// transaction: begin, read, commit-nothing.
func (e *Engine) Lookup(ctx context.Context, id bkey.BtreeID, pos bpos.Pos) (bkey.Record, bool, error) {
	t := e.Tree(id)
	if t == nil {
		return bkey.Record{}, false, nil
	}
	return t.Lookup(ctx, pos)
}
