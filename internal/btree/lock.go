// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import "sync"

// LockMode is the six-mode lock from spec.md §4.D.1 / Design Note 9:
// read < intent < write, where many readers OR one intent OR one
// writer may hold a node at a time. Intent excludes other
// intent/write holders but allows any number of concurrent readers;
// it exists so a path descending toward a write can reserve its
// position at every level without blocking readers until the moment
// it actually mutates.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockRead
	LockIntent
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockRead:
		return "read"
	case LockIntent:
		return "intent"
	case LockWrite:
		return "write"
	default:
		return "invalid"
	}
}

// nodeLock implements the six-mode lock as a small state machine over
// a mutex + condvar, per Design Note 9.
type nodeLock struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readers  int
	intent   bool
	writer   bool
}

func newNodeLock() *nodeLock {
	l := &nodeLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// TryLock attempts to acquire mode without blocking. It returns false
// immediately on conflict so the caller (path acquisition, §4.D.2) can
// decide whether blocking would violate lock ordering and should
// instead abort the transaction with WOULD_DEADLOCK.
func (l *nodeLock) TryLock(mode LockMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.canLockLocked(mode) {
		return false
	}
	l.acquireLocked(mode)
	return true
}

// Lock blocks until mode can be acquired. Used only once the caller
// has already established (via the total lock order) that blocking
// here cannot deadlock.
func (l *nodeLock) Lock(mode LockMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.canLockLocked(mode) {
		l.cond.Wait()
	}
	l.acquireLocked(mode)
}

func (l *nodeLock) canLockLocked(mode LockMode) bool {
	switch mode {
	case LockRead:
		return !l.writer
	case LockIntent:
		return !l.writer && !l.intent
	case LockWrite:
		return !l.writer && !l.intent && l.readers == 0
	default:
		return true
	}
}

func (l *nodeLock) acquireLocked(mode LockMode) {
	switch mode {
	case LockRead:
		l.readers++
	case LockIntent:
		l.intent = true
	case LockWrite:
		l.intent = true
		l.writer = true
	}
}

// Upgrade moves a held lock from 'from' to 'to' (e.g. intent -> write
// during commit step 2). Intent -> write blocks until readers drain;
// read -> intent does not block and returns false if another holder
// has intent. Callers must already hold 'from'.
func (l *nodeLock) Upgrade(from, to LockMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case from == LockIntent && to == LockWrite:
		for l.readers > 0 {
			l.cond.Wait()
		}
		l.writer = true
		return true
	case from == LockRead && to == LockIntent:
		if l.intent {
			return false
		}
		l.readers--
		l.intent = true
		return true
	default:
		return from == to
	}
}

func (l *nodeLock) Unlock(mode LockMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch mode {
	case LockRead:
		l.readers--
	case LockIntent:
		l.intent = false
	case LockWrite:
		l.writer = false
		l.intent = false
	}
	l.cond.Broadcast()
}

// Idle reports whether the lock has no holders at all, which node
// cache eviction (§4.D.1) requires before reclaiming a node.
func (l *nodeLock) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers == 0 && !l.intent && !l.writer
}
