// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockModeExclusion(t *testing.T) {
	l := newNodeLock()

	assert.True(t, l.TryLock(LockRead))
	assert.True(t, l.TryLock(LockRead)) // many readers
	assert.False(t, l.TryLock(LockWrite))
	l.Unlock(LockRead)
	l.Unlock(LockRead)
	assert.True(t, l.Idle())
}

func TestIntentExcludesIntentAndWriteButNotRead(t *testing.T) {
	l := newNodeLock()
	assert.True(t, l.TryLock(LockIntent))
	assert.False(t, l.TryLock(LockIntent))
	assert.False(t, l.TryLock(LockWrite))
	assert.True(t, l.TryLock(LockRead))
	l.Unlock(LockRead)
	l.Unlock(LockIntent)
	assert.True(t, l.Idle())
}

func TestWriteExcludesEverything(t *testing.T) {
	l := newNodeLock()
	assert.True(t, l.TryLock(LockWrite))
	assert.False(t, l.TryLock(LockRead))
	assert.False(t, l.TryLock(LockIntent))
	assert.False(t, l.TryLock(LockWrite))
	l.Unlock(LockWrite)
	assert.True(t, l.Idle())
}

func TestUpgradeIntentToWriteWaitsForReaders(t *testing.T) {
	l := newNodeLock()
	assert.True(t, l.TryLock(LockIntent))
	assert.True(t, l.TryLock(LockRead))

	done := make(chan bool, 1)
	go func() {
		done <- l.Upgrade(LockIntent, LockWrite)
	}()

	l.Unlock(LockRead)
	assert.True(t, <-done)
	l.Unlock(LockWrite)
}

func TestUpgradeReadToIntentFailsIfIntentHeld(t *testing.T) {
	l := newNodeLock()
	require := assert.New(t)
	require.True(l.TryLock(LockIntent))
	require.True(l.TryLock(LockRead))

	require.False(l.Upgrade(LockRead, LockIntent))

	l.Unlock(LockRead)
	l.Unlock(LockIntent)
	require.True(l.Idle())
}

func TestUpgradeReadToIntentSucceeds(t *testing.T) {
	l := newNodeLock()
	assert.True(t, l.TryLock(LockRead))
	assert.True(t, l.Upgrade(LockRead, LockIntent))
	l.Unlock(LockIntent)
	assert.True(t, l.Idle())
}

func TestLockModeString(t *testing.T) {
	assert.Equal(t, "read", LockRead.String())
	assert.Equal(t, "write", LockWrite.String())
	assert.Equal(t, "invalid", LockMode(99).String())
}
