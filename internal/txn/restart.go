// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package txn implements Component E of spec.md §4.E: the
// transaction engine that coordinates multi-key, multi-tree updates —
// lock acquisition, journal reservation, atomic commit, and restart.
package txn

import "fmt"

// RestartReason enumerates the restart causes from spec.md §4.E
// ("Restart reasons"). A restart is transparent to the caller but
// recorded in traces/metrics.
type RestartReason uint8

const (
	RestartNone RestartReason = iota
	RestartWouldDeadlock
	RestartLockUpgradeFail
	RestartRelockFail
	RestartArenaReallocated
	RestartTooManyIters
	RestartMemory
)

func (r RestartReason) String() string {
	switch r {
	case RestartNone:
		return "none"
	case RestartWouldDeadlock:
		return "would_deadlock"
	case RestartLockUpgradeFail:
		return "lock_upgrade_fail"
	case RestartRelockFail:
		return "relock_fail"
	case RestartArenaReallocated:
		return "arena_reallocated"
	case RestartTooManyIters:
		return "too_many_iters"
	case RestartMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// RestartError wraps a RestartReason as an error so commit() can
// return it through the normal Go error path while still letting the
// caller (or the bounded-retry loop in Commit) switch on the reason.
type RestartError struct {
	Reason RestartReason
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("txn: restart: %s", e.Reason)
}

func restart(reason RestartReason) error { return &RestartError{Reason: reason} }

// AsRestart reports whether err is a RestartError, and if so which
// reason, so the commit loop's bounded-retry policy (spec.md §7
// "Transaction-level errors (Busy, restart) are handled internally by
// the commit loop") can distinguish restarts from terminal errors.
func AsRestart(err error) (RestartReason, bool) {
	re, ok := err.(*RestartError)
	if !ok {
		return RestartNone, false
	}
	return re.Reason, true
}
