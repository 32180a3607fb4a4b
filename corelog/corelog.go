// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package corelog adapts the teacher's dlog+logrus logging convention
// (lib/textui/log.go) to the core engine: a context.Context-carried
// structured logger, never a package-global, per SPEC_FULL.md's
// AMBIENT STACK.
package corelog

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// LevelFlag adapts a pflag-parsed log level the way
// lib/textui.LogLevelFlag does, for cmd/cowfsd.
type LevelFlag struct {
	Level dlog.LogLevel
}

func (f *LevelFlag) Type() string   { return "loglevel" }
func (f *LevelFlag) String() string { return logrus.Level(f.Level).String() }
func (f *LevelFlag) Set(str string) error {
	lvl, err := logrus.ParseLevel(str)
	if err != nil {
		return err
	}
	f.Level = dlog.LogLevel(lvl)
	return nil
}

// New builds a root context carrying a logrus-backed dlog.Logger at
// the given level, with optional extra sinks (e.g. the zerolog JSON
// sink) fanned out alongside it.
func New(ctx context.Context, lvl dlog.LogLevel, extraSinks ...Sink) context.Context {
	lr := logrus.New()
	lr.SetLevel(logrus.Level(lvl))
	logger := dlog.WrapLogrus(lr)
	if len(extraSinks) > 0 {
		logger = &fanoutLogger{base: logger, sinks: extraSinks}
	}
	return dlog.WithLogger(ctx, logger)
}

// WithField attaches a structured field to the context's logger, the
// way every background worker (discard, invalidation, journal
// reclaim, rebalance) tags its log lines with its own identity.
func WithField(ctx context.Context, key string, value any) context.Context {
	return dlog.WithField(ctx, key, value)
}
