// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corelog

import (
	"log"

	"github.com/datawire/dlib/dlog"
	"github.com/rs/zerolog"
)

// Sink receives every log line alongside the primary logrus logger.
// The zerolog JSON sink (SPEC_FULL.md's DOMAIN STACK) is the only
// built-in implementation; it exists for deployments that want
// machine-parseable logs without giving up the teacher's
// dlog.Logger-carried-in-context convention.
type Sink interface {
	Log(lvl dlog.LogLevel, msg string)
}

// ZerologSink adapts a zerolog.Logger to Sink.
type ZerologSink struct {
	Logger zerolog.Logger
}

func (s ZerologSink) Log(lvl dlog.LogLevel, msg string) {
	var ev *zerolog.Event
	switch lvl {
	case dlog.LogLevelError:
		ev = s.Logger.Error()
	case dlog.LogLevelWarn:
		ev = s.Logger.Warn()
	case dlog.LogLevelInfo:
		ev = s.Logger.Info()
	case dlog.LogLevelDebug:
		ev = s.Logger.Debug()
	case dlog.LogLevelTrace:
		ev = s.Logger.Trace()
	default:
		ev = s.Logger.Info()
	}
	ev.Msg(msg)
}

// fanoutLogger implements dlog.Logger, forwarding every log line to
// the primary (logrus-backed) logger and to each extra Sink.
type fanoutLogger struct {
	base  dlog.Logger
	sinks []Sink
}

var _ dlog.Logger = (*fanoutLogger)(nil)

func (l *fanoutLogger) Helper() { l.base.Helper() }

func (l *fanoutLogger) WithField(key string, value any) dlog.Logger {
	return &fanoutLogger{base: l.base.WithField(key, value), sinks: l.sinks}
}

func (l *fanoutLogger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return l.base.StdLogger(lvl)
}

func (l *fanoutLogger) Log(lvl dlog.LogLevel, msg string) {
	l.base.Log(lvl, msg)
	for _, s := range l.sinks {
		s.Log(lvl, msg)
	}
}
