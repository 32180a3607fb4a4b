// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes the prometheus gauges/counters named in
// SPEC_FULL.md's DOMAIN STACK: bucket-state gauges, journal depth, and
// transaction restart counters, shaped after spec.md §6's
// fs_usage() surface without replacing it — fs_usage() remains the
// programmatic API; this package is the observability sink for the
// same numbers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/txn"
)

// Registry bundles every metric the core engine updates. It is owned
// by the Fs object (SPEC_FULL.md Design Notes: no process-wide
// singletons) and registered into a caller-supplied
// *prometheus.Registry at fs_open time.
type Registry struct {
	BucketsByState *prometheus.GaugeVec
	JournalDepth   prometheus.Gauge
	JournalSeq     prometheus.Gauge
	TxnRestarts    *prometheus.CounterVec
	TxnCommits     prometheus.Counter
	CapacityBytes  prometheus.Gauge
	UsedBytes      prometheus.Gauge
}

func NewRegistry(namespace string) *Registry {
	r := &Registry{
		BucketsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets_by_state",
			Help:      "Number of buckets currently in each derived bucket state.",
		}, []string{"dev", "state"}),
		JournalDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "journal_depth_entries",
			Help:      "Number of journal entries between last_seq_ondisk and the current seq.",
		}),
		JournalSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "journal_seq",
			Help:      "Current journal sequence number.",
		}),
		TxnRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txn_restarts_total",
			Help:      "Transaction commit restarts, by reason.",
		}, []string{"reason"}),
		TxnCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txn_commits_total",
			Help:      "Successful transaction commits.",
		}),
		CapacityBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_bytes",
			Help:      "Total filesystem capacity across all devices.",
		}),
		UsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "used_bytes",
			Help:      "Bytes currently allocated to non-free buckets.",
		}),
	}
	return r
}

// MustRegister registers every collector into reg.
func (r *Registry) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(r.BucketsByState, r.JournalDepth, r.JournalSeq, r.TxnRestarts, r.TxnCommits, r.CapacityBytes, r.UsedBytes)
}

func (r *Registry) ObserveBucketState(dev string, s bkey.BucketState, delta float64) {
	r.BucketsByState.WithLabelValues(dev, s.String()).Add(delta)
}

func (r *Registry) ObserveRestart(reason txn.RestartReason) {
	r.TxnRestarts.WithLabelValues(reason.String()).Inc()
}
