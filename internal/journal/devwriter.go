// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/cowfs/cowfs/internal/device"
)

// DeviceWriter implements Writer over a fixed, contiguous run of a
// device's buckets reserved at format time (spec.md §4.B "Each device
// owns a contiguous set of journal buckets"). Entries wrap around the
// run; Reserve's blocking-when-full behaviour is what keeps the
// writer from lapping an entry still pinned.
type DeviceWriter struct {
	mu sync.Mutex

	dev        *device.Device
	firstBkt   uint64
	nrBuckets  uint64
	nextBucket uint64
}

// NewDeviceWriter reserves [firstBucket, firstBucket+nrBuckets) of dev
// for the journal.
func NewDeviceWriter(dev *device.Device, firstBucket, nrBuckets uint64) *DeviceWriter {
	return &DeviceWriter{dev: dev, firstBkt: firstBucket, nrBuckets: nrBuckets}
}

func (w *DeviceWriter) WriteEntry(ctx context.Context, dat []byte, fua bool) (device.Addr, error) {
	if uint32(len(dat)) > w.dev.BucketBytes() {
		return device.Addr{}, fmt.Errorf("journal: devwriter: entry of %d bytes exceeds bucket size %d", len(dat), w.dev.BucketBytes())
	}

	w.mu.Lock()
	slot := w.nextBucket
	w.nextBucket = (w.nextBucket + 1) % w.nrBuckets
	w.mu.Unlock()

	bucket := w.firstBkt + slot
	buf := make([]byte, w.dev.BucketBytes())
	copy(buf, dat)
	if _, err := w.dev.WriteBucket(bucket, buf, fua); err != nil {
		return device.Addr{}, fmt.Errorf("journal: devwriter: write bucket %d: %w", bucket, err)
	}
	return device.Addr{Dev: w.dev.Idx, Bucket: bucket}, nil
}

// Seek positions the writer so the next entry lands in slot (modulo
// the ring size). Mount-time replay uses this to continue the ring
// after the newest recovered entry instead of lapping the oldest.
func (w *DeviceWriter) Seek(slot uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextBucket = slot % w.nrBuckets
}

// ReadEntries reads every bucket in the reserved run back in ring
// order, for Replay to scan (spec.md §4.B "Replay": "longest
// contiguous run of valid, in-seq-order entries").
func (w *DeviceWriter) ReadEntries() ([][]byte, error) {
	out := make([][]byte, 0, w.nrBuckets)
	buf := make([]byte, w.dev.BucketBytes())
	for i := uint64(0); i < w.nrBuckets; i++ {
		if _, err := w.dev.ReadBucket(w.firstBkt+i, buf); err != nil {
			return nil, fmt.Errorf("journal: devwriter: read bucket %d: %w", w.firstBkt+i, err)
		}
		cp := make([]byte, len(buf))
		copy(cp, buf)
		out = append(out, cp)
	}
	return out, nil
}
