// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btree

import (
	"context"
	"fmt"

	"git.lukeshu.com/go/typedsync"

	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/device"
)

// DeviceNodeSource implements NodeSource by reading a node's encoded
// bytes out of the bucket its btree_ptr_v2 names (§4.D.4 step 3's
// cache-miss path). Buckets are sized to hold one node in this engine
// (spec.md §3 Bucket: data_type btree), so a node read/write is a
// single whole-bucket operation.
type DeviceNodeSource struct {
	Devices         map[device.Idx]*device.Device
	TargetFillBytes int

	// bufs recycles whole-bucket I/O buffers across node reads and
	// writes; DecodeNode copies everything it keeps, so a buffer can
	// go back to the pool as soon as the call returns.
	bufs typedsync.Pool[[]byte]
}

// bucketBuf hands out a bucket-sized buffer, reusing a pooled one
// when its capacity suffices.
func (s *DeviceNodeSource) bucketBuf(dev *device.Device) []byte {
	size := int(dev.BucketBytes())
	if buf, ok := s.bufs.Get(); ok && cap(buf) >= size {
		return buf[:size]
	}
	return make([]byte, size)
}

func (s *DeviceNodeSource) ReadNode(ctx context.Context, ptr bkey.BtreePtrV2, btreeID bkey.BtreeID, level uint8) (*Node, error) {
	dev, ok := s.Devices[device.Idx(ptr.DevIdx)]
	if !ok {
		return nil, fmt.Errorf("btree: devsource: unknown device %d", ptr.DevIdx)
	}
	buf := s.bucketBuf(dev)
	defer s.bufs.Put(buf)
	if _, err := dev.ReadBucket(ptr.BucketNr, buf); err != nil {
		return nil, fmt.Errorf("btree: devsource: read bucket %v: %w", ptr.BucketNr, err)
	}
	n, err := DecodeNode(buf, s.TargetFillBytes)
	if err != nil {
		return nil, err
	}
	if n.BtreeID != btreeID || n.Level != level {
		return nil, fmt.Errorf("btree: devsource: bucket %v holds %v/level %d, wanted %v/level %d",
			ptr.BucketNr, n.BtreeID, n.Level, btreeID, level)
	}
	return n, nil
}

// WriteNode persists n's current content to the bucket ptr names.
// Nothing in this module calls it: the commit path does not write
// dirty nodes back and does not release their journal pins.
func (s *DeviceNodeSource) WriteNode(ptr bkey.BtreePtrV2, n *Node, fua bool) error {
	dev, ok := s.Devices[device.Idx(ptr.DevIdx)]
	if !ok {
		return fmt.Errorf("btree: devsource: unknown device %d", ptr.DevIdx)
	}
	enc, err := EncodeNode(n)
	if err != nil {
		return err
	}
	if uint32(len(enc)) > dev.BucketBytes() {
		return fmt.Errorf("btree: devsource: encoded node %d bytes exceeds bucket size %d", len(enc), dev.BucketBytes())
	}
	buf := s.bucketBuf(dev)
	defer s.bufs.Put(buf)
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, enc)
	_, err = dev.WriteBucket(ptr.BucketNr, buf, fua)
	return err
}
