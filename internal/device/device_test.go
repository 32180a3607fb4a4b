// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package device_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
)

func newTestDevice(t *testing.T, bucketSize uint32, nbuckets uint64) *device.Device {
	t.Helper()
	sectors := diskio.SectorAddr(uint64(bucketSize) * nbuckets / diskio.SectorSize)
	f := diskio.NewMemFile("test", sectors)
	dev, err := device.Open(0, uuid.New(), f, 512, bucketSize, nbuckets)
	require.NoError(t, err)
	return dev
}

func TestOpenValidatesGeometry(t *testing.T) {
	f := diskio.NewMemFile("test", 1<<20)

	_, err := device.Open(0, uuid.New(), f, 511, 4096, device.MinBuckets)
	assert.Error(t, err, "block size must be a power of two")

	_, err = device.Open(0, uuid.New(), f, 512, 300, device.MinBuckets)
	assert.Error(t, err, "bucket size must be a power of two")

	_, err = device.Open(0, uuid.New(), f, 4096, 512, device.MinBuckets)
	assert.Error(t, err, "bucket size must be >= block size")

	_, err = device.Open(0, uuid.New(), f, 512, 4096, device.MinBuckets-1)
	assert.Error(t, err, "nbuckets below minimum must be rejected")

	_, err = device.Open(device.MaxDevices, uuid.New(), f, 512, 4096, device.MinBuckets)
	assert.Error(t, err, "dev_idx at MaxDevices must be rejected")

	dev, err := device.Open(1, uuid.New(), f, 512, 4096, device.MinBuckets)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, dev.BucketBytes())
	assert.EqualValues(t, device.MinBuckets, dev.NrBuckets())
}

func TestReadWriteBucketRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 4096, device.MinBuckets)

	want := make([]byte, 4096)
	for i := range want {
		want[i] = byte(i)
	}
	_, err := dev.WriteBucket(3, want, true)
	require.NoError(t, err)

	got := make([]byte, 4096)
	_, err = dev.ReadBucket(3, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// An untouched bucket reads back as zero.
	zero := make([]byte, 4096)
	other := make([]byte, 4096)
	_, err = dev.ReadBucket(4, other)
	require.NoError(t, err)
	assert.Equal(t, zero, other)
}

func TestBucketOutOfRangeRejected(t *testing.T) {
	dev := newTestDevice(t, 4096, device.MinBuckets)
	buf := make([]byte, 4096)

	_, err := dev.ReadBucket(device.MinBuckets, buf)
	assert.Error(t, err)

	_, err = dev.WriteBucket(device.MinBuckets, buf, false)
	assert.Error(t, err)

	assert.Error(t, dev.Discard(device.MinBuckets))
}

func TestDiscardZeroesBucket(t *testing.T) {
	dev := newTestDevice(t, 4096, device.MinBuckets)
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xFF
	}
	_, err := dev.WriteBucket(2, buf, false)
	require.NoError(t, err)

	require.NoError(t, dev.Discard(2))

	got := make([]byte, 4096)
	_, err = dev.ReadBucket(2, got)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), got)
}

func TestOpenRawSkipsGeometryChecks(t *testing.T) {
	f := diskio.NewMemFile("test", 8)
	dev := device.OpenRaw(0, f)
	assert.EqualValues(t, 512, dev.BlockSize)
	assert.EqualValues(t, 0, dev.NrBuckets())
}

func TestAddrString(t *testing.T) {
	a := device.Addr{Dev: 2, Bucket: 7}
	assert.Equal(t, "2:7", a.String())
}
