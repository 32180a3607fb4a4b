// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package device implements Component A of spec.md §4.A: block I/O on
// one or more devices and bucket-sized space partitioning. It is the
// unbuffered primitive; no caching happens here, and the state of any
// individual bucket (free/dirty/cached/…) is NOT kept in this
// package — it lives transactionally in the alloc btree (internal/alloc),
// per spec.md §4.C ("State per bucket is stored in the filesystem
// itself").
package device

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cowfs/cowfs/internal/diskio"
)

// MaxDevices bounds dev_idx (spec.md §3 Device).
const MaxDevices = 64

// MinBuckets is the minimum nbuckets a device may format with
// (spec.md §3 Device invariant).
const MinBuckets = 64

// Idx is a device index, spec.md's dev_idx.
type Idx uint8

// Addr is a (dev_idx, bucket_nr) pair, the addressing unit for every
// bucket-granular structure in the system.
type Addr struct {
	Dev    Idx
	Bucket uint64
}

func (a Addr) String() string { return fmt.Sprintf("%d:%d", a.Dev, a.Bucket) }

// Device is one block storage target (spec.md §3 Device).
type Device struct {
	Idx    Idx
	UUID   uuid.UUID
	file   diskio.File

	// BlockSize and BucketSize are in bytes; both are powers of
	// two, and BlockSize <= BucketSize <= 1 MiB (spec.md invariant).
	BlockSize  uint32
	BucketSize uint32
	NBuckets   uint64
}

// Open validates the invariants in spec.md §3 (Device) and wraps file
// as a Device usable by the allocator and btree engine.
func Open(idx Idx, id uuid.UUID, file diskio.File, blockSize, bucketSize uint32, nbuckets uint64) (*Device, error) {
	if blockSize < 512 || !isPow2(blockSize) {
		return nil, fmt.Errorf("device: block_size %d must be a power of two >= 512", blockSize)
	}
	if bucketSize > 1<<20 || bucketSize < blockSize || !isPow2(bucketSize) {
		return nil, fmt.Errorf("device: bucket_size %d must be a power of two in [block_size, 1MiB]", bucketSize)
	}
	if bucketSize%blockSize != 0 {
		return nil, fmt.Errorf("device: bucket_size %d must be a multiple of block_size %d", bucketSize, blockSize)
	}
	if nbuckets < MinBuckets {
		return nil, fmt.Errorf("device: nbuckets %d is below the minimum of %d", nbuckets, MinBuckets)
	}
	if idx >= MaxDevices {
		return nil, fmt.Errorf("device: dev_idx %d exceeds MAX_DEVICES %d", idx, MaxDevices)
	}
	return &Device{
		Idx:        idx,
		UUID:       id,
		file:       file,
		BlockSize:  blockSize,
		BucketSize: bucketSize,
		NBuckets:   nbuckets,
	}, nil
}

func isPow2(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// OpenRaw wraps file for sector-addressed I/O only, skipping the
// bucket-geometry invariants Open enforces. fs_open's bootstrap phase
// needs this: a device's real block/bucket size and bucket count
// aren't known until its superblock has been read off of it, so the
// superblock read itself can only rely on raw sector access.
func OpenRaw(idx Idx, file diskio.File) *Device {
	return &Device{Idx: idx, file: file, BlockSize: 512}
}

func (d *Device) BucketBytes() uint32 { return d.BucketSize }
func (d *Device) NrBuckets() uint64   { return d.NBuckets }

func (d *Device) sectorsPerBucket() diskio.SectorAddr {
	return diskio.SectorAddr(d.BucketSize / diskio.SectorSize)
}

func (d *Device) bucketSector(nr uint64) diskio.SectorAddr {
	return diskio.SectorAddr(nr) * d.sectorsPerBucket()
}

// ReadBucket reads the first len(dat) bytes of bucket nr.
func (d *Device) ReadBucket(nr uint64, dat []byte) (int, error) {
	if nr >= d.NBuckets {
		return 0, fmt.Errorf("device %d: bucket %d out of range [0, %d)", d.Idx, nr, d.NBuckets)
	}
	return d.file.ReadAt(dat, d.bucketSector(nr))
}

// WriteBucket writes dat at the start of bucket nr. fua requests
// durability before return (REQ_FUA, spec.md §4.A).
func (d *Device) WriteBucket(nr uint64, dat []byte, fua bool) (int, error) {
	if nr >= d.NBuckets {
		return 0, fmt.Errorf("device %d: bucket %d out of range [0, %d)", d.Idx, nr, d.NBuckets)
	}
	return d.file.WriteAt(dat, d.bucketSector(nr), fua)
}

// Discard hints that bucket nr's contents are no longer live.
func (d *Device) Discard(nr uint64) error {
	if nr >= d.NBuckets {
		return fmt.Errorf("device %d: bucket %d out of range [0, %d)", d.Idx, nr, d.NBuckets)
	}
	return d.file.Discard(d.bucketSector(nr), d.sectorsPerBucket())
}

func (d *Device) Close() error { return d.file.Close() }

// ReadAt and WriteAt expose raw sector I/O for callers outside the
// bucket partitioning — the superblock, which lives in reserved
// sectors and a tail backup copy rather than inside any bucket.
func (d *Device) ReadAt(dat []byte, off diskio.SectorAddr) (int, error) {
	return d.file.ReadAt(dat, off)
}

func (d *Device) WriteAt(dat []byte, off diskio.SectorAddr, fua bool) (int, error) {
	return d.file.WriteAt(dat, off, fua)
}

// Sectors returns the device's total size in sectors.
func (d *Device) Sectors() diskio.SectorAddr { return d.file.Size() }
