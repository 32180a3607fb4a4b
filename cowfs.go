// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cowfs wires Components A-E (device, journal, alloc, btree,
// txn) into the filesystem-level API described by spec.md §6:
// fs_open, fs_stop, fs_usage, format, and transaction begin/commit.
// Nothing below this package talks directly to a *device.Device;
// everything above it talks to an *Fs.
package cowfs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cowfs/cowfs/internal/alloc"
	"github.com/cowfs/cowfs/internal/bkey"
	"github.com/cowfs/cowfs/internal/bpos"
	"github.com/cowfs/cowfs/internal/btree"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
	"github.com/cowfs/cowfs/internal/journal"
	"github.com/cowfs/cowfs/internal/superblock"
	"github.com/cowfs/cowfs/internal/txn"
	"github.com/cowfs/cowfs/metrics"
)

// journalBucketsPerDevice is the size of the journal ring reserved on
// the journal device, immediately after the superblock region (spec.md
// §4.B "a contiguous set of journal buckets"); the rest of the device
// is available to the allocator.
const journalBucketsPerDevice = 64

// sbRegionBytes is the span of the two primary superblock copies: the
// second copy lives at sector 4096 (superblock.ReservedOffsets) and may
// occupy up to 64 KiB. Buckets covering [0, sbRegionBytes) are never
// handed to the allocator or the journal.
const sbRegionBytes = 4096*512 + 64*1024

// journalSeqGuard is how far past the last replayed seq a fresh mount
// blacklists: entries at those seqs may have been committed in memory
// before the crash without ever reaching the device, and must be
// treated as never having happened (spec.md §4.B "Replay", §8
// scenario 4).
const journalSeqGuard = 4

// nodeTargetFillBytes is the per-node fill target every Btree in the
// engine is built with (spec.md §4.D.6's split threshold).
const nodeTargetFillBytes = 1 << 16

// journalEntryCapacityBytes bounds how much a single in-flight journal
// entry may accumulate before Reserve blocks (spec.md §4.B).
const journalEntryCapacityBytes = 1 << 20

// Fs is one mounted filesystem: its devices, the coordinating
// transaction engine, the allocator/discarder that ride on top of it,
// and the superblocks that persist its identity (spec.md §6). It is
// owned by the caller; nothing here is a process-wide singleton
// (Design Notes: "model as explicitly-owned sub-systems").
type Fs struct {
	UUID         uuid.UUID
	ExternalUUID uuid.UUID

	devices map[device.Idx]*device.Device
	sbs     map[device.Idx]*superblock.Superblock

	Engine      *txn.Engine
	Allocator   *alloc.Allocator
	Discarder   *alloc.Discarder
	Metrics     *metrics.Registry
	WritePoints *device.Registry

	nodeCache *btree.NodeCache
}

// Open mounts fs over devs: it reads each device's superblock,
// replays its journal, wires a Btree per BtreeID into a shared
// txn.Engine, and registers the alloc trigger — spec.md §6's
// fs_open().
func Open(ctx context.Context, files map[device.Idx]diskio.File, promReg *prometheus.Registry) (*Fs, error) {
	fs := &Fs{
		devices: make(map[device.Idx]*device.Device),
		sbs:     make(map[device.Idx]*superblock.Superblock),
		Metrics: metrics.NewRegistry("cowfs"),
	}
	if promReg != nil {
		fs.Metrics.MustRegister(promReg)
	}

	var primary *superblock.Superblock
	for idx, f := range files {
		sb, err := readSuperblockBootstrap(f)
		if err != nil {
			return nil, fmt.Errorf("cowfs: open: device %d: %w", idx, err)
		}
		dev, err := device.Open(idx, sb.Members[findMember(sb.Members, idx)].UUID, f,
			uint32(sb.Header.BlockSize), sb.Members[findMember(sb.Members, idx)].BucketSize,
			sb.Members[findMember(sb.Members, idx)].NrBuckets)
		if err != nil {
			return nil, fmt.Errorf("cowfs: open: device %d: %w", idx, err)
		}
		fs.devices[idx] = dev
		fs.sbs[idx] = sb
		if primary == nil {
			primary = sb
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("cowfs: open: no devices given")
	}
	fs.UUID = primary.UUIDv
	fs.ExternalUUID = primary.ExternalUUIDv

	writer, err := fs.primaryWriter()
	if err != nil {
		return nil, err
	}
	j := journal.New(writer, journalEntryCapacityBytes)

	fs.Engine = txn.NewEngine(j,
		txn.WithRestartObserver(fs.Metrics.ObserveRestart),
		txn.WithCommitObserver(func() { fs.Metrics.TxnCommits.Inc() }),
	)

	fs.nodeCache = btree.NewNodeCache(4096, &btree.DeviceNodeSource{
		Devices:         fs.devices,
		TargetFillBytes: nodeTargetFillBytes,
	})
	for id := bkey.BtreeAlloc; id < bkey.NrBtreeIDs; id++ {
		fs.Engine.RegisterTree(btree.New(id, fs.nodeCache, nodeTargetFillBytes))
	}
	fs.Engine.RegisterTrigger(bkey.BtreeAlloc, alloc.TransMarkAlloc)

	if err := fs.replayJournal(ctx, j, writer, primary); err != nil {
		return nil, fmt.Errorf("cowfs: open: journal replay: %w", err)
	}

	fs.Allocator = alloc.NewAllocator(fs.Engine)
	fs.Discarder = alloc.NewDiscarder(fs.Engine, fs.devices)
	fs.WritePoints = device.NewRegistry()
	fs.Metrics.CapacityBytes.Set(float64(fs.Usage().CapacityBytes))

	for idx, dev := range fs.devices {
		sb := fs.sbs[idx]
		if !sb.FreespaceInitialized[idx] {
			if err := fs.markReservedBuckets(ctx, dev); err != nil {
				return nil, fmt.Errorf("cowfs: open: reserve system buckets on device %d: %w", idx, err)
			}
			if err := alloc.InitializeFreespace(ctx, fs.Engine, dev); err != nil {
				return nil, fmt.Errorf("cowfs: open: initialize freespace on device %d: %w", idx, err)
			}
			sb.FreespaceInitialized[idx] = true
			if err := superblock.WriteAll(dev, sb); err != nil {
				return nil, fmt.Errorf("cowfs: open: persist freespace_initialized on device %d: %w", idx, err)
			}
		}
	}

	return fs, nil
}

// sbReservedBuckets returns how many of a device's leading buckets are
// covered by the primary superblock copies and therefore off-limits to
// everything else.
func sbReservedBuckets(bucketBytes uint32) uint64 {
	return (sbRegionBytes + uint64(bucketBytes) - 1) / uint64(bucketBytes)
}

// markReservedBuckets stages non-free alloc keys for the buckets the
// superblock copies, the journal ring, and the tail backup occupy, so
// the allocator can never hand them out (spec.md §3: data_type
// superblock / journal). Runs once, before the device's freespace
// index is first populated.
func (fs *Fs) markReservedBuckets(ctx context.Context, dev *device.Device) error {
	tx := fs.Engine.Begin(ctx)
	mark := func(bucket uint64, dt bkey.DataType) {
		pos := bpos.Pos{Inode: uint64(dev.Idx), Offset: bucket}
		val := &bkey.AllocV4{DataType: dt, DirtySectors: 1}
		tx.Update(bkey.BtreeAlloc, pos, bkey.New(pos, bkey.TypeAllocV4, val), txn.FlagNone)
	}

	sbBuckets := sbReservedBuckets(dev.BucketBytes())
	for b := uint64(0); b < sbBuckets && b < dev.NrBuckets(); b++ {
		mark(b, bkey.DataSuperblock)
	}
	// Tail backup copy.
	if last := dev.NrBuckets() - 1; last >= sbBuckets {
		mark(last, bkey.DataSuperblock)
	}
	if dev.Idx == fs.journalDevice() {
		first, count := journalRun(dev)
		for b := first; b < first+count; b++ {
			mark(b, bkey.DataJournal)
		}
	}
	return tx.Commit(ctx)
}

// journalRun places the journal ring on dev: it starts in the first
// bucket past the superblock region and runs for
// journalBucketsPerDevice buckets.
func journalRun(dev *device.Device) (first, count uint64) {
	return sbReservedBuckets(dev.BucketBytes()), journalBucketsPerDevice
}

// replayJournal implements spec.md §4.B "Replay": scan the journal
// ring, keep the well-checksummed, non-blacklisted entries, apply the
// longest contiguous run in seq order, blacklist the gaps plus a guard
// range past the newest replayed seq, and persist the blacklist.
func (fs *Fs) replayJournal(ctx context.Context, j *journal.Journal, writer *journal.DeviceWriter, sb *superblock.Superblock) error {
	for _, r := range sb.JournalSeqBlacklist {
		j.Blacklist(r)
	}

	raw, err := writer.ReadEntries()
	if err != nil {
		return err
	}
	var candidates []*journal.Entry
	var newestSeq, newestSlot uint64
	for slot, dat := range raw {
		e, err := journal.Decode(dat)
		if err != nil {
			// An unwritten or torn bucket; not part of the run.
			continue
		}
		if !e.VerifyChecksum() || j.IsBlacklisted(e.Seq) {
			continue
		}
		if e.Seq > newestSeq {
			newestSeq = e.Seq
			newestSlot = uint64(slot)
		}
		candidates = append(candidates, e)
	}
	if newestSeq > 0 {
		writer.Seek(newestSlot + 1)
	}

	blacklisted, lastApplied, err := journal.Replay(candidates, sb.JournalSeqBlacklist, func(e *journal.Entry) error {
		for _, se := range e.SubEntries {
			if se.Type != journal.SubEntryBkeyUpdate {
				continue
			}
			tree := fs.Engine.Tree(se.BtreeID)
			if tree == nil {
				continue
			}
			if _, err := tree.Apply(ctx, se.Key.Pos(), se.Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if lastApplied > 0 {
		guard := journal.SeqRange{Start: lastApplied + 1, End: lastApplied + journalSeqGuard}
		blacklisted = append(blacklisted, guard)
		j.AdvanceTo(guard.End)
	}
	if len(blacklisted) > 0 {
		for _, r := range blacklisted {
			j.Blacklist(r)
		}
		for idx, dev := range fs.devices {
			dsb := fs.sbs[idx]
			dsb.JournalSeqBlacklist = append(dsb.JournalSeqBlacklist, blacklisted...)
			if err := superblock.WriteAll(dev, dsb); err != nil {
				return fmt.Errorf("persist journal_seq_blacklist on device %d: %w", idx, err)
			}
		}
	}
	return nil
}

// journalDevice is the device hosting the journal ring: the lowest
// index present, the same rule primaryWriter applies.
func (fs *Fs) journalDevice() device.Idx {
	var lowest device.Idx
	found := false
	for idx := range fs.devices {
		if !found || idx < lowest {
			lowest = idx
			found = true
		}
	}
	return lowest
}

// findMember locates idx's Member record; format() guarantees exactly
// one exists per device.
func findMember(members []superblock.Member, idx device.Idx) int {
	for i, m := range members {
		if m.Idx == idx {
			return i
		}
	}
	return 0
}

// readSuperblockBootstrap reads a device's superblock via raw sector
// I/O, ahead of knowing the real bucket geometry the superblock
// itself will report.
func readSuperblockBootstrap(f diskio.File) (*superblock.Superblock, error) {
	return superblock.ReadAny(device.OpenRaw(0, f))
}

// primaryWriter builds the journal's device.Writer over the lowest
// device index present, the same device a fresh format reserves the
// journal run on.
func (fs *Fs) primaryWriter() (*journal.DeviceWriter, error) {
	if len(fs.devices) == 0 {
		return nil, fmt.Errorf("cowfs: no devices to host the journal")
	}
	dev := fs.devices[fs.journalDevice()]
	first, count := journalRun(dev)
	if first+count >= dev.NrBuckets() {
		return nil, fmt.Errorf("cowfs: device %d too small: %d buckets, journal ring needs [%d, %d)",
			dev.Idx, dev.NrBuckets(), first, first+count)
	}
	return journal.NewDeviceWriter(dev, first, count), nil
}

// Stop marks every device's superblock clean and releases resources
// (spec.md §6 fs_stop()).
func (fs *Fs) Stop(ctx context.Context) error {
	for idx, dev := range fs.devices {
		sb := fs.sbs[idx]
		sb.CleanShutdown = superblock.Clean{WasClean: true}
		if err := superblock.WriteAll(dev, sb); err != nil {
			return fmt.Errorf("cowfs: stop: device %d: %w", idx, err)
		}
		if err := dev.Close(); err != nil {
			return fmt.Errorf("cowfs: stop: close device %d: %w", idx, err)
		}
	}
	return nil
}

// Begin starts a new transaction against the engine (spec.md §6
// trans_begin()).
func (fs *Fs) Begin(ctx context.Context) *txn.Transaction {
	return fs.Engine.Begin(ctx)
}

// Devices exposes the underlying per-device handles for callers that
// need to drive device-level I/O directly, such as internal/dataop's
// scrub pass.
func (fs *Fs) Devices() map[device.Idx]*device.Device {
	return fs.devices
}

// AllocForRole hands out sectors of an open bucket for the given write
// point role (spec.md §3 "Write point"): the role's current open
// bucket absorbs the write if it has room; otherwise a fresh bucket is
// claimed from the allocator and installed as the role's reservation.
func (fs *Fs) AllocForRole(ctx context.Context, role device.Role, sectors uint32) (*device.OpenBucket, error) {
	if ob, ok := fs.WritePoints.Take(role, sectors); ok {
		return ob, nil
	}

	dt := bkey.DataUser
	if role == device.RoleBtree {
		dt = bkey.DataBtree
	}
	addr, err := fs.Allocator.Alloc(ctx, dt)
	if err != nil {
		return nil, err
	}
	gen, err := fs.bucketGen(ctx, addr)
	if err != nil {
		return nil, err
	}
	dev := fs.devices[addr.Dev]
	ob := &device.OpenBucket{
		Addr:        addr,
		Gen:         gen,
		DataType:    dt,
		SectorsUsed: sectors,
		SectorsCap:  dev.BucketBytes() / diskio.SectorSize,
	}
	fs.WritePoints.SetCurrent(role, ob)
	return ob, nil
}

// bucketGen reads a bucket's live generation off its alloc key.
func (fs *Fs) bucketGen(ctx context.Context, addr device.Addr) (device.Gen, error) {
	rec, ok, err := fs.Engine.Lookup(ctx, bkey.BtreeAlloc, bpos.Pos{Inode: uint64(addr.Dev), Offset: addr.Bucket})
	if err != nil || !ok {
		return 0, err
	}
	if a, ok := rec.Value.(*bkey.AllocV4); ok {
		return device.Gen(a.Gen), nil
	}
	return 0, nil
}

// PointerGenOK reports whether a pointer recorded at writeGen is still
// valid against the bucket's live generation. After an LRU
// invalidation bumps the bucket's gen, this is the read path's
// cache-miss signal (spec.md §4.C "Invalidation", §8 scenario 5).
func (fs *Fs) PointerGenOK(ctx context.Context, addr device.Addr, writeGen device.Gen) (bool, error) {
	gen, err := fs.bucketGen(ctx, addr)
	if err != nil {
		return false, err
	}
	return !gen.StaleAgainst(writeGen), nil
}

// Usage reports aggregate capacity, the fs_usage() surface of spec.md
// §6, by summing each device's bucket geometry; per-state breakdowns
// are served by Metrics.BucketsByState instead of duplicating the
// aggregation here.
type Usage struct {
	CapacityBytes uint64
	NrBuckets     uint64
	NrDevices     int
}

func (fs *Fs) Usage() Usage {
	var u Usage
	for _, dev := range fs.devices {
		u.CapacityBytes += dev.NrBuckets() * uint64(dev.BucketBytes())
		u.NrBuckets += dev.NrBuckets()
	}
	u.NrDevices = len(fs.devices)
	return u
}

// Format initializes a brand-new filesystem across files (spec.md §6
// format()): it writes a fresh superblock to every device and leaves
// the freespace index to be populated lazily by the first Open.
func Format(fsUUID uuid.UUID, blockSize uint16, devSpecs map[device.Idx]FormatDevice) error {
	members := make([]superblock.Member, 0, len(devSpecs))
	for idx, spec := range devSpecs {
		members = append(members, superblock.Member{
			UUID:       uuid.New(),
			NrBuckets:  spec.NrBuckets,
			BucketSize: spec.BucketSize,
			Idx:        idx,
		})
	}
	sb := superblock.New(fsUUID, uuid.New(), blockSize, members)
	sb.FreespaceInitialized = make(map[device.Idx]bool)

	for idx, spec := range devSpecs {
		dev, err := device.Open(idx, members[findMember(members, idx)].UUID, spec.File, uint32(blockSize), spec.BucketSize, spec.NrBuckets)
		if err != nil {
			return fmt.Errorf("cowfs: format: device %d: %w", idx, err)
		}
		if err := superblock.WriteAll(dev, sb); err != nil {
			return fmt.Errorf("cowfs: format: device %d: %w", idx, err)
		}
	}
	return nil
}

// FormatDevice describes one device's geometry for Format.
type FormatDevice struct {
	File       diskio.File
	BucketSize uint32
	NrBuckets  uint64
}
