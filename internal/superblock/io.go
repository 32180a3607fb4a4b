// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package superblock

import (
	"fmt"

	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
)

// sectorsNeeded returns how many 512-byte sectors enc occupies,
// rounded up.
func sectorsNeeded(enc []byte) diskio.SectorAddr {
	const sectorSize = 512
	return diskio.SectorAddr((len(enc) + sectorSize - 1) / sectorSize)
}

// WriteAll writes sb to both primary reserved-sector copies and the
// tail backup copy on dev, per spec.md §6 ("Two primary copies at
// reserved sectors plus a backup at the tail of each device").
func WriteAll(dev *device.Device, sb *Superblock) error {
	enc, err := Encode(sb)
	if err != nil {
		return err
	}
	n := sectorsNeeded(enc)
	buf := make([]byte, n*512)
	copy(buf, enc)

	for _, off := range ReservedOffsets {
		if _, err := dev.WriteAt(buf, off, true); err != nil {
			return fmt.Errorf("superblock: write primary copy at sector %d: %w", off, err)
		}
	}
	backup := BackupOffset(dev.Sectors())
	if _, err := dev.WriteAt(buf, backup, true); err != nil {
		return fmt.Errorf("superblock: write backup copy at sector %d: %w", backup, err)
	}
	return nil
}

// ReadAny reads and decodes whichever of the three copies on dev
// validates first — both primaries, then the tail backup — so a
// single corrupted copy doesn't prevent mounting (spec.md §7 "IO ...
// retried against replica if available").
func ReadAny(dev *device.Device) (*Superblock, error) {
	// A generous fixed read size bounds the worst case (all fields
	// populated); Decode only trusts hdr.FieldsSize once the header
	// itself parses, so over-reading past the true payload is safe.
	const maxSize = 64 * 1024
	buf := make([]byte, maxSize)

	candidates := append(append([]diskio.SectorAddr{}, ReservedOffsets[:]...), BackupOffset(dev.Sectors()))
	var lastErr error
	for _, off := range candidates {
		if _, err := dev.ReadAt(buf, off); err != nil {
			lastErr = err
			continue
		}
		sb, err := Decode(buf)
		if err != nil {
			lastErr = err
			continue
		}
		return sb, nil
	}
	return nil, fmt.Errorf("superblock: no valid copy found on device %d: %w", dev.Idx, lastErr)
}
