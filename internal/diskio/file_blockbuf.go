// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"sync"
)

type block struct {
	dat []byte
	err error
}

// BufferedFile wraps a File with a read cache of fixed-size sector
// blocks. It is the read-side analogue of the btree node cache
// (§4.D.1): the allocator and superblock bootstrap path read the same
// sectors repeatedly and should not round-trip to the device each
// time. Writes invalidate through, so the cache never serves bytes a
// later write replaced.
type BufferedFile struct {
	inner     File
	blockSize SectorAddr
	maxBlocks int

	mu     sync.Mutex
	blocks map[SectorAddr]*block
	// lru holds resident block offsets, least-recently-used first.
	lru []SectorAddr
}

func NewBufferedFile(inner File, blockSize SectorAddr, cacheBlocks int) *BufferedFile {
	return &BufferedFile{
		inner:     inner,
		blockSize: blockSize,
		maxBlocks: cacheBlocks,
		blocks:    make(map[SectorAddr]*block, cacheBlocks),
	}
}

func (bf *BufferedFile) Name() string     { return bf.inner.Name() }
func (bf *BufferedFile) Size() SectorAddr { return bf.inner.Size() }
func (bf *BufferedFile) Close() error     { return bf.inner.Close() }
func (bf *BufferedFile) Sync() error      { return bf.inner.Sync() }
func (bf *BufferedFile) Discard(off, length SectorAddr) error {
	return bf.inner.Discard(off, length)
}

func (bf *BufferedFile) ReadAt(dat []byte, off SectorAddr) (int, error) {
	byteOff := int64(off) * SectorSize
	done := 0
	for done < len(dat) {
		n, err := bf.readBlock(dat[done:], byteOff+int64(done))
		done += n
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
	}
	return done, nil
}

func (bf *BufferedFile) readBlock(dat []byte, byteOff int64) (int, error) {
	blockBytes := int64(bf.blockSize) * SectorSize
	blockStart := byteOff - byteOff%blockBytes
	offInBlock := int(byteOff - blockStart)
	b := bf.acquire(SectorAddr(blockStart / SectorSize))
	if offInBlock >= len(b.dat) {
		return 0, b.err
	}
	n := copy(dat, b.dat[offInBlock:])
	if n < len(dat) {
		return n, b.err
	}
	return n, nil
}

// acquire returns the cached block at sector off, loading it from the
// inner file (and evicting the least-recently-used block) on a miss.
func (bf *BufferedFile) acquire(off SectorAddr) *block {
	bf.mu.Lock()
	if b, ok := bf.blocks[off]; ok {
		bf.touchLocked(off)
		bf.mu.Unlock()
		return b
	}
	bf.mu.Unlock()

	b := &block{dat: make([]byte, int(bf.blockSize)*SectorSize)}
	n, err := bf.inner.ReadAt(b.dat, off)
	b.dat = b.dat[:n]
	b.err = err

	bf.mu.Lock()
	defer bf.mu.Unlock()
	if existing, ok := bf.blocks[off]; ok {
		// A concurrent reader loaded it first; keep theirs.
		bf.touchLocked(off)
		return existing
	}
	bf.blocks[off] = b
	bf.lru = append(bf.lru, off)
	for len(bf.blocks) > bf.maxBlocks && len(bf.lru) > 0 {
		oldest := bf.lru[0]
		bf.lru = bf.lru[1:]
		delete(bf.blocks, oldest)
	}
	return b
}

// touchLocked moves off to the most-recently-used end.
func (bf *BufferedFile) touchLocked(off SectorAddr) {
	for i, o := range bf.lru {
		if o == off {
			copy(bf.lru[i:], bf.lru[i+1:])
			bf.lru[len(bf.lru)-1] = off
			return
		}
	}
}

func (bf *BufferedFile) WriteAt(dat []byte, off SectorAddr, fua bool) (int, error) {
	n, err := bf.inner.WriteAt(dat, off, fua)

	bf.mu.Lock()
	sectors := SectorAddr((n + SectorSize - 1) / SectorSize)
	for blockOff := off - (off % bf.blockSize); blockOff < off+sectors; blockOff += bf.blockSize {
		if _, ok := bf.blocks[blockOff]; ok {
			delete(bf.blocks, blockOff)
			for i, o := range bf.lru {
				if o == blockOff {
					bf.lru = append(bf.lru[:i], bf.lru[i+1:]...)
					break
				}
			}
		}
	}
	bf.mu.Unlock()
	return n, err
}
