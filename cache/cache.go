// Package cache implements the fixed-capacity write-back block cache
// that sits between the filesystem and a raw block device (spec §4.5).
// It is grounded on biscuit's Bdev_block_t (fs/blk.go): a per-block
// mutex guarding a fixed-size data page, with a cache-wide lock around
// the eviction clock. Unlike biscuit, which threads blocks through a
// container/list-backed LRU keyed by an in-memory hash table, this
// cache uses a flat array swept by a clock hand, per spec's explicit
// second-chance replacement policy.
package cache

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"riscvkern/defs"
	"riscvkern/iof"
)

// BlockSize is the filesystem's on-disk block size (spec §3/§4.6).
const BlockSize = 512

// Debug gates eviction/writeback tracing, off by default. Same shape as
// fs/blk.go's bdev_debug: a plain package bool flipped by a test or by
// hand, not a structured logger.
var Debug = false

func dprintf(format string, args ...any) {
	if Debug {
		fmt.Printf("cache: "+format+"\n", args...)
	}
}

type slotFlags uint8

const (
	flagUsed slotFlags = 1 << iota
	flagDirty
	flagValid
)

type slot struct {
	mu    sync.Mutex
	block int
	flags slotFlags
	data  [BlockSize]byte
}

func (s *slot) has(f slotFlags) bool { return s.flags&f != 0 }

// Cache is a fixed-capacity cache of 512-byte blocks over a backing
// iof.IO. The backing object need only support ReadAt/WriteAt in
// block-sized, block-aligned windows.
type Cache struct {
	backing iof.IO
	slots   []*slot

	// mu serializes clock-hand advancement and slot lookup. Spec's
	// Open Questions note a single-hart kernel needs no such lock; it
	// is kept here so the cache stays correct if ever driven from more
	// than one goroutine concurrently.
	mu       sync.Mutex
	hand     int
	lastRead int
}

// New builds an empty cache of the given slot capacity over backing.
func New(backing iof.IO, capacity int) *Cache {
	c := &Cache{backing: backing, slots: make([]*slot, capacity)}
	for i := range c.slots {
		c.slots[i] = &slot{}
	}
	return c
}

// LastRead returns the block id of the most recent block lookup, whether
// it hit a resident slot or loaded the block from backing, for
// observation (spec §4.5's "last-read index").
func (c *Cache) LastRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRead
}

// getBlock resolves pos (which must be block-aligned) to a resident,
// locked slot, evicting via the clock algorithm if necessary. The
// caller must unlock the returned slot's mutex.
func (c *Cache) getBlock(pos int) (*slot, defs.Err_t) {
	if pos%BlockSize != 0 {
		return nil, defs.EINVAL
	}
	blockID := pos / BlockSize

	c.mu.Lock()
	for _, s := range c.slots {
		s.mu.Lock()
		if s.has(flagValid) && s.block == blockID {
			s.flags |= flagUsed
			c.lastRead = blockID
			c.mu.Unlock()
			return s, 0
		}
		s.mu.Unlock()
	}

	var victim *slot
	for {
		s := c.slots[c.hand]
		c.hand = (c.hand + 1) % len(c.slots)
		s.mu.Lock()
		if s.has(flagUsed) {
			s.flags &^= flagUsed
			s.mu.Unlock()
			continue
		}
		victim = s
		break
	}

	if victim.has(flagValid) && victim.has(flagDirty) {
		dprintf("evicting dirty block %d to read block %d", victim.block, blockID)
		if err := c.writeBack(victim); err != 0 {
			victim.mu.Unlock()
			c.mu.Unlock()
			return nil, err
		}
	}

	n, err := c.backing.ReadAt(blockID*BlockSize, victim.data[:])
	if err != 0 {
		victim.mu.Unlock()
		c.mu.Unlock()
		return nil, err
	}
	for i := n; i < BlockSize; i++ {
		victim.data[i] = 0
	}
	victim.block = blockID
	victim.flags = flagUsed | flagValid
	c.lastRead = blockID
	c.mu.Unlock()
	return victim, 0
}

// writeBack persists s's contents (the caller must hold s.mu) and
// clears DIRTY. It does not release the slot lock.
func (c *Cache) writeBack(s *slot) defs.Err_t {
	if _, err := c.backing.WriteAt(s.block*BlockSize, s.data[:]); err != 0 {
		return err
	}
	s.flags &^= flagDirty
	return 0
}

// ReadAt copies into buf the bytes starting at pos, never crossing a
// block boundary in a single call (spec: "single-block per call; the
// caller iterates").
func (c *Cache) ReadAt(pos int, buf []byte) (int, defs.Err_t) {
	if pos < 0 {
		return 0, defs.EINVAL
	}
	blockPos := (pos / BlockSize) * BlockSize
	s, err := c.getBlock(blockPos)
	if err != 0 {
		return 0, err
	}
	off := pos - blockPos
	n := BlockSize - off
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf[:n], s.data[off:off+n])
	s.mu.Unlock()
	return n, 0
}

// WriteAt writes buf into the block containing pos, marking it DIRTY,
// never crossing a block boundary in a single call.
func (c *Cache) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	if pos < 0 {
		return 0, defs.EINVAL
	}
	blockPos := (pos / BlockSize) * BlockSize
	s, err := c.getBlock(blockPos)
	if err != 0 {
		return 0, err
	}
	off := pos - blockPos
	n := BlockSize - off
	if n > len(buf) {
		n = len(buf)
	}
	copy(s.data[off:off+n], buf[:n])
	s.flags |= flagDirty
	s.mu.Unlock()
	return n, 0
}

// Flush releases every slot, writing back any that are DIRTY. Slots are
// independent (each guarded by its own mutex) so the writebacks fan out
// concurrently via errgroup rather than one at a time.
func (c *Cache) Flush() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	var g errgroup.Group
	for _, s := range c.slots {
		s := s
		g.Go(func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.has(flagValid) && s.has(flagDirty) {
				if err := c.writeBack(s); err != 0 {
					return errFromSlot{err}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err.(errFromSlot).Err_t
	}
	return 0
}

// errFromSlot lets writeBack's defs.Err_t travel through errgroup's
// error-typed Wait without losing the original error code.
type errFromSlot struct{ defs.Err_t }

func (e errFromSlot) Error() string { return e.Err_t.String() }
