package shufflefs

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// IVCache keeps the IV blocks of recently used physical slices in memory.
//
// Capacity is a soft limit. Acquire waits while the cache is full and the
// block is absent; Release evicts the least recently released unreferenced
// block once the cache is full. Referenced blocks are never evicted, so the
// cache may transiently hold more blocks than its capacity.
type IVCache struct {
	dev      BlockDevice
	layout   Layout
	capacity int
	workers  int
	log      logrus.FieldLogger

	mu      ctxMutex
	entries map[PSI]*ivCacheEntry
	lru     *list.List    // front is least recently released
	changed chan struct{} // closed when an entry is inserted or evicted
}

type ivCacheEntry struct {
	psi    PSI
	refcnt int
	dirty  int
	elem   *list.Element

	// guards page; structural fields are guarded by the cache lock
	pageMu sync.RWMutex
	page   []byte
}

func newIVCache(dev BlockDevice, layout Layout, capacity, workers int, log logrus.FieldLogger) *IVCache {
	if capacity < 2 {
		capacity = 2
	}
	if workers < 1 {
		workers = 1
	}
	return &IVCache{
		dev:      dev,
		layout:   layout,
		capacity: capacity,
		workers:  workers,
		log:      log,
		mu:       newCtxMutex(),
		entries:  make(map[PSI]*ivCacheEntry),
		lru:      list.New(),
		changed:  make(chan struct{}),
	}
}

// signal wakes every Acquire waiting for room. Caller holds the cache lock.
func (c *IVCache) signal() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Acquire returns a reference to the IV block of psi, reading it from disk
// if it is not cached. A write intent marks the block dirty. Waits for room
// in the cache return ErrInterrupted, with no reference taken, once ctx is
// done.
func (c *IVCache) Acquire(ctx context.Context, psi PSI, intent Intent) (*IVBlockRef, error) {
	if err := ValidatePSI(psi, c.layout.TotalSlices); err != nil {
		return nil, err
	}

	for {
		if err := c.mu.Lock(ctx); err != nil {
			return nil, err
		}
		if _, ok := c.entries[psi]; ok || len(c.entries) < c.capacity {
			break
		}
		// A failed eviction in release can leave the cache full of
		// unreferenced blocks that nothing else would evict.
		evicted, err := c.evictLocked()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if evicted {
			break
		}
		wait := c.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for IV cache room: %v", ErrInterrupted, ctx.Err())
		}
	}
	defer c.mu.Unlock()

	e, ok := c.entries[psi]
	if !ok {
		var err error
		if e, err = c.load(psi); err != nil {
			return nil, err
		}
		e.elem = c.lru.PushBack(e)
		c.entries[psi] = e
		c.signal()
	}

	e.refcnt++
	if intent == IntentWrite {
		e.dirty++
	}
	return &IVBlockRef{cache: c, entry: e}, nil
}

func (c *IVCache) load(psi PSI) (*ivCacheEntry, error) {
	page := make([]byte, SectorSize)
	if err := c.dev.ReadSector(c.layout.IVBlockSector(psi), page); err != nil {
		return nil, fmt.Errorf("failed to load IV block of psi %d: %w", psi, err)
	}
	return &ivCacheEntry{psi: psi, page: page}, nil
}

func (c *IVCache) writeBack(e *ivCacheEntry) error {
	e.pageMu.RLock()
	defer e.pageMu.RUnlock()
	if err := c.dev.WriteSector(c.layout.IVBlockSector(e.psi), e.page); err != nil {
		return fmt.Errorf("failed to write back IV block of psi %d: %w", e.psi, err)
	}
	return nil
}

// release drops one reference. It cannot be interrupted, so a reference is
// never leaked by a cancelled caller.
func (c *IVCache) release(e *ivCacheEntry) error {
	c.mu.LockUninterruptible()
	defer c.mu.Unlock()

	e.refcnt--
	c.lru.MoveToBack(e.elem)

	if len(c.entries) < c.capacity {
		return nil
	}
	_, err := c.evictLocked()
	return err
}

// evictLocked drops the least recently released unreferenced block, writing
// it back first if dirty, and reports whether room was made. On write-back
// failure the block stays cached. Caller holds the cache lock.
func (c *IVCache) evictLocked() (bool, error) {
	var victim *ivCacheEntry
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if cand := el.Value.(*ivCacheEntry); cand.refcnt == 0 {
			victim = cand
			break
		}
	}
	if victim == nil {
		return false, nil
	}

	c.lru.Remove(victim.elem)
	delete(c.entries, victim.psi)

	if victim.dirty > 0 {
		if err := c.writeBack(victim); err != nil {
			victim.elem = c.lru.PushFront(victim)
			c.entries[victim.psi] = victim
			c.log.WithError(err).WithField(fieldPSI, victim.psi).Error("IV block eviction failed")
			return false, err
		}
	}
	c.signal()
	return true, nil
}

// FlushAll writes every dirty block back to disk, referenced or not, and
// drops the unreferenced ones. All write-backs are attempted; the first
// error is returned.
func (c *IVCache) FlushAll(ctx context.Context) error {
	if err := c.mu.Lock(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	all := make([]*ivCacheEntry, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*ivCacheEntry))
	}

	failed := make([]atomic.Bool, len(all))
	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, e := range all {
		if e.dirty == 0 {
			continue
		}
		i, e := i, e
		g.Go(func() error {
			if err := c.writeBack(e); err != nil {
				failed[i].Store(true)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	// Referenced blocks stay dirty: their holders may still write IVs.
	for i, e := range all {
		if failed[i].Load() || e.refcnt > 0 {
			continue
		}
		c.lru.Remove(e.elem)
		delete(c.entries, e.psi)
	}
	c.signal()

	if err != nil {
		c.log.WithError(err).Error("IV cache flush failed")
	}
	return err
}

// Len returns the number of cached blocks
func (c *IVCache) Len() int {
	c.mu.LockUninterruptible()
	defer c.mu.Unlock()
	return len(c.entries)
}

// contains reports whether psi is cached
func (c *IVCache) contains(psi PSI) bool {
	c.mu.LockUninterruptible()
	defer c.mu.Unlock()
	_, ok := c.entries[psi]
	return ok
}

// IVBlockRef is a counted reference to a cached IV block. The block stays
// resident until Release.
type IVBlockRef struct {
	cache    *IVCache
	entry    *ivCacheEntry
	released atomic.Bool
}

// PSI returns the physical slice the block belongs to
func (r *IVBlockRef) PSI() PSI {
	return r.entry.psi
}

// IV returns a copy of the IV of data block off
func (r *IVBlockRef) IV(off uint32) []byte {
	iv := make([]byte, IVSize)
	r.entry.pageMu.RLock()
	copy(iv, r.entry.page[off*IVSize:])
	r.entry.pageMu.RUnlock()
	return iv
}

// SetIV stores the IV of data block off
func (r *IVBlockRef) SetIV(off uint32, iv []byte) {
	r.entry.pageMu.Lock()
	copy(r.entry.page[off*IVSize:(off+1)*IVSize], iv)
	r.entry.pageMu.Unlock()
}

// Bytes returns a copy of the whole IV block
func (r *IVBlockRef) Bytes() []byte {
	out := make([]byte, SectorSize)
	r.entry.pageMu.RLock()
	copy(out, r.entry.page)
	r.entry.pageMu.RUnlock()
	return out
}

// Release drops the reference. Calling it more than once is safe.
func (r *IVBlockRef) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	return r.cache.release(r.entry)
}
