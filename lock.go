package shufflefs

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ctxMutex is a mutex whose Lock can be abandoned through a context.
type ctxMutex struct {
	sem *semaphore.Weighted
}

func newCtxMutex() ctxMutex {
	return ctxMutex{sem: semaphore.NewWeighted(1)}
}

// Lock acquires the mutex or returns ErrInterrupted once ctx is done.
func (m ctxMutex) Lock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	return nil
}

// LockUninterruptible is for paths that must not be abandoned halfway,
// such as dropping a reference.
func (m ctxMutex) LockUninterruptible() {
	// Acquire only fails when the context is done.
	_ = m.sem.Acquire(context.Background(), 1)
}

func (m ctxMutex) Unlock() {
	m.sem.Release(1)
}

// ctxRWMutex is a readers-writer lock built on a weighted semaphore. A
// writer takes every unit, so it waits for readers and, the semaphore being
// FIFO, holds back readers queued behind it.
type ctxRWMutex struct {
	sem *semaphore.Weighted
}

const rwMaxReaders = 1 << 30

func newCtxRWMutex() ctxRWMutex {
	return ctxRWMutex{sem: semaphore.NewWeighted(rwMaxReaders)}
}

// RLock takes a shared hold or returns ErrInterrupted once ctx is done.
func (m ctxRWMutex) RLock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	return nil
}

func (m ctxRWMutex) RUnlock() {
	m.sem.Release(1)
}

// Lock takes the exclusive hold or returns ErrInterrupted once ctx is done.
func (m ctxRWMutex) Lock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, rwMaxReaders); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	return nil
}

func (m ctxRWMutex) Unlock() {
	m.sem.Release(rwMaxReaders)
}

// blockLocks serializes concurrent I/O on the same logical block. Blocks
// hash onto a fixed set of stripes.
type blockLocks struct {
	stripes []ctxMutex
}

const blockLockStripes = 64

func newBlockLocks() *blockLocks {
	b := &blockLocks{stripes: make([]ctxMutex, blockLockStripes)}
	for i := range b.stripes {
		b.stripes[i] = newCtxMutex()
	}
	return b
}

func (b *blockLocks) stripe(block uint64) ctxMutex {
	return b.stripes[block%uint64(len(b.stripes))]
}

// Lock locks the stripe of block.
func (b *blockLocks) Lock(ctx context.Context, block uint64) error {
	return b.stripe(block).Lock(ctx)
}

// Unlock unlocks the stripe of block.
func (b *blockLocks) Unlock(block uint64) {
	b.stripe(block).Unlock()
}
