package shufflefs

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// SliceAllocator owns the device reverse map: which volume owns each
// physical slice. Every method except Lock and Stats expects the caller to
// hold the allocator lock.
type SliceAllocator struct {
	lock ctxMutex
	rmap []uint8
	free uint32
	rand io.Reader
	log  logrus.FieldLogger
}

func newSliceAllocator(totalSlices uint32, rnd io.Reader, log logrus.FieldLogger) *SliceAllocator {
	a := &SliceAllocator{
		lock: newCtxMutex(),
		rmap: make([]uint8, totalSlices),
		free: totalSlices,
		rand: rnd,
		log:  log,
	}
	for i := range a.rmap {
		a.rmap[i] = rmapFree
	}
	return a
}

// Lock acquires the reverse map lock. It returns ErrInterrupted if ctx is
// done first.
func (a *SliceAllocator) Lock(ctx context.Context) error {
	return a.lock.Lock(ctx)
}

// Unlock releases the reverse map lock
func (a *SliceAllocator) Unlock() {
	a.lock.Unlock()
}

// TotalSlices returns the size of the slice pool
func (a *SliceAllocator) TotalSlices() uint32 {
	return uint32(len(a.rmap))
}

// FreeSlices returns the number of unowned slices
func (a *SliceAllocator) FreeSlices() uint32 {
	return a.free
}

// Owner returns the volume index owning psi, if any
func (a *SliceAllocator) Owner(psi PSI) (int, bool) {
	if uint32(psi) >= a.TotalSlices() || a.rmap[psi] == rmapFree {
		return 0, false
	}
	return int(a.rmap[psi]), true
}

// SetOwnership marks psi as owned by volume vol
func (a *SliceAllocator) SetOwnership(psi PSI, vol int) error {
	if err := ValidatePSI(psi, a.TotalSlices()); err != nil {
		return err
	}
	if vol < 0 || vol >= rmapFree {
		return NewValidationError("vol", vol, "volume index out of range")
	}
	if owner := a.rmap[psi]; owner != rmapFree {
		return fmt.Errorf("%w: psi %d belongs to volume %d", ErrAlreadyOwned, psi, owner)
	}

	a.rmap[psi] = uint8(vol)
	a.free--
	return nil
}

// transferOwnership moves an owned slice to another volume
func (a *SliceAllocator) transferOwnership(psi PSI, vol int) {
	if a.rmap[psi] == rmapFree {
		a.free--
	}
	a.rmap[psi] = uint8(vol)
}

// ClearOwnership returns psi to the free pool. Clearing a free slice is a no-op.
func (a *SliceAllocator) ClearOwnership(psi PSI) {
	if uint32(psi) >= a.TotalSlices() || a.rmap[psi] == rmapFree {
		return
	}
	a.rmap[psi] = rmapFree
	a.free++
}

// AllocateRandomFree draws a uniformly random free slice. It does not claim
// it; the caller follows up with SetOwnership.
func (a *SliceAllocator) AllocateRandomFree() (PSI, error) {
	if a.free == 0 {
		logCritical(a.log, ErrOutOfSpace, "slice pool exhausted")
		return 0, ErrOutOfSpace
	}

	for {
		v, err := randomUniform(a.rand, a.TotalSlices())
		if err != nil {
			return 0, err
		}
		if a.rmap[v] == rmapFree {
			return PSI(v), nil
		}
	}
}

// AllocationStats is a snapshot of the reverse map
type AllocationStats struct {
	TotalSlices uint32
	FreeSlices  uint32
	PerVolume   map[int]uint32
}

// Stats counts owned slices per volume
func (a *SliceAllocator) Stats(ctx context.Context) (AllocationStats, error) {
	if err := a.Lock(ctx); err != nil {
		return AllocationStats{}, err
	}
	defer a.Unlock()

	s := AllocationStats{
		TotalSlices: a.TotalSlices(),
		FreeSlices:  a.free,
		PerVolume:   make(map[int]uint32),
	}
	for _, owner := range a.rmap {
		if owner != rmapFree {
			s.PerVolume[int(owner)]++
		}
	}
	return s, nil
}
