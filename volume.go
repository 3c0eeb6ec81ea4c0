package shufflefs

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Volume is one independently keyed address space on a device. Its logical
// size equals the device size; slices are mapped on first write.
type Volume struct {
	name   string
	index  int
	dev    *Device
	log    logrus.FieldLogger

	// keyMu guards cipher. Block I/O holds it shared, Rekey exclusively.
	keyMu  ctxRWMutex
	cipher SectorCipher

	fmapMu ctxMutex
	fmap   []NullPSI
	mapped uint32

	blocks *blockLocks

	stateMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func newVolume(dev *Device, index int, name string, cipher SectorCipher) *Volume {
	return &Volume{
		name:   name,
		index:  index,
		dev:    dev,
		cipher: cipher,
		log:    dev.log.WithField(fieldVolume, name),
		fmapMu: newCtxMutex(),
		fmap:   make([]NullPSI, dev.layout.TotalSlices),
		blocks: newBlockLocks(),
		keyMu:  newCtxRWMutex(),
	}
}

// Name returns the registry-unique volume name
func (v *Volume) Name() string {
	return v.name
}

// Index returns the volume slot, 0 being the least secret
func (v *Volume) Index() int {
	return v.index
}

// Device returns the device the volume lives on
func (v *Volume) Device() *Device {
	return v.dev
}

// Sectors returns the logical size in NativeSectorSize sectors
func (v *Volume) Sectors() uint64 {
	return uint64(v.dev.layout.TotalSlices) * SliceBlocks * SectorScale
}

// begin registers an in-flight request; the returned func ends it
func (v *Volume) begin() (func(), error) {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	if v.closed {
		return nil, fmt.Errorf("%w: %s", ErrVolumeNotAttached, v.name)
	}
	v.inflight.Add(1)
	return v.inflight.Done, nil
}

// quiesce refuses new requests and waits for in-flight ones
func (v *Volume) quiesce() {
	v.stateMu.Lock()
	v.closed = true
	v.stateMu.Unlock()
	v.inflight.Wait()
}

// ReadSector reads the SectorSize block starting at logical 512-byte sector
// into buf. Never written blocks read as zeros.
func (v *Volume) ReadSector(ctx context.Context, sector uint64, buf []byte) error {
	req := NewReadRequest(sector, buf)
	if err := v.Submit(ctx, req); err != nil {
		return err
	}
	return req.Wait(ctx)
}

// WriteSector writes buf (SectorSize bytes) to the block starting at
// logical 512-byte sector.
func (v *Volume) WriteSector(ctx context.Context, sector uint64, buf []byte) error {
	req := NewWriteRequest(sector, buf)
	if err := v.Submit(ctx, req); err != nil {
		return err
	}
	return req.Wait(ctx)
}

// sibling returns the volume mirroring v in among mode
func (v *Volume) siblingIndex() int {
	if v.index%2 == 0 {
		return v.index - 1
	}
	return v.index + 1
}

// mirrorTarget returns where a write to sector must also go, if anywhere.
// Volume 0 is never mirrored.
func (v *Volume) mirrorTarget(sector uint64) (*Volume, uint64, bool) {
	if v.index == 0 {
		return nil, 0, false
	}

	switch v.dev.redundancy {
	case RedundancyAmong:
		sib, ok := v.dev.Volume(v.siblingIndex())
		if !ok {
			return nil, 0, false
		}
		return sib, sector, true
	case RedundancyWithin:
		const sliceSectors = SliceBlocks * SectorScale
		if (sector/sliceSectors)%2 == 0 {
			return v, sector + sliceSectors, true
		}
		return v, sector - sliceSectors, true
	default:
		return nil, 0, false
	}
}

// Stats returns mapping counters for the volume
func (v *Volume) Stats(ctx context.Context) (VolumeStats, error) {
	if err := v.fmapMu.Lock(ctx); err != nil {
		return VolumeStats{}, err
	}
	defer v.fmapMu.Unlock()
	return VolumeStats{Name: v.name, Index: v.index, MappedSlices: v.mapped}, nil
}
