package shufflefs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Device is a backing store shared by up to MaxVolumes volumes. It owns the
// reverse slice map, the IV cache and the I/O worker pool.
type Device struct {
	path       string
	id         uuid.UUID
	cfg        *Config
	log        logrus.FieldLogger
	dev        BlockDevice
	layout     Layout
	redundancy RedundancyMode

	alloc    *SliceAllocator
	ivCache  *IVCache
	pool     *workerPool
	repairMu ctxMutex

	volMu   sync.RWMutex
	volumes []*Volume
	nvols   int
}

// deviceNamespace scopes device IDs derived from backing paths
var deviceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/absfs/shufflefs"))

func newDevice(path string, bd BlockDevice, totalSlices uint32, mode RedundancyMode, cfg *Config) *Device {
	// Within mode pairs slices 2k and 2k+1, so the last odd slice is unusable.
	if mode == RedundancyWithin && totalSlices%2 != 0 {
		cfg.Logger.WithField(fieldDevice, path).Infof("reduced slice count to %d to pair slices", totalSlices-1)
		totalSlices--
	}

	layout := NewLayout(totalSlices, cfg.MaxVolumes)
	log := deviceLogger(cfg.Logger, path, totalSlices)
	d := &Device{
		path:       path,
		id:         uuid.NewSHA1(deviceNamespace, []byte(path)),
		cfg:        cfg,
		log:        log,
		dev:        &checkedDevice{BlockDevice: bd, path: path},
		layout:     layout,
		redundancy: mode,
		alloc:      newSliceAllocator(totalSlices, cfg.Rand, log),
		pool:       newWorkerPool(cfg.Workers, log),
		repairMu:   newCtxMutex(),
		volumes:    make([]*Volume, cfg.MaxVolumes),
	}
	d.ivCache = newIVCache(d.dev, layout, cfg.IVCacheCapacity, cfg.Workers, log)
	return d
}

// Path returns the backing device path
func (d *Device) Path() string {
	return d.path
}

// ID returns the device identifier used in volume names
func (d *Device) ID() uuid.UUID {
	return d.id
}

// Layout returns the on-disk geometry
func (d *Device) Layout() Layout {
	return d.layout
}

// TotalSlices returns the size of the slice pool
func (d *Device) TotalSlices() uint32 {
	return d.layout.TotalSlices
}

// Redundancy returns the redundancy mode the device was attached with
func (d *Device) Redundancy() RedundancyMode {
	return d.redundancy
}

// Allocator returns the reverse map
func (d *Device) Allocator() *SliceAllocator {
	return d.alloc
}

// IVCache returns the device IV cache
func (d *Device) IVCache() *IVCache {
	return d.ivCache
}

func (d *Device) volumeName(index int) string {
	return fmt.Sprintf("sflc-%s-%d", d.id, index)
}

// Volume returns the volume attached in slot index
func (d *Device) Volume(index int) (*Volume, bool) {
	if index < 0 || index >= len(d.volumes) {
		return nil, false
	}
	d.volMu.RLock()
	defer d.volMu.RUnlock()
	v := d.volumes[index]
	return v, v != nil
}

// Volumes returns the attached volumes ordered by index
func (d *Device) Volumes() []*Volume {
	d.volMu.RLock()
	defer d.volMu.RUnlock()
	out := make([]*Volume, 0, d.nvols)
	for _, v := range d.volumes {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

func (d *Device) attach(v *Volume) error {
	d.volMu.Lock()
	defer d.volMu.Unlock()
	if d.volumes[v.index] != nil {
		return fmt.Errorf("%w: slot %d on %s", ErrVolumeExists, v.index, d.path)
	}
	d.volumes[v.index] = v
	d.nvols++
	return nil
}

func (d *Device) detach(v *Volume) {
	d.volMu.Lock()
	defer d.volMu.Unlock()
	if d.volumes[v.index] == v {
		d.volumes[v.index] = nil
		d.nvols--
	}
}

func (d *Device) empty() bool {
	d.volMu.RLock()
	defer d.volMu.RUnlock()
	return d.nvols == 0
}

// close stops the workers, writes back the IV cache and closes the backing
// device. Every step runs even if an earlier one fails.
func (d *Device) close(ctx context.Context) error {
	d.pool.close()
	flushErr := d.ivCache.FlushAll(ctx)
	closeErr := d.dev.Close()
	d.log.Info("device closed")
	return errors.Join(flushErr, closeErr)
}

// VolumeStats describes an attached volume
type VolumeStats struct {
	Name         string
	Index        int
	MappedSlices uint32
	OwnedSlices  uint32
}

// DeviceStats describes a device and its attached volumes
type DeviceStats struct {
	Path           string
	ID             string
	Redundancy     RedundancyMode
	TotalSlices    uint32
	FreeSlices     uint32
	IVCacheEntries int
	Volumes        []VolumeStats
}

// Stats returns a snapshot of slice usage
func (d *Device) Stats(ctx context.Context) (DeviceStats, error) {
	s := DeviceStats{
		Path:        d.path,
		ID:          d.id.String(),
		Redundancy:  d.redundancy,
		TotalSlices: d.layout.TotalSlices,
	}

	for _, v := range d.Volumes() {
		vs, err := v.Stats(ctx)
		if err != nil {
			return DeviceStats{}, err
		}
		s.Volumes = append(s.Volumes, vs)
	}

	alloc, err := d.alloc.Stats(ctx)
	if err != nil {
		return DeviceStats{}, err
	}
	s.FreeSlices = alloc.FreeSlices
	for i := range s.Volumes {
		s.Volumes[i].OwnedSlices = alloc.PerVolume[s.Volumes[i].Index]
	}
	s.IVCacheEntries = d.ivCache.Len()
	return s, nil
}

// checkedDevice reports every backing device failure as an IOError
type checkedDevice struct {
	BlockDevice
	path string
}

func (c *checkedDevice) ReadSector(sector uint64, buf []byte) error {
	if err := c.BlockDevice.ReadSector(sector, buf); err != nil {
		if IsIOError(err) || IsValidationError(err) {
			return err
		}
		return NewIOError("read", c.path, int64(sector), err)
	}
	return nil
}

func (c *checkedDevice) WriteSector(sector uint64, buf []byte) error {
	if err := c.BlockDevice.WriteSector(sector, buf); err != nil {
		if IsIOError(err) || IsValidationError(err) {
			return err
		}
		return NewIOError("write", c.path, int64(sector), err)
	}
	return nil
}

func (c *checkedDevice) Close() error {
	if err := c.BlockDevice.Close(); err != nil {
		if IsIOError(err) {
			return err
		}
		return NewIOError("close", c.path, -1, err)
	}
	return nil
}
