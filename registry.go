package shufflefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Registry tracks the attached devices and volumes. Attach and detach are
// serialized by a single lock that is never held during I/O.
type Registry struct {
	mu      ctxMutex
	open    DeviceOpener
	cfg     *Config
	log     logrus.FieldLogger
	devices map[string]*Device
	volumes map[string]*Volume
}

// OpenOptions describes a volume to attach
type OpenOptions struct {
	// Path names the backing device
	Path string

	// Index is the volume slot, 0 being the least secret
	Index int

	// Create starts the volume with an empty position map instead of
	// loading it from the header
	Create bool

	// TotalSlices is the device size in slices. All volumes of a device
	// must agree on it.
	TotalSlices uint32

	// Key is the KeySize-byte volume key
	Key []byte

	// Redundancy is the device redundancy mode. All volumes of a device
	// must agree on it.
	Redundancy RedundancyMode
}

// NewRegistry creates a registry opening backing devices through opener
func NewRegistry(opener DeviceOpener, config *Config) (*Registry, error) {
	if opener == nil {
		return nil, fmt.Errorf("device opener cannot be nil")
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := *config
	cfg.applyDefaults()

	return &Registry{
		mu:      newCtxMutex(),
		open:    opener,
		cfg:     &cfg,
		log:     cfg.Logger,
		devices: make(map[string]*Device),
		volumes: make(map[string]*Volume),
	}, nil
}

func (r *Registry) validate(opts OpenOptions) error {
	if err := ValidateDevicePath(opts.Path); err != nil {
		return err
	}
	if err := ValidateVolumeIndex(opts.Index, r.cfg.MaxVolumes); err != nil {
		return err
	}
	if err := ValidateSliceCount(opts.TotalSlices); err != nil {
		return err
	}
	if err := ValidateKey(opts.Key, KeySize); err != nil {
		return err
	}
	if opts.Redundancy > RedundancyWithin {
		return NewValidationError("redundancy", opts.Redundancy, "unknown redundancy mode")
	}
	if opts.Redundancy == RedundancyWithin && opts.TotalSlices < 2 {
		return NewValidationError("total_slices", opts.TotalSlices, "within redundancy needs at least 2 slices")
	}
	return nil
}

// Open attaches a volume, creating the device on first use of its path.
// Reopening volume 0 of a redundancy-enabled device (the last one in the
// usual open order) runs a repair pass over all attached volumes.
func (r *Registry) Open(ctx context.Context, opts OpenOptions) (*Volume, error) {
	if err := r.validate(opts); err != nil {
		return nil, err
	}
	cipher, err := NewSectorCipher(r.cfg.Cipher, opts.Key)
	if err != nil {
		return nil, err
	}

	if err := r.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	dev, existed := r.devices[opts.Path]
	if existed {
		if dev.redundancy != opts.Redundancy {
			return nil, NewValidationError("redundancy", opts.Redundancy,
				fmt.Sprintf("device %s is attached with %s redundancy", opts.Path, dev.redundancy))
		}
		want := opts.TotalSlices
		if dev.redundancy == RedundancyWithin {
			want &^= 1
		}
		if want != dev.layout.TotalSlices {
			return nil, fmt.Errorf("%w: %s has %d slices, got %d", ErrSliceCountMismatch, opts.Path, dev.layout.TotalSlices, opts.TotalSlices)
		}
	} else {
		bd, err := r.open(opts.Path)
		if err != nil {
			return nil, err
		}
		dev = newDevice(opts.Path, bd, opts.TotalSlices, opts.Redundancy, r.cfg)
		dev.log.WithField("redundancy", dev.redundancy).Info("device created")
	}

	// Drop a device created for this call if the volume cannot attach.
	abandon := func(err error) (*Volume, error) {
		if !existed {
			if cerr := dev.close(context.Background()); cerr != nil {
				r.log.WithError(cerr).Warn("closing abandoned device")
			}
		}
		return nil, err
	}

	if _, taken := dev.Volume(opts.Index); taken {
		return abandon(fmt.Errorf("%w: slot %d on %s", ErrVolumeExists, opts.Index, opts.Path))
	}
	name := dev.volumeName(opts.Index)
	if _, taken := r.volumes[name]; taken {
		return abandon(fmt.Errorf("%w: %s", ErrVolumeExists, name))
	}

	v := newVolume(dev, opts.Index, name, cipher)
	if opts.Create {
		v.log.Info("creating volume with an empty position map")
	} else if err := v.loadPositionMap(ctx); err != nil {
		return abandon(fmt.Errorf("opening %s: %w", name, err))
	}

	if err := dev.attach(v); err != nil {
		return abandon(err)
	}
	r.devices[opts.Path] = dev
	r.volumes[name] = v

	if dev.redundancy != RedundancyNone && !opts.Create && opts.Index == 0 {
		report, err := dev.Repair(ctx)
		if err != nil {
			v.log.WithError(err).Error("redundancy repair aborted")
		} else if report.Collisions > 0 {
			v.log.WithFields(logrus.Fields{"repaired": report.Repaired, "collisions": report.Collisions}).
				Warn("repaired colliding slices")
		}
	}

	return v, nil
}

// Close detaches a volume: in-flight requests finish, its position map is
// stored and its slices are released. The device is closed with its last
// volume. ctx only bounds the wait for the registry lock; once the volume
// is quiesced the teardown runs to completion.
func (r *Registry) Close(ctx context.Context, v *Volume) error {
	if v == nil {
		return NewValidationError("volume", nil, "volume cannot be nil")
	}

	if err := r.mu.Lock(ctx); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if r.volumes[v.name] != v {
		return fmt.Errorf("%w: %s", ErrVolumeNotAttached, v.name)
	}

	v.quiesce()

	// The volume is going away either way; a cancelled teardown would
	// leave its position map and IV blocks unwritten.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if err := v.storePositionMap(ctx); err != nil {
		v.log.WithError(err).Error("could not store position map")
		errs = append(errs, err)
	}
	if err := v.releaseSlices(ctx); err != nil {
		errs = append(errs, err)
	}

	dev := v.dev
	dev.detach(v)
	delete(r.volumes, v.name)
	v.log.Info("volume closed")

	if dev.empty() {
		delete(r.devices, dev.path)
		if err := dev.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll detaches every volume, most secret first
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, dev := range r.Devices() {
		vols := dev.Volumes()
		for i := len(vols) - 1; i >= 0; i-- {
			if err := r.Close(ctx, vols[i]); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LookupVolume finds an attached volume by name
func (r *Registry) LookupVolume(name string) (*Volume, bool) {
	r.mu.LockUninterruptible()
	defer r.mu.Unlock()
	v, ok := r.volumes[name]
	return v, ok
}

// Device finds an attached device by path
func (r *Registry) Device(path string) (*Device, bool) {
	r.mu.LockUninterruptible()
	defer r.mu.Unlock()
	d, ok := r.devices[path]
	return d, ok
}

// Devices returns every attached device
func (r *Registry) Devices() []*Device {
	r.mu.LockUninterruptible()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}
