package shufflefs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

// quietLogger discards log output in tests
func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)*7
	}
	return key
}

// pattern returns a recognizable SectorSize block
func pattern(seed byte) []byte {
	buf := make([]byte, SectorSize)
	for i := range buf {
		buf[i] = seed ^ byte(i) ^ byte(i>>8)
	}
	return buf
}

// lsiSector returns the first logical sector of logical slice lsi
func lsiSector(lsi uint32) uint64 {
	return uint64(lsi) * SliceBlocks * SectorScale
}

func newTestRegistry(t *testing.T, cfg *Config) (*Registry, func(string) *MemDevice) {
	t.Helper()

	open, get := MemOpener()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.MaxVolumes == 0 {
		cfg.MaxVolumes = 4
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}

	reg, err := NewRegistry(open, cfg)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg, get
}

func openTestVolume(t *testing.T, reg *Registry, opts OpenOptions) *Volume {
	t.Helper()

	if opts.Path == "" {
		opts.Path = "/dev/test"
	}
	if opts.Key == nil {
		opts.Key = testKey(byte(opts.Index + 1))
	}
	v, err := reg.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open(index %d) error = %v", opts.Index, err)
	}
	return v
}

func writeBlock(t *testing.T, v *Volume, sector uint64, data []byte) {
	t.Helper()
	if err := v.WriteSector(context.Background(), sector, data); err != nil {
		t.Fatalf("WriteSector(%s, %d) error = %v", v.Name(), sector, err)
	}
}

func readBlock(t *testing.T, v *Volume, sector uint64) []byte {
	t.Helper()
	buf := make([]byte, SectorSize)
	if err := v.ReadSector(context.Background(), sector, buf); err != nil {
		t.Fatalf("ReadSector(%s, %d) error = %v", v.Name(), sector, err)
	}
	return buf
}

func TestRegistry_ThreeVolumesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, &Config{MaxVolumes: DefaultMaxVolumes})

	const slices = 40000
	vols := make([]*Volume, 3)
	for i := range vols {
		vols[i] = openTestVolume(t, reg, OpenOptions{Index: i, Create: true, TotalSlices: slices})
		writeBlock(t, vols[i], 0, pattern(byte(0x10*i+1)))
	}

	if err := reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if len(reg.Devices()) != 0 {
		t.Fatalf("devices still attached after CloseAll")
	}

	for i := range vols {
		vols[i] = openTestVolume(t, reg, OpenOptions{Index: i, TotalSlices: slices})
	}

	for i, v := range vols {
		got := readBlock(t, v, 0)
		if !bytes.Equal(got, pattern(byte(0x10*i+1))) {
			t.Errorf("volume %d read back wrong data", i)
		}
	}

	dev := vols[0].Device()
	stats, err := dev.Allocator().Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.FreeSlices != slices-3 {
		t.Errorf("FreeSlices = %d, want %d", stats.FreeSlices, slices-3)
	}
	for i := 0; i < 3; i++ {
		if stats.PerVolume[i] != 1 {
			t.Errorf("volume %d owns %d slices, want 1", i, stats.PerVolume[i])
		}
	}

	if err := reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
}

func TestRegistry_OpenErrors(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	v := openTestVolume(t, reg, OpenOptions{Index: 1, Create: true, TotalSlices: 8})
	defer reg.CloseAll(ctx)

	tests := []struct {
		name  string
		opts  OpenOptions
		check func(error) bool
	}{
		{
			name:  "slot taken",
			opts:  OpenOptions{Path: "/dev/test", Index: 1, Create: true, TotalSlices: 8, Key: testKey(9)},
			check: func(err error) bool { return errors.Is(err, ErrVolumeExists) },
		},
		{
			name:  "slice count mismatch",
			opts:  OpenOptions{Path: "/dev/test", Index: 2, Create: true, TotalSlices: 16, Key: testKey(9)},
			check: func(err error) bool { return errors.Is(err, ErrSliceCountMismatch) },
		},
		{
			name:  "redundancy mismatch",
			opts:  OpenOptions{Path: "/dev/test", Index: 2, Create: true, TotalSlices: 8, Key: testKey(9), Redundancy: RedundancyAmong},
			check: IsValidationError,
		},
		{
			name:  "index out of range",
			opts:  OpenOptions{Path: "/dev/test", Index: 4, Create: true, TotalSlices: 8, Key: testKey(9)},
			check: IsValidationError,
		},
		{
			name:  "short key",
			opts:  OpenOptions{Path: "/dev/other", Index: 0, Create: true, TotalSlices: 8, Key: []byte("short")},
			check: func(err error) bool { return errors.Is(err, ErrInvalidKey) },
		},
		{
			name:  "empty path",
			opts:  OpenOptions{Index: 0, Create: true, TotalSlices: 8, Key: testKey(9)},
			check: IsValidationError,
		},
		{
			name:  "zero slices",
			opts:  OpenOptions{Path: "/dev/other", Index: 0, Create: true, Key: testKey(9)},
			check: IsValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Open(ctx, tt.opts)
			if err == nil {
				t.Fatal("Open() succeeded, want error")
			}
			if !tt.check(err) {
				t.Errorf("Open() error = %v, wrong kind", err)
			}
		})
	}

	if got, ok := reg.LookupVolume(v.Name()); !ok || got != v {
		t.Errorf("LookupVolume(%q) lost the attached volume", v.Name())
	}
	if _, ok := reg.Device("/dev/other"); ok {
		t.Error("failed Open left /dev/other attached")
	}
}

func TestRegistry_Close(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	v := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 4})
	writeBlock(t, v, 0, pattern(1))

	if err := reg.Close(ctx, v); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := reg.Close(ctx, v); !errors.Is(err, ErrVolumeNotAttached) {
		t.Errorf("second Close() error = %v, want ErrVolumeNotAttached", err)
	}
	if err := reg.Close(ctx, nil); !IsValidationError(err) {
		t.Errorf("Close(nil) error = %v, want validation error", err)
	}

	buf := make([]byte, SectorSize)
	if err := v.ReadSector(ctx, 0, buf); !errors.Is(err, ErrVolumeNotAttached) {
		t.Errorf("ReadSector on closed volume error = %v, want ErrVolumeNotAttached", err)
	}
	if _, ok := reg.LookupVolume(v.Name()); ok {
		t.Error("closed volume still registered")
	}
}

func TestRegistry_VolumeNames(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	v0 := openTestVolume(t, reg, OpenOptions{Path: "/dev/a", Index: 0, Create: true, TotalSlices: 4})
	v1 := openTestVolume(t, reg, OpenOptions{Path: "/dev/a", Index: 1, Create: true, TotalSlices: 4})
	w0 := openTestVolume(t, reg, OpenOptions{Path: "/dev/b", Index: 0, Create: true, TotalSlices: 4})
	defer reg.CloseAll(ctx)

	id := v0.Device().ID().String()
	if v0.Name() != "sflc-"+id+"-0" || v1.Name() != "sflc-"+id+"-1" {
		t.Errorf("names = %q, %q; want sflc-%s-<index>", v0.Name(), v1.Name(), id)
	}
	if w0.Name() == v0.Name() {
		t.Error("volumes on different devices share a name")
	}
	if !strings.HasSuffix(w0.Name(), "-0") {
		t.Errorf("name %q does not end with the index", w0.Name())
	}

	// IDs depend only on the path.
	other, _ := newTestRegistry(t, nil)
	x := openTestVolume(t, other, OpenOptions{Path: "/dev/a", Index: 2, Create: true, TotalSlices: 4})
	defer other.CloseAll(ctx)
	if x.Device().ID() != v0.Device().ID() {
		t.Error("device ID is not stable across registries")
	}
	if len(reg.Devices()) != 2 {
		t.Errorf("Devices() = %d, want 2", len(reg.Devices()))
	}
}

func TestRegistry_WithinRoundsSliceCountDown(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	v := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 7, Redundancy: RedundancyWithin})
	defer reg.CloseAll(ctx)

	if got := v.Device().TotalSlices(); got != 6 {
		t.Fatalf("TotalSlices() = %d, want 6", got)
	}
	// Later volumes may pass the size the device was created with.
	openTestVolume(t, reg, OpenOptions{Index: 1, Create: true, TotalSlices: 7, Redundancy: RedundancyWithin})
}

func TestRegistry_DeviceStats(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	v0 := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 16})
	v2 := openTestVolume(t, reg, OpenOptions{Index: 2, Create: true, TotalSlices: 16})
	defer reg.CloseAll(ctx)

	writeBlock(t, v0, lsiSector(0), pattern(1))
	writeBlock(t, v0, lsiSector(5), pattern(2))
	writeBlock(t, v2, lsiSector(1), pattern(3))

	s, err := v0.Device().Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.FreeSlices != 13 {
		t.Errorf("FreeSlices = %d, want 13", s.FreeSlices)
	}
	if len(s.Volumes) != 2 {
		t.Fatalf("len(Volumes) = %d, want 2", len(s.Volumes))
	}
	if s.Volumes[0].Index != 0 || s.Volumes[0].MappedSlices != 2 || s.Volumes[0].OwnedSlices != 2 {
		t.Errorf("volume 0 stats = %+v", s.Volumes[0])
	}
	if s.Volumes[1].Index != 2 || s.Volumes[1].MappedSlices != 1 || s.Volumes[1].OwnedSlices != 1 {
		t.Errorf("volume 2 stats = %+v", s.Volumes[1])
	}
	if s.IVCacheEntries == 0 {
		t.Error("IV cache is empty after writes")
	}
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// cancelAfterFirstCheck is live for its first Done call and cancelled from
// then on, so it expires right after the first lock is taken.
type cancelAfterFirstCheck struct {
	context.Context
	calls atomic.Int32
}

func (c *cancelAfterFirstCheck) Done() <-chan struct{} {
	if c.calls.Add(1) == 1 {
		return nil
	}
	return closedDone
}

func (c *cancelAfterFirstCheck) Err() error {
	if c.calls.Load() <= 1 {
		return nil
	}
	return context.Canceled
}

func TestRegistry_CloseCompletesAfterCancellation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	v := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 32})
	writeBlock(t, v, 0, pattern(3))
	writeBlock(t, v, lsiSector(5), pattern(4))

	if err := reg.Close(&cancelAfterFirstCheck{Context: ctx}, v); err != nil {
		t.Fatalf("Close() with a context cancelled mid-teardown error = %v", err)
	}
	if _, ok := reg.LookupVolume(v.Name()); ok {
		t.Error("volume still attached after Close")
	}

	v = openTestVolume(t, reg, OpenOptions{Index: 0, TotalSlices: 32})
	defer reg.Close(ctx, v)
	if !bytes.Equal(readBlock(t, v, 0), pattern(3)) || !bytes.Equal(readBlock(t, v, lsiSector(5)), pattern(4)) {
		t.Error("data lost across an interrupted close")
	}
}

func TestRegistry_CloseCancelledBeforeLock(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	v := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 8})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := reg.Close(ctx, v); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Close() with a cancelled context error = %v, want ErrInterrupted", err)
	}
	if _, ok := reg.LookupVolume(v.Name()); !ok {
		t.Error("volume detached by a Close that never started")
	}
	writeBlock(t, v, 0, pattern(1))
	if err := reg.Close(context.Background(), v); err != nil {
		t.Fatal(err)
	}
}
