package shufflefs

import (
	"crypto/rand"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// SectorSize is the size of a device block. IVs are amortised over
	// 4096-byte blocks, so all I/O happens at this granularity.
	SectorSize = 4096

	// NativeSectorSize is the sector size used by callers when addressing
	// a volume.
	NativeSectorSize = 512

	// SectorScale is the number of native sectors in a device block.
	SectorScale = SectorSize / NativeSectorSize

	// KeySize is the size of a volume key.
	KeySize = 32

	// IVSize is the size of a per-block IV.
	IVSize = 16

	// IVsPerBlock is the number of IVs held by one IV block.
	IVsPerBlock = SectorSize / IVSize

	// SliceBlocks is the number of data blocks in a logical slice (1 MiB).
	SliceBlocks = 256

	// PhysSliceSectors is the on-disk footprint of a physical slice: one IV
	// block followed by the data blocks.
	PhysSliceSectors = SliceBlocks + SliceBlocks/IVsPerBlock

	// MappingsPerBlock is the number of position map entries in one block.
	MappingsPerBlock = SectorSize / 4

	// MaxSlices bounds the size of a device (about 1 TiB).
	MaxSlices = 1024 * 1024

	// DefaultMaxVolumes is the number of volume slots on a device.
	DefaultMaxVolumes = 15

	// DefaultIVCacheCapacity is the soft capacity of the IV cache, in blocks.
	DefaultIVCacheCapacity = 1024

	// InvalidPSI marks an unmapped position map entry on disk.
	InvalidPSI = 0xFFFFFFFF

	// rmapFree marks a physical slice with no owner.
	rmapFree = 0xFF
)

// PSI is a physical slice index into the shared device pool.
type PSI uint32

// NullPSI is an optional physical slice index.
type NullPSI struct {
	PSI   PSI
	Valid bool // Valid is true if PSI is set
}

// Intent tells the mapping layers whether the caller reads or writes.
type Intent uint8

const (
	// IntentRead never allocates
	IntentRead Intent = iota
	// IntentWrite allocates on first use
	IntentWrite
)

// String returns the string representation of the intent
func (i Intent) String() string {
	if i == IntentWrite {
		return "write"
	}
	return "read"
}

// CipherSuite represents the sector encryption algorithm to use
type CipherSuite uint8

const (
	// CipherAuto selects the default cipher
	CipherAuto CipherSuite = iota
	// CipherAES256CTR uses AES-256 in counter mode
	CipherAES256CTR
	// CipherChaCha20 uses the ChaCha20 stream cipher with a 16-byte IV
	// split into a 32-bit block counter and a 96-bit nonce
	CipherChaCha20
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256CTR:
		return "aes-256-ctr"
	case CipherChaCha20:
		return "chacha20"
	default:
		return "unknown"
	}
}

// ParseCipherSuite parses a cipher suite name
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-ctr", "aes256ctr", "aes":
		return CipherAES256CTR, nil
	case "chacha20":
		return CipherChaCha20, nil
	default:
		return CipherAuto, fmt.Errorf("%w: %q", ErrUnsupportedCipher, s)
	}
}

// RedundancyMode selects how volumes on a device protect each other
// against colliding slice allocations.
type RedundancyMode uint8

const (
	// RedundancyNone disables mirroring and repair
	RedundancyNone RedundancyMode = iota
	// RedundancyAmong mirrors each volume onto its sibling (1<->2, 3<->4, ...)
	RedundancyAmong
	// RedundancyWithin mirrors each logical slice onto its neighbour
	// (2k<->2k+1) inside the same volume
	RedundancyWithin
)

// String returns the string representation of the redundancy mode
func (m RedundancyMode) String() string {
	switch m {
	case RedundancyNone:
		return "none"
	case RedundancyAmong:
		return "among"
	case RedundancyWithin:
		return "within"
	default:
		return "unknown"
	}
}

// ParseRedundancyMode accepts the long names and the single-letter forms
// ("n", "a", "w").
func ParseRedundancyMode(s string) (RedundancyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "none":
		return RedundancyNone, nil
	case "a", "among":
		return RedundancyAmong, nil
	case "w", "within":
		return RedundancyWithin, nil
	default:
		return RedundancyNone, NewValidationError("redundancy", s, "unknown redundancy mode")
	}
}

// Config contains configuration shared by every device of a registry
type Config struct {
	// Cipher suite used for sector and position map encryption
	Cipher CipherSuite

	// MaxVolumes is the number of volume slots in the device header
	MaxVolumes int

	// IVCacheCapacity is the soft number of IV blocks kept in memory per device
	IVCacheCapacity int

	// Workers is the number of goroutines serving asynchronous requests
	// per device. If 0, defaults to runtime.NumCPU()
	Workers int

	// Rand is the source of randomness for IVs and slice allocation.
	// Defaults to crypto/rand.Reader
	Rand io.Reader

	// Logger receives structured log output. Defaults to the logrus
	// standard logger
	Logger logrus.FieldLogger
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Cipher == CipherAuto {
		c.Cipher = CipherAES256CTR
	}
	if c.MaxVolumes == 0 {
		c.MaxVolumes = DefaultMaxVolumes
	}
	if c.IVCacheCapacity == 0 {
		c.IVCacheCapacity = DefaultIVCacheCapacity
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Cipher != CipherAuto && c.Cipher != CipherAES256CTR && c.Cipher != CipherChaCha20 {
		return ErrUnsupportedCipher
	}
	if c.MaxVolumes < 0 || c.MaxVolumes > rmapFree {
		return NewValidationError("MaxVolumes", c.MaxVolumes, fmt.Sprintf("must be between 1 and %d", rmapFree))
	}
	if c.IVCacheCapacity < 0 || c.IVCacheCapacity == 1 {
		return NewValidationError("IVCacheCapacity", c.IVCacheCapacity, "must be 0 (default) or at least 2")
	}
	if c.Workers < 0 || c.Workers > 1024 {
		return NewValidationError("Workers", c.Workers, "must be between 0 and 1024")
	}
	return nil
}
