package shufflefs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Volume    string // Volume name, if applicable
	Sector    int64  // Physical sector, or -1
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Volume != "" && e.Sector >= 0 {
		return fmt.Sprintf("%s error: %s (sector %d): %s", e.Operation, e.Volume, e.Sector, e.Message)
	} else if e.Volume != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Volume, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a failure of the backing block device
type IOError struct {
	Operation string // "read" or "write"
	Device    string // Backing device path
	Sector    int64  // 4096-byte sector index, or -1
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Device != "" && e.Sector >= 0 {
		return fmt.Sprintf("io error: %s %s at sector %d: %s", e.Operation, e.Device, e.Sector, e.Message)
	} else if e.Device != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Device, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents inconsistent on-disk or in-memory slice bookkeeping
type CorruptionError struct {
	Volume  string // Volume name
	LSI     int64  // Logical slice index, or -1
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.LSI >= 0 {
		return fmt.Sprintf("corruption error: %s (lsi %d): %s", e.Volume, e.LSI, e.Message)
	} else if e.Volume != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Volume, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	// ErrInterrupted reports a wait aborted by context cancellation. It is
	// never retried internally.
	ErrInterrupted = errors.New("interrupted while waiting")

	// ErrOutOfSpace reports that the device has no free physical slices.
	ErrOutOfSpace = errors.New("no free physical slices on device")

	// ErrUnmapped is returned when reading a logical slice that was never
	// written. It is not a failure: callers must produce zeros.
	ErrUnmapped = errors.New("logical slice is not mapped")

	// ErrAlreadyOwned reports an attempt to claim a physical slice that
	// already belongs to a volume.
	ErrAlreadyOwned = errors.New("physical slice already owned")

	// ErrDoubleCorruption marks a redundancy correlation whose donor slice
	// is itself corrupted.
	ErrDoubleCorruption = errors.New("donor slice is corrupted too")

	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrUnalignedSector    = errors.New("sector is not aligned to a 4096-byte block")
	ErrVolumeExists       = errors.New("volume slot already attached")
	ErrVolumeNotAttached  = errors.New("volume is not attached")
	ErrDeviceClosed       = errors.New("device is closed")
	ErrSliceCountMismatch = errors.New("slice count does not match attached device")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, volume string, sector int64, err error) error {
	return &EncryptionError{
		Operation: operation,
		Volume:    volume,
		Sector:    sector,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, device string, sector int64, err error) error {
	return &IOError{
		Operation: operation,
		Device:    device,
		Sector:    sector,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(volume string, lsi int64, message string) error {
	return &CorruptionError{
		Volume:  volume,
		LSI:     lsi,
		Message: message,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsInterrupted reports whether err stems from an interrupted wait
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
