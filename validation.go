package shufflefs

import (
	"fmt"
)

// Input validation helpers shared by the mapping layers

// ValidateBuffer checks if a buffer is valid (non-nil and has expected size)
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return &ValidationError{
			Field:   name,
			Message: "buffer cannot be nil",
			Err:     ErrNilBuffer,
		}
	}
	if minSize > 0 && len(buf) < minSize {
		return &ValidationError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("buffer too small: got %d bytes, need at least %d bytes", len(buf), minSize),
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateIV checks if an IV has the correct size
func ValidateIV(iv []byte) error {
	if len(iv) != IVSize {
		return &ValidationError{
			Field:   "iv",
			Value:   len(iv),
			Message: fmt.Sprintf("invalid IV size: got %d bytes, expected %d bytes", len(iv), IVSize),
		}
	}
	return nil
}

// ValidatePSI checks that a physical slice index is within the device
func ValidatePSI(psi PSI, totalSlices uint32) error {
	if uint32(psi) >= totalSlices {
		return &ValidationError{
			Field:   "psi",
			Value:   psi,
			Message: fmt.Sprintf("physical slice %d out of range [0, %d)", psi, totalSlices),
		}
	}
	return nil
}

// ValidateLSI checks that a logical slice index is within the volume
func ValidateLSI(lsi, totalSlices uint32) error {
	if lsi >= totalSlices {
		return &ValidationError{
			Field:   "lsi",
			Value:   lsi,
			Message: fmt.Sprintf("logical slice %d out of range [0, %d)", lsi, totalSlices),
		}
	}
	return nil
}

// ValidateVolumeIndex checks that a volume slot exists on the device
func ValidateVolumeIndex(index, maxVolumes int) error {
	if index < 0 || index >= maxVolumes {
		return &ValidationError{
			Field:   "index",
			Value:   index,
			Message: fmt.Sprintf("volume index %d out of range [0, %d)", index, maxVolumes),
		}
	}
	return nil
}

// ValidateSliceCount checks a device size in slices
func ValidateSliceCount(totalSlices uint32) error {
	if totalSlices == 0 || totalSlices > MaxSlices {
		return &ValidationError{
			Field:   "total_slices",
			Value:   totalSlices,
			Message: fmt.Sprintf("slice count must be between 1 and %d", MaxSlices),
		}
	}
	return nil
}

// ValidateLogicalSector checks that a 512-byte sector starts a 4096-byte block
func ValidateLogicalSector(sector uint64) error {
	if sector%SectorScale != 0 {
		return &ValidationError{
			Field:   "sector",
			Value:   sector,
			Message: fmt.Sprintf("sector %d is not a multiple of %d", sector, SectorScale),
			Err:     ErrUnalignedSector,
		}
	}
	return nil
}

// ValidateDevicePath checks if a backing device path is valid (not empty)
func ValidateDevicePath(path string) error {
	if path == "" {
		return &ValidationError{
			Field:   "path",
			Message: "device path cannot be empty",
		}
	}
	return nil
}
