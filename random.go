package shufflefs

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// randomBytes fills buf from r
func randomBytes(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("failed to read random bytes: %w", err)
	}
	return nil
}

// randomUniform returns a uniformly distributed value in [0, max). Draws are
// 31-bit; any draw at or above the largest multiple of max is rejected so
// the modulo carries no bias.
func randomUniform(r io.Reader, max uint32) (uint32, error) {
	if max == 0 || max > math.MaxInt32 {
		return 0, NewValidationError("max", max, "must be between 1 and MaxInt32")
	}

	thresh := uint32(math.MaxInt32 - math.MaxInt32%max)
	var buf [4]byte
	for {
		if err := randomBytes(r, buf[:]); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(buf[:]) & math.MaxInt32
		if v < thresh {
			return v % max, nil
		}
	}
}
