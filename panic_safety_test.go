package shufflefs

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

// panicCipher panics on Encrypt or Decrypt
type panicCipher struct {
	SectorCipher
	panicOnEncrypt bool
	panicOnDecrypt bool
}

func (p *panicCipher) Encrypt(dst, src, iv []byte) error {
	if p.panicOnEncrypt {
		panic("test panic in encryption")
	}
	return p.SectorCipher.Encrypt(dst, src, iv)
}

func (p *panicCipher) Decrypt(dst, src, iv []byte) error {
	if p.panicOnDecrypt {
		panic("test panic in decryption")
	}
	return p.SectorCipher.Decrypt(dst, src, iv)
}

// TestPipeline_PanicInCipherIsRecovered checks that a panicking cipher fails
// the request instead of killing the worker, and that the volume keeps
// working afterwards.
func TestPipeline_PanicInCipherIsRecovered(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, &Config{Workers: 1})
	v := openTestVolume(t, reg, OpenOptions{Index: 0, Create: true, TotalSlices: 2})
	defer reg.CloseAll(ctx)

	writeBlock(t, v, 0, pattern(1))

	original := v.cipher
	v.cipher = &panicCipher{SectorCipher: original, panicOnEncrypt: true}
	err := v.WriteSector(ctx, SectorScale, pattern(2))
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("WriteSector() error = %v, want recovered panic", err)
	}

	v.cipher = &panicCipher{SectorCipher: original, panicOnDecrypt: true}
	buf := make([]byte, SectorSize)
	if err := v.ReadSector(ctx, 0, buf); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("ReadSector() error = %v, want recovered panic", err)
	}

	// The block lock was released and the single worker survived.
	v.cipher = original
	if got := readBlock(t, v, 0); !bytes.Equal(got, pattern(1)) {
		t.Error("volume unusable after recovered panics")
	}
	writeBlock(t, v, SectorScale, pattern(3))
}
