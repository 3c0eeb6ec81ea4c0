package shufflefs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// SectorCipher encrypts and decrypts whole blocks with a per-block IV. It is
// a length-preserving stream transform: src and dst may alias.
type SectorCipher interface {
	// Encrypt encrypts src into dst using iv
	Encrypt(dst, src, iv []byte) error

	// Decrypt decrypts src into dst using iv
	Decrypt(dst, src, iv []byte) error

	// Suite reports the algorithm in use
	Suite() CipherSuite
}

// AESCTRCipher implements SectorCipher using AES-256 in counter mode
type AESCTRCipher struct {
	block cipher.Block
}

// NewAESCTRCipher creates a new AES-256-CTR sector cipher
func NewAESCTRCipher(key []byte) (*AESCTRCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: AES-256 requires a %d-byte key, got %d bytes", ErrInvalidKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	return &AESCTRCipher{block: block}, nil
}

// Encrypt encrypts src into dst using AES-256-CTR
func (c *AESCTRCipher) Encrypt(dst, src, iv []byte) error {
	return c.xor(dst, src, iv)
}

// Decrypt decrypts src into dst using AES-256-CTR
func (c *AESCTRCipher) Decrypt(dst, src, iv []byte) error {
	return c.xor(dst, src, iv)
}

func (c *AESCTRCipher) xor(dst, src, iv []byte) error {
	if err := checkCipherArgs(dst, src, iv); err != nil {
		return err
	}
	cipher.NewCTR(c.block, iv).XORKeyStream(dst, src)
	return nil
}

// Suite returns CipherAES256CTR
func (c *AESCTRCipher) Suite() CipherSuite {
	return CipherAES256CTR
}

// ChaCha20Cipher implements SectorCipher using ChaCha20. The first four
// bytes of the IV are the little-endian initial block counter, the
// remaining twelve the nonce. The counter's top bit is cleared so a 4096-byte
// block can never wrap it.
type ChaCha20Cipher struct {
	key []byte
}

// NewChaCha20Cipher creates a new ChaCha20 sector cipher
func NewChaCha20Cipher(key []byte) (*ChaCha20Cipher, error) {
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("%w: ChaCha20 requires a %d-byte key, got %d bytes", ErrInvalidKey, chacha20.KeySize, len(key))
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &ChaCha20Cipher{key: k}, nil
}

// Encrypt encrypts src into dst using ChaCha20
func (c *ChaCha20Cipher) Encrypt(dst, src, iv []byte) error {
	return c.xor(dst, src, iv)
}

// Decrypt decrypts src into dst using ChaCha20
func (c *ChaCha20Cipher) Decrypt(dst, src, iv []byte) error {
	return c.xor(dst, src, iv)
}

func (c *ChaCha20Cipher) xor(dst, src, iv []byte) error {
	if err := checkCipherArgs(dst, src, iv); err != nil {
		return err
	}

	s, err := chacha20.NewUnauthenticatedCipher(c.key, iv[4:])
	if err != nil {
		return fmt.Errorf("failed to create ChaCha20 cipher: %w", err)
	}
	s.SetCounter(binary.LittleEndian.Uint32(iv[:4]) &^ (1 << 31))
	s.XORKeyStream(dst, src)
	return nil
}

// Suite returns CipherChaCha20
func (c *ChaCha20Cipher) Suite() CipherSuite {
	return CipherChaCha20
}

func checkCipherArgs(dst, src, iv []byte) error {
	if len(iv) != IVSize {
		return fmt.Errorf("IV must be %d bytes, got %d", IVSize, len(iv))
	}
	if len(dst) < len(src) {
		return fmt.Errorf("destination too short: %d < %d", len(dst), len(src))
	}
	return nil
}

// NewSectorCipher creates a new sector cipher based on the cipher suite
func NewSectorCipher(suite CipherSuite, key []byte) (SectorCipher, error) {
	switch suite {
	case CipherAES256CTR, CipherAuto:
		return NewAESCTRCipher(key)
	case CipherChaCha20:
		return NewChaCha20Cipher(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}
