package shufflefs

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// KeyProvider turns a salt into a volume key. Volume keys are never written
// to the device in the clear; callers derive them again on every open.
type KeyProvider interface {
	// DeriveKey derives a KeySize-byte volume key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)
}

// KDF identifies a password-based key derivation function
type KDF uint8

const (
	// KDFArgon2id is the memory-hard Argon2id function (recommended)
	KDFArgon2id KDF = iota
	// KDFScrypt is scrypt, as used for volume master block sealing
	KDFScrypt
	// KDFPBKDF2 is PBKDF2-HMAC-SHA256
	KDFPBKDF2
)

// String returns the string representation of the KDF
func (k KDF) String() string {
	switch k {
	case KDFArgon2id:
		return "argon2id"
	case KDFScrypt:
		return "scrypt"
	case KDFPBKDF2:
		return "pbkdf2"
	default:
		return "unknown"
	}
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32)
}

// ScryptParams contains parameters for scrypt key derivation
type ScryptParams struct {
	N        int // CPU/memory cost, a power of two (default 1<<15)
	R        int // Block size (default 8)
	P        int // Parallelism (default 1)
	SaltSize int // Salt size in bytes (default 32)
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int // Number of iterations (minimum 100,000 recommended)
	SaltSize   int // Salt size in bytes (default 32)
}

// PasswordKeyProvider implements KeyProvider using password-based key derivation
type PasswordKeyProvider struct {
	password []byte
	kdf      KDF
	argon2   Argon2idParams
	scrypt   ScryptParams
	pbkdf2   PBKDF2Params
}

// NewPasswordKeyProvider creates a new password-based key provider using Argon2id
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}

	return &PasswordKeyProvider{password: password, kdf: KDFArgon2id, argon2: params}
}

// NewPasswordKeyProviderScrypt creates a new password-based key provider using scrypt
func NewPasswordKeyProviderScrypt(password []byte, params ScryptParams) *PasswordKeyProvider {
	if params.N == 0 {
		params.N = 1 << 15
	}
	if params.R == 0 {
		params.R = 8
	}
	if params.P == 0 {
		params.P = 1
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}

	return &PasswordKeyProvider{password: password, kdf: KDFScrypt, scrypt: params}
}

// NewPasswordKeyProviderPBKDF2 creates a new password-based key provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}

	return &PasswordKeyProvider{password: password, kdf: KDFPBKDF2, pbkdf2: params}
}

// KDF reports the derivation function in use
func (p *PasswordKeyProvider) KDF() KDF {
	return p.kdf
}

// DeriveKey derives a volume key from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	switch p.kdf {
	case KDFArgon2id:
		return argon2.IDKey(p.password, salt, p.argon2.Iterations, p.argon2.Memory, p.argon2.Parallelism, KeySize), nil
	case KDFScrypt:
		key, err := scrypt.Key(p.password, salt, p.scrypt.N, p.scrypt.R, p.scrypt.P, KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		return key, nil
	case KDFPBKDF2:
		return pbkdf2.Key(p.password, salt, p.pbkdf2.Iterations, KeySize, sha256.New), nil
	default:
		return nil, fmt.Errorf("unsupported key derivation function: %v", p.kdf)
	}
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	var saltSize int
	switch p.kdf {
	case KDFScrypt:
		saltSize = p.scrypt.SaltSize
	case KDFPBKDF2:
		saltSize = p.pbkdf2.SaltSize
	default:
		saltSize = p.argon2.SaltSize
	}
	return randomSalt(saltSize)
}

// EnvKeyProvider implements KeyProvider using a hex-encoded key held in an
// environment variable
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a new environment variable key provider
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// DeriveKey returns the key from the environment variable.
// The salt is ignored as the key is pre-derived.
func (e *EnvKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	keyHex := os.Getenv(e.envVar)
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", e.envVar)
	}
	return ParseHexKey(keyHex)
}

// GenerateSalt generates a new random salt
func (e *EnvKeyProvider) GenerateSalt() ([]byte, error) {
	return randomSalt(32)
}

// ParseHexKey decodes a KeySize-byte volume key from hex
func ParseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}
	return key, nil
}

func randomSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
