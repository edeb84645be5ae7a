package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrMalformedCiphertext is returned when a sealed value cannot be parsed.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// ErrDecryptionFailed is returned when authentication fails during open
// (wrong key, corrupted data, tampering).
var ErrDecryptionFailed = errors.New("decryption failed")

const (
	keySize    = 32
	keyContext = "capsule-cipher-v1"

	// sealedDelimiter separates the hex-encoded nonce from the hex-encoded
	// ciphertext in a sealed value. ':' never appears in hex output.
	sealedDelimiter = ":"
)

// Cipher seals and opens opaque strings with AES-256-GCM under a single
// process-wide key. A fresh random nonce is generated per Encrypt call, so
// identical plaintexts never produce identical sealed values.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the configured key string. The key is
// normalized to exactly 32 bytes — right-padded with '0' or truncated — and
// then expanded with HKDF-SHA256 under a fixed context. Normalization is
// deterministic, so the same configured key always yields the same cipher
// key across runs. A configured key shorter than 32 characters keeps
// working but carries less entropy than the full AES-256 key space.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, errors.New("encryption key must not be empty")
	}

	derived := make([]byte, keySize)
	r := hkdf.New(sha256.New, normalizeKey(key), nil, []byte(keyContext))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("deriving cipher key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// normalizeKey pads or truncates the configured key to keySize bytes.
func normalizeKey(key string) []byte {
	b := []byte(key)
	if len(b) >= keySize {
		return b[:keySize]
	}
	out := make([]byte, keySize)
	copy(out, b)
	for i := len(b); i < keySize; i++ {
		out[i] = '0'
	}
	return out
}

// Encrypt seals plaintext into a self-describing value:
// hex(nonce) ":" hex(ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + sealedDelimiter + hex.EncodeToString(ct), nil
}

// Decrypt opens a sealed value produced by Encrypt.
func (c *Cipher) Decrypt(sealed string) (string, error) {
	nonceHex, ctHex, ok := strings.Cut(sealed, sealedDelimiter)
	if !ok {
		return "", fmt.Errorf("%w: missing delimiter", ErrMalformedCiphertext)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", fmt.Errorf("%w: bad nonce encoding", ErrMalformedCiphertext)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce length", ErrMalformedCiphertext)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedCiphertext)
	}
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random key encoded as exactly 32 hex
// characters, so it passes through normalizeKey unchanged.
func GenerateKey() (string, error) {
	b := make([]byte, keySize/2)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
