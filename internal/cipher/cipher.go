// Package cipher implements the tunnel's single cryptographic primitive:
// AES-256-GCM with a per-call random nonce, producing the fixed
// nonce‖tag‖ciphertext layout spec §3 puts on the wire.
//
// Grounded on the teacher's internal/encoder/crypto.go and
// internal/decoder/crypto.go, which build the same cipher.NewGCM
// construction and split Seal's output into ciphertext and tag by
// hand; generalized here to a 16-byte nonce and a single
// encrypt/decrypt pair instead of a password-derived steganography
// payload.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/faanross/dnscovert/internal/protoerr"
)

const (
	// NonceSize is the GCM nonce length used on the wire (spec §3: 16
	// bytes, the "128-bit" option GCM supports via a custom nonce
	// size rather than the usual 96-bit default).
	NonceSize = 16

	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// Cipher encrypts and decrypts chunk plaintexts under a single
// pre-shared 256-bit key.
type Cipher struct {
	gcm cipher.AEAD
}

// New builds a Cipher from a 32-byte key. A wrong-length key is a
// CONFIG_ERR: a configuration error at startup, not a runtime error
// (spec §4.1).
func New(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: cipher key must be 32 bytes, got %d", protoerr.ErrConfig, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher construction failed: %v", protoerr.ErrConfig, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM construction failed: %v", protoerr.ErrConfig, err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt authenticates and encrypts plaintext with no associated
// data, returning the nonce, the tag, and the ciphertext separately.
// |ciphertext| == |plaintext| always holds.
func (c *Cipher) Encrypt(plaintext []byte) (nonce, tag, ciphertext []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	sealed := c.gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]
	return nonce, tag, ciphertext, nil
}

// Decrypt verifies the tag and, on success, returns the plaintext. Any
// failure — wrong key, flipped bit anywhere in nonce/tag/ciphertext —
// comes back as protoerr.ErrAuth, indistinguishable from any other
// authentication failure to the caller (spec §4.1).
func (c *Cipher) Decrypt(nonce, tag, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", protoerr.ErrAuth, len(nonce))
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad tag length %d", protoerr.ErrAuth, len(tag))
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w", protoerr.ErrAuth)
	}
	return plaintext, nil
}
