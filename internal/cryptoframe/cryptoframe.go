// Package cryptoframe implements the EncryptionContext contract (spec §3):
// a 32-byte key plus a variant tag, used to turn JSON-serializable plaintext
// into base64 ciphertext and back for every RPC param/result and state blob
// that crosses the wire.
//
// Two variants exist because the coordination server has shipped two
// generations of session keys: "legacy" keys were minted as raw NaCl
// secretbox keys, "dataKey" keys are minted as per-session keys wrapped with
// ChaCha20-Poly1305. Both are AEADs with a random nonce prefixed to the
// ciphertext; only the construction differs.
package cryptoframe

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Variant selects the AEAD construction used for a key.
type Variant string

const (
	VariantLegacy  Variant = "legacy"
	VariantDataKey Variant = "dataKey"
)

// KeySize is the required length, in bytes, of every EncryptionContext key.
const KeySize = 32

// ErrDecryptionFailed is the distinguished "undecryptable" outcome required
// by spec §3: callers must branch on this explicitly rather than treating it
// as an ordinary error.
var ErrDecryptionFailed = errors.New("cryptoframe: decryption failed")

// ErrInvalidKeySize is returned by New when key is not KeySize bytes long.
var ErrInvalidKeySize = fmt.Errorf("cryptoframe: key must be %d bytes", KeySize)

// Context is an EncryptionContext: a key and the variant that key was minted
// under. It is immutable and safe for concurrent use — all methods are pure
// functions of their arguments and the key.
type Context struct {
	key     [KeySize]byte
	variant Variant
}

// New builds a Context from a raw key and variant. The key is copied.
func New(key []byte, variant Variant) (Context, error) {
	if len(key) != KeySize {
		return Context{}, ErrInvalidKeySize
	}
	var c Context
	copy(c.key[:], key)
	c.variant = variant
	return c, nil
}

// Variant reports which AEAD construction this context uses.
func (c Context) Variant() Variant {
	return c.variant
}

// Encrypt serializes v to JSON and returns base64 ciphertext suitable for
// any of the wire fields that carry opaque ciphertext (params, ack, state
// blobs).
func (c Context) Encrypt(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cryptoframe: marshal plaintext: %w", err)
	}

	var sealed []byte
	switch c.variant {
	case VariantLegacy:
		sealed, err = c.sealSecretbox(plaintext)
	default:
		sealed, err = c.sealChaCha20(plaintext)
	}
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt and unmarshals the resulting plaintext into out.
// Any failure — malformed base64, short ciphertext, AEAD auth failure, or a
// JSON shape mismatch — collapses to ErrDecryptionFailed so callers never
// have to distinguish tampering from a wire bug; the core must not fall back
// silently (spec §3), so every caller checks for this sentinel explicitly.
func (c Context) Decrypt(ciphertextB64 string, out any) error {
	if ciphertextB64 == "" {
		return ErrDecryptionFailed
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return ErrDecryptionFailed
	}

	var plaintext []byte
	switch c.variant {
	case VariantLegacy:
		plaintext, err = c.openSecretbox(sealed)
	default:
		plaintext, err = c.openChaCha20(sealed)
	}
	if err != nil {
		return ErrDecryptionFailed
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return ErrDecryptionFailed
	}
	return nil
}

func (c Context) sealSecretbox(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cryptoframe: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

func (c Context) openSecretbox(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, ErrDecryptionFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (c Context) sealChaCha20(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoframe: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoframe: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c Context) openChaCha20(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
