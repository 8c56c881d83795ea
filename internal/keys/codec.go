// Package keys holds the key material the decode pipeline works with and
// the codec interface to the cryptographic primitives.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/fruitsalade/cloudmirror/internal/models"
)

// KeySize is the length of every symmetric key handled by the mirror.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrKeyMissing means no usable key-encryption key is known yet.
	ErrKeyMissing = errors.New("key material missing")
	// ErrUndecryptable means a key was available but the data did not open.
	ErrUndecryptable = errors.New("undecryptable")
)

// Codec is the set of opaque primitives the engine calls. The engine never
// looks inside keys or blobs.
type Codec interface {
	WrapKey(key, kek []byte) ([]byte, error)
	UnwrapKey(wrapped, kek []byte) ([]byte, error)
	EncryptAttributes(attrs models.Attributes, key []byte) ([]byte, error)
	DecryptAttributes(blob, key []byte) (models.Attributes, error)
	DeriveKey(secret []byte, info string) ([]byte, error)
}

// XChaCha is a Codec built on XChaCha20-Poly1305 with HKDF-SHA256 key
// derivation. Blobs are nonce || ciphertext.
type XChaCha struct {
	rand io.Reader
}

// NewXChaCha returns the reference codec.
func NewXChaCha() *XChaCha {
	return &XChaCha{rand: rand.Reader}
}

func (c *XChaCha) seal(plain, key, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, ad), nil
}

func (c *XChaCha) open(blob, key, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("blob too short: %w", ErrUndecryptable)
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, ErrUndecryptable
	}
	return plain, nil
}

var (
	keyAD  = []byte("key")
	attrAD = []byte("attr")
)

func (c *XChaCha) WrapKey(key, kek []byte) ([]byte, error) {
	return c.seal(key, kek, keyAD)
}

func (c *XChaCha) UnwrapKey(wrapped, kek []byte) ([]byte, error) {
	key, err := c.open(wrapped, kek, keyAD)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("unwrapped key has %d bytes: %w", len(key), ErrUndecryptable)
	}
	return key, nil
}

func (c *XChaCha) EncryptAttributes(attrs models.Attributes, key []byte) ([]byte, error) {
	plain, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return c.seal(plain, key, attrAD)
}

func (c *XChaCha) DecryptAttributes(blob, key []byte) (models.Attributes, error) {
	var attrs models.Attributes
	plain, err := c.open(blob, key, attrAD)
	if err != nil {
		return attrs, err
	}
	if err := json.Unmarshal(plain, &attrs); err != nil {
		return attrs, fmt.Errorf("attributes: %w", ErrUndecryptable)
	}
	return attrs, nil
}

func (c *XChaCha) DeriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewKey returns a fresh random key.
func NewKey() []byte {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		panic("keys: random source failed: " + err.Error())
	}
	return key
}
