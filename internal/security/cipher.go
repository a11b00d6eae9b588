// Package security protects the payloads of sessions the peer agreed to
// encrypt.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrShortCiphertext = errors.New("security: ciphertext too short")
	ErrOpenFailed      = errors.New("security: message authentication failed")
	ErrKeySize         = errors.New("security: invalid key size")
)

// Cipher seals and opens whole message payloads. aad binds the ciphertext
// to the session it belongs to.
type Cipher interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(ciphertext, aad []byte) ([]byte, error)
}

// AEAD is a ChaCha20-Poly1305 Cipher. Each sealed payload is
// nonce || ciphertext || tag.
type AEAD struct {
	aead cipher.AEAD
}

func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrKeySize, len(key), chacha20poly1305.KeySize)
	}
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

func (c *AEAD) Seal(plaintext, aad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out[:ns]); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out[:ns], plaintext, aad), nil
}

func (c *AEAD) Open(ciphertext, aad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return nil, ErrShortCiphertext
	}
	pt, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// KeyPair is an X25519 key pair used to agree on a session key.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveKey combines our private key with the peer's public key and salt
// into a ChaCha20-Poly1305 key.
func DeriveKey(priv, peerPub [32]byte, salt []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, err
	}
	kdf := hkdf.New(sha256.New, shared, salt, []byte("hulink-session"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SessionAAD is the additional data for a session's payloads.
func SessionAAD(sessionType, sessionID uint8) []byte {
	return []byte{sessionType, sessionID}
}
