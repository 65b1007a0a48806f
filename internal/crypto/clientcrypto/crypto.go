// Package clientcrypto contains the end-to-end primitives used by the relay
// client: X25519 identity keys, sealed symmetric-key exchange, per-direction
// message keys and at-rest protection of the private key. The relay never
// sees any of this; it forwards opaque bytes.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// Params
const (
	KeyLen  = 32
	KEKLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (pub, priv *[KeyLen]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// EncodePublicKey renders pub as standard base64 (44 ASCII bytes), which fits
// the directory's 160-byte key field.
func EncodePublicKey(pub *[KeyLen]byte) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// DecodePublicKey parses a key produced by EncodePublicKey.
func DecodePublicKey(s string) (*[KeyLen]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(b) != KeyLen {
		return nil, fmt.Errorf("public key: %d bytes, want %d", len(b), KeyLen)
	}
	var k [KeyLen]byte
	copy(k[:], b)
	return &k, nil
}

// SealSymKey encrypts a symmetric key to the peer's public key.
func SealSymKey(peer *[KeyLen]byte, symKey []byte) ([]byte, error) {
	if len(symKey) != KeyLen {
		return nil, fmt.Errorf("symmetric key: %d bytes, want %d", len(symKey), KeyLen)
	}
	return box.SealAnonymous(nil, symKey, peer, rand.Reader)
}

// OpenSymKey decrypts a key sealed with SealSymKey.
func OpenSymKey(pub, priv *[KeyLen]byte, sealed []byte) ([]byte, error) {
	k, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, errors.New("sealed key: cannot open")
	}
	if len(k) != KeyLen {
		return nil, fmt.Errorf("sealed key: %d bytes, want %d", len(k), KeyLen)
	}
	return k, nil
}

// DeriveDirectionKey derives the key for messages from -> to using
// HKDF-SHA256, so each direction of a pair encrypts under its own key.
func DeriveDirectionKey(symKey, from, to []byte) ([]byte, error) {
	info := make([]byte, 0, len(from)+len(to))
	info = append(info, from...)
	info = append(info, to...)
	r := hkdf.New(sha256.New, symKey, nil, info)
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// EncryptMessage encrypts with XChaCha20-Poly1305 and the message type as AAD.
// Output is nonce || ciphertext.
func EncryptMessage(key []byte, typ uint8, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte{typ}), nil
}

// DecryptMessage reverses EncryptMessage.
func DecryptMessage(key []byte, typ uint8, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("message too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], []byte{typ})
}

// DeriveKEK derives a key-encryption key from a passphrase using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KEKLen)
}

// WrapKey encrypts key under kek; used to keep the private key at rest.
func WrapKey(kek, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(key)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, nil), nil
}

// UnwrapKey decrypts a key wrapped by WrapKey.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("wrapped too short")
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, wrapped[chacha20poly1305.NonceSizeX:], nil)
}
