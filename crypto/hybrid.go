package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
)

const (
	// SymmKeySize is the AES-256 key length used for chat payloads
	SymmKeySize = 32

	// IVSize is the GCM nonce length carried on the wire
	IVSize = 16
)

// NewSymmKey generates a random 32-byte AES key
func NewSymmKey() ([]byte, error) {
	key := make([]byte, SymmKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewIV generates a random 16-byte initialisation vector
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// WrapKey encrypts the AES key for one recipient using RSA-OAEP with
// MGF1-SHA256 and an empty label
func WrapKey(symmKey []byte, recipient *rsa.PublicKey) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, symmKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey decrypts an RSA-OAEP wrapped AES key. Non-recipients are
// expected to fail here; callers treat the error as a silent miss.
func UnwrapKey(wrapped []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	symmKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrapped, nil)
	if err != nil {
		return nil, ErrKeyUnwrap
	}
	return symmKey, nil
}

// Seal encrypts the plaintext with AES-256-GCM. The authentication tag is
// appended to the ciphertext.
func Seal(plaintext, symmKey, iv []byte) ([]byte, error) {
	aead, err := newGCM(symmKey)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Open decrypts an AES-256-GCM ciphertext produced by Seal. Returns
// ErrAeadFailure when the tag check fails.
func Open(ciphertext, symmKey, iv []byte) ([]byte, error) {
	aead, err := newGCM(symmKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAeadFailure
	}
	return plaintext, nil
}

func newGCM(symmKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(symmKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	// The wire format carries a 16-byte IV rather than GCM's default 12.
	return cipher.NewGCMWithNonceSize(block, IVSize)
}
