// Package crypto defines the cryptographic primitives used across the
// neighbourhood: RSA identity key pairs, fingerprinting, and the hybrid
// RSA-OAEP + AES-GCM scheme protecting chat payloads.
package crypto

import (
	"crypto/rsa"
	"errors"
)

var (
	// ErrInvalidSignature is returned when signature verification fails
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidKeyFormat is returned when key material cannot be parsed
	ErrInvalidKeyFormat = errors.New("invalid key format")

	// ErrAeadFailure is returned when the GCM authentication tag check fails
	ErrAeadFailure = errors.New("aead authentication failure")

	// ErrKeyUnwrap is returned when an RSA-OAEP key unwrap fails
	ErrKeyUnwrap = errors.New("key unwrap failure")
)

// KeyPair represents an RSA identity key pair
type KeyPair interface {
	// PublicKey returns the public key
	PublicKey() *rsa.PublicKey

	// PrivateKey returns the private key
	PrivateKey() *rsa.PrivateKey

	// Sign signs the given message with RSA-PSS (MGF1-SHA256, salt = hash length)
	Sign(message []byte) ([]byte, error)

	// Verify verifies the signature against this key pair's public key
	Verify(message, signature []byte) error

	// Fingerprint returns the lowercase hex SHA-256 of the PEM-encoded
	// SubjectPublicKeyInfo of the public key
	Fingerprint() string
}
