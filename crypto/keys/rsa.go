package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"

	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
)

// KeyBits is the modulus length of every neighbourhood identity key.
const KeyBits = 2048

var pssOpts = rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA256,
}

// Verification accepts any salt length so that peers signing with a
// maximum-length salt still verify.
var pssVerifyOpts = rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// rsaKeyPair implements the KeyPair interface for 2048-bit RSA identities
type rsaKeyPair struct {
	privateKey  *rsa.PrivateKey
	publicKey   *rsa.PublicKey
	fingerprint string
}

// GenerateKeyPair generates a new 2048-bit RSA identity key pair
func GenerateKeyPair() (olafcrypto.KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(privateKey)
}

// FromPrivateKey wraps an existing RSA private key as an identity key pair
func FromPrivateKey(privateKey *rsa.PrivateKey) (olafcrypto.KeyPair, error) {
	publicKey := &privateKey.PublicKey
	fp, err := Fingerprint(publicKey)
	if err != nil {
		return nil, err
	}
	return &rsaKeyPair{
		privateKey:  privateKey,
		publicKey:   publicKey,
		fingerprint: fp,
	}, nil
}

// PublicKey returns the public key
func (kp *rsaKeyPair) PublicKey() *rsa.PublicKey {
	return kp.publicKey
}

// PrivateKey returns the private key
func (kp *rsaKeyPair) PrivateKey() *rsa.PrivateKey {
	return kp.privateKey
}

// Sign signs the message using RSA-PSS with MGF1-SHA256
func (kp *rsaKeyPair) Sign(message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, kp.privateKey, crypto.SHA256, hash[:], &pssOpts)
}

// Verify verifies the signature against this key pair's public key
func (kp *rsaKeyPair) Verify(message, signature []byte) error {
	return VerifyWithKey(kp.publicKey, message, signature)
}

// Fingerprint returns the identity fingerprint of the public key
func (kp *rsaKeyPair) Fingerprint() string {
	return kp.fingerprint
}

// VerifyWithKey verifies an RSA-PSS signature under the given public key
func VerifyWithKey(publicKey *rsa.PublicKey, message, signature []byte) error {
	hash := sha256.Sum256(message)
	if err := rsa.VerifyPSS(publicKey, crypto.SHA256, hash[:], signature, &pssVerifyOpts); err != nil {
		return olafcrypto.ErrInvalidSignature
	}
	return nil
}

// Fingerprint computes the lowercase hex SHA-256 digest of the public key
// serialized as PEM SubjectPublicKeyInfo. The digest is stable across
// PEM round-trips of the same key.
func Fingerprint(publicKey *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", err
	}
	block := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}
	digest := sha256.Sum256(pem.EncodeToMemory(block))
	return hex.EncodeToString(digest[:]), nil
}
