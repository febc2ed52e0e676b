// Package formats handles PEM serialization of neighbourhood identity keys.
// Public keys travel on the wire as PEM SubjectPublicKeyInfo; private keys
// are stored on disk as PKCS#8.
package formats

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
)

// EncodePublicKey exports the public key as a PEM SubjectPublicKeyInfo string
func EncodePublicKey(publicKey *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePublicKey parses a PEM SubjectPublicKeyInfo string into an RSA public key
func DecodePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, olafcrypto.ErrInvalidKeyFormat
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, olafcrypto.ErrInvalidKeyFormat
	}
	return rsaPub, nil
}

// EncodePrivateKey exports the private key as a PEM PKCS#8 block
func EncodePrivateKey(privateKey *rsa.PrivateKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	block := &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: derBytes,
	}
	return pem.EncodeToMemory(block), nil
}

// DecodePrivateKey parses a PEM private key block. PKCS#8 is the canonical
// format; PKCS#1 ("RSA PRIVATE KEY") is accepted for keys generated by
// older tooling.
func DecodePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, olafcrypto.ErrInvalidKeyFormat
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, olafcrypto.ErrInvalidKeyFormat
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 private key: %w", err)
		}
		return key, nil
	default:
		return nil, olafcrypto.ErrInvalidKeyFormat
	}
}
