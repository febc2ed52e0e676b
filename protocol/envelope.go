package protocol

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
)

// SigningInput builds the byte sequence covered by an envelope signature:
// the exact wire bytes of data followed by the ASCII decimal counter.
func SigningInput(data []byte, counter uint64) []byte {
	input := make([]byte, 0, len(data)+20)
	input = append(input, data...)
	return strconv.AppendUint(input, counter, 10)
}

// Sign wraps the inner message in a signed envelope under the given key
// pair. The counter must have been incremented by the caller before signing.
func Sign(inner any, counter uint64, keyPair olafcrypto.KeyPair) (*SignedEnvelope, error) {
	data, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inner message: %w", err)
	}
	signature, err := keyPair.Sign(SigningInput(data, counter))
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	return &SignedEnvelope{
		Type:      TypeSignedData,
		Data:      data,
		Counter:   counter,
		Signature: base64.StdEncoding.EncodeToString(signature),
	}, nil
}

// Verify checks the envelope signature under the given public key. The
// verifier recomputes the signing input from the same data bytes that
// arrived on the wire, so no canonical re-serialization is involved.
func (e *SignedEnvelope) Verify(publicKey *rsa.PublicKey) error {
	signature, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrParse)
	}
	return keys.VerifyWithKey(publicKey, SigningInput(e.Data, e.Counter), signature)
}

// InnerType extracts the type tag of the signed payload
func (e *SignedEnvelope) InnerType() (MessageType, error) {
	return PeekType(e.Data)
}

// Encode serializes any outer message to a single wire frame
func Encode(msg any) ([]byte, error) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return frame, nil
}
