package protocol

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
)

// BuildChat encrypts a chat message for a set of recipients. A fresh AES
// key and IV are generated; the key is wrapped once per recipient in order.
func BuildChat(message string, participants []string, recipients []*rsa.PublicKey, destinationServers []string) (*Chat, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("chat requires at least one recipient")
	}

	symmKey, err := olafcrypto.NewSymmKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chat key: %w", err)
	}
	iv, err := olafcrypto.NewIV()
	if err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	payload := ChatPayload{
		Participants: participants,
		Message:      message,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat payload: %w", err)
	}

	ciphertext, err := olafcrypto.Seal(plaintext, symmKey, iv)
	if err != nil {
		return nil, fmt.Errorf("failed to seal chat payload: %w", err)
	}

	symmKeys := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		wrapped, err := olafcrypto.WrapKey(symmKey, recipient)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap chat key: %w", err)
		}
		symmKeys = append(symmKeys, base64.StdEncoding.EncodeToString(wrapped))
	}

	return &Chat{
		Type:               TypeChat,
		DestinationServers: destinationServers,
		IV:                 base64.StdEncoding.EncodeToString(iv),
		SymmKeys:           symmKeys,
		Chat:               base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// OpenChat attempts to decrypt a chat message with the given private key.
// Every symm_keys slot is tried; a successful unwrap at any index marks the
// holder as a recipient. Returns (nil, false, nil) for non-recipients.
func OpenChat(chat *Chat, privateKey *rsa.PrivateKey) (*ChatPayload, bool, error) {
	iv, err := base64.StdEncoding.DecodeString(chat.IV)
	if err != nil {
		return nil, false, fmt.Errorf("%w: bad iv encoding", ErrParse)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(chat.Chat)
	if err != nil {
		return nil, false, fmt.Errorf("%w: bad ciphertext encoding", ErrParse)
	}

	for _, encoded := range chat.SymmKeys {
		wrapped, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		symmKey, err := olafcrypto.UnwrapKey(wrapped, privateKey)
		if err != nil {
			// Expected for slots wrapped to other recipients.
			continue
		}
		plaintext, err := olafcrypto.Open(ciphertext, symmKey, iv)
		if err != nil {
			return nil, true, err
		}
		var payload ChatPayload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return nil, true, fmt.Errorf("%w: bad chat payload", ErrParse)
		}
		return &payload, true, nil
	}
	return nil, false, nil
}
