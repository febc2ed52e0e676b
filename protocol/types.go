// Package protocol defines the wire format of the neighbourhood: the outer
// envelope shapes exchanged on a link and the inner message kinds carried by
// signed envelopes. One JSON object per frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse is returned for malformed frames or frames missing required fields
var ErrParse = errors.New("malformed message")

// MessageType tags both outer envelopes and inner signed payloads
type MessageType string

// Outer envelope types
const (
	TypeSignedData          MessageType = "signed_data"
	TypeClientListRequest   MessageType = "client_list_request"
	TypeClientUpdateRequest MessageType = "client_update_request"
	TypeClientUpdate        MessageType = "client_update"
	TypeClientList          MessageType = "client_list"
)

// Inner message types carried inside signed_data
const (
	TypeHello       MessageType = "hello"
	TypeServerHello MessageType = "server_hello"
	TypeChat        MessageType = "chat"
	TypePublicChat  MessageType = "public_chat"
)

// SignedEnvelope is the outer shape of every signed exchange. Data holds the
// exact wire bytes of the inner message; the signature covers those bytes
// concatenated with the decimal counter.
type SignedEnvelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Counter   uint64          `json:"counter"`
	Signature string          `json:"signature"`
}

// ClientUpdate is the server-to-server roster snapshot for one server.
// The sender's snapshot is authoritative; receivers replace wholesale.
type ClientUpdate struct {
	Type    MessageType `json:"type"`
	Clients []string    `json:"clients"`
}

// ServerEntry pairs one server address with its advertised client keys
type ServerEntry struct {
	Address string   `json:"address"`
	Clients []string `json:"clients"`
}

// ClientList is the server-to-client aggregate roster across the mesh
type ClientList struct {
	Type    MessageType   `json:"type"`
	Servers []ServerEntry `json:"servers"`
}

// ControlRequest is an unsigned request carrying only its type
// (client_list_request, client_update_request)
type ControlRequest struct {
	Type MessageType `json:"type"`
}

// Hello advertises a client's public key to its home server
type Hello struct {
	Type      MessageType `json:"type"`
	PublicKey string      `json:"public_key"`
}

// ServerHello identifies a server to a neighbour it just dialed
type ServerHello struct {
	Type   MessageType `json:"type"`
	Sender string      `json:"sender"`
}

// Chat is a private or group chat envelope. SymmKeys holds one RSA-OAEP
// wrap of the AES key per recipient; order matches the recipient list.
type Chat struct {
	Type               MessageType `json:"type"`
	DestinationServers []string    `json:"destination_servers"`
	IV                 string      `json:"iv"`
	SymmKeys           []string    `json:"symm_keys"`
	Chat               string      `json:"chat"`
}

// PublicChat is an unencrypted broadcast message
type PublicChat struct {
	Type    MessageType `json:"type"`
	Sender  string      `json:"sender"`
	Message string      `json:"message"`
}

// ChatPayload is the AEAD plaintext inside a Chat message. Participants is
// advisory; the authoritative recipient set is the symm_keys list.
type ChatPayload struct {
	Participants []string `json:"participants"`
	Message      string   `json:"message"`
}

// PeekType extracts the outer type tag of a frame without decoding the rest
func PeekType(frame []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrParse)
	}
	return head.Type, nil
}

// Decode unmarshals a frame into dst, mapping JSON errors to ErrParse
func Decode(frame []byte, dst any) error {
	if err := json.Unmarshal(frame, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}
