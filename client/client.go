// Package client implements a neighbourhood chat client: a long-lived RSA
// identity bound to one server link, able to exchange private, group, and
// public chats across the federation.
package client

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/protocol"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/session"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

// Handlers receives decoded messages from the listen loop. Nil fields are
// skipped.
type Handlers struct {
	// OnPublicChat fires for every public chat, with the sender's
	// fingerprint and the plaintext message
	OnPublicChat func(sender, message string)

	// OnChat fires when an incoming chat envelope decrypts for this
	// client
	OnChat func(payload *protocol.ChatPayload)

	// OnClientList fires when a roster snapshot arrives
	OnClientList func(servers []protocol.ServerEntry)
}

// Client is one chat identity connected to its home server
type Client struct {
	serverURL string
	keyPair   olafcrypto.KeyPair
	publicPEM string
	log       logger.Logger
	handlers  Handlers

	counter session.Counter
	link    transport.Link

	mu          sync.RWMutex
	onlineUsers map[string][]string // server URL -> client PEMs
	closed      bool
}

// New creates a client for the given home server. A nil key pair generates
// a fresh identity.
func New(serverURL string, keyPair olafcrypto.KeyPair, handlers Handlers, log logger.Logger) (*Client, error) {
	if keyPair == nil {
		var err error
		keyPair, err = keys.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
	}
	publicPEM, err := formats.EncodePublicKey(keyPair.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to export identity key: %w", err)
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Client{
		serverURL:   serverURL,
		keyPair:     keyPair,
		publicPEM:   publicPEM,
		log:         log.WithFields(logger.String("fingerprint", keyPair.Fingerprint()[:8])),
		handlers:    handlers,
		onlineUsers: make(map[string][]string),
	}, nil
}

// Fingerprint returns this client's identity fingerprint
func (c *Client) Fingerprint() string {
	return c.keyPair.Fingerprint()
}

// PublicPEM returns this client's public key as advertised in hello
func (c *Client) PublicPEM() string {
	return c.publicPEM
}

// Connect dials the home server, registers with a signed hello, and starts
// the listen loop
func (c *Client) Connect(ctx context.Context) error {
	link, err := transport.Dial(ctx, c.serverURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.serverURL, err)
	}
	c.link = link

	hello := protocol.Hello{
		Type:      protocol.TypeHello,
		PublicKey: c.publicPEM,
	}
	if err := c.sendSigned(hello); err != nil {
		link.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}
	c.log.Info("connected", logger.String("server", c.serverURL))

	go c.listen()
	return nil
}

// Close tears the link down
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.link.Close()
}

// SendPublicChat broadcasts a plaintext message to the whole neighbourhood
func (c *Client) SendPublicChat(message string) error {
	pub := protocol.PublicChat{
		Type:    protocol.TypePublicChat,
		Sender:  c.Fingerprint(),
		Message: message,
	}
	return c.sendSigned(pub)
}

// SendChat sends an end-to-end encrypted message to the given recipients,
// identified by their advertised public key PEMs. Destination servers are
// derived from the online-users map unless overridden.
func (c *Client) SendChat(message string, recipientPEMs []string, destinationServers []string) error {
	if len(recipientPEMs) == 0 {
		return fmt.Errorf("chat requires at least one recipient")
	}

	recipients := make([]*rsa.PublicKey, 0, len(recipientPEMs))
	participants := []string{c.Fingerprint()}
	for _, pemStr := range recipientPEMs {
		publicKey, err := formats.DecodePublicKey(pemStr)
		if err != nil {
			return fmt.Errorf("bad recipient key: %w", err)
		}
		fp, err := keys.Fingerprint(publicKey)
		if err != nil {
			return err
		}
		recipients = append(recipients, publicKey)
		participants = append(participants, fp)
	}

	if len(destinationServers) == 0 {
		destinationServers = c.serversFor(recipientPEMs)
	}

	chat, err := protocol.BuildChat(message, participants, recipients, destinationServers)
	if err != nil {
		return err
	}
	return c.sendSigned(chat)
}

// RequestClientList asks the home server for the roster across the mesh
func (c *Client) RequestClientList() error {
	frame, err := protocol.Encode(protocol.ControlRequest{Type: protocol.TypeClientListRequest})
	if err != nil {
		return err
	}
	return c.link.Send(frame)
}

// OnlineUsers returns the last received roster snapshot
func (c *Client) OnlineUsers() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make(map[string][]string, len(c.onlineUsers))
	for url, clients := range c.onlineUsers {
		users[url] = append([]string(nil), clients...)
	}
	return users
}

// sendSigned wraps the inner message in a signed envelope and sends it
func (c *Client) sendSigned(inner any) error {
	envelope, err := protocol.Sign(inner, c.counter.Next(), c.keyPair)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(envelope)
	if err != nil {
		return err
	}
	return c.link.Send(frame)
}

// serversFor lists the servers hosting any of the given recipient keys,
// according to the roster snapshot
func (c *Client) serversFor(recipientPEMs []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wanted := make(map[string]bool, len(recipientPEMs))
	for _, pemStr := range recipientPEMs {
		wanted[pemStr] = true
	}

	var servers []string
	seen := make(map[string]bool)
	for url, clients := range c.onlineUsers {
		for _, pemStr := range clients {
			if wanted[pemStr] && !seen[url] {
				seen[url] = true
				servers = append(servers, url)
			}
		}
	}
	return servers
}

// listen processes frames from the home server until the link closes
func (c *Client) listen() {
	for {
		frame, err := c.link.Receive()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				c.log.Warn("disconnected from server", logger.Error(err))
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	msgType, err := protocol.PeekType(frame)
	if err != nil {
		c.log.Warn("dropping malformed frame", logger.Error(err))
		return
	}

	switch msgType {
	case protocol.TypeClientList:
		var list protocol.ClientList
		if err := protocol.Decode(frame, &list); err != nil {
			c.log.Warn("dropping malformed client_list", logger.Error(err))
			return
		}
		c.mu.Lock()
		c.onlineUsers = make(map[string][]string, len(list.Servers))
		for _, entry := range list.Servers {
			c.onlineUsers[entry.Address] = entry.Clients
		}
		c.mu.Unlock()
		if c.handlers.OnClientList != nil {
			c.handlers.OnClientList(list.Servers)
		}

	case protocol.TypeSignedData:
		c.handleSigned(frame)

	default:
		c.log.Debug("ignoring frame", logger.String("type", string(msgType)))
	}
}

func (c *Client) handleSigned(frame []byte) {
	var envelope protocol.SignedEnvelope
	if err := protocol.Decode(frame, &envelope); err != nil {
		c.log.Warn("dropping malformed signed envelope", logger.Error(err))
		return
	}
	innerType, err := envelope.InnerType()
	if err != nil {
		c.log.Warn("dropping signed envelope without inner type", logger.Error(err))
		return
	}

	switch innerType {
	case protocol.TypePublicChat:
		var pub protocol.PublicChat
		if err := protocol.Decode(envelope.Data, &pub); err != nil {
			c.log.Warn("dropping malformed public_chat", logger.Error(err))
			return
		}
		if c.handlers.OnPublicChat != nil {
			c.handlers.OnPublicChat(pub.Sender, pub.Message)
		}

	case protocol.TypeChat:
		var chat protocol.Chat
		if err := protocol.Decode(envelope.Data, &chat); err != nil {
			c.log.Warn("dropping malformed chat", logger.Error(err))
			return
		}
		payload, recipient, err := protocol.OpenChat(&chat, c.keyPair.PrivateKey())
		if err != nil {
			// AEAD failures are routine for non-recipients.
			c.log.Debug("failed to open chat", logger.Error(err))
			return
		}
		if !recipient {
			return
		}
		if c.handlers.OnChat != nil {
			c.handlers.OnChat(payload)
		}

	default:
		c.log.Debug("ignoring signed message", logger.String("type", string(innerType)))
	}
}
