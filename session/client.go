// Package session tracks per-link protocol state: the client session state
// machine, the local client registry, and counter enforcement for replay
// protection.
package session

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

// ErrNotRegistered is returned when no session exists for the link being
// registered
var ErrNotRegistered = errors.New("session not registered")

// State is the client session lifecycle state
type State int

const (
	// StateNew is a fresh link that has not sent hello yet. Only hello
	// is accepted.
	StateNew State = iota

	// StateRegistered is a link bound to a client identity
	StateRegistered

	// StateClosed is a torn-down session
	StateClosed
)

// String returns the state name for logs
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one client session: a link plus the identity bound to it by
// hello. The identity lives for the lifetime of the link.
type Client struct {
	link transport.Link

	state       State
	publicKey   *rsa.PublicKey
	publicPEM   string
	fingerprint string
}

// NewClient wraps a fresh link in an unregistered session
func NewClient(link transport.Link) *Client {
	return &Client{
		link:  link,
		state: StateNew,
	}
}

// Register binds the advertised public key to the session and moves it to
// StateRegistered. The key PEM is kept verbatim; roster entries carry the
// exact bytes the client advertised.
func (c *Client) Register(publicPEM string) error {
	if c.state != StateNew {
		return fmt.Errorf("hello on %s session", c.state)
	}
	publicKey, err := formats.DecodePublicKey(publicPEM)
	if err != nil {
		return fmt.Errorf("bad public key in hello: %w", err)
	}
	fingerprint, err := keys.Fingerprint(publicKey)
	if err != nil {
		return fmt.Errorf("failed to fingerprint client key: %w", err)
	}

	c.publicKey = publicKey
	c.publicPEM = publicPEM
	c.fingerprint = fingerprint
	c.state = StateRegistered
	return nil
}

// Close marks the session closed. The caller purges registry state.
func (c *Client) Close() {
	c.state = StateClosed
}

// Link returns the underlying transport link
func (c *Client) Link() transport.Link {
	return c.link
}

// State returns the current lifecycle state
func (c *Client) State() State {
	return c.state
}

// Registered reports whether hello has been accepted
func (c *Client) Registered() bool {
	return c.state == StateRegistered
}

// PublicKey returns the identity key bound by hello, or nil before it
func (c *Client) PublicKey() *rsa.PublicKey {
	return c.publicKey
}

// PublicPEM returns the advertised key PEM exactly as received
func (c *Client) PublicPEM() string {
	return c.publicPEM
}

// Fingerprint returns the identity fingerprint, or "" before hello
func (c *Client) Fingerprint() string {
	return c.fingerprint
}
