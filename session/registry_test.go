package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

// fakeLink records sent frames; Receive is never used by the registry
type fakeLink struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeLink(id string) *fakeLink {
	return &fakeLink{id: id}
}

func (f *fakeLink) ID() string         { return f.id }
func (f *fakeLink) RemoteAddr() string { return "fake:" + f.id }

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrLinkClosed
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) Receive() ([]byte, error) {
	return nil, transport.ErrLinkClosed
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func clientPEM(t *testing.T) string {
	t.Helper()
	keyPair, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	pemStr, err := formats.EncodePublicKey(keyPair.PublicKey())
	require.NoError(t, err)
	return pemStr
}

func TestClientStateMachine(t *testing.T) {
	client := NewClient(newFakeLink("l1"))
	require.Equal(t, StateNew, client.State())
	require.False(t, client.Registered())

	pemStr := clientPEM(t)
	require.NoError(t, client.Register(pemStr))
	require.Equal(t, StateRegistered, client.State())
	require.Equal(t, pemStr, client.PublicPEM())
	require.Len(t, client.Fingerprint(), 64)

	// A second hello on a registered session is rejected.
	require.Error(t, client.Register(pemStr))

	client.Close()
	require.Equal(t, StateClosed, client.State())
}

func TestClientRegisterRejectsBadKey(t *testing.T) {
	client := NewClient(newFakeLink("l1"))
	require.Error(t, client.Register("not a key"))
	require.Equal(t, StateNew, client.State())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	link1 := newFakeLink("l1")
	link2 := newFakeLink("l2")
	registry.Add(link1)
	registry.Add(link2)

	// Unregistered sessions are invisible to the roster.
	require.Empty(t, registry.PublicPEMs())
	require.Zero(t, registry.Count())

	pem1 := clientPEM(t)
	pem2 := clientPEM(t)
	_, err := registry.Register("l1", pem1)
	require.NoError(t, err)
	_, err = registry.Register("l2", pem2)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{pem1, pem2}, registry.PublicPEMs())
	require.Equal(t, 2, registry.Count())

	t.Run("LinksExcludesSender", func(t *testing.T) {
		links := registry.Links("l1")
		require.Len(t, links, 1)
		require.Equal(t, "l2", links[0].ID())
	})

	t.Run("RemovePurges", func(t *testing.T) {
		removed, ok := registry.Remove("l1")
		require.True(t, ok)
		require.Equal(t, StateClosed, removed.State())
		require.Equal(t, []string{pem2}, registry.PublicPEMs())

		_, ok = registry.Get("l1")
		require.False(t, ok)
	})

	t.Run("RegisterUnknownLink", func(t *testing.T) {
		_, err := registry.Register("nope", pem1)
		require.ErrorIs(t, err, ErrNotRegistered)
	})
}
