package server

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/protocol"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

const (
	selfURL = "localhost:8080"
	peerURL = "localhost:8081"
)

// fakeLink records sent frames and can be told to fail
type fakeLink struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func newFakeLink(id string) *fakeLink {
	return &fakeLink{id: id}
}

func (f *fakeLink) ID() string         { return f.id }
func (f *fakeLink) RemoteAddr() string { return "fake:" + f.id }

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("link broken")
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) Receive() ([]byte, error) {
	return nil, transport.ErrLinkClosed
}

func (f *fakeLink) Close() error { return nil }

func (f *fakeLink) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// framesOfType filters recorded frames by outer type
func (f *fakeLink) framesOfType(msgType protocol.MessageType) [][]byte {
	var matching [][]byte
	for _, frame := range f.frames() {
		if peeked, err := protocol.PeekType(frame); err == nil && peeked == msgType {
			matching = append(matching, frame)
		}
	}
	return matching
}

type testIdentity struct {
	keyPair olafcrypto.KeyPair
	pem     string
}

func newIdentity(t *testing.T) *testIdentity {
	t.Helper()
	keyPair, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	pemStr, err := formats.EncodePublicKey(keyPair.PublicKey())
	require.NoError(t, err)
	return &testIdentity{keyPair: keyPair, pem: pemStr}
}

func (id *testIdentity) signedFrame(t *testing.T, inner any, counter uint64) []byte {
	t.Helper()
	envelope, err := protocol.Sign(inner, counter, id.keyPair)
	require.NoError(t, err)
	frame, err := protocol.Encode(envelope)
	require.NoError(t, err)
	return frame
}

func (id *testIdentity) hello(t *testing.T, counter uint64) []byte {
	return id.signedFrame(t, protocol.Hello{
		Type:      protocol.TypeHello,
		PublicKey: id.pem,
	}, counter)
}

// newTestServer builds a server with one configured, verified neighbour
func newTestServer(t *testing.T, peer *testIdentity) *Server {
	t.Helper()
	identity := newIdentity(t)
	neighbours := []Neighbour{}
	if peer != nil {
		neighbours = append(neighbours, Neighbour{
			URL:       peerURL,
			PublicKey: peer.keyPair.PublicKey(),
		})
	}
	srv, err := New(Options{
		URL:        selfURL,
		KeyPair:    identity.keyPair,
		Neighbours: neighbours,
		Logger:     logger.Nop(),
	})
	require.NoError(t, err)
	return srv
}

// attachPeer wires a fake outbound link for the configured peer
func attachPeer(t *testing.T, srv *Server, link *fakeLink) {
	t.Helper()
	require.True(t, srv.Neighbourhood().AttachOutbound(peerURL, link))
}

func eventuallyFrames(t *testing.T, link *fakeLink, msgType protocol.MessageType, count int) [][]byte {
	t.Helper()
	var frames [][]byte
	require.Eventually(t, func() bool {
		frames = link.framesOfType(msgType)
		return len(frames) >= count
	}, 2*time.Second, 10*time.Millisecond)
	return frames
}

func TestRegistration(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	peerLink := newFakeLink("peer-out")
	attachPeer(t, srv, peerLink)

	alice := newIdentity(t)
	clientLink := newFakeLink("alice")
	srv.handleFrame(clientLink, alice.hello(t, 1))

	// The session is registered and the local roster entry mirrors it.
	client, ok := srv.Clients().Get("alice")
	require.True(t, ok)
	require.True(t, client.Registered())
	require.Equal(t, alice.keyPair.Fingerprint(), client.Fingerprint())

	var selfEntry *protocol.ServerEntry
	for _, entry := range srv.Neighbourhood().Snapshot() {
		if entry.Address == selfURL {
			e := entry
			selfEntry = &e
		}
	}
	require.NotNil(t, selfEntry)
	require.Equal(t, []string{alice.pem}, selfEntry.Clients)

	// Every active peer hears about the change.
	frames := eventuallyFrames(t, peerLink, protocol.TypeClientUpdate, 1)
	var update protocol.ClientUpdate
	require.NoError(t, json.Unmarshal(frames[0], &update))
	require.Equal(t, []string{alice.pem}, update.Clients)
}

func TestHelloRejections(t *testing.T) {
	t.Run("BadSignature", func(t *testing.T) {
		srv := newTestServer(t, nil)
		alice := newIdentity(t)
		mallory := newIdentity(t)

		// hello advertising alice's key but signed by mallory
		frame := mallory.signedFrame(t, protocol.Hello{
			Type:      protocol.TypeHello,
			PublicKey: alice.pem,
		}, 1)

		link := newFakeLink("l1")
		srv.handleFrame(link, frame)
		_, ok := srv.Clients().Get("l1")
		require.False(t, ok)
	})

	t.Run("MissingKey", func(t *testing.T) {
		srv := newTestServer(t, nil)
		alice := newIdentity(t)
		frame := alice.signedFrame(t, protocol.Hello{Type: protocol.TypeHello}, 1)

		link := newFakeLink("l1")
		srv.handleFrame(link, frame)
		_, ok := srv.Clients().Get("l1")
		require.False(t, ok)
	})

	t.Run("SecondHello", func(t *testing.T) {
		srv := newTestServer(t, nil)
		alice := newIdentity(t)
		link := newFakeLink("l1")
		srv.handleFrame(link, alice.hello(t, 1))

		other := newIdentity(t)
		srv.handleFrame(link, other.signedFrame(t, protocol.Hello{
			Type:      protocol.TypeHello,
			PublicKey: other.pem,
		}, 1))

		client, ok := srv.Clients().Get("l1")
		require.True(t, ok)
		require.Equal(t, alice.keyPair.Fingerprint(), client.Fingerprint())
	})
}

func TestClientListFetch(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	attachPeer(t, srv, newFakeLink("peer-out"))

	alice := newIdentity(t)
	clientLink := newFakeLink("alice")
	srv.handleFrame(clientLink, alice.hello(t, 1))

	// B's roster arrives over the peer link.
	bob := newIdentity(t)
	srv.Neighbourhood().UpdateRoster(peerURL, []string{bob.pem})

	srv.handleFrame(clientLink, []byte(`{"type":"client_list_request"}`))

	frames := clientLink.framesOfType(protocol.TypeClientList)
	require.Len(t, frames, 1)

	var list protocol.ClientList
	require.NoError(t, json.Unmarshal(frames[0], &list))
	require.Len(t, list.Servers, 2)

	byAddress := make(map[string][]string)
	for _, entry := range list.Servers {
		byAddress[entry.Address] = entry.Clients
	}
	require.Equal(t, []string{alice.pem}, byAddress[selfURL])
	require.Equal(t, []string{bob.pem}, byAddress[peerURL])
}

func TestReplayRejection(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := newIdentity(t)
	aliceLink := newFakeLink("alice")
	bobLink := newFakeLink("bob")
	bob := newIdentity(t)
	srv.handleFrame(aliceLink, alice.hello(t, 1))
	srv.handleFrame(bobLink, bob.hello(t, 1))

	chat := protocol.PublicChat{
		Type:    protocol.TypePublicChat,
		Sender:  alice.keyPair.Fingerprint(),
		Message: "hello",
	}

	srv.handleFrame(aliceLink, alice.signedFrame(t, chat, 5))
	require.Len(t, bobLink.framesOfType(protocol.TypeSignedData), 1)

	// The same counter again is a replay; the link stays open and the
	// frame is dropped.
	srv.handleFrame(aliceLink, alice.signedFrame(t, chat, 5))
	require.Len(t, bobLink.framesOfType(protocol.TypeSignedData), 1)

	srv.handleFrame(aliceLink, alice.signedFrame(t, chat, 6))
	require.Len(t, bobLink.framesOfType(protocol.TypeSignedData), 2)
}

func TestPublicChatRelay(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	peerLink := newFakeLink("peer-out")
	attachPeer(t, srv, peerLink)

	alice := newIdentity(t)
	bob := newIdentity(t)
	aliceLink := newFakeLink("alice")
	bobLink := newFakeLink("bob")
	srv.handleFrame(aliceLink, alice.hello(t, 1))
	srv.handleFrame(bobLink, bob.hello(t, 1))

	frame := alice.signedFrame(t, protocol.PublicChat{
		Type:    protocol.TypePublicChat,
		Sender:  alice.keyPair.Fingerprint(),
		Message: "hello neighbourhood",
	}, 2)
	srv.handleFrame(aliceLink, frame)

	// Every other local client receives the same envelope exactly once.
	require.Equal(t, [][]byte{frame}, bobLink.framesOfType(protocol.TypeSignedData))
	require.Empty(t, aliceLink.framesOfType(protocol.TypeSignedData))

	// The envelope goes to the neighbourhood.
	relayed := eventuallyFrames(t, peerLink, protocol.TypeSignedData, 1)
	require.Equal(t, frame, relayed[0])
}

func TestPublicChatSpoofedSender(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := newIdentity(t)
	bob := newIdentity(t)
	aliceLink := newFakeLink("alice")
	bobLink := newFakeLink("bob")
	srv.handleFrame(aliceLink, alice.hello(t, 1))
	srv.handleFrame(bobLink, bob.hello(t, 1))

	frame := alice.signedFrame(t, protocol.PublicChat{
		Type:    protocol.TypePublicChat,
		Sender:  bob.keyPair.Fingerprint(), // claiming to be bob
		Message: "hi",
	}, 2)
	srv.handleFrame(aliceLink, frame)

	require.Empty(t, bobLink.framesOfType(protocol.TypeSignedData))
}

// peered simulates the peer introducing itself over an inbound link
func peered(t *testing.T, srv *Server, peer *testIdentity, counter uint64) *fakeLink {
	t.Helper()
	link := newFakeLink("peer-in")
	srv.handleFrame(link, peer.signedFrame(t, protocol.ServerHello{
		Type:   protocol.TypeServerHello,
		Sender: peerURL,
	}, counter))

	url, ok := srv.Neighbourhood().PeerByLink("peer-in")
	require.True(t, ok)
	require.Equal(t, peerURL, url)
	return link
}

func TestPublicChatFromPeerIsNotRebroadcast(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	peerLink := peered(t, srv, peer, 1)

	alice := newIdentity(t)
	aliceLink := newFakeLink("alice")
	srv.handleFrame(aliceLink, alice.hello(t, 1))

	// A remote client known through the peer's roster.
	carol := newIdentity(t)
	srv.Neighbourhood().UpdateRoster(peerURL, []string{carol.pem})

	frame := carol.signedFrame(t, protocol.PublicChat{
		Type:    protocol.TypePublicChat,
		Sender:  carol.keyPair.Fingerprint(),
		Message: "hi from afar",
	}, 1)
	srv.handleFrame(peerLink, frame)

	// Local clients get it exactly once.
	require.Equal(t, [][]byte{frame}, aliceLink.framesOfType(protocol.TypeSignedData))

	// Loop freedom: nothing is sent back to the neighbourhood.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, peerLink.framesOfType(protocol.TypeSignedData))
}

func TestServerHelloRejections(t *testing.T) {
	t.Run("UnknownSender", func(t *testing.T) {
		srv := newTestServer(t, nil)
		stranger := newIdentity(t)
		link := newFakeLink("l1")
		srv.handleFrame(link, stranger.signedFrame(t, protocol.ServerHello{
			Type:   protocol.TypeServerHello,
			Sender: "localhost:9999",
		}, 1))

		_, ok := srv.Neighbourhood().PeerByLink("l1")
		require.False(t, ok)
	})

	t.Run("BadSignature", func(t *testing.T) {
		peer := newIdentity(t)
		srv := newTestServer(t, peer)
		impostor := newIdentity(t)
		link := newFakeLink("l1")
		srv.handleFrame(link, impostor.signedFrame(t, protocol.ServerHello{
			Type:   protocol.TypeServerHello,
			Sender: peerURL,
		}, 1))

		_, ok := srv.Neighbourhood().PeerByLink("l1")
		require.False(t, ok)
	})
}

func TestChatRelay(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	peerLink := newFakeLink("peer-out")
	attachPeer(t, srv, peerLink)

	alice := newIdentity(t)
	bob := newIdentity(t)
	aliceLink := newFakeLink("alice")
	bobLink := newFakeLink("bob")
	srv.handleFrame(aliceLink, alice.hello(t, 1))
	srv.handleFrame(bobLink, bob.hello(t, 1))

	// Alice writes to bob (local) and to someone on the peer.
	chat, err := protocol.BuildChat("hi", nil,
		[]*rsa.PublicKey{bob.keyPair.PublicKey()}, []string{selfURL, peerURL, peerURL})
	require.NoError(t, err)
	frame := alice.signedFrame(t, chat, 2)
	srv.handleFrame(aliceLink, frame)

	// Local delivery excludes the sender.
	require.Equal(t, [][]byte{frame}, bobLink.framesOfType(protocol.TypeSignedData))
	require.Empty(t, aliceLink.framesOfType(protocol.TypeSignedData))

	// Duplicate destinations collapse to one forward.
	relayed := eventuallyFrames(t, peerLink, protocol.TypeSignedData, 1)
	require.Len(t, relayed, 1)
	require.Equal(t, frame, relayed[0])
}

func TestChatFromPeerIsDeliveredNotForwarded(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	peerLink := peered(t, srv, peer, 1)

	alice := newIdentity(t)
	aliceLink := newFakeLink("alice")
	srv.handleFrame(aliceLink, alice.hello(t, 1))

	carol := newIdentity(t)
	chat, err := protocol.BuildChat("hi", nil,
		[]*rsa.PublicKey{alice.keyPair.PublicKey()}, []string{selfURL})
	require.NoError(t, err)
	frame := carol.signedFrame(t, chat, 1)
	srv.handleFrame(peerLink, frame)

	require.Equal(t, [][]byte{frame}, aliceLink.framesOfType(protocol.TypeSignedData))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, peerLink.framesOfType(protocol.TypeSignedData))
}

func TestPeerLoss(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	peerLink := newFakeLink("peer-out")
	attachPeer(t, srv, peerLink)
	srv.Neighbourhood().UpdateRoster(peerURL, []string{"pemB"})

	alice := newIdentity(t)
	aliceLink := newFakeLink("alice")
	srv.handleFrame(aliceLink, alice.hello(t, 1))

	// The peer's link fails mid-operation.
	srv.linkClosed(peerLink)
	require.False(t, srv.Neighbourhood().IsActive(peerURL))

	// Let any in-flight outbox send settle before sampling.
	time.Sleep(50 * time.Millisecond)
	updatesBeforeLoss := len(peerLink.framesOfType(protocol.TypeClientUpdate))

	// Subsequent roster fetches omit the lost peer.
	srv.handleFrame(aliceLink, []byte(`{"type":"client_list_request"}`))
	frames := aliceLink.framesOfType(protocol.TypeClientList)
	require.Len(t, frames, 1)
	var list protocol.ClientList
	require.NoError(t, json.Unmarshal(frames[0], &list))
	require.Len(t, list.Servers, 1)
	require.Equal(t, selfURL, list.Servers[0].Address)

	// Later membership changes skip the lost peer.
	bob := newIdentity(t)
	bobLink := newFakeLink("bob")
	srv.handleFrame(bobLink, bob.hello(t, 1))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, peerLink.framesOfType(protocol.TypeClientUpdate), updatesBeforeLoss)
}

func TestClientUpdateRequiresPeerLink(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)

	// A stranger's link cannot mutate any roster entry.
	srv.handleFrame(newFakeLink("stranger"), []byte(`{"type":"client_update","clients":["pemX"]}`))
	require.Len(t, srv.Neighbourhood().Snapshot(), 1)

	// The same message over the bound peer link is authoritative.
	peerLink := peered(t, srv, peer, 1)
	srv.handleFrame(peerLink, []byte(`{"type":"client_update","clients":["pemX"]}`))

	byAddress := make(map[string][]string)
	for _, entry := range srv.Neighbourhood().Snapshot() {
		byAddress[entry.Address] = entry.Clients
	}
	require.Equal(t, []string{"pemX"}, byAddress[peerURL])
}

func TestClientDisconnectBroadcastsRoster(t *testing.T) {
	peer := newIdentity(t)
	srv := newTestServer(t, peer)
	peerLink := newFakeLink("peer-out")
	attachPeer(t, srv, peerLink)

	alice := newIdentity(t)
	aliceLink := newFakeLink("alice")
	srv.handleFrame(aliceLink, alice.hello(t, 1))
	eventuallyFrames(t, peerLink, protocol.TypeClientUpdate, 1)

	srv.linkClosed(aliceLink)
	_, ok := srv.Clients().Get("alice")
	require.False(t, ok)

	frames := eventuallyFrames(t, peerLink, protocol.TypeClientUpdate, 2)
	var update protocol.ClientUpdate
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &update))
	require.Empty(t, update.Clients)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv := newTestServer(t, nil)
	link := newFakeLink("l1")

	srv.handleFrame(link, []byte(`{not json`))
	srv.handleFrame(link, []byte(`{"no_type":true}`))
	srv.handleFrame(link, []byte(`{"type":"mystery"}`))
	srv.handleFrame(link, []byte(`{"type":"signed_data","data":"oops"}`))

	// The link is never closed and no session state leaks.
	_, ok := srv.Clients().Get("l1")
	require.False(t, ok)
}
