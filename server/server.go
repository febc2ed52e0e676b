// Package server implements the neighbourhood server: it accepts local
// client sessions, maintains neighbour sessions with peer servers, and
// relays signed envelopes between them.
package server

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/federation"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/metrics"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/protocol"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/session"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

// Neighbour is one statically configured peer server. PublicKey is the
// peer's identity key used to verify its signed envelopes; it may be nil
// when the deployment does not distribute peer keys.
type Neighbour struct {
	URL       string
	PublicKey *rsa.PublicKey
}

// Options configures a Server
type Options struct {
	// URL is this server's own address (host:port) as known to peers
	URL string

	// KeyPair is the server identity used to sign server_hello
	KeyPair olafcrypto.KeyPair

	// Neighbours is the static neighbour list read at startup
	Neighbours []Neighbour

	// Logger defaults to a new stdout logger from logger.NewDefaultLogger
	Logger logger.Logger
}

// Server is one neighbourhood member. Start it with Run; stop it by
// cancelling the context or calling Stop.
type Server struct {
	url     string
	keyPair olafcrypto.KeyPair
	log     logger.Logger

	neighbours []Neighbour
	peerKeys   map[string]*rsa.PublicKey

	listener      *transport.Server
	neighbourhood *federation.Neighbourhood
	clients       *session.Registry
	guard         *session.CounterGuard
	counter       session.Counter
}

// New creates a server from options. The listener is not bound until Run.
func New(opts Options) (*Server, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if opts.KeyPair == nil {
		return nil, fmt.Errorf("server identity key pair is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	log = log.WithFields(logger.String("server", opts.URL))

	peerKeys := make(map[string]*rsa.PublicKey, len(opts.Neighbours))
	for _, nb := range opts.Neighbours {
		peerKeys[nb.URL] = nb.PublicKey
	}

	s := &Server{
		url:           opts.URL,
		keyPair:       opts.KeyPair,
		log:           log,
		neighbours:    opts.Neighbours,
		peerKeys:      peerKeys,
		neighbourhood: federation.NewNeighbourhood(opts.URL, log),
		clients:       session.NewRegistry(),
		guard:         session.NewCounterGuard(),
	}
	s.listener = transport.NewServer(opts.URL, s.handleLink)
	return s, nil
}

// Neighbourhood exposes the federation state; used by health checks
func (s *Server) Neighbourhood() *federation.Neighbourhood {
	return s.neighbourhood
}

// Clients exposes the local client registry
func (s *Server) Clients() *session.Registry {
	return s.clients
}

// URL returns this server's own address
func (s *Server) URL() string {
	return s.url
}

// Run binds the local address, joins the neighbourhood, and serves links
// until the context is cancelled. A bind failure is fatal and returned
// immediately.
func (s *Server) Run(ctx context.Context) error {
	if err := s.listener.Listen(); err != nil {
		return err
	}
	s.log.Info("listening", logger.String("addr", s.listener.Addr()))

	go s.joinNeighbourhood(ctx)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()
	err := s.listener.Serve()
	close(done)
	return err
}

// joinNeighbourhood performs the startup dial sweep and then pulls the
// current roster from every reachable peer
func (s *Server) joinNeighbourhood(ctx context.Context) {
	for _, nb := range s.neighbours {
		s.connectToNeighbour(ctx, nb.URL)
	}
	s.requestClientUpdate()
}

// connectToNeighbour dials one peer and sends server_hello on success.
// Failure is logged and otherwise ignored; the peer may dial us later.
func (s *Server) connectToNeighbour(ctx context.Context, url string) {
	if s.neighbourhood.HasOutbound(url) {
		return
	}
	link, err := transport.Dial(ctx, url)
	if err != nil {
		s.log.Warn("failed to connect to neighbour",
			logger.String("peer", url), logger.Error(err))
		return
	}
	if !s.neighbourhood.AttachOutbound(url, link) {
		// Lost the race against another dial.
		link.Close()
		return
	}
	s.log.Info("connected to neighbour", logger.String("peer", url))

	if err := s.sendServerHello(url); err != nil {
		s.log.Error("failed to send server_hello",
			logger.String("peer", url), logger.Error(err))
	}

	go s.readLoop(link)
}

// sendServerHello introduces this server on the link to url
func (s *Server) sendServerHello(url string) error {
	hello := protocol.ServerHello{
		Type:   protocol.TypeServerHello,
		Sender: s.url,
	}
	envelope, err := protocol.Sign(hello, s.counter.Next(), s.keyPair)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(envelope)
	if err != nil {
		return err
	}
	if !s.neighbourhood.SendTo(url, frame) {
		return fmt.Errorf("neighbour %s is not active", url)
	}
	return nil
}

// requestClientUpdate asks every active peer for its roster snapshot
func (s *Server) requestClientUpdate() {
	frame, err := protocol.Encode(protocol.ControlRequest{Type: protocol.TypeClientUpdateRequest})
	if err != nil {
		return
	}
	s.neighbourhood.Broadcast(frame, protocol.TypeClientUpdateRequest)
}

// handleLink serves one inbound link. The link is unclassified until its
// first hello (client) or server_hello (peer).
func (s *Server) handleLink(link transport.Link) {
	s.log.Debug("link accepted",
		logger.String("link", link.ID()),
		logger.String("remote", link.RemoteAddr()))
	s.readLoop(link)
}

// readLoop processes frames sequentially; one frame is fully handled
// before the next is read on this link
func (s *Server) readLoop(link transport.Link) {
	for {
		frame, err := link.Receive()
		if err != nil {
			break
		}
		s.handleFrame(link, frame)
	}
	s.linkClosed(link)
}

// linkClosed purges whatever state the link owned. A closed client session
// triggers a roster broadcast; a lost peer link may retire the peer.
func (s *Server) linkClosed(link transport.Link) {
	link.Close()

	if client, ok := s.clients.Remove(link.ID()); ok {
		// Remove has already moved the session to StateClosed; a
		// fingerprint is only set once hello was accepted.
		if client.Fingerprint() != "" {
			s.guard.Forget(client.Fingerprint())
			s.log.Info("client disconnected",
				logger.String("fingerprint", client.Fingerprint()))
			metrics.ClientSessionsActive.Set(float64(s.clients.Count()))
			s.broadcastClientUpdate()
		}
		return
	}

	if url, gone := s.neighbourhood.LinkDown(link.ID()); gone {
		// Roster entry purged inside LinkDown; nothing to broadcast.
		s.guard.Forget("server:" + url)
		return
	}
}

// broadcastClientUpdate pushes this server's current local client list to
// every active peer
func (s *Server) broadcastClientUpdate() {
	clients := s.clients.PublicPEMs()
	s.neighbourhood.SetLocalClients(clients)

	frame, err := protocol.Encode(protocol.ClientUpdate{
		Type:    protocol.TypeClientUpdate,
		Clients: clients,
	})
	if err != nil {
		return
	}
	s.neighbourhood.Broadcast(frame, protocol.TypeClientUpdate)
}

// Stop gracefully shuts the server down: local client links close, the
// final empty roster update is pushed to peers, then the peer links and the
// listener close.
func (s *Server) Stop() {
	s.log.Info("stopping")

	for _, link := range s.clients.Links("") {
		link.Close()
	}
	s.neighbourhood.SetLocalClients([]string{})
	frame, err := protocol.Encode(protocol.ClientUpdate{
		Type:    protocol.TypeClientUpdate,
		Clients: []string{},
	})
	if err == nil {
		s.neighbourhood.Broadcast(frame, protocol.TypeClientUpdate)
	}

	// Give the per-peer outboxes a moment to drain before teardown.
	time.Sleep(100 * time.Millisecond)
	s.neighbourhood.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.listener.Shutdown(ctx)
}
