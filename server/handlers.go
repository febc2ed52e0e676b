package server

import (
	"context"
	"crypto/rsa"
	"errors"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/metrics"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/protocol"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

// ErrUnidentified is logged when a signed envelope is dropped because no
// public key can be resolved for it
var ErrUnidentified = errors.New("no key resolvable for signed envelope")

// handleFrame routes one decoded frame. A bad frame never closes the link;
// it is dropped and the next one read. A failed reply send closes the link.
func (s *Server) handleFrame(link transport.Link, frame []byte) {
	msgType, err := protocol.PeekType(frame)
	if err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping malformed frame",
			logger.String("link", link.ID()), logger.Error(err))
		return
	}

	switch msgType {
	case protocol.TypeSignedData:
		s.handleSigned(link, frame)
	case protocol.TypeClientListRequest:
		s.sendClientList(link)
	case protocol.TypeClientUpdateRequest:
		s.sendClientUpdate(link)
	case protocol.TypeClientUpdate:
		s.receiveClientUpdate(link, frame)
	default:
		s.log.Warn("dropping frame of unknown type",
			logger.String("type", string(msgType)),
			logger.String("link", link.ID()))
		metrics.MessagesProcessed.WithLabelValues(string(msgType), "dropped").Inc()
	}
}

// handleSigned verifies and dispatches a signed envelope by its inner type
func (s *Server) handleSigned(link transport.Link, frame []byte) {
	var envelope protocol.SignedEnvelope
	if err := protocol.Decode(frame, &envelope); err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping malformed signed envelope", logger.Error(err))
		return
	}
	innerType, err := envelope.InnerType()
	if err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping signed envelope without inner type", logger.Error(err))
		return
	}

	accepted := false
	switch innerType {
	case protocol.TypeHello:
		accepted = s.receiveHello(link, &envelope)
	case protocol.TypeServerHello:
		accepted = s.receiveServerHello(link, &envelope)
	case protocol.TypeChat:
		accepted = s.receiveChat(link, &envelope, frame)
	case protocol.TypePublicChat:
		accepted = s.receivePublicChat(link, &envelope, frame)
	default:
		s.log.Warn("dropping signed envelope of unknown inner type",
			logger.String("type", string(innerType)))
	}

	status := "dropped"
	if accepted {
		status = "accepted"
	}
	metrics.MessagesProcessed.WithLabelValues(string(innerType), status).Inc()
}

// receiveHello registers a client identity on its link. Only a NEW session
// may hello; the advertised key is trusted on first use and verifies the
// envelope that carried it.
func (s *Server) receiveHello(link transport.Link, envelope *protocol.SignedEnvelope) bool {
	if _, isPeer := s.neighbourhood.PeerByLink(link.ID()); isPeer {
		s.log.Warn("dropping hello from neighbour link", logger.String("link", link.ID()))
		return false
	}
	if client, ok := s.clients.Get(link.ID()); ok && client.Registered() {
		s.log.Warn("dropping hello on registered session",
			logger.String("fingerprint", client.Fingerprint()))
		return false
	}

	var hello protocol.Hello
	if err := protocol.Decode(envelope.Data, &hello); err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping malformed hello", logger.Error(err))
		return false
	}
	if hello.PublicKey == "" {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping hello without public key")
		return false
	}

	publicKey, err := formats.DecodePublicKey(hello.PublicKey)
	if err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping hello with unparseable key", logger.Error(err))
		return false
	}
	if err := envelope.Verify(publicKey); err != nil {
		metrics.SignatureVerifications.WithLabelValues("invalid").Inc()
		s.log.Warn("dropping hello with bad signature", logger.Error(err))
		return false
	}
	metrics.SignatureVerifications.WithLabelValues("valid").Inc()

	fingerprint, err := s.fingerprintOf(hello.PublicKey)
	if err != nil {
		s.log.Warn("failed to fingerprint hello key", logger.Error(err))
		return false
	}
	if err := s.guard.Check(fingerprint, envelope.Counter); err != nil {
		metrics.ReplaysRejected.Inc()
		s.log.Warn("dropping replayed hello",
			logger.String("fingerprint", fingerprint), logger.Error(err))
		return false
	}

	if _, ok := s.clients.Get(link.ID()); !ok {
		s.clients.Add(link)
	}
	if _, err := s.clients.Register(link.ID(), hello.PublicKey); err != nil {
		s.log.Warn("failed to register client", logger.Error(err))
		return false
	}

	s.log.Info("client registered", logger.String("fingerprint", fingerprint))
	metrics.ClientSessionsActive.Set(float64(s.clients.Count()))
	s.broadcastClientUpdate()
	return true
}

// receiveServerHello binds an inbound link to the peer URL it announces
// and dials back when no outbound link exists yet, to tolerate startup
// ordering
func (s *Server) receiveServerHello(link transport.Link, envelope *protocol.SignedEnvelope) bool {
	var hello protocol.ServerHello
	if err := protocol.Decode(envelope.Data, &hello); err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping malformed server_hello", logger.Error(err))
		return false
	}
	if hello.Sender == "" {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping server_hello without sender")
		return false
	}

	peerKey, known := s.peerKeys[hello.Sender]
	if !known {
		metrics.SignatureVerifications.WithLabelValues("unidentified").Inc()
		s.log.Warn("dropping server_hello from unconfigured server",
			logger.String("sender", hello.Sender), logger.Error(ErrUnidentified))
		return false
	}
	if peerKey != nil {
		if err := envelope.Verify(peerKey); err != nil {
			metrics.SignatureVerifications.WithLabelValues("invalid").Inc()
			s.log.Warn("dropping server_hello with bad signature",
				logger.String("sender", hello.Sender), logger.Error(err))
			return false
		}
		metrics.SignatureVerifications.WithLabelValues("valid").Inc()
		if err := s.guard.Check("server:"+hello.Sender, envelope.Counter); err != nil {
			metrics.ReplaysRejected.Inc()
			s.log.Warn("dropping replayed server_hello",
				logger.String("sender", hello.Sender), logger.Error(err))
			return false
		}
	} else {
		s.log.Warn("no identity key configured for neighbour, accepting server_hello unverified",
			logger.String("sender", hello.Sender))
	}

	s.neighbourhood.AttachInbound(hello.Sender, link)
	s.log.Info("neighbour introduced", logger.String("peer", hello.Sender))

	if !s.neighbourhood.HasOutbound(hello.Sender) {
		go s.connectToNeighbour(context.Background(), hello.Sender)
	}
	return true
}

// receiveChat relays a private or group chat envelope. The envelope is
// forwarded verbatim, keeping the originator's signature intact. Only the
// origin server verifies it; a relayed chat names no sender, so the
// receiving server and the recipients do not check the signature.
func (s *Server) receiveChat(link transport.Link, envelope *protocol.SignedEnvelope, frame []byte) bool {
	var chat protocol.Chat
	if err := protocol.Decode(envelope.Data, &chat); err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping malformed chat", logger.Error(err))
		return false
	}
	if chat.IV == "" || chat.Chat == "" || len(chat.SymmKeys) == 0 {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping chat with missing fields")
		return false
	}

	if _, isPeer := s.neighbourhood.PeerByLink(link.ID()); isPeer {
		// Relayed chat: deliver locally, never forward again. The inner
		// payload carries no sender identity, so there is no key to
		// verify against; recipients enforce the AEAD tag.
		s.deliverToClients(frame, "")
		return true
	}

	client, ok := s.clients.Get(link.ID())
	if !ok || !client.Registered() {
		s.log.Warn("dropping chat from unregistered session", logger.String("link", link.ID()))
		return false
	}
	if err := envelope.Verify(client.PublicKey()); err != nil {
		metrics.SignatureVerifications.WithLabelValues("invalid").Inc()
		s.log.Warn("dropping chat with bad signature",
			logger.String("fingerprint", client.Fingerprint()), logger.Error(err))
		return false
	}
	metrics.SignatureVerifications.WithLabelValues("valid").Inc()
	if err := s.guard.Check(client.Fingerprint(), envelope.Counter); err != nil {
		metrics.ReplaysRejected.Inc()
		s.log.Warn("dropping replayed chat",
			logger.String("fingerprint", client.Fingerprint()), logger.Error(err))
		return false
	}

	seen := make(map[string]bool, len(chat.DestinationServers))
	for _, dest := range chat.DestinationServers {
		if seen[dest] {
			continue
		}
		seen[dest] = true

		if dest == s.url {
			s.deliverToClients(frame, link.ID())
			continue
		}
		if !s.neighbourhood.SendTo(dest, frame) {
			s.log.Warn("chat destination not active", logger.String("peer", dest))
		}
	}
	return true
}

// receivePublicChat relays a public chat: every other local client gets it
// once, and only the origin server broadcasts it to the neighbourhood
func (s *Server) receivePublicChat(link transport.Link, envelope *protocol.SignedEnvelope, frame []byte) bool {
	var pub protocol.PublicChat
	if err := protocol.Decode(envelope.Data, &pub); err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping malformed public_chat", logger.Error(err))
		return false
	}
	if pub.Sender == "" || pub.Message == "" {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping public_chat with missing fields")
		return false
	}

	if _, isPeer := s.neighbourhood.PeerByLink(link.ID()); isPeer {
		// Relayed public chat: verify against the originator when the
		// roster can resolve the fingerprint, deliver locally exactly
		// once, and never re-broadcast.
		if originKey := s.resolveFingerprint(pub.Sender); originKey != nil {
			if err := envelope.Verify(originKey); err != nil {
				metrics.SignatureVerifications.WithLabelValues("invalid").Inc()
				s.log.Warn("dropping relayed public_chat with bad signature",
					logger.String("sender", pub.Sender), logger.Error(err))
				return false
			}
			metrics.SignatureVerifications.WithLabelValues("valid").Inc()
			if err := s.guard.Check(pub.Sender, envelope.Counter); err != nil {
				metrics.ReplaysRejected.Inc()
				s.log.Warn("dropping replayed public_chat",
					logger.String("sender", pub.Sender), logger.Error(err))
				return false
			}
		} else {
			metrics.SignatureVerifications.WithLabelValues("unidentified").Inc()
			s.log.Debug("accepting public_chat from unresolved sender",
				logger.String("sender", pub.Sender))
		}
		s.deliverToClients(frame, "")
		return true
	}

	client, ok := s.clients.Get(link.ID())
	if !ok || !client.Registered() {
		s.log.Warn("dropping public_chat from unregistered session",
			logger.String("link", link.ID()))
		return false
	}
	if pub.Sender != client.Fingerprint() {
		s.log.Warn("dropping public_chat with spoofed sender",
			logger.String("claimed", pub.Sender),
			logger.String("actual", client.Fingerprint()))
		return false
	}
	if err := envelope.Verify(client.PublicKey()); err != nil {
		metrics.SignatureVerifications.WithLabelValues("invalid").Inc()
		s.log.Warn("dropping public_chat with bad signature",
			logger.String("fingerprint", client.Fingerprint()), logger.Error(err))
		return false
	}
	metrics.SignatureVerifications.WithLabelValues("valid").Inc()
	if err := s.guard.Check(client.Fingerprint(), envelope.Counter); err != nil {
		metrics.ReplaysRejected.Inc()
		s.log.Warn("dropping replayed public_chat",
			logger.String("fingerprint", client.Fingerprint()), logger.Error(err))
		return false
	}

	s.deliverToClients(frame, link.ID())
	s.neighbourhood.Broadcast(frame, protocol.TypePublicChat)
	return true
}

// sendClientList serves a roster fetch with the aggregate across the mesh,
// including this server's own entry
func (s *Server) sendClientList(link transport.Link) {
	list := protocol.ClientList{
		Type:    protocol.TypeClientList,
		Servers: s.neighbourhood.Snapshot(),
	}
	frame, err := protocol.Encode(list)
	if err != nil {
		return
	}
	if err := link.Send(frame); err != nil {
		s.log.Warn("failed to send client list", logger.Error(err))
		link.Close()
	}
	metrics.MessagesProcessed.WithLabelValues(string(protocol.TypeClientListRequest), "accepted").Inc()
}

// sendClientUpdate answers a roster pull from one peer directly
func (s *Server) sendClientUpdate(link transport.Link) {
	update := protocol.ClientUpdate{
		Type:    protocol.TypeClientUpdate,
		Clients: s.clients.PublicPEMs(),
	}
	frame, err := protocol.Encode(update)
	if err != nil {
		return
	}

	// Route through the peer outbox when the link is already bound, so
	// updates keep their per-peer ordering.
	if url, isPeer := s.neighbourhood.PeerByLink(link.ID()); isPeer {
		s.neighbourhood.SendTo(url, frame)
	} else if err := link.Send(frame); err != nil {
		s.log.Warn("failed to send client update", logger.Error(err))
		link.Close()
	}
	metrics.MessagesProcessed.WithLabelValues(string(protocol.TypeClientUpdateRequest), "accepted").Inc()
}

// receiveClientUpdate ingests a peer's roster snapshot. Only a link bound
// to a peer URL may mutate that peer's roster entry.
func (s *Server) receiveClientUpdate(link transport.Link, frame []byte) {
	url, isPeer := s.neighbourhood.PeerByLink(link.ID())
	if !isPeer {
		s.log.Warn("dropping client_update from unidentified link",
			logger.String("link", link.ID()))
		metrics.MessagesProcessed.WithLabelValues(string(protocol.TypeClientUpdate), "dropped").Inc()
		return
	}

	var update protocol.ClientUpdate
	if err := protocol.Decode(frame, &update); err != nil {
		metrics.ParseFailures.Inc()
		s.log.Warn("dropping malformed client_update", logger.Error(err))
		return
	}

	s.neighbourhood.UpdateRoster(url, update.Clients)
	s.log.Info("roster updated",
		logger.String("peer", url),
		logger.Int("clients", len(update.Clients)))
	metrics.MessagesProcessed.WithLabelValues(string(protocol.TypeClientUpdate), "accepted").Inc()
}

// deliverToClients fans a frame out to every registered local client,
// optionally excluding the sender's own link. A failed send closes that
// link; its read loop purges the session.
func (s *Server) deliverToClients(frame []byte, excludeLinkID string) {
	for _, clientLink := range s.clients.Links(excludeLinkID) {
		if err := clientLink.Send(frame); err != nil {
			s.log.Warn("failed to deliver to client", logger.Error(err))
			clientLink.Close()
		}
	}
}

// resolveFingerprint searches the roster for the client key matching a
// fingerprint. Returns nil when no entry matches, e.g. when the roster
// lags behind a relayed message.
func (s *Server) resolveFingerprint(fingerprint string) *rsa.PublicKey {
	for _, entry := range s.neighbourhood.Snapshot() {
		for _, pemStr := range entry.Clients {
			publicKey, err := formats.DecodePublicKey(pemStr)
			if err != nil {
				continue
			}
			fp, err := keys.Fingerprint(publicKey)
			if err != nil {
				continue
			}
			if fp == fingerprint {
				return publicKey
			}
		}
	}
	return nil
}

// fingerprintOf computes the fingerprint of a PEM-advertised public key
func (s *Server) fingerprintOf(publicPEM string) (string, error) {
	publicKey, err := formats.DecodePublicKey(publicPEM)
	if err != nil {
		return "", err
	}
	return keys.Fingerprint(publicKey)
}
