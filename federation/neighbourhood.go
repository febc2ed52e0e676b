// Package federation maintains the neighbourhood state of one server: the
// set of active peer servers, the per-peer links, and the cached roster of
// clients across the mesh.
package federation

import (
	"sync"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/metrics"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/protocol"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

// outboxSize bounds the per-peer send queue. A peer that cannot drain this
// many frames is treated as failed.
const outboxSize = 256

// Peer is one neighbour server. It may be reachable over an outbound link,
// an inbound link, or both; it is active while at least one remains. All
// outgoing traffic is funneled through a single outbox so frames reach the
// peer in enqueue order.
type Peer struct {
	url      string
	inbound  transport.Link
	outbound transport.Link

	outbox chan []byte
	done   chan struct{}
}

// URL returns the peer's server address
func (p *Peer) URL() string {
	return p.url
}

// preferredLink picks the link used for sends: the outbound dial if open,
// else the inbound one
func (p *Peer) preferredLink() transport.Link {
	if p.outbound != nil {
		return p.outbound
	}
	return p.inbound
}

// Neighbourhood owns the peer set and the aggregate roster. It is the only
// holder of this state; every mutation is serialized behind its mutex, and
// no network send happens while the mutex is held.
type Neighbourhood struct {
	selfURL string
	log     logger.Logger

	mu     sync.Mutex
	peers  map[string]*Peer  // peer URL -> peer
	byLink map[string]string // link ID -> peer URL (reverse index)
	roster map[string][]string
}

// NewNeighbourhood creates the federation state for a server at selfURL
func NewNeighbourhood(selfURL string, log logger.Logger) *Neighbourhood {
	return &Neighbourhood{
		selfURL: selfURL,
		log:     log.WithFields(logger.String("server", selfURL)),
		peers:   make(map[string]*Peer),
		byLink:  make(map[string]string),
		roster:  map[string][]string{selfURL: {}},
	}
}

// SelfURL returns this server's own address
func (n *Neighbourhood) SelfURL() string {
	return n.selfURL
}

// SetLocalClients refreshes this server's own roster entry. Call on every
// local membership change before broadcasting the update.
func (n *Neighbourhood) SetLocalClients(clients []string) {
	n.mu.Lock()
	n.roster[n.selfURL] = clients
	n.updateRosterGauge()
	n.mu.Unlock()
}

// AttachOutbound records a freshly dialed link for a peer, creating the
// peer if needed. Returns false when an outbound link already exists; the
// caller should close the redundant dial.
func (n *Neighbourhood) AttachOutbound(url string, link transport.Link) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	peer := n.peers[url]
	if peer == nil {
		peer = n.newPeerLocked(url)
	} else if peer.outbound != nil {
		return false
	}
	peer.outbound = link
	n.byLink[link.ID()] = url
	return true
}

// AttachInbound records the inbound link a peer introduced with
// server_hello, creating the peer if needed. A repeated server_hello on a
// new link replaces the old inbound binding.
func (n *Neighbourhood) AttachInbound(url string, link transport.Link) {
	n.mu.Lock()
	defer n.mu.Unlock()

	peer := n.peers[url]
	if peer == nil {
		peer = n.newPeerLocked(url)
	}
	if peer.inbound != nil && peer.inbound.ID() != link.ID() {
		delete(n.byLink, peer.inbound.ID())
	}
	peer.inbound = link
	n.byLink[link.ID()] = url
}

// newPeerLocked creates a peer entry and starts its outbox writer.
// Caller holds the mutex.
func (n *Neighbourhood) newPeerLocked(url string) *Peer {
	peer := &Peer{
		url:    url,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	n.peers[url] = peer
	metrics.NeighboursActive.Set(float64(len(n.peers)))
	go n.drainOutbox(peer)
	return peer
}

// HasOutbound reports whether an outbound link to url is open
func (n *Neighbourhood) HasOutbound(url string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	peer, ok := n.peers[url]
	return ok && peer.outbound != nil
}

// IsActive reports whether the peer has at least one open link
func (n *Neighbourhood) IsActive(url string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[url]
	return ok
}

// PeerByLink resolves a link back to the peer URL it belongs to
func (n *Neighbourhood) PeerByLink(linkID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	url, ok := n.byLink[linkID]
	return url, ok
}

// UpdateRoster replaces the roster entry for a peer wholesale. The sender's
// snapshot is authoritative; the operation is idempotent.
func (n *Neighbourhood) UpdateRoster(url string, clients []string) {
	n.mu.Lock()
	n.roster[url] = clients
	n.updateRosterGauge()
	n.mu.Unlock()
}

// Snapshot lists every known roster entry, including this server's own
func (n *Neighbourhood) Snapshot() []protocol.ServerEntry {
	n.mu.Lock()
	defer n.mu.Unlock()

	servers := make([]protocol.ServerEntry, 0, len(n.roster))
	for url, clients := range n.roster {
		entry := protocol.ServerEntry{
			Address: url,
			Clients: make([]string, len(clients)),
		}
		copy(entry.Clients, clients)
		servers = append(servers, entry)
	}
	return servers
}

// Broadcast enqueues a frame for every active peer. Delivery is
// best-effort: a peer whose outbox is full is torn down, others are
// unaffected. Enqueue order under the mutex fixes per-peer arrival order.
func (n *Neighbourhood) Broadcast(frame []byte, msgType protocol.MessageType) {
	n.mu.Lock()
	var failed []string
	for url, peer := range n.peers {
		select {
		case peer.outbox <- frame:
		default:
			failed = append(failed, url)
		}
	}
	n.mu.Unlock()

	metrics.BroadcastsSent.WithLabelValues(string(msgType)).Inc()
	for _, url := range failed {
		n.log.Warn("peer outbox full, dropping peer", logger.String("peer", url))
		n.RemovePeer(url)
	}
}

// SendTo enqueues a frame for a single peer. Returns false when the peer is
// not active.
func (n *Neighbourhood) SendTo(url string, frame []byte) bool {
	n.mu.Lock()
	peer, ok := n.peers[url]
	if ok {
		select {
		case peer.outbox <- frame:
		default:
			ok = false
		}
	}
	n.mu.Unlock()

	if !ok && peer != nil {
		n.log.Warn("peer outbox full, dropping peer", logger.String("peer", url))
		n.RemovePeer(url)
	}
	return ok
}

// ActiveURLs lists the currently active peers
func (n *Neighbourhood) ActiveURLs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	urls := make([]string, 0, len(n.peers))
	for url := range n.peers {
		urls = append(urls, url)
	}
	return urls
}

// LinkDown removes one link from whichever peer owns it. When no link
// remains the peer is purged along with its roster entry. Returns the peer
// URL and whether the peer is now gone.
func (n *Neighbourhood) LinkDown(linkID string) (string, bool) {
	n.mu.Lock()
	url, ok := n.byLink[linkID]
	if !ok {
		n.mu.Unlock()
		return "", false
	}
	delete(n.byLink, linkID)

	peer := n.peers[url]
	if peer.inbound != nil && peer.inbound.ID() == linkID {
		peer.inbound = nil
	}
	if peer.outbound != nil && peer.outbound.ID() == linkID {
		peer.outbound = nil
	}
	if peer.inbound != nil || peer.outbound != nil {
		n.mu.Unlock()
		return url, false
	}
	n.removePeerLocked(url, peer)
	n.mu.Unlock()

	n.log.Info("neighbour lost", logger.String("peer", url))
	return url, true
}

// RemovePeer tears down a peer entirely: both links, the outbox, and the
// cached roster entry
func (n *Neighbourhood) RemovePeer(url string) {
	n.mu.Lock()
	peer, ok := n.peers[url]
	if ok {
		n.removePeerLocked(url, peer)
	}
	n.mu.Unlock()

	if ok {
		if peer.inbound != nil {
			peer.inbound.Close()
		}
		if peer.outbound != nil {
			peer.outbound.Close()
		}
		n.log.Info("neighbour removed", logger.String("peer", url))
	}
}

// removePeerLocked unindexes the peer and purges its roster entry. Caller
// holds the mutex; link closing happens outside it.
func (n *Neighbourhood) removePeerLocked(url string, peer *Peer) {
	if peer.inbound != nil {
		delete(n.byLink, peer.inbound.ID())
	}
	if peer.outbound != nil {
		delete(n.byLink, peer.outbound.ID())
	}
	delete(n.peers, url)
	delete(n.roster, url)
	close(peer.done)
	metrics.NeighboursActive.Set(float64(len(n.peers)))
	n.updateRosterGauge()
}

// Close tears down every peer; used on server shutdown
func (n *Neighbourhood) Close() {
	for _, url := range n.ActiveURLs() {
		n.RemovePeer(url)
	}
}

// drainOutbox is the single writer for one peer. It preserves enqueue
// order; the first failed send tears the peer down.
func (n *Neighbourhood) drainOutbox(peer *Peer) {
	for {
		select {
		case frame := <-peer.outbox:
			n.mu.Lock()
			link := peer.preferredLink()
			n.mu.Unlock()

			if link == nil {
				continue
			}
			if err := link.Send(frame); err != nil {
				n.log.Warn("send to neighbour failed",
					logger.String("peer", peer.url),
					logger.Error(err))
				metrics.PeerSendFailures.Inc()
				n.RemovePeer(peer.url)
				return
			}
		case <-peer.done:
			return
		}
	}
}

// updateRosterGauge recomputes the roster population metric. Caller holds
// the mutex.
func (n *Neighbourhood) updateRosterGauge() {
	total := 0
	for _, clients := range n.roster {
		total += len(clients)
	}
	metrics.RosterSize.Set(float64(total))
}
