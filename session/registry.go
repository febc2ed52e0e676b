package session

import (
	"sync"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/transport"
)

// Registry owns the local client sessions of one server, keyed by link ID.
// All mutations are serialized here; snapshot accessors never hold the lock
// across a network send.
type Registry struct {
	mu     sync.RWMutex
	byLink map[string]*Client
}

// NewRegistry creates an empty client registry
func NewRegistry() *Registry {
	return &Registry{
		byLink: make(map[string]*Client),
	}
}

// Add creates an unregistered session for a fresh link
func (r *Registry) Add(link transport.Link) *Client {
	client := NewClient(link)
	r.mu.Lock()
	r.byLink[link.ID()] = client
	r.mu.Unlock()
	return client
}

// Register binds a public key to the session owning linkID
func (r *Registry) Register(linkID, publicPEM string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byLink[linkID]
	if !ok {
		return nil, ErrNotRegistered
	}
	if err := client.Register(publicPEM); err != nil {
		return nil, err
	}
	return client, nil
}

// Get returns the session for a link, if any
func (r *Registry) Get(linkID string) (*Client, bool) {
	r.mu.RLock()
	client, ok := r.byLink[linkID]
	r.mu.RUnlock()
	return client, ok
}

// Remove closes and deletes the session for a link. Returns the removed
// session so the caller can trigger the roster broadcast.
func (r *Registry) Remove(linkID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byLink[linkID]
	if !ok {
		return nil, false
	}
	client.Close()
	delete(r.byLink, linkID)
	return client, true
}

// PublicPEMs returns the advertised keys of every registered client. This
// is the local server's own roster entry.
func (r *Registry) PublicPEMs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pems := make([]string, 0, len(r.byLink))
	for _, client := range r.byLink {
		if client.Registered() {
			pems = append(pems, client.PublicPEM())
		}
	}
	return pems
}

// Links returns the links of every registered client except the one given.
// Pass "" to include all.
func (r *Registry) Links(excludeLinkID string) []transport.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := make([]transport.Link, 0, len(r.byLink))
	for id, client := range r.byLink {
		if id == excludeLinkID || !client.Registered() {
			continue
		}
		links = append(links, client.Link())
	}
	return links
}

// Count returns the number of registered clients
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, client := range r.byLink {
		if client.Registered() {
			n++
		}
	}
	return n
}
