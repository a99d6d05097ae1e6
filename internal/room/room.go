package room

import (
	"sync"

	"github.com/manpreetbhatti/scrawl/internal/protocol"
)

// Peer is one live connection as seen by a room
type Peer interface {
	ID() string
	Send(msg *protocol.Message) bool
	Close()
}

// A live collaborative session. Callers hold the room lock around every
// mutation and around any read that must be consistent with one.
type Room struct {
	ID string

	mu         sync.Mutex
	peers      map[string]Peer   // peer ID → peer
	identities map[string]string // peer ID → identity
	byIdentity map[string]string // identity → peer ID
	evicted    bool
}

// Creates a new, empty room with the given ID
func New(id string) *Room {
	return &Room{
		ID:         id,
		peers:      make(map[string]Peer),
		identities: make(map[string]string),
		byIdentity: make(map[string]string),
	}
}

func (r *Room) Lock()   { r.mu.Lock() }
func (r *Room) Unlock() { r.mu.Unlock() }

// Evict marks the room as dropped from the registry. A caller that looked the
// room up before eviction sees Evicted and must look it up again.
func (r *Room) Evict()        { r.evicted = true }
func (r *Room) Evicted() bool { return r.evicted }

func (r *Room) Len() int { return len(r.peers) }

func (r *Room) Has(peerID string) bool {
	_, ok := r.peers[peerID]
	return ok
}

// PeerFor returns the live peer bound to identity, if any
func (r *Room) PeerFor(identity string) (Peer, bool) {
	id, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return r.peers[id], true
}

// IdentityOf returns the identity a peer joined as
func (r *Room) IdentityOf(peerID string) (string, bool) {
	identity, ok := r.identities[peerID]
	return identity, ok
}

// Identities returns the identities with a live peer in the room
func (r *Room) Identities() []string {
	ids := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		ids = append(ids, identity)
	}
	return ids
}

// Add registers peer under identity. A peer already bound to the same identity
// is unbound and returned so the caller can close it.
func (r *Room) Add(identity string, peer Peer) (replaced Peer) {
	if old, ok := r.PeerFor(identity); ok && old.ID() != peer.ID() {
		r.remove(old.ID())
		replaced = old
	}
	r.peers[peer.ID()] = peer
	r.identities[peer.ID()] = identity
	r.byIdentity[identity] = peer.ID()
	return replaced
}

// Remove unbinds the peer and reports the identity it held
func (r *Room) Remove(peerID string) (string, bool) {
	identity, ok := r.identities[peerID]
	if !ok {
		return "", false
	}
	r.remove(peerID)
	return identity, true
}

func (r *Room) remove(peerID string) {
	identity := r.identities[peerID]
	delete(r.peers, peerID)
	delete(r.identities, peerID)
	if r.byIdentity[identity] == peerID {
		delete(r.byIdentity, identity)
	}
}

// Peers returns every live peer except the one with exceptID ("" for all)
func (r *Room) Peers(exceptID string) []Peer {
	peers := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != exceptID {
			peers = append(peers, p)
		}
	}
	return peers
}

// PeersExceptIdentity returns every live peer not bound to identity ("" for all)
func (r *Room) PeersExceptIdentity(identity string) []Peer {
	peers := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if identity == "" || r.identities[id] != identity {
			peers = append(peers, p)
		}
	}
	return peers
}
