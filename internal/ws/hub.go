package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
	"github.com/manpreetbhatti/scrawl/internal/protocol"
	"github.com/manpreetbhatti/scrawl/internal/room"
)

// Live connections allowed in one room at a time
const RoomCapacity = 2

const defaultRefreshInterval = 30 * time.Second

// Presence holds the authoritative live-slot count when several server
// processes share rooms. Without one the hub's own map is authoritative.
type Presence interface {
	// Claim takes a live slot for identity and returns the live count after
	// the claim. Reclaiming a slot the identity already holds succeeds.
	// Returns canvas.ErrRoomFull when every slot is held by other identities.
	Claim(ctx context.Context, roomID, identity string) (int, error)
	Release(ctx context.Context, roomID, identity string) (int, error)
	// Refresh extends the slots held by live identities, keyed by room ID
	Refresh(ctx context.Context, live map[string][]string) error
}

// Relay fans room events out to other server processes
type Relay interface {
	Publish(ctx context.Context, env *protocol.Envelope) error
}

// Hub is the session registry: the set of live rooms and the connections in them
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room.Room
	index map[string]string // peer ID → room ID

	instanceID      string
	presence        Presence
	relay           Relay
	refreshInterval time.Duration
	logger          *slog.Logger
}

type Option func(*Hub)

func WithPresence(p Presence) Option { return func(h *Hub) { h.presence = p } }

func WithRelay(r Relay) Option { return func(h *Hub) { h.relay = r } }

func WithInstanceID(id string) Option { return func(h *Hub) { h.instanceID = id } }

func WithRefreshInterval(d time.Duration) Option { return func(h *Hub) { h.refreshInterval = d } }

func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		rooms:           make(map[string]*room.Room),
		index:           make(map[string]string),
		refreshInterval: defaultRefreshInterval,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run keeps cluster presence alive for local rooms until ctx is done
func (h *Hub) Run(ctx context.Context) {
	if h.presence == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(h.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			live := h.liveIdentities()
			if len(live) == 0 {
				continue
			}
			if err := h.presence.Refresh(ctx, live); err != nil {
				h.logger.Warn("failed to refresh presence", slog.Int("rooms", len(live)), slog.Any("error", err))
			}
		}
	}
}

// getRoom returns the room locked, creating it if needed
func (h *Hub) getRoom(roomID string) *room.Room {
	for {
		h.mu.Lock()
		r, ok := h.rooms[roomID]
		if !ok {
			r = room.New(roomID)
			h.rooms[roomID] = r
		}
		h.mu.Unlock()

		r.Lock()
		if !r.Evicted() {
			return r
		}
		r.Unlock()
	}
}

// existingRoom returns the room locked, or nil when it has no live entry
func (h *Hub) existingRoom(roomID string) *room.Room {
	for {
		h.mu.Lock()
		r, ok := h.rooms[roomID]
		h.mu.Unlock()
		if !ok {
			return nil
		}

		r.Lock()
		if !r.Evicted() {
			return r
		}
		r.Unlock()
	}
}

// evictIfEmpty drops an empty room from the registry. The room must be locked.
func (h *Hub) evictIfEmpty(r *room.Room) {
	if r.Len() > 0 {
		return
	}
	h.mu.Lock()
	if h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
	}
	h.mu.Unlock()
	r.Evict()
	h.logger.Debug("room evicted", slog.String("room", r.ID))
}

func (h *Hub) bind(peerID, roomID string) {
	h.mu.Lock()
	h.index[peerID] = roomID
	h.mu.Unlock()
}

func (h *Hub) unbind(peerID string) {
	h.mu.Lock()
	delete(h.index, peerID)
	h.mu.Unlock()
}

// Join admits peer into the room as identity. Joining again with an already
// registered peer is a no-op. When the room already holds its live capacity in
// other identities the join fails with canvas.ErrRoomFull and nothing is
// registered. hydrate, when set, is evaluated and delivered to the peer before
// it becomes visible to anyone else in the room.
func (h *Hub) Join(ctx context.Context, roomID, identity string, peer room.Peer, hydrate func(context.Context) *protocol.Message) error {
	r := h.getRoom(roomID)
	defer r.Unlock()

	if r.Has(peer.ID()) {
		return nil
	}

	_, rejoining := r.PeerFor(identity)
	live := r.Len()
	if !rejoining {
		if live >= RoomCapacity {
			h.evictIfEmpty(r)
			return canvas.ErrRoomFull
		}
		live++
	}

	if h.presence != nil {
		claimed, err := h.presence.Claim(ctx, roomID, identity)
		if err != nil {
			h.evictIfEmpty(r)
			if err == canvas.ErrRoomFull {
				return err
			}
			return fmt.Errorf("claiming live slot: %w: %w", canvas.ErrStoreUnavailable, err)
		}
		live = claimed
	}

	if hydrate != nil {
		peer.Send(hydrate(ctx))
	}

	if replaced := r.Add(identity, peer); replaced != nil {
		h.unbind(replaced.ID())
		replaced.Send(protocol.SessionReplaced())
		replaced.Close()
		h.logger.Info("connection superseded",
			slog.String("room", roomID), slog.String("identity", identity), slog.String("conn", replaced.ID()))
	}
	h.bind(peer.ID(), roomID)

	h.logger.Info("peer joined room",
		slog.String("room", roomID), slog.String("identity", identity), slog.Int("live", live))

	env := &protocol.Envelope{RoomID: roomID, Replace: identity}
	if live >= RoomCapacity {
		msg := protocol.PartnerJoined()
		for _, p := range r.Peers("") {
			p.Send(msg)
		}
		env.Message = msg
	}
	h.publish(ctx, env)

	return nil
}

// Leave removes peer from whatever room it is in and tells the partner.
// The room entry is evicted once its last peer leaves.
func (h *Hub) Leave(ctx context.Context, peer room.Peer) {
	h.mu.Lock()
	roomID, ok := h.index[peer.ID()]
	h.mu.Unlock()
	if !ok {
		return
	}

	r := h.existingRoom(roomID)
	if r == nil {
		h.unbind(peer.ID())
		return
	}
	defer r.Unlock()

	identity, ok := r.Remove(peer.ID())
	if !ok {
		return
	}
	h.unbind(peer.ID())

	remaining := r.Len()
	if h.presence != nil {
		n, err := h.presence.Release(ctx, roomID, identity)
		if err != nil {
			h.logger.Warn("failed to release live slot",
				slog.String("room", roomID), slog.String("identity", identity), slog.Any("error", err))
		} else {
			remaining = n
		}
	}

	msg := protocol.PartnerLeft()
	for _, p := range r.Peers("") {
		p.Send(msg)
	}
	h.publish(ctx, &protocol.Envelope{RoomID: roomID, Except: identity, Message: msg})

	h.logger.Info("peer left room",
		slog.String("room", roomID), slog.String("identity", identity), slog.Int("remaining", remaining))

	h.evictIfEmpty(r)
}

// Commit runs commit while holding the room's ordering lock and delivers the
// elements it returns to every other peer in the room as one batch. Joins are
// ordered against commits, so a joining peer sees each committed element
// exactly once: in its hydration or in a later batch.
func (h *Hub) Commit(ctx context.Context, roomID, senderID string, commit func(context.Context) ([]canvas.Element, error)) ([]canvas.Element, error) {
	r := h.existingRoom(roomID)
	if r == nil {
		return commit(ctx)
	}
	defer r.Unlock()

	elements, err := commit(ctx)
	if err != nil || len(elements) == 0 {
		return elements, err
	}

	msg := protocol.ElementsReceived(elements)
	for _, p := range r.Peers(senderID) {
		p.Send(msg)
	}
	identity, _ := r.IdentityOf(senderID)
	h.publish(ctx, &protocol.Envelope{RoomID: roomID, Except: identity, Message: msg})

	return elements, nil
}

// Forward passes a transient message to every other peer in the room
func (h *Hub) Forward(ctx context.Context, roomID, senderID string, msg *protocol.Message) {
	r := h.existingRoom(roomID)
	if r == nil {
		return
	}
	defer r.Unlock()

	for _, p := range r.Peers(senderID) {
		p.Send(msg)
	}
	identity, _ := r.IdentityOf(senderID)
	h.publish(ctx, &protocol.Envelope{RoomID: roomID, Except: identity, Message: msg})
}

// Deliver applies an envelope published by another server process
func (h *Hub) Deliver(env *protocol.Envelope) {
	if env.Origin == h.instanceID {
		return
	}

	r := h.existingRoom(env.RoomID)
	if r == nil {
		return
	}
	defer r.Unlock()

	if env.Replace != "" {
		if p, ok := r.PeerFor(env.Replace); ok {
			r.Remove(p.ID())
			h.unbind(p.ID())
			p.Send(protocol.SessionReplaced())
			p.Close()
		}
	}

	if env.Message != nil {
		for _, p := range r.PeersExceptIdentity(env.Except) {
			p.Send(env.Message)
		}
	}

	h.evictIfEmpty(r)
}

func (h *Hub) publish(ctx context.Context, env *protocol.Envelope) {
	if h.relay == nil {
		return
	}
	env.Origin = h.instanceID
	if err := h.relay.Publish(ctx, env); err != nil {
		h.logger.Warn("failed to relay room event", slog.String("room", env.RoomID), slog.Any("error", err))
	}
}

func (h *Hub) liveIdentities() map[string][]string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	live := make(map[string][]string, len(ids))
	for _, id := range ids {
		r := h.existingRoom(id)
		if r == nil {
			continue
		}
		if identities := r.Identities(); len(identities) > 0 {
			live[id] = identities
		}
		r.Unlock()
	}
	return live
}

// Returns the number of rooms with live peers on this instance
func (h *Hub) GetRoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Returns the number of live peers on this instance
func (h *Hub) GetClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.index)
}

// LiveCount returns the number of peers registered in a room
func (h *Hub) LiveCount(roomID string) int {
	r := h.existingRoom(roomID)
	if r == nil {
		return 0
	}
	defer r.Unlock()
	return r.Len()
}
