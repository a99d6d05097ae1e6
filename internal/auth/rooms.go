package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/ksuid"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
	"github.com/manpreetbhatti/scrawl/internal/db"
)

// Durable members allowed per room
const MembershipCap = 2

const maxCodeAttempts = 16

type RoomStore interface {
	CreateRoom(ctx context.Context, id, code, ownerID, name string) (*db.Room, error)
	FindRoomByCode(ctx context.Context, code string) (*db.Room, error)
	InsertMembership(ctx context.Context, roomID, userID string, limit int) error
}

// Rooms creates rooms and hands out memberships by code
type Rooms struct {
	store    RoomStore
	logger   *slog.Logger
	generate func() (string, error)
}

func NewRooms(store RoomStore, logger *slog.Logger) *Rooms {
	return &Rooms{store: store, logger: logger, generate: generateCode}
}

// CreateRoom writes a room owned by ownerID under a fresh code, along with the
// owner's membership
func (r *Rooms) CreateRoom(ctx context.Context, ownerID, name string) (*db.Room, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := r.generate()
		if err != nil {
			return nil, err
		}

		room, err := r.store.CreateRoom(ctx, ksuid.New().String(), code, ownerID, name)
		if errors.Is(err, db.ErrCodeTaken) {
			r.logger.Debug("room code collision", slog.String("code", code), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("creating room: %w: %w", canvas.ErrStoreUnavailable, err)
		}

		r.logger.Info("room created", slog.String("room", room.ID), slog.String("owner", ownerID))
		return room, nil
	}
	return nil, fmt.Errorf("creating room: no free code after %d attempts", maxCodeAttempts)
}

// JoinByCode records identity as a member of the room with the given code.
// Fails with canvas.ErrRoomNotFound, canvas.ErrAlreadyMember or canvas.ErrRoomFull.
func (r *Rooms) JoinByCode(ctx context.Context, identity, code string) (*db.Room, error) {
	room, err := r.store.FindRoomByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, fmt.Errorf("finding room: %w: %w", canvas.ErrStoreUnavailable, err)
	}
	if room == nil {
		return nil, canvas.ErrRoomNotFound
	}

	err = r.store.InsertMembership(ctx, room.ID, identity, MembershipCap)
	if errors.Is(err, canvas.ErrAlreadyMember) || errors.Is(err, canvas.ErrRoomFull) {
		return room, err
	}
	if err != nil {
		return nil, fmt.Errorf("adding member: %w: %w", canvas.ErrStoreUnavailable, err)
	}

	r.logger.Info("member added", slog.String("room", room.ID), slog.String("identity", identity))
	return room, nil
}
