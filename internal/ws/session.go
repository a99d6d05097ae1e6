package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
	"github.com/manpreetbhatti/scrawl/internal/ledger"
	"github.com/manpreetbhatti/scrawl/internal/protocol"
	"github.com/manpreetbhatti/scrawl/internal/room"
)

const leaveTimeout = 5 * time.Second

// Gate admits an identity into a room, or explains why not
type Gate interface {
	Admit(ctx context.Context, token, roomID string) (string, error)
}

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateJoining
	stateJoined
	stateClosed
)

// Session drives the protocol for one connection:
// Disconnected → Joining → Joined → Disconnected.
type Session struct {
	peer   room.Peer
	hub    *Hub
	ledger *ledger.Ledger
	gate   Gate
	logger *slog.Logger

	state    sessionState
	roomID   string
	identity string
}

func NewSession(peer room.Peer, hub *Hub, l *ledger.Ledger, gate Gate, logger *slog.Logger) *Session {
	return &Session{
		peer:   peer,
		hub:    hub,
		ledger: l,
		gate:   gate,
		logger: logger,
	}
}

// Handle processes one message from the peer. Handle is not safe for
// concurrent use; a connection's messages are handled one at a time.
func (s *Session) Handle(ctx context.Context, msg *protocol.Message) {
	if s.state == stateClosed {
		return
	}
	if msg.Type == protocol.TypeJoin {
		s.join(ctx, msg)
		return
	}

	if s.state != stateJoined || (msg.RoomID != "" && msg.RoomID != s.roomID) {
		s.peer.Send(protocol.Error(msg.Type, protocol.ReasonNotJoined))
		return
	}

	switch msg.Type {
	case protocol.TypeSaveDraft:
		saved, err := s.ledger.SaveDraft(ctx, s.roomID, s.identity, *msg.Element)
		if err != nil {
			s.fail(msg.Type, err)
			return
		}
		s.peer.Send(protocol.DraftSaved(saved))

	case protocol.TypeSendDrafts:
		var (
			sent []canvas.Element
			err  error
		)
		if len(msg.Elements) > 0 {
			sent, err = s.ledger.SendDrafts(ctx, s.roomID, s.identity, s.peer.ID(), msg.Elements)
		} else {
			sent, err = s.ledger.SendDraftIDs(ctx, s.roomID, s.identity, s.peer.ID(), msg.IDs)
		}
		if err != nil {
			s.fail(msg.Type, err)
			return
		}
		s.peer.Send(protocol.DraftsSent(canvas.IDs(sent)))

	case protocol.TypeDeleteDraft:
		deleted, err := s.ledger.DeleteDrafts(ctx, s.roomID, s.identity, msg.IDs)
		if err != nil {
			s.fail(msg.Type, err)
			return
		}
		s.peer.Send(protocol.DraftsDeleted(deleted))

	case protocol.TypeDrawingInProgress:
		s.ledger.Preview(ctx, s.roomID, s.peer.ID(), msg.Payload)
	}
}

func (s *Session) join(ctx context.Context, msg *protocol.Message) {
	if s.state == stateJoined {
		if msg.RoomID != s.roomID {
			s.peer.Send(protocol.Error(protocol.TypeJoin, protocol.ReasonAlreadyJoined))
		}
		return
	}

	s.state = stateJoining
	logger := s.logger.With(slog.String("room", msg.RoomID))

	identity, err := s.gate.Admit(ctx, msg.Token, msg.RoomID)
	if err != nil {
		logger.Info("join rejected", slog.Any("error", err))
		if errors.Is(err, canvas.ErrStoreUnavailable) {
			s.peer.Send(protocol.Error(protocol.TypeJoin, canvas.ReasonStoreUnavailable))
		} else {
			s.peer.Send(protocol.AuthError(canvas.Reason(err)))
		}
		s.reject()
		return
	}

	roomID := msg.RoomID
	hydrate := func(ctx context.Context) *protocol.Message {
		return protocol.CanvasState(s.ledger.LoadSent(ctx, roomID))
	}

	if err := s.hub.Join(ctx, roomID, identity, s.peer, hydrate); err != nil {
		logger.Info("join rejected", slog.String("identity", identity), slog.Any("error", err))
		if errors.Is(err, canvas.ErrRoomFull) {
			s.peer.Send(protocol.RoomFull())
		} else {
			s.peer.Send(protocol.Error(protocol.TypeJoin, canvas.Reason(err)))
		}
		s.reject()
		return
	}

	s.state = stateJoined
	s.roomID = roomID
	s.identity = identity
	s.logger = logger.With(slog.String("identity", identity))
}

func (s *Session) reject() {
	s.state = stateClosed
	s.peer.Close()
}

func (s *Session) fail(request protocol.MessageType, err error) {
	reason := canvas.Reason(err)
	if reason == canvas.ReasonStoreUnavailable || reason == canvas.ReasonInternal {
		s.logger.Error("request failed", slog.String("request", string(request)), slog.Any("error", err))
	} else {
		s.logger.Debug("request rejected", slog.String("request", string(request)), slog.Any("error", err))
	}
	s.peer.Send(protocol.Error(request, reason))
}

// Close leaves the room, if joined. The session cannot be reused.
func (s *Session) Close() {
	if s.state == stateJoined {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		s.hub.Leave(ctx, s.peer)
	}
	s.state = stateClosed
}
