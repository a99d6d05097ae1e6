// Package ledger tracks each author's drafts and the room's sent history.
//
// Drafts are private to their author until sent. Sending is the only path by
// which one peer's work becomes visible to the other, and a sent element is
// never modified again.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
	"github.com/manpreetbhatti/scrawl/internal/protocol"
)

// Store is the durable half of the ledger
type Store interface {
	SaveDraft(ctx context.Context, roomID, authorID string, el canvas.Element, now time.Time) (canvas.Element, error)
	DeleteDrafts(ctx context.Context, roomID, authorID string, ids []string) ([]string, error)
	MarkSent(ctx context.Context, roomID, authorID string, elements []canvas.Element, now time.Time) ([]canvas.Element, error)
	SentElements(ctx context.Context, roomID string) ([]canvas.Element, error)
	GetElement(ctx context.Context, roomID, id string) (*canvas.Element, error)
	UpdateRoomTimestamp(ctx context.Context, id string) error
}

// Peers delivers ledger events to the other live connections in a room
type Peers interface {
	Commit(ctx context.Context, roomID, senderID string, commit func(context.Context) ([]canvas.Element, error)) ([]canvas.Element, error)
	Forward(ctx context.Context, roomID, senderID string, msg *protocol.Message)
}

type Ledger struct {
	store  Store
	peers  Peers
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, peers Peers, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		peers:  peers,
		logger: logger,
		now:    time.Now,
	}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, canvas.ErrStoreUnavailable, err)
}

// SaveDraft records or updates one of the author's drafts. Nothing is
// broadcast. The stored element, with its server timestamp, is returned.
func (l *Ledger) SaveDraft(ctx context.Context, roomID, authorID string, el canvas.Element) (canvas.Element, error) {
	el.Normalize()
	if err := el.Validate(); err != nil {
		return canvas.Element{}, err
	}

	saved, err := l.store.SaveDraft(ctx, roomID, authorID, el, l.now())
	if err == canvas.ErrElementLocked {
		return canvas.Element{}, err
	}
	if err != nil {
		return canvas.Element{}, storeError("saving draft", err)
	}
	return saved, nil
}

// DeleteDrafts removes the author's own unsent drafts and returns the ids removed
func (l *Ledger) DeleteDrafts(ctx context.Context, roomID, authorID string, ids []string) ([]string, error) {
	deleted, err := l.store.DeleteDrafts(ctx, roomID, authorID, ids)
	if err != nil {
		return nil, storeError("deleting drafts", err)
	}
	return deleted, nil
}

// SendDrafts promotes the author's drafts to sent and delivers them to the
// other peer as a single batch. Each element carries the author's latest
// payload. Ids that are not currently the author's drafts are skipped, so a
// repeated call commits and broadcasts nothing.
func (l *Ledger) SendDrafts(ctx context.Context, roomID, authorID, senderID string, elements []canvas.Element) ([]canvas.Element, error) {
	for i := range elements {
		elements[i].Normalize()
		if err := elements[i].Validate(); err != nil {
			return nil, err
		}
	}

	sent, err := l.peers.Commit(ctx, roomID, senderID, func(ctx context.Context) ([]canvas.Element, error) {
		return l.store.MarkSent(ctx, roomID, authorID, elements, l.now())
	})
	if err != nil {
		return nil, storeError("sending drafts", err)
	}
	l.touch(ctx, roomID, sent)

	l.logger.Debug("drafts sent",
		slog.String("room", roomID), slog.String("author", authorID),
		slog.Int("requested", len(elements)), slog.Int("sent", len(sent)))
	return sent, nil
}

// SendDraftIDs is SendDrafts for a caller that only names ids; the stored
// draft payloads are sent as they are.
func (l *Ledger) SendDraftIDs(ctx context.Context, roomID, authorID, senderID string, ids []string) ([]canvas.Element, error) {
	sent, err := l.peers.Commit(ctx, roomID, senderID, func(ctx context.Context) ([]canvas.Element, error) {
		drafts := make([]canvas.Element, 0, len(ids))
		for _, id := range ids {
			el, err := l.store.GetElement(ctx, roomID, id)
			if err != nil {
				return nil, err
			}
			if el == nil || el.Sent || el.AuthorID != authorID {
				continue
			}
			drafts = append(drafts, *el)
		}
		if len(drafts) == 0 {
			return nil, nil
		}
		return l.store.MarkSent(ctx, roomID, authorID, drafts, l.now())
	})
	if err != nil {
		return nil, storeError("sending drafts", err)
	}
	l.touch(ctx, roomID, sent)
	return sent, nil
}

// touch marks the room active after a commit that sent something. The
// elements are already durable, so a failure here is only logged.
func (l *Ledger) touch(ctx context.Context, roomID string, sent []canvas.Element) {
	if len(sent) == 0 {
		return
	}
	if err := l.store.UpdateRoomTimestamp(ctx, roomID); err != nil {
		l.logger.Warn("failed to update room activity", slog.String("room", roomID), slog.Any("error", err))
	}
}

// LoadSent returns the room's sent history for hydration. A store failure
// degrades to an empty canvas rather than failing the join.
func (l *Ledger) LoadSent(ctx context.Context, roomID string) []canvas.Element {
	elements, err := l.store.SentElements(ctx, roomID)
	if err != nil {
		l.logger.Error("failed to load sent elements", slog.String("room", roomID), slog.Any("error", err))
		return []canvas.Element{}
	}
	return elements
}

// Preview forwards an in-progress drawing to the other peer. Nothing is stored.
func (l *Ledger) Preview(ctx context.Context, roomID, senderID string, payload json.RawMessage) {
	l.peers.Forward(ctx, roomID, senderID, protocol.DrawingInProgress(payload))
}
