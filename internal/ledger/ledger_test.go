package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
	"github.com/manpreetbhatti/scrawl/internal/db"
	"github.com/manpreetbhatti/scrawl/internal/protocol"
)

// Records what would have been delivered to the other peer
type recordingPeers struct {
	mu        sync.Mutex
	batches   [][]canvas.Element
	forwarded []*protocol.Message
}

func (p *recordingPeers) Commit(ctx context.Context, roomID, senderID string, commit func(context.Context) ([]canvas.Element, error)) ([]canvas.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elements, err := commit(ctx)
	if err == nil && len(elements) > 0 {
		p.batches = append(p.batches, elements)
	}
	return elements, err
}

func (p *recordingPeers) Forward(ctx context.Context, roomID, senderID string, msg *protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwarded = append(p.forwarded, msg)
}

type failingStore struct{}

var errDiskGone = errors.New("disk gone")

func (failingStore) SaveDraft(context.Context, string, string, canvas.Element, time.Time) (canvas.Element, error) {
	return canvas.Element{}, errDiskGone
}

func (failingStore) DeleteDrafts(context.Context, string, string, []string) ([]string, error) {
	return nil, errDiskGone
}

func (failingStore) MarkSent(context.Context, string, string, []canvas.Element, time.Time) ([]canvas.Element, error) {
	return nil, errDiskGone
}

func (failingStore) SentElements(context.Context, string) ([]canvas.Element, error) {
	return nil, errDiskGone
}

func (failingStore) GetElement(context.Context, string, string) (*canvas.Element, error) {
	return nil, errDiskGone
}

func (failingStore) UpdateRoomTimestamp(context.Context, string) error {
	return errDiskGone
}

func setupLedger(t *testing.T) (*Ledger, *recordingPeers) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "scrawl-ledger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.RemoveAll(tmpDir)
	})

	if _, err := database.CreateRoom(context.Background(), "room-1", "calm-otter", "u1", ""); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	peers := &recordingPeers{}
	return New(database, peers, slog.New(slog.NewTextHandler(io.Discard, nil))), peers
}

func stroke(id string) canvas.Element {
	return canvas.Element{ID: id, Kind: canvas.KindStroke, Points: []float64{0, 0, 10, 10}, Stroke: "#000", StrokeWidth: 2}
}

func TestSaveDraftIsPrivate(t *testing.T) {
	l, peers := setupLedger(t)
	ctx := context.Background()

	saved, err := l.SaveDraft(ctx, "room-1", "u1", stroke("a"))
	if err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	if saved.Sent || saved.CreatedAt.IsZero() || saved.AuthorID != "u1" {
		t.Errorf("Unexpected saved draft: %+v", saved)
	}

	if len(peers.batches) != 0 {
		t.Error("Saving a draft must not broadcast")
	}
	if sent := l.LoadSent(ctx, "room-1"); len(sent) != 0 {
		t.Errorf("Draft leaked into sent history: %v", sent)
	}
}

func TestSaveDraftRejectsInvalid(t *testing.T) {
	l, _ := setupLedger(t)

	_, err := l.SaveDraft(context.Background(), "room-1", "u1", canvas.Element{ID: "x", Kind: canvas.KindText})
	if !errors.Is(err, canvas.ErrInvalidElement) {
		t.Errorf("Expected ErrInvalidElement, got %v", err)
	}
}

func TestSaveDraftAcceptsLegacyKind(t *testing.T) {
	l, _ := setupLedger(t)

	el := stroke("a")
	el.Kind = "drawing"
	saved, err := l.SaveDraft(context.Background(), "room-1", "u1", el)
	if err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	if saved.Kind != canvas.KindStroke {
		t.Errorf("Expected kind stroke, got %s", saved.Kind)
	}
}

// U1 saves three drafts and sends two of them
func TestSendSubset(t *testing.T) {
	l, peers := setupLedger(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := l.SaveDraft(ctx, "room-1", "u1", stroke(id)); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	sent, err := l.SendDrafts(ctx, "room-1", "u1", "conn-1", []canvas.Element{stroke("a"), stroke("b")})
	if err != nil {
		t.Fatalf("Failed to send drafts: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("Expected 2 sent, got %d", len(sent))
	}
	if len(peers.batches) != 1 || len(peers.batches[0]) != 2 {
		t.Fatalf("Expected one batch of 2, got %v", peers.batches)
	}

	history := l.LoadSent(ctx, "room-1")
	if len(history) != 2 {
		t.Fatalf("Expected 2 sent elements in history, got %d", len(history))
	}
	for _, el := range history {
		if el.ID == "c" {
			t.Error("Unsent draft c must not appear in history")
		}
	}
}

func TestSendDraftsIdempotent(t *testing.T) {
	l, peers := setupLedger(t)
	ctx := context.Background()

	l.SaveDraft(ctx, "room-1", "u1", stroke("a"))

	for i := 0; i < 2; i++ {
		if _, err := l.SendDrafts(ctx, "room-1", "u1", "conn-1", []canvas.Element{stroke("a")}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	if len(peers.batches) != 1 {
		t.Errorf("Expected exactly one broadcast, got %d", len(peers.batches))
	}
	if history := l.LoadSent(ctx, "room-1"); len(history) != 1 {
		t.Errorf("Expected one sent record, got %d", len(history))
	}
}

func TestSendDraftsRefreshesPayload(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	text := canvas.Element{ID: "t", Kind: canvas.KindText, Text: "hi", FontSize: 18, X: 1, Y: 1}
	l.SaveDraft(ctx, "room-1", "u1", text)

	text.X, text.Y = 120, 80
	sent, err := l.SendDrafts(ctx, "room-1", "u1", "conn-1", []canvas.Element{text})
	if err != nil || len(sent) != 1 {
		t.Fatalf("Failed to send: %v %v", sent, err)
	}

	history := l.LoadSent(ctx, "room-1")
	if history[0].X != 120 || history[0].Y != 80 {
		t.Errorf("Expected moved position, got (%v, %v)", history[0].X, history[0].Y)
	}
}

func TestSendDraftIDs(t *testing.T) {
	l, peers := setupLedger(t)
	ctx := context.Background()

	l.SaveDraft(ctx, "room-1", "u1", stroke("a"))
	l.SaveDraft(ctx, "room-1", "u2", stroke("b"))

	sent, err := l.SendDraftIDs(ctx, "room-1", "u1", "conn-1", []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("Failed to send ids: %v", err)
	}
	if len(sent) != 1 || sent[0].ID != "a" {
		t.Errorf("Expected only a to be sent, got %v", canvas.IDs(sent))
	}
	if len(peers.batches) != 1 {
		t.Errorf("Expected one broadcast, got %d", len(peers.batches))
	}
}

func TestSentElementIsLocked(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	l.SaveDraft(ctx, "room-1", "u1", stroke("a"))
	l.SendDrafts(ctx, "room-1", "u1", "conn-1", []canvas.Element{stroke("a")})

	changed := stroke("a")
	changed.Stroke = "#f00"
	if _, err := l.SaveDraft(ctx, "room-1", "u1", changed); !errors.Is(err, canvas.ErrElementLocked) {
		t.Errorf("Expected ErrElementLocked, got %v", err)
	}

	deleted, err := l.DeleteDrafts(ctx, "room-1", "u1", []string{"a"})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(deleted) != 0 {
		t.Error("Sent elements must not be deletable")
	}
}

func TestPreviewIsForwardedNotStored(t *testing.T) {
	l, peers := setupLedger(t)
	ctx := context.Background()

	l.Preview(ctx, "room-1", "conn-1", json.RawMessage(`{"points":[1,2,3,4]}`))

	if len(peers.forwarded) != 1 || peers.forwarded[0].Type != protocol.TypeDrawingInProgress {
		t.Fatalf("Expected one forwarded preview, got %v", peers.forwarded)
	}
	if history := l.LoadSent(ctx, "room-1"); len(history) != 0 {
		t.Error("Preview must not be stored")
	}
}

func TestStoreUnavailable(t *testing.T) {
	peers := &recordingPeers{}
	l := New(failingStore{}, peers, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if _, err := l.SaveDraft(ctx, "room-1", "u1", stroke("a")); !errors.Is(err, canvas.ErrStoreUnavailable) {
		t.Errorf("SaveDraft: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := l.SendDrafts(ctx, "room-1", "u1", "conn-1", []canvas.Element{stroke("a")}); !errors.Is(err, canvas.ErrStoreUnavailable) {
		t.Errorf("SendDrafts: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := l.DeleteDrafts(ctx, "room-1", "u1", []string{"a"}); !errors.Is(err, canvas.ErrStoreUnavailable) {
		t.Errorf("DeleteDrafts: expected ErrStoreUnavailable, got %v", err)
	}
	if len(peers.batches) != 0 {
		t.Error("A failed commit must not broadcast")
	}

	history := l.LoadSent(ctx, "room-1")
	if history == nil || len(history) != 0 {
		t.Errorf("Expected empty non-nil history, got %v", history)
	}
}

func TestSendMarksRoomActive(t *testing.T) {
	l, _ := setupLedger(t)
	database := l.store.(*db.Database)
	ctx := context.Background()

	time.Sleep(5 * time.Millisecond)
	if _, err := database.CreateRoom(ctx, "room-2", "quiet-heron", "u1", ""); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	rooms, _ := database.ListRoomsForMember(ctx, "u1", 10, 0)
	if len(rooms) != 2 || rooms[0].ID != "room-2" {
		t.Fatalf("Expected the newer room first, got %+v", rooms)
	}

	// A send with nothing to send leaves the order alone
	time.Sleep(5 * time.Millisecond)
	if _, err := l.SendDraftIDs(ctx, "room-1", "u1", "conn-1", []string{"missing"}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	rooms, _ = database.ListRoomsForMember(ctx, "u1", 10, 0)
	if rooms[0].ID != "room-2" {
		t.Errorf("Empty send reordered rooms: %s first", rooms[0].ID)
	}

	if _, err := l.SaveDraft(ctx, "room-1", "u1", stroke("a")); err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := l.SendDraftIDs(ctx, "room-1", "u1", "conn-1", []string{"a"}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	rooms, _ = database.ListRoomsForMember(ctx, "u1", 10, 0)
	if len(rooms) != 2 || rooms[0].ID != "room-1" {
		t.Errorf("Expected room-1 first after a send, got %+v", rooms)
	}
}
