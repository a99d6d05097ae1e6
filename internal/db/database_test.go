package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "scrawl-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func stroke(id string) canvas.Element {
	return canvas.Element{ID: id, Kind: canvas.KindStroke, Points: []float64{0, 0, 5, 5}, Stroke: "#2c2c2c", StrokeWidth: 3}
}

func TestRoomOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	room, err := db.CreateRoom(ctx, "room-1", "kitten-waffle", "u1", "Our journal")
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	if room.Code != "kitten-waffle" || room.OwnerID != "u1" {
		t.Errorf("Unexpected room: %+v", room)
	}

	// Creator is a member
	count, err := db.CountMemberships(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to count memberships: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 membership, got %d", count)
	}

	found, err := db.FindRoomByCode(ctx, "kitten-waffle")
	if err != nil {
		t.Fatalf("Failed to find room: %v", err)
	}
	if found == nil || found.ID != "room-1" {
		t.Errorf("Expected room-1 by code, got %+v", found)
	}

	missing, err := db.FindRoomByCode(ctx, "no-such-code")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("Unknown code should return nil")
	}

	// Same code again collides
	_, err = db.CreateRoom(ctx, "room-2", "kitten-waffle", "u2", "")
	if !errors.Is(err, ErrCodeTaken) {
		t.Errorf("Expected ErrCodeTaken, got %v", err)
	}
	if r, _ := db.GetRoom(ctx, "room-2"); r != nil {
		t.Error("Colliding room should not have been written")
	}
}

func TestInsertMembershipCap(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.CreateRoom(ctx, "room-1", "code-1", "u1", ""); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	if err := db.InsertMembership(ctx, "room-1", "u1", 2); !errors.Is(err, canvas.ErrAlreadyMember) {
		t.Errorf("Expected ErrAlreadyMember for owner, got %v", err)
	}
	if err := db.InsertMembership(ctx, "room-1", "u2", 2); err != nil {
		t.Fatalf("Failed to add second member: %v", err)
	}
	if err := db.InsertMembership(ctx, "room-1", "u3", 2); !errors.Is(err, canvas.ErrRoomFull) {
		t.Errorf("Expected ErrRoomFull, got %v", err)
	}

	// The cap is checked before existing membership
	if err := db.InsertMembership(ctx, "room-1", "u2", 2); !errors.Is(err, canvas.ErrRoomFull) {
		t.Errorf("Expected ErrRoomFull for a member of a full room, got %v", err)
	}

	member, err := db.HasMembership(ctx, "room-1", "u3")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if member {
		t.Error("u3 should not be a member")
	}
}

func TestInsertMembershipConcurrent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.CreateRoom(ctx, "room-1", "code-1", "owner", ""); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := db.InsertMembership(ctx, "room-1", "user-"+string(rune('a'+i)), 2)
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if !errors.Is(err, canvas.ErrRoomFull) {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("Expected exactly 1 concurrent join admitted, got %d", admitted)
	}
	count, _ := db.CountMemberships(ctx, "room-1")
	if count != 2 {
		t.Errorf("Expected 2 memberships, got %d", count)
	}
}

func TestDraftLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	saved, err := db.SaveDraft(ctx, "room-1", "u1", stroke("a"), t0)
	if err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	if !saved.CreatedAt.Equal(t0) {
		t.Errorf("Expected createdAt %v, got %v", t0, saved.CreatedAt)
	}

	// Re-saving a draft updates its payload but keeps the first timestamp
	moved := stroke("a")
	moved.Points = []float64{100, 100, 105, 105}
	saved, err = db.SaveDraft(ctx, "room-1", "u1", moved, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Failed to update draft: %v", err)
	}
	if !saved.CreatedAt.Equal(t0) {
		t.Errorf("Update should keep original createdAt, got %v", saved.CreatedAt)
	}

	// Another author cannot overwrite it
	if _, err := db.SaveDraft(ctx, "room-1", "u2", stroke("a"), t0); !errors.Is(err, canvas.ErrElementLocked) {
		t.Errorf("Expected ErrElementLocked, got %v", err)
	}

	// Drafts are not part of the sent set
	sent, err := db.SentElements(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to query sent elements: %v", err)
	}
	if len(sent) != 0 {
		t.Errorf("Expected 0 sent elements, got %d", len(sent))
	}

	marked, err := db.MarkSent(ctx, "room-1", "u1", []canvas.Element{moved}, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Failed to mark sent: %v", err)
	}
	if len(marked) != 1 || !marked[0].Sent {
		t.Fatalf("Expected 1 sent element, got %+v", marked)
	}

	// Sent elements are immutable
	if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke("a"), t0); !errors.Is(err, canvas.ErrElementLocked) {
		t.Errorf("Expected ErrElementLocked on sent element, got %v", err)
	}
	deleted, err := db.DeleteDrafts(ctx, "room-1", "u1", []string{"a"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(deleted) != 0 {
		t.Error("Sent element must not be deletable")
	}

	el, err := db.GetElement(ctx, "room-1", "a")
	if err != nil || el == nil {
		t.Fatalf("Failed to get element: %v", err)
	}
	if !el.Sent || el.Points[0] != 100 {
		t.Errorf("Unexpected stored element: %+v", el)
	}
}

func TestMarkSentIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b"} {
		if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke(id), now); err != nil {
			t.Fatalf("Failed to save draft: %v", err)
		}
	}

	batch := []canvas.Element{stroke("a"), stroke("b"), stroke("ghost")}

	first, err := db.MarkSent(ctx, "room-1", "u1", batch, now)
	if err != nil {
		t.Fatalf("Failed to mark sent: %v", err)
	}
	if len(first) != 2 {
		t.Errorf("Expected 2 elements sent, got %d", len(first))
	}

	second, err := db.MarkSent(ctx, "room-1", "u1", batch, now)
	if err != nil {
		t.Fatalf("Failed to mark sent twice: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("Second call should send nothing, got %d", len(second))
	}

	// Unknown ids are not resurrected
	if el, _ := db.GetElement(ctx, "room-1", "ghost"); el != nil {
		t.Error("Unknown id should not have been created")
	}

	sent, _ := db.SentElements(ctx, "room-1")
	if len(sent) != 2 {
		t.Errorf("Expected 2 sent rows, got %d", len(sent))
	}
}

func TestMarkSentOnlyOwnDrafts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke("a"), time.Now()); err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}

	sent, err := db.MarkSent(ctx, "room-1", "u2", []canvas.Element{stroke("a")}, time.Now())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(sent) != 0 {
		t.Error("u2 must not be able to send u1's draft")
	}
}

func TestSentElementsOrdering(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// Saved out of creation order on purpose
	order := []struct {
		id string
		at time.Time
	}{
		{"late", base.Add(3 * time.Second)},
		{"early", base.Add(1 * time.Second)},
		{"middle", base.Add(2 * time.Second)},
	}
	var batch []canvas.Element
	for _, o := range order {
		if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke(o.id), o.at); err != nil {
			t.Fatalf("Failed to save draft: %v", err)
		}
		batch = append(batch, stroke(o.id))
	}
	if _, err := db.MarkSent(ctx, "room-1", "u1", batch, base.Add(time.Minute)); err != nil {
		t.Fatalf("Failed to mark sent: %v", err)
	}

	sent, err := db.SentElements(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to query sent elements: %v", err)
	}
	want := []string{"early", "middle", "late"}
	for i, id := range want {
		if sent[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, sent[i].ID)
		}
	}
}

func TestPruneDrafts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke("old-draft"), old); err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke("old-sent"), old); err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	if _, err := db.MarkSent(ctx, "room-1", "u1", []canvas.Element{stroke("old-sent")}, old); err != nil {
		t.Fatalf("Failed to mark sent: %v", err)
	}
	if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke("fresh"), time.Now()); err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}

	n, err := db.PruneDrafts(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned draft, got %d", n)
	}
	if el, _ := db.GetElement(ctx, "room-1", "old-sent"); el == nil {
		t.Error("Sent element must survive pruning")
	}
	if el, _ := db.GetElement(ctx, "room-1", "fresh"); el == nil {
		t.Error("Fresh draft must survive pruning")
	}
}

func TestPruneKeepsRecentlyEditedDrafts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke("editing"), old); err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	saved, err := db.SaveDraft(ctx, "room-1", "u1", stroke("editing"), time.Now())
	if err != nil {
		t.Fatalf("Failed to re-save draft: %v", err)
	}
	if !saved.CreatedAt.Equal(time.Unix(0, old.UnixNano()).UTC()) {
		t.Errorf("Re-save should keep the first timestamp, got %v", saved.CreatedAt)
	}

	n, err := db.PruneDrafts(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected nothing pruned, got %d", n)
	}

	sent, err := db.MarkSent(ctx, "room-1", "u1", []canvas.Element{stroke("editing")}, time.Now())
	if err != nil {
		t.Fatalf("Failed to mark sent: %v", err)
	}
	if len(sent) != 1 {
		t.Errorf("Recently edited draft should still be sendable, got %d sent", len(sent))
	}
}

func TestListRoomsForMember(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := "room-" + string(rune('a'+i))
		if _, err := db.CreateRoom(ctx, id, "code-"+id, "u1", ""); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}
	if _, err := db.CreateRoom(ctx, "room-z", "code-z", "u2", ""); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	rooms, err := db.ListRoomsForMember(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Errorf("Expected 3 rooms, got %d", len(rooms))
	}

	rooms, _ = db.ListRoomsForMember(ctx, "u1", 2, 0)
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms with limit, got %d", len(rooms))
	}
}

func TestListRoomsMostRecentlyActiveFirst(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"room-a", "room-b", "room-c"} {
		if _, err := db.CreateRoom(ctx, id, "code-"+id, "u1", ""); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rooms, err := db.ListRoomsForMember(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 3 || rooms[0].ID != "room-c" {
		t.Fatalf("Expected newest room first, got %+v", rooms)
	}

	if err := db.UpdateRoomTimestamp(ctx, "room-a"); err != nil {
		t.Fatalf("Failed to update timestamp: %v", err)
	}

	rooms, err = db.ListRoomsForMember(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if rooms[0].ID != "room-a" {
		t.Errorf("Expected room-a first after activity, got %s", rooms[0].ID)
	}
}

func TestStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.CreateRoom(ctx, "room-1", "code-1", "u1", ""); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := db.SaveDraft(ctx, "room-1", "u1", stroke(id), time.Now()); err != nil {
			t.Fatalf("Failed to save draft: %v", err)
		}
	}
	if _, err := db.MarkSent(ctx, "room-1", "u1", []canvas.Element{stroke("a")}, time.Now()); err != nil {
		t.Fatalf("Failed to mark sent: %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats["room_count"].(int) != 1 {
		t.Errorf("Expected 1 room, got %v", stats["room_count"])
	}
	if stats["sent_count"].(int) != 1 {
		t.Errorf("Expected 1 sent element, got %v", stats["sent_count"])
	}
	if stats["draft_count"].(int) != 2 {
		t.Errorf("Expected 2 drafts, got %v", stats["draft_count"])
	}
}
