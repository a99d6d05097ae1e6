package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
)

// ErrCodeTaken is returned by CreateRoom when the room code already exists
var ErrCodeTaken = errors.New("room code already taken")

type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// busy_timeout lets concurrent writers queue instead of failing; immediate
	// transactions take the write lock up front so read-then-write never deadlocks.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("database initialized", slog.String("path", dbPath))
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS memberships (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES rooms(id)
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_user_id ON memberships(user_id);

	CREATE TABLE IF NOT EXISTS elements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		sent INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		sent_at INTEGER,
		UNIQUE (room_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_elements_room_sent ON elements(room_id, sent, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_elements_drafts_updated ON elements(sent, updated_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

// CreateRoom writes the room record and the owner's membership in one transaction
func (d *Database) CreateRoom(ctx context.Context, id, code, ownerID, name string) (*Room, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"INSERT INTO rooms (id, code, owner_id, name) VALUES (?, ?, ?, ?) ON CONFLICT(code) DO NOTHING",
		id, code, ownerID, name,
	)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrCodeTaken
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memberships (room_id, user_id) VALUES (?, ?)",
		id, ownerID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return d.GetRoom(ctx, id)
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, code, owner_id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)
	return scanRoom(row)
}

func (d *Database) FindRoomByCode(ctx context.Context, code string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, code, owner_id, name, created_at, updated_at FROM rooms WHERE code = ?",
		code,
	)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (*Room, error) {
	var room Room
	err := row.Scan(&room.ID, &room.Code, &room.OwnerID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRoomsForMember returns the rooms userID belongs to, most recently active first
func (d *Database) ListRoomsForMember(ctx context.Context, userID string, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT r.id, r.code, r.owner_id, r.name, r.created_at, r.updated_at
		FROM rooms r
		JOIN memberships m ON m.room_id = r.id
		WHERE m.user_id = ?
		ORDER BY r.updated_at DESC, r.created_at DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Code, &room.OwnerID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// UpdateRoomTimestamp marks the room as active now, with millisecond precision
func (d *Database) UpdateRoomTimestamp(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now') WHERE id = ?",
		id,
	)
	return err
}

// Membership operations

// InsertMembership adds userID to the room unless the room already holds limit members.
// The cap check and the insert are one statement, so concurrent joins (from any
// process sharing the file) cannot both take the last seat. A full room reports
// canvas.ErrRoomFull even to an existing member; otherwise a duplicate reports
// canvas.ErrAlreadyMember.
func (d *Database) InsertMembership(ctx context.Context, roomID, userID string, limit int) error {
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO memberships (room_id, user_id)
		SELECT ?, ?
		WHERE (SELECT COUNT(*) FROM memberships WHERE room_id = ?) < ?
		ON CONFLICT(room_id, user_id) DO NOTHING
	`, roomID, userID, roomID, limit)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Memberships are never removed, so a count under the cap means the
	// insert hit the existing row
	count, err := d.CountMemberships(ctx, roomID)
	if err != nil {
		return err
	}
	if count >= limit {
		return canvas.ErrRoomFull
	}
	return canvas.ErrAlreadyMember
}

func (d *Database) HasMembership(ctx context.Context, roomID, userID string) (bool, error) {
	var exists int
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM memberships WHERE room_id = ? AND user_id = ?)",
		roomID, userID,
	).Scan(&exists)
	return exists == 1, err
}

func (d *Database) CountMemberships(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memberships WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// Element operations

// SaveDraft inserts an unsent element or updates the payload of the author's
// existing draft with the same id. The first save's timestamp is kept as
// createdAt; every save refreshes the draft's updated_at. Returns
// canvas.ErrElementLocked when the id belongs to a sent element or another author.
func (d *Database) SaveDraft(ctx context.Context, roomID, authorID string, el canvas.Element, now time.Time) (canvas.Element, error) {
	payload, err := json.Marshal(el)
	if err != nil {
		return canvas.Element{}, err
	}

	var createdAt int64
	err = d.db.QueryRowContext(ctx, `
		INSERT INTO elements (room_id, id, author_id, kind, payload, sent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(room_id, id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE elements.sent = 0 AND elements.author_id = excluded.author_id
		RETURNING created_at
	`, roomID, el.ID, authorID, string(el.Kind), payload, now.UnixNano(), now.UnixNano()).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return canvas.Element{}, canvas.ErrElementLocked
	}
	if err != nil {
		return canvas.Element{}, err
	}

	el.AuthorID = authorID
	el.CreatedAt = time.Unix(0, createdAt).UTC()
	el.Sent = false
	return el, nil
}

// DeleteDrafts removes the author's unsent drafts and returns the ids that were removed
func (d *Database) DeleteDrafts(ctx context.Context, roomID, authorID string, ids []string) ([]string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM elements WHERE room_id = ? AND id = ? AND author_id = ? AND sent = 0",
			roomID, id, authorID,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := result.RowsAffected(); n > 0 {
			deleted = append(deleted, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deleted, nil
}

// MarkSent flips the author's drafts to sent in a single transaction, refreshing
// each payload from the given elements. Ids that are not currently the author's
// drafts are skipped. Returns the elements that changed state, in input order.
func (d *Database) MarkSent(ctx context.Context, roomID, authorID string, elements []canvas.Element, now time.Time) ([]canvas.Element, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sent := make([]canvas.Element, 0, len(elements))
	for _, el := range elements {
		payload, err := json.Marshal(el)
		if err != nil {
			return nil, err
		}

		var createdAt int64
		err = tx.QueryRowContext(ctx, `
			UPDATE elements SET kind = ?, payload = ?, sent = 1, sent_at = ?
			WHERE room_id = ? AND id = ? AND author_id = ? AND sent = 0
			RETURNING created_at
		`, string(el.Kind), payload, now.UnixNano(), roomID, el.ID, authorID).Scan(&createdAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}

		el.AuthorID = authorID
		el.CreatedAt = time.Unix(0, createdAt).UTC()
		el.Sent = true
		sent = append(sent, el)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sent, nil
}

// SentElements returns the room's sent elements, oldest first
func (d *Database) SentElements(ctx context.Context, roomID string) ([]canvas.Element, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT author_id, payload, sent, created_at FROM elements
		WHERE room_id = ? AND sent = 1
		ORDER BY created_at ASC, seq ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	elements := make([]canvas.Element, 0)
	for rows.Next() {
		el, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, rows.Err()
}

func (d *Database) GetElement(ctx context.Context, roomID, id string) (*canvas.Element, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT author_id, payload, sent, created_at FROM elements WHERE room_id = ? AND id = ?",
		roomID, id,
	)
	el, err := scanElement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &el, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanElement(s scanner) (canvas.Element, error) {
	var (
		el        canvas.Element
		authorID  string
		payload   []byte
		sent      bool
		createdAt int64
	)
	if err := s.Scan(&authorID, &payload, &sent, &createdAt); err != nil {
		return el, err
	}
	if err := json.Unmarshal(payload, &el); err != nil {
		return el, fmt.Errorf("decoding element payload: %w", err)
	}
	el.AuthorID = authorID
	el.Sent = sent
	el.CreatedAt = time.Unix(0, createdAt).UTC()
	return el, nil
}

// PruneDrafts deletes unsent drafts last saved before the cutoff. Sent rows are never touched.
func (d *Database) PruneDrafts(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM elements WHERE sent = 0 AND updated_at < ?",
		before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"room_count", "SELECT COUNT(*) FROM rooms"},
		{"membership_count", "SELECT COUNT(*) FROM memberships"},
		{"sent_count", "SELECT COUNT(*) FROM elements WHERE sent = 1"},
		{"draft_count", "SELECT COUNT(*) FROM elements WHERE sent = 0"},
	}
	for _, c := range counts {
		var n int
		if err := d.db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return nil, err
		}
		stats[c.key] = n
	}

	return stats, nil
}
