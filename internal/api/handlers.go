package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manpreetbhatti/scrawl/internal/auth"
	"github.com/manpreetbhatti/scrawl/internal/blob"
	"github.com/manpreetbhatti/scrawl/internal/canvas"
	"github.com/manpreetbhatti/scrawl/internal/db"
	"github.com/manpreetbhatti/scrawl/internal/ratelimit"
	"github.com/manpreetbhatti/scrawl/internal/ws"
)

const (
	uploadsPerSecond = 1
	uploadBurst      = 10
)

type API struct {
	hub        *ws.Hub
	database   *db.Database
	rooms      *auth.Rooms
	identities auth.IdentityResolver
	blobs      *blob.Store
	uploads    *ratelimit.ClientLimiters
	maxUpload  int64
	logger     *slog.Logger
}

func New(
	hub *ws.Hub,
	database *db.Database,
	rooms *auth.Rooms,
	identities auth.IdentityResolver,
	blobs *blob.Store,
	maxUpload int64,
	logger *slog.Logger,
) *API {
	return &API{
		hub:        hub,
		database:   database,
		rooms:      rooms,
		identities: identities,
		blobs:      blobs,
		uploads:    ratelimit.NewClientLimiters(uploadsPerSecond, uploadBurst),
		maxUpload:  maxUpload,
		logger:     logger,
	}
}

// Close stops background work owned by the API
func (a *API) Close() {
	a.uploads.Stop()
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("error encoding JSON response", slog.Any("error", err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, canvas.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, canvas.ErrNotAMember):
		return http.StatusForbidden
	case errors.Is(err, canvas.ErrRoomFull), errors.Is(err, canvas.ErrAlreadyMember), errors.Is(err, canvas.ErrElementLocked):
		return http.StatusConflict
	case errors.Is(err, canvas.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, canvas.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, canvas.ErrInvalidElement):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// domainError reports err with its wire reason
func (a *API) domainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", slog.Any("error", err))
	}
	a.jsonResponse(w, status, map[string]string{
		"error":  err.Error(),
		"reason": canvas.Reason(err),
	})
}

type identityKey struct{}

func identityFrom(ctx context.Context) string {
	identity, _ := ctx.Value(identityKey{}).(string)
	return identity
}

// requireIdentity resolves the bearer token and stores the identity on the request context
func (a *API) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			a.domainError(w, canvas.ErrInvalidToken)
			return
		}

		identity, err := a.identities.ResolveIdentity(r.Context(), strings.TrimSpace(token))
		if err != nil {
			a.domainError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err == nil {
		stats["total_rooms"] = dbStats["room_count"]
		stats["total_members"] = dbStats["membership_count"]
		stats["sent_elements"] = dbStats["sent_count"]
		stats["draft_elements"] = dbStats["draft_count"]
	} else {
		a.logger.Warn("failed to read stats", slog.Any("error", err))
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name,omitempty"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
	Members     int       `json:"members,omitempty"`
}

func (a *API) roomResponse(room *db.Room) RoomResponse {
	return RoomResponse{
		ID:          room.ID,
		Code:        room.Code,
		Name:        room.Name,
		OwnerID:     room.OwnerID,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
		ActiveUsers: a.hub.LiveCount(room.ID),
	}
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type JoinRoomRequest struct {
	Code string `json:"code"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRoomsForMember(r.Context(), identityFrom(r.Context()), limit, offset)
	if err != nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i := range rooms {
		response[i] = a.roomResponse(&rooms[i])
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	room, err := a.rooms.CreateRoom(r.Context(), identityFrom(r.Context()), strings.TrimSpace(req.Name))
	if err != nil {
		a.domainError(w, err)
		return
	}

	a.jsonResponse(w, http.StatusCreated, a.roomResponse(room))
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room code is required")
		return
	}

	room, err := a.rooms.JoinByCode(r.Context(), identityFrom(r.Context()), req.Code)
	if err != nil {
		a.domainError(w, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, a.roomResponse(room))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := chi.URLParam(r, "id")

	room, err := a.database.GetRoom(ctx, roomID)
	if err != nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Failed to get room")
		return
	}
	if room == nil {
		a.domainError(w, canvas.ErrRoomNotFound)
		return
	}

	member, err := a.database.HasMembership(ctx, roomID, identityFrom(ctx))
	if err != nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Failed to check membership")
		return
	}
	if !member {
		a.domainError(w, canvas.ErrNotAMember)
		return
	}

	response := a.roomResponse(room)
	response.Members, _ = a.database.CountMemberships(ctx, roomID)

	a.jsonResponse(w, http.StatusOK, response)
}

// Blob handlers

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if !a.uploads.Allow(identity) {
		a.errorResponse(w, http.StatusTooManyRequests, "Too many uploads")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload+1024*1024)
	file, header, err := r.FormFile("file")
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()

	if header.Size > a.maxUpload {
		a.errorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, a.maxUpload+1))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Failed to read file")
		return
	}
	if int64(len(data)) > a.maxUpload {
		a.errorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !blob.Supported(contentType) {
		contentType = http.DetectContentType(data)
	}
	if !blob.Supported(contentType) {
		a.errorResponse(w, http.StatusUnsupportedMediaType, "Only images can be uploaded")
		return
	}

	url, err := a.blobs.Put(r.Context(), data, contentType)
	if err != nil {
		a.logger.Error("failed to store upload", slog.String("identity", identity), slog.Any("error", err))
		a.domainError(w, canvas.ErrStoreUnavailable)
		return
	}

	a.logger.Info("image uploaded", slog.String("identity", identity), slog.Int("bytes", len(data)))
	a.jsonResponse(w, http.StatusCreated, map[string]string{"url": url})
}

func (a *API) BlobHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	f, err := a.blobs.Open(key)
	if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidKey) {
		a.errorResponse(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to open blob")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to open blob")
		return
	}

	// Content never changes under a key
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, key, info.ModTime(), f)
}
