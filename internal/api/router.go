package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router mounts the HTTP API and the websocket endpoint
func (a *API) Router(wsHandler http.Handler, instanceID string, allowedOrigins []string) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(a.requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(instanceHeaders(instanceID))
	router.Use(corsMiddleware(allowedOrigins))

	router.Get("/health", a.HealthHandler)
	router.Get("/api/stats", a.StatsHandler)
	router.Get("/blobs/{key}", a.BlobHandler)
	router.Handle("/ws", wsHandler)

	router.Group(func(r chi.Router) {
		r.Use(a.requireIdentity)
		r.Get("/api/rooms", a.ListRoomsHandler)
		r.Post("/api/rooms", a.CreateRoomHandler)
		r.Post("/api/rooms/join", a.JoinRoomHandler)
		r.Get("/api/rooms/{id}", a.GetRoomHandler)
		r.Post("/upload", a.UploadHandler)
	})

	return router
}

func instanceHeaders(instanceID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "scrawl")
			if instanceID != "" {
				w.Header().Set("Instance-ID", instanceID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		a.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(allowed, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				if origin != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(allowed []string, origin string) string {
	if len(allowed) == 0 {
		return "*"
	}
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
