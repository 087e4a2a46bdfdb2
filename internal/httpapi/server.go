// Package httpapi serves the hub's REST surface: auth, notification and
// capture listings, push device registration, settings and stream
// control for the companion app.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/auth"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/broker"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/store"
)

var log = logging.L("httpapi")

// DeviceLink pushes hub-initiated frames to the connected doorbell and
// waits for its ack. Implemented by ingest.Gateway.
type DeviceLink interface {
	RequestDevice(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// Server holds the dependencies behind the /api routes.
type Server struct {
	store  *store.Store
	tokens *auth.Manager
	owner  int64
	device DeviceLink
	broker *broker.Broker
}

// New assembles the API server. broker may be nil when signaling is
// disabled; the webrtc routes then report no rooms.
func New(st *store.Store, tokens *auth.Manager, ownerUserID int64, device DeviceLink, b *broker.Broker) *Server {
	return &Server{
		store:  st,
		tokens: tokens,
		owner:  ownerUserID,
		device: device,
		broker: b,
	}
}

// Register mounts every /api route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux.HandleFunc("GET /api/notifications", s.requireAuth(s.handleListNotifications))
	mux.HandleFunc("GET /api/notifications/count", s.requireAuth(s.handleCountNotifications))
	mux.HandleFunc("DELETE /api/notifications/{id}", s.requireAuth(s.handleDeleteNotification))
	mux.HandleFunc("POST /api/notifications/delete", s.requireAuth(s.handleDeleteNotifications))

	mux.HandleFunc("GET /api/captures", s.requireAuth(s.handleListCaptures))
	mux.HandleFunc("GET /api/captures/count", s.requireAuth(s.handleCountCaptures))
	mux.HandleFunc("DELETE /api/captures/{id}", s.requireAuth(s.handleDeleteCapture))
	mux.HandleFunc("POST /api/captures/delete", s.requireAuth(s.handleDeleteCaptures))

	mux.HandleFunc("POST /api/devices", s.requireAuth(s.handleRegisterDevice))

	mux.HandleFunc("GET /api/settings", s.requireAuth(s.handleGetSettings))
	mux.HandleFunc("PUT /api/settings", s.requireAuth(s.handleUpdateSettings))

	mux.HandleFunc("POST /api/stream/start", s.requireAuth(s.handleStreamStart))
	mux.HandleFunc("POST /api/stream/stop", s.requireAuth(s.handleStreamStop))

	mux.HandleFunc("GET /api/webrtc/rooms", s.requireAuth(s.handleActiveRooms))
	mux.HandleFunc("GET /api/webrtc/rooms/{id}/clients", s.requireAuth(s.handleRoomClients))
}

// Wrap applies the CORS and request-log middleware around h. The same
// chain fronts the WebSocket endpoints, so the log wrapper keeps the
// hijacker available.
func (s *Server) Wrap(h http.Handler) http.Handler {
	return s.withCORS(s.withLogging(h))
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			logging.KeyDuration, time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrades behind this middleware take over
// the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error("encode response failed", logging.KeyError, err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeFieldErrors(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
}

// storeError maps store failures onto the API's status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidSort):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error("store operation failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseListOptions(r *http.Request) (store.ListOptions, map[string]string) {
	q := r.URL.Query()
	opts := store.ListOptions{
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}

	fields := make(map[string]string)
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fields["page"] = "must be a positive integer"
		} else {
			opts.Page = n
		}
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fields["page_size"] = "must be a positive integer"
		} else {
			opts.PageSize = n
		}
	}

	if len(fields) > 0 {
		return opts, fields
	}
	return opts, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return id, nil
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type hitsResponse struct {
	Hits int64 `json:"hits"`
}
