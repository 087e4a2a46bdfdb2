// Package ingest runs the hub side of the device channel: it accepts
// the doorbell's WebSocket session, dispatches its frames to registered
// handlers and lets the rest of the hub push requests to the device and
// await the acks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/auth"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
)

var log = logging.L("ingest")

const (
	writeWait         = 10 * time.Second
	defaultInactivity = 60 * time.Second
	// Capture frames arrive as base64 inside the JSON envelope, so the
	// read limit has to fit a full-resolution raw frame plus overhead.
	maxMessageSize = 8 * 1024 * 1024
	sendBuffer     = 64
	requestTimeout = 10 * time.Second
)

var (
	// ErrNoDevice is returned when a hub-initiated request finds no
	// connected device session.
	ErrNoDevice = errors.New("no device connected")
	// ErrConnectionClosed cancels pending requests when the session dies.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when the session's outbound queue is
	// saturated.
	ErrSendBufferFull = errors.New("send buffer full")
)

// AuthFunc validates the token from the connect URL and returns the
// user id the session acts for. auth.ErrInvalidSubject closes the
// socket with 3003 instead of 3000.
type AuthFunc func(token string) (int64, error)

// HandlerFunc processes one device frame and returns the reply to send
// back, or nil when the frame needs no reply. A returned error becomes
// an ERROR reply; the connection stays open.
type HandlerFunc func(ctx context.Context, sess *Session, msg *message.Message) (*message.Message, error)

// Config holds gateway parameters.
type Config struct {
	Auth AuthFunc
	// Inactivity is how long the session may stay silent before the hub
	// drops it. Both data frames and pings reset the clock.
	Inactivity time.Duration
}

// Gateway owns the device WebSocket endpoint. At most one session is
// active; a new connection replaces the previous one, which covers the
// device reconnecting before the hub noticed the old socket die.
type Gateway struct {
	auth       AuthFunc
	inactivity time.Duration
	upgrader   websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[message.Type]HandlerFunc

	mu     sync.Mutex
	active *Session
}

// NewGateway creates the /ws/rpi endpoint handler.
func NewGateway(cfg Config) *Gateway {
	inactivity := cfg.Inactivity
	if inactivity <= 0 {
		inactivity = defaultInactivity
	}
	return &Gateway{
		auth:       cfg.Auth,
		inactivity: inactivity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		handlers: make(map[message.Type]HandlerFunc),
	}
}

// Register installs the handler for a message type. Later registrations
// for the same type replace earlier ones.
func (g *Gateway) Register(t message.Type, h HandlerFunc) {
	g.handlersMu.Lock()
	g.handlers[t] = h
	g.handlersMu.Unlock()
}

// Device returns the active session, if any.
func (g *Gateway) Device() (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.active != nil
}

// RequestDevice sends msg to the connected device and waits for its
// reply. Fails with ErrNoDevice when no session is up.
func (g *Gateway) RequestDevice(ctx context.Context, msg *message.Message) (*message.Message, error) {
	s, ok := g.Device()
	if !ok {
		return nil, ErrNoDevice
	}
	return s.Request(ctx, msg)
}

// Close drops the active session. Used on hub shutdown.
func (g *Gateway) Close() {
	if s, ok := g.Device(); ok {
		s.close()
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("device upgrade failed", logging.KeyError, err)
		return
	}

	userID, err := g.auth(r.URL.Query().Get("token"))
	if err != nil {
		code := message.CloseAuthFailed
		if errors.Is(err, auth.ErrInvalidSubject) {
			code = message.CloseForbidden
		}
		log.Warn("device auth failed", "code", code, logging.KeyError, err)
		closeWithCode(conn, code, "authentication failed")
		return
	}

	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		gw:       g,
		conn:     conn,
		sendChan: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		pending:  make(map[string]chan *message.Message),
	}

	g.register(s)
	log.Info("device session opened", "sessionId", s.ID, "userId", s.UserID, "remote", conn.RemoteAddr().String())

	if msg, err := message.New(message.TypeAuthResult, message.AuthResult{Status: "authenticated", UserID: userID}); err == nil {
		s.Send(msg)
	}

	go s.writePump()
	s.readPump()
}

func (g *Gateway) register(s *Session) {
	g.mu.Lock()
	old := g.active
	g.active = s
	g.mu.Unlock()

	if old != nil {
		log.Warn("replacing existing device session", "oldSessionId", old.ID, "sessionId", s.ID)
		old.close()
	}
}

func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	if g.active == s {
		g.active = nil
	}
	g.mu.Unlock()
}

// dispatch runs the handler for one frame. Reports whether the session
// must be torn down because the handler panicked.
func (g *Gateway) dispatch(s *Session, msg *message.Message) (fatal bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic",
				logging.KeyMsgType, msg.Type.String(),
				logging.KeyMsgID, msg.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			fatal = true
		}
	}()

	g.handlersMu.RLock()
	h, ok := g.handlers[msg.Type]
	g.handlersMu.RUnlock()

	if !ok {
		log.Warn("unhandled message type", logging.KeyMsgType, msg.Type.String(), logging.KeyMsgID, msg.ID)
		s.sendError(msg, fmt.Sprintf("unhandled message type: %s", msg.Type))
		return false
	}

	start := time.Now()
	reply, err := h(context.Background(), s, msg)
	if err != nil {
		log.Error("handler failed",
			logging.KeyMsgType, msg.Type.String(),
			logging.KeyMsgID, msg.ID,
			logging.KeyError, err)
		s.sendError(msg, err.Error())
		return false
	}
	if reply != nil {
		if err := s.Send(reply); err != nil {
			log.Warn("reply not sent", logging.KeyMsgType, reply.Type.String(), logging.KeyError, err)
		}
	}
	log.Debug("message handled",
		logging.KeyMsgType, msg.Type.String(),
		logging.KeyMsgID, msg.ID,
		logging.KeyDuration, time.Since(start).Milliseconds())
	return false
}

// Session is one authenticated device connection.
type Session struct {
	ID     string
	UserID int64

	gw   *Gateway
	conn *websocket.Conn

	sendChan  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan *message.Message
}

// Send queues a message on the session without waiting for a reply.
func (s *Session) Send(msg *message.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	select {
	case s.sendChan <- data:
		return nil
	case <-s.done:
		return ErrConnectionClosed
	default:
		log.Warn("device send buffer full, dropping frame", logging.KeyMsgType, msg.Type.String())
		return ErrSendBufferFull
	}
}

// Request sends a message to the device and waits for the frame whose
// reply_to matches its msg_id. When ctx carries no deadline a 10 second
// default applies.
func (s *Session) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	replyCh := make(chan *message.Message, 1)
	s.pendingMu.Lock()
	s.pending[msg.ID] = replyCh
	s.pendingMu.Unlock()

	if err := s.Send(msg); err != nil {
		s.removePending(msg.ID)
		return nil, err
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return reply, nil
	case <-ctx.Done():
		s.removePending(msg.ID)
		return nil, ctx.Err()
	case <-s.done:
		s.removePending(msg.ID)
		return nil, ErrConnectionClosed
	}
}

func (s *Session) sendError(orig *message.Message, text string) {
	reply, err := message.NewReply(orig, message.TypeError, message.ErrorPayload{Error: text})
	if err != nil {
		return
	}
	s.Send(reply)
}

func (s *Session) removePending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// failPending closes every outstanding reply channel so waiting
// Request calls fail with ErrConnectionClosed.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

// resolvePending hands a reply to its waiting Request. Reports whether
// a request claimed it.
func (s *Session) resolvePending(msg *message.Message) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.ReplyTo]
	if ok {
		delete(s.pending, msg.ReplyTo)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.failPending()
	})
}

func (s *Session) readPump() {
	defer func() {
		s.gw.unregister(s)
		s.close()
		log.Info("device session closed", "sessionId", s.ID)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.gw.inactivity))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.gw.inactivity))
		return nil
	})
	// The device pings from its side too; answer and treat it as
	// liveness.
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.gw.inactivity))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("device read error", "sessionId", s.ID, logging.KeyError, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.gw.inactivity))

		msg, err := message.Decode(data)
		if err != nil {
			log.Warn("malformed device frame", "sessionId", s.ID, logging.KeyError, err)
			if reply, merr := message.New(message.TypeError, message.ErrorPayload{Error: err.Error()}); merr == nil {
				s.Send(reply)
			}
			continue
		}

		if msg.ReplyTo != "" && s.resolvePending(msg) {
			continue
		}

		if s.gw.dispatch(s, msg) {
			closeWithCode(s.conn, websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker((s.gw.inactivity * 9) / 10)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendChan:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("device write failed", "sessionId", s.ID, logging.KeyError, err)
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
