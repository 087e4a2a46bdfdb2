// Package hubclient maintains the device's WebSocket session to the
// hub. It reconnects forever with jittered exponential backoff, routes
// replies back to waiting requests and dispatches hub-initiated frames
// to registered handlers.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/secmem"
)

var log = logging.L("hubclient")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 * 1024 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
	requestTimeout = 10 * time.Second
)

var (
	// ErrConnectionClosed cancels pending requests when the socket dies.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned by Send when the outbound queue is
	// saturated. The frame is dropped; the link is allowed to be lossy.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("client stopped")
)

// Config holds hub connection parameters.
type Config struct {
	ServerURL string
	Endpoint  string
	AuthToken string
}

// Handler processes one hub-initiated frame. The read pump dispatches
// handlers inline, so a frame is fully handled before the next one is
// read. Handlers must not call Request; replies go out via Send.
type Handler func(ctx context.Context, msg *message.Message) error

// Client manages the WebSocket connection to the hub.
type Client struct {
	config *Config
	token  *secmem.SecureString
	conn   *websocket.Conn
	connMu sync.RWMutex

	handlersMu sync.RWMutex
	handlers   map[message.Type]Handler

	pendingMu sync.Mutex
	pending   map[string]chan *message.Message

	onConnect    func()
	onDisconnect func()

	done      chan struct{}
	fatal     chan struct{}
	fatalOnce sync.Once
	sendChan  chan []byte
	dropped   atomic.Uint64
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.RWMutex
}

// New creates a new hub client. The auth token is copied into wipeable
// memory; the config copy is not read again.
func New(cfg *Config) *Client {
	return &Client{
		config:   cfg,
		token:    secmem.NewSecureString(cfg.AuthToken),
		handlers: make(map[message.Type]Handler),
		pending:  make(map[string]chan *message.Message),
		done:     make(chan struct{}),
		fatal:    make(chan struct{}),
		sendChan: make(chan []byte, 256),
	}
}

// RegisterHandler installs the handler for a message type. Later
// registrations for the same type replace earlier ones.
func (c *Client) RegisterHandler(t message.Type, h Handler) {
	c.handlersMu.Lock()
	c.handlers[t] = h
	c.handlersMu.Unlock()
}

// OnConnect installs a callback invoked after every successful
// connection, including reconnects. Used for resync work that must
// happen per session (notification sync, stream room rejoin).
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

// OnDisconnect installs a callback invoked each time an established
// connection is lost.
func (c *Client) OnDisconnect(fn func()) {
	c.onDisconnect = fn
}

// Start runs the connect/reconnect loop until Stop is called or the hub
// refuses the session with a fatal close code. Blocks; run it in a
// goroutine.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop gracefully closes the connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		c.failPending()
		c.token.Zero()
		log.Info("client stopped")
	})
}

// Fatal is closed when the hub rejects the session with close code 3000
// or 3003. The client will not reconnect after that; the caller decides
// whether to exit or re-provision credentials.
func (c *Client) Fatal() <-chan struct{} {
	return c.fatal
}

// Dropped reports how many outbound frames were discarded because the
// send buffer was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Send queues a message without waiting for any reply. The frame is
// dropped when the buffer is full.
func (c *Client) Send(msg *message.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		n := c.dropped.Add(1)
		log.Warn("send buffer full, dropping frame", logging.KeyMsgType, msg.Type.String(), "dropped", n)
		return ErrSendBufferFull
	}
}

// Request sends a message and waits for the hub frame whose reply_to
// matches its msg_id. When ctx carries no deadline a 10 second default
// applies. A dying socket cancels the wait with ErrConnectionClosed.
func (c *Client) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	replyCh := make(chan *message.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = replyCh
	c.pendingMu.Unlock()

	if err := c.Send(msg); err != nil {
		c.removePending(msg.ID)
		return nil, err
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return reply, nil
	case <-ctx.Done():
		c.removePending(msg.ID)
		return nil, ctx.Err()
	case <-c.done:
		c.removePending(msg.ID)
		return nil, ErrStopped
	}
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending closes every outstanding reply channel so waiting
// Request calls fail with ErrConnectionClosed.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected", "server", c.config.ServerURL)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}

	serverURL.Path = "/" + c.config.Endpoint
	q := serverURL.Query()
	q.Set("token", c.token.Reveal())
	serverURL.RawQuery = q.Encode()

	return serverURL.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		case <-c.fatal:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("connection failed", logging.KeyError, err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying", "delay", sleep)
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = initialBackoff

		if c.onConnect != nil {
			go c.onConnect()
		}

		done := make(chan struct{})
		go c.writePump(done)
		c.readPump()
		close(done)

		c.failPending()
		if c.onDisconnect != nil {
			c.onDisconnect()
		}

		select {
		case <-c.fatal:
			log.Error("session refused by hub, giving up")
			return
		default:
		}

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) &&
				(closeErr.Code == message.CloseAuthFailed || closeErr.Code == message.CloseForbidden) {
				log.Error("hub refused session", "code", closeErr.Code, "reason", closeErr.Text)
				c.fatalOnce.Do(func() { close(c.fatal) })
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		msg, err := message.Decode(data)
		if err != nil {
			log.Warn("failed to parse message", logging.KeyError, err)
			continue
		}

		if msg.ReplyTo != "" && c.resolvePending(msg) {
			continue
		}

		c.dispatch(msg)
	}
}

// resolvePending hands a reply to its waiting Request. Reports whether
// a request claimed it.
func (c *Client) resolvePending(msg *message.Message) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ReplyTo]
	if ok {
		delete(c.pending, msg.ReplyTo)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

func (c *Client) dispatch(msg *message.Message) {
	c.handlersMu.RLock()
	h, ok := c.handlers[msg.Type]
	c.handlersMu.RUnlock()

	if !ok {
		log.Debug("no handler for message type", logging.KeyMsgType, msg.Type.String(), logging.KeyMsgID, msg.ID)
		return
	}

	start := time.Now()
	if err := h(context.Background(), msg); err != nil {
		log.Error("handler failed", logging.KeyMsgType, msg.Type.String(), logging.KeyMsgID, msg.ID, logging.KeyError, err)
		return
	}
	log.Debug("message handled", logging.KeyMsgType, msg.Type.String(), logging.KeyDuration, time.Since(start).Milliseconds())
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case data := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
