// Package signalclient keeps the device registered as the broadcaster
// in its signaling room. It feeds viewer offers and ICE candidates to
// the broadcast manager and tells the controller when viewers appear
// and when the last one is gone.
package signalclient

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/broadcast"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/secmem"
)

var log = logging.L("signalclient")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

const (
	roleBroadcaster = "broadcaster"
	roleViewer      = "viewer"
)

// frame is the signaling wire format. One struct with optional fields
// mirrors the JSON the broker speaks; Type decides which fields matter.
type frame struct {
	Type      string        `json:"type"`
	ClientID  string        `json:"clientId,omitempty"`
	Target    string        `json:"target,omitempty"`
	RoomID    string        `json:"roomId,omitempty"`
	Role      string        `json:"role,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *candidate    `json:"candidate,omitempty"`
	Clients   []clientEntry `json:"clients,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type clientEntry struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
	Role     string `json:"role"`
}

func webrtcCandidate(c candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// Config holds signaling connection parameters.
type Config struct {
	ServerURL string
	AuthToken string
	RoomID    string
}

// Client is the device's signaling session.
type Client struct {
	config *Config
	token  *secmem.SecureString
	mgr    *broadcast.Manager

	onViewerJoined func()
	onViewersGone  func()

	conn   *websocket.Conn
	connMu sync.RWMutex

	mu       sync.Mutex
	clientID string
	viewers  map[string]struct{}

	done      chan struct{}
	sendChan  chan []byte
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.RWMutex
}

// New creates a signaling client that routes media negotiation into mgr.
// The auth token is copied into wipeable memory.
func New(cfg *Config, mgr *broadcast.Manager) *Client {
	return &Client{
		config:   cfg,
		token:    secmem.NewSecureString(cfg.AuthToken),
		mgr:      mgr,
		viewers:  make(map[string]struct{}),
		done:     make(chan struct{}),
		sendChan: make(chan []byte, 64),
	}
}

// OnViewerJoined installs the callback fired when the viewer count
// leaves zero. The controller preempts recording on it.
func (c *Client) OnViewerJoined(fn func()) {
	c.onViewerJoined = fn
}

// OnViewersGone installs the callback fired when the last viewer
// leaves. The controller ends streaming and arms the cooldown on it.
func (c *Client) OnViewersGone(fn func()) {
	c.onViewersGone = fn
}

// ViewerCount reports the current room viewer count as tracked from
// presence events.
func (c *Client) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers)
}

// Start runs the connect/register/join loop until Stop. Blocks; run it
// in a goroutine.
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

// Stop closes the session and tears down every peer connection.
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

		c.mgr.CloseAll()
		c.token.Zero()
		log.Info("signaling client stopped")
	})
}

func (c *Client) connect() error {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return fmt.Errorf("parse signaling URL: %w", err)
	}
	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}
	q := serverURL.Query()
	q.Set("token", c.token.Reveal())
	serverURL.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(serverURL.String(), nil)
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

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
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

		backoff = initialBackoff

		done := make(chan struct{})
		go c.writePump(done)
		c.readPump()
		close(done)

		c.mu.Lock()
		c.clientID = ""
		c.mu.Unlock()

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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("failed to parse signaling frame", logging.KeyError, err)
			continue
		}

		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f frame) {
	switch f.Type {
	case "registered":
		c.mu.Lock()
		c.clientID = f.ClientID
		c.mu.Unlock()
		log.Info("registered with broker", logging.KeyClientID, f.ClientID)
		c.send(frame{
			Type:     "join",
			ClientID: f.ClientID,
			RoomID:   c.config.RoomID,
			Role:     roleBroadcaster,
		})

	case "joined":
		// The reply carries the room roster; reconcile our viewer set
		// with it so a rejoin after a signaling drop resynchronizes.
		viewers := make(map[string]struct{})
		for _, entry := range f.Clients {
			if entry.Role == roleViewer {
				viewers[entry.ClientID] = struct{}{}
			}
		}
		c.swapViewers(viewers)
		log.Info("joined room", logging.KeyRoomID, f.RoomID, "viewers", len(viewers))

	case "client-joined":
		if f.Role != roleViewer || f.ClientID == c.selfID() {
			return
		}
		c.addViewer(f.ClientID)

	case "client-left":
		c.mgr.RemovePeer(f.ClientID)
		c.removeViewer(f.ClientID)

	case "offer":
		if !c.addressedToMe(f.Target) || f.SDP == "" {
			return
		}
		answer, err := c.mgr.HandleOffer(f.ClientID, f.SDP)
		if err != nil {
			log.Error("offer rejected", logging.KeyClientID, f.ClientID, logging.KeyError, err)
			return
		}
		c.send(frame{
			Type:     "answer",
			ClientID: c.selfID(),
			Target:   f.ClientID,
			SDP:      answer,
		})

	case "ice-candidate":
		if !c.addressedToMe(f.Target) || f.Candidate == nil {
			return
		}
		init := webrtcCandidate(*f.Candidate)
		if err := c.mgr.AddICECandidate(f.ClientID, init); err != nil {
			log.Warn("candidate dropped", logging.KeyClientID, f.ClientID, logging.KeyError, err)
		}

	case "error":
		log.Warn("broker error", "message", f.Message)

	default:
		log.Debug("unhandled signaling frame", "type", f.Type)
	}
}

func (c *Client) selfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) addressedToMe(target string) bool {
	if target == roleBroadcaster {
		return true
	}
	return target != "" && target == c.selfID()
}

func (c *Client) addViewer(id string) {
	c.mu.Lock()
	wasEmpty := len(c.viewers) == 0
	c.viewers[id] = struct{}{}
	c.mu.Unlock()

	log.Info("viewer joined", logging.KeyClientID, id)
	if wasEmpty && c.onViewerJoined != nil {
		c.onViewerJoined()
	}
}

func (c *Client) removeViewer(id string) {
	c.mu.Lock()
	_, known := c.viewers[id]
	delete(c.viewers, id)
	nowEmpty := known && len(c.viewers) == 0
	c.mu.Unlock()

	if !known {
		return
	}
	log.Info("viewer left", logging.KeyClientID, id)
	if nowEmpty && c.onViewersGone != nil {
		c.onViewersGone()
	}
}

func (c *Client) swapViewers(next map[string]struct{}) {
	c.mu.Lock()
	hadViewers := len(c.viewers) > 0
	c.viewers = next
	hasViewers := len(next) > 0
	c.mu.Unlock()

	if !hadViewers && hasViewers && c.onViewerJoined != nil {
		c.onViewerJoined()
	}
	if hadViewers && !hasViewers && c.onViewersGone != nil {
		c.onViewersGone()
	}
}

func (c *Client) send(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error("marshal signaling frame", logging.KeyError, err)
		return
	}

	select {
	case c.sendChan <- data:
	case <-c.done:
	default:
		log.Warn("signaling send buffer full, dropping frame", "type", f.Type)
	}
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
