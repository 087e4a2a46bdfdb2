package broker

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

// AuthFunc validates a signaling token and returns the user id that
// goes into room rosters.
type AuthFunc func(token string) (string, error)

// WSHandler upgrades signaling connections, authenticates them and
// runs their read/write pumps against the broker.
type WSHandler struct {
	broker   *Broker
	auth     AuthFunc
	upgrader websocket.Upgrader
}

// NewWSHandler creates the /ws/signaling endpoint handler.
func NewWSHandler(b *Broker, auth AuthFunc) *WSHandler {
	return &WSHandler{
		broker: b,
		auth:   auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Viewers connect from browsers on arbitrary origins; the
			// token query is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("signaling upgrade failed", logging.KeyError, err)
		return
	}

	userID, err := h.auth(r.URL.Query().Get("token"))
	if err != nil {
		log.Warn("signaling auth failed", logging.KeyError, err)
		closeWithCode(conn, message.CloseAuthFailed, "authentication failed")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]string),
	}
	h.broker.register(c)

	go h.writePump(conn, c)
	h.readPump(conn, c)
}

func (h *WSHandler) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		h.broker.unregister(c.id)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The doorbell client pings on its own schedule; count that as
	// liveness too.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("signaling read error", logging.KeyClientID, c.id, logging.KeyError, err)
			}
			return
		}
		h.broker.handleFrame(c, data)
	}
}

// writePump serializes all socket writes for one client. A write error
// force-unregisters the client so its rooms learn about the departure
// right away instead of at the next read timeout.
func (h *WSHandler) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("signaling write failed", logging.KeyClientID, c.id, logging.KeyError, err)
				h.broker.unregister(c.id)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.broker.unregister(c.id)
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
