// Package broker routes WebRTC signaling between the doorbell
// broadcaster and viewer clients. It never inspects SDP or ICE
// payloads; it tracks rooms, enforces the single-broadcaster rule and
// forwards frames between members.
package broker

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

var log = logging.L("broker")

const (
	roleBroadcaster = "broadcaster"
	roleViewer      = "viewer"
)

// ClientEntry is one member in a room roster.
type ClientEntry struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
}

// RoomSummary describes one active room.
type RoomSummary struct {
	RoomID       string `json:"roomId"`
	TotalClients int    `json:"totalClients"`
	Broadcasters int    `json:"broadcasters"`
	Viewers      int    `json:"viewers"`
}

// frame is a broker-originated signaling message. Client-originated
// offer/answer/ice-candidate frames are forwarded as raw JSON instead,
// so fields this struct does not know about survive the trip.
type frame struct {
	Type     string        `json:"type"`
	ClientID string        `json:"clientId,omitempty"`
	RoomID   string        `json:"roomId,omitempty"`
	Role     string        `json:"role,omitempty"`
	Clients  []ClientEntry `json:"clients,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// envelope is the routing header parsed off every inbound frame.
type envelope struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Target string `json:"target"`
	Role   string `json:"role"`
}

type client struct {
	id     string
	userID string
	send   chan []byte
	rooms  map[string]string // room id -> role
	closed bool
}

type room struct {
	broadcaster string // connection id, "" when none
	viewers     map[string]struct{}
}

func (r *room) empty() bool {
	return r.broadcaster == "" && len(r.viewers) == 0
}

func (r *room) members() []string {
	ids := make([]string, 0, len(r.viewers)+1)
	if r.broadcaster != "" {
		ids = append(ids, r.broadcaster)
	}
	for id := range r.viewers {
		ids = append(ids, id)
	}
	return ids
}

// Broker is the signaling state: every connected client and every
// room, under one mutex. Socket writes never happen under the lock;
// they go through each client's send channel.
type Broker struct {
	mu      sync.Mutex
	clients map[string]*client
	rooms   map[string]*room
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		clients: make(map[string]*client),
		rooms:   make(map[string]*room),
	}
}

// register adds a connected client and hands it its id.
func (b *Broker) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c.id] = c
	b.pushLocked(c, frame{Type: "registered", ClientID: c.id})
	log.Info("client registered", logging.KeyClientID, c.id, "userId", c.userID)
}

// unregister removes a client, pulls it out of every room it was in
// and notifies the rooms it left. Safe to call more than once.
func (b *Broker) unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[id]
	if !ok {
		return
	}
	for roomID := range c.rooms {
		b.leaveRoomLocked(c, roomID)
	}
	c.closed = true
	close(c.send)
	delete(b.clients, id)
	log.Info("client unregistered", logging.KeyClientID, id)
}

// Close tears down every signaling session. Writers drain their
// channels, send a close frame and exit.
func (b *Broker) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.unregister(id)
	}
}

// handleFrame routes one inbound frame from a registered client. raw
// is the original bytes so forwards stay intact.
func (b *Broker) handleFrame(c *client, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.sendError(c, "invalid JSON format")
		return
	}
	if env.Type == "" {
		b.sendError(c, "invalid message: missing type")
		return
	}

	switch env.Type {
	case "offer", "answer", "ice-candidate":
		b.forward(c, raw, env)
	case "join":
		if env.RoomID == "" {
			b.sendError(c, "missing roomId in join request")
			return
		}
		b.join(c, env.RoomID, env.Role)
	case "leave":
		if env.RoomID == "" {
			b.sendError(c, "missing roomId in leave request")
			return
		}
		b.leave(c, env.RoomID)
	case "get-room-info":
		if env.RoomID == "" {
			b.sendError(c, "missing roomId in get-room-info request")
			return
		}
		b.roomInfo(c, env.RoomID)
	default:
		b.sendError(c, fmt.Sprintf("unknown message type: %s", env.Type))
	}
}

// join adds the client to a room. Joining is atomic: when the room
// already has a different broadcaster the state is left untouched and
// only an error goes back.
func (b *Broker) join(c *client, roomID, role string) {
	if role == "" {
		role = roleViewer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{viewers: make(map[string]struct{})}
		b.rooms[roomID] = r
	}

	if role == roleBroadcaster {
		if r.broadcaster != "" && r.broadcaster != c.id {
			b.pushLocked(c, frame{
				Type:    "error",
				Message: fmt.Sprintf("room %s already has a broadcaster", roomID),
			})
			return
		}
		r.broadcaster = c.id
		delete(r.viewers, c.id)
	} else {
		role = roleViewer
		if r.broadcaster == c.id {
			r.broadcaster = ""
		}
		r.viewers[c.id] = struct{}{}
	}
	c.rooms[roomID] = role

	log.Info("client joined room",
		logging.KeyClientID, c.id,
		logging.KeyRoomID, roomID,
		"role", role,
	)

	announce := frame{Type: "client-joined", RoomID: roomID, ClientID: c.id, Role: role}
	for _, id := range r.members() {
		if member, ok := b.clients[id]; ok {
			b.pushLocked(member, announce)
		}
	}

	b.pushLocked(c, frame{
		Type:    "joined",
		RoomID:  roomID,
		Role:    role,
		Clients: b.rosterLocked(roomID),
	})
}

// leave removes the client from a room and confirms with a left frame.
func (b *Broker) leave(c *client, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, member := c.rooms[roomID]; !member {
		b.pushLocked(c, frame{
			Type:    "error",
			Message: fmt.Sprintf("client %s not in room %s", c.id, roomID),
		})
		return
	}
	b.leaveRoomLocked(c, roomID)
	b.pushLocked(c, frame{Type: "left", RoomID: roomID})
}

// leaveRoomLocked detaches the client from one room, destroys the room
// when it empties and otherwise announces the departure.
func (b *Broker) leaveRoomLocked(c *client, roomID string) {
	r, ok := b.rooms[roomID]
	if !ok {
		delete(c.rooms, roomID)
		return
	}

	if r.broadcaster == c.id {
		r.broadcaster = ""
	}
	delete(r.viewers, c.id)
	delete(c.rooms, roomID)

	log.Info("client left room", logging.KeyClientID, c.id, logging.KeyRoomID, roomID)

	if r.empty() {
		delete(b.rooms, roomID)
		log.Info("room destroyed", logging.KeyRoomID, roomID)
		return
	}

	announce := frame{Type: "client-left", RoomID: roomID, ClientID: c.id}
	for _, id := range r.members() {
		if member, ok := b.clients[id]; ok {
			b.pushLocked(member, announce)
		}
	}
}

// forward relays an offer, answer or ICE candidate to its target. The
// original bytes are passed through with the sender's id stamped in as
// clientId so the receiver knows where to answer.
func (b *Broker) forward(c *client, raw []byte, env envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := env.Target
	if target == roleBroadcaster {
		if env.RoomID == "" {
			b.sendErrorLocked(c, "missing roomId for broadcaster target")
			return
		}
		r, ok := b.rooms[env.RoomID]
		if !ok {
			b.sendErrorLocked(c, fmt.Sprintf("room %s not found", env.RoomID))
			return
		}
		if r.broadcaster == "" {
			b.sendErrorLocked(c, fmt.Sprintf("room %s has no broadcaster", env.RoomID))
			return
		}
		target = r.broadcaster
	}

	tc, ok := b.clients[target]
	if !ok {
		b.sendErrorLocked(c, fmt.Sprintf("target client %s not found", target))
		return
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		b.sendErrorLocked(c, "invalid JSON format")
		return
	}
	m["clientId"] = c.id
	data, err := json.Marshal(m)
	if err != nil {
		b.sendErrorLocked(c, "failed to encode forwarded message")
		return
	}

	b.pushRawLocked(tc, data)
	log.Debug("forwarded signaling frame",
		"type", env.Type,
		logging.KeyClientID, c.id,
		"target", target,
	)
}

// roomInfo answers a roster query. Unknown rooms yield an empty list,
// not an error.
func (b *Broker) roomInfo(c *client, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushLocked(c, frame{
		Type:    "room-info",
		RoomID:  roomID,
		Clients: b.rosterLocked(roomID),
	})
}

func (b *Broker) rosterLocked(roomID string) []ClientEntry {
	r, ok := b.rooms[roomID]
	if !ok {
		return []ClientEntry{}
	}
	roster := make([]ClientEntry, 0, len(r.viewers)+1)
	for _, id := range r.members() {
		c, ok := b.clients[id]
		if !ok {
			continue
		}
		roster = append(roster, ClientEntry{
			ClientID: id,
			UserID:   c.userID,
			Role:     c.rooms[roomID],
		})
	}
	return roster
}

// ActiveRooms summarizes every live room for the REST API.
func (b *Broker) ActiveRooms() []RoomSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	rooms := make([]RoomSummary, 0, len(b.rooms))
	for id, r := range b.rooms {
		broadcasters := 0
		if r.broadcaster != "" {
			broadcasters = 1
		}
		rooms = append(rooms, RoomSummary{
			RoomID:       id,
			TotalClients: broadcasters + len(r.viewers),
			Broadcasters: broadcasters,
			Viewers:      len(r.viewers),
		})
	}
	return rooms
}

// RoomClients returns the roster of one room for the REST API.
func (b *Broker) RoomClients(roomID string) []ClientEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rosterLocked(roomID)
}

func (b *Broker) sendError(c *client, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErrorLocked(c, msg)
}

func (b *Broker) sendErrorLocked(c *client, msg string) {
	b.pushLocked(c, frame{Type: "error", Message: msg})
}

func (b *Broker) pushLocked(c *client, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error("failed to encode frame", logging.KeyError, err)
		return
	}
	b.pushRawLocked(c, data)
}

// pushRawLocked queues bytes for the client's writer. A client that
// cannot drain its channel loses frames rather than stalling the
// broker; signaling traffic is light enough that this only happens to
// dead connections, which the writer tears down on its next error.
func (b *Broker) pushRawLocked(c *client, data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn("dropping frame for slow client", logging.KeyClientID, c.id)
	}
}
