package httpapi

import (
	"net/http"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/broker"
)

func (s *Server) handleActiveRooms(w http.ResponseWriter, r *http.Request) {
	rooms := make([]broker.RoomSummary, 0)
	if s.broker != nil {
		rooms = s.broker.ActiveRooms()
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleRoomClients(w http.ResponseWriter, r *http.Request) {
	clients := make([]broker.ClientEntry, 0)
	if s.broker != nil {
		clients = s.broker.RoomClients(r.PathValue("id"))
	}
	writeJSON(w, http.StatusOK, clients)
}
