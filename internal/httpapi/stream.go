package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/ingest"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
)

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	s.streamCommand(w, r, message.TypeStreamStart)
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.streamCommand(w, r, message.TypeStreamStop)
}

// streamCommand relays a start or stop order to the doorbell and turns
// its ack into the HTTP response.
func (s *Server) streamCommand(w http.ResponseWriter, r *http.Request, t message.Type) {
	msg, err := message.New(t, nil)
	if err != nil {
		log.Error("build stream message failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	reply, err := s.device.RequestDevice(r.Context(), msg)
	switch {
	case errors.Is(err, ingest.ErrNoDevice):
		s.writeError(w, http.StatusServiceUnavailable, "no device connected")
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "device did not answer")
		return
	case err != nil:
		log.Error("stream command failed", "command", t.String(), logging.KeyError, err)
		s.writeError(w, http.StatusBadGateway, "device request failed")
		return
	}

	if reply.Type == message.TypeError {
		var ep message.ErrorPayload
		if err := reply.DecodePayload(&ep); err == nil && ep.Error != "" {
			s.writeError(w, http.StatusBadGateway, ep.Error)
			return
		}
		s.writeError(w, http.StatusBadGateway, "device rejected command")
		return
	}

	var ack message.StreamAck
	if err := reply.DecodePayload(&ack); err != nil {
		log.Error("decode stream ack failed", logging.KeyError, err)
		s.writeError(w, http.StatusBadGateway, "unexpected device reply")
		return
	}

	log.Info("stream command acknowledged", "command", t.String(), "status", ack.Status)
	writeJSON(w, http.StatusOK, statusResponse{Status: ack.Status})
}
