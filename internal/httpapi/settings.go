package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/store"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	config, err := s.store.GetSettings(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no settings stored yet")
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(config)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update message.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Re-marshal so the stored document is the known settings shape,
	// not whatever extra keys the client sent.
	config, err := json.Marshal(update)
	if err != nil {
		log.Error("marshal settings failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.store.UpdateSettings(r.Context(), config); err != nil {
		s.storeError(w, err)
		return
	}

	// Forward to the device if one is connected. The row is already
	// saved, so an offline device just picks the change up later.
	s.forwardSettings(r, config)

	// The forward may have swapped in the device's own snapshot; serve
	// whatever is stored now.
	stored, err := s.store.GetSettings(r.Context())
	if err != nil {
		stored = config
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(stored)
}

func (s *Server) forwardSettings(r *http.Request, config []byte) {
	msg, err := message.New(message.TypeSettingsRequest, message.SettingsRequest{
		Type: message.SettingsChange,
		Data: config,
	})
	if err != nil {
		log.Error("build settings message failed", logging.KeyError, err)
		return
	}

	reply, err := s.device.RequestDevice(r.Context(), msg)
	if err != nil {
		log.Warn("settings not forwarded to device", logging.KeyError, err)
		return
	}

	// The ack carries the device's full settings after applying the
	// change. Adopt it so the stored copy matches what the device runs.
	if reply.Type == message.TypeSettingsAck && len(reply.Payload) > 0 {
		var snap message.SettingsSnapshot
		if err := reply.DecodePayload(&snap); err != nil {
			log.Warn("decode settings ack failed", logging.KeyError, err)
			return
		}
		doc, err := json.Marshal(snap)
		if err != nil {
			return
		}
		if err := s.store.UpdateSettings(r.Context(), doc); err != nil {
			log.Error("store device settings failed", logging.KeyError, err)
			return
		}
	}
	log.Info("settings forwarded to device", "reply", reply.Type.String())
}
