package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/store"
)

type deviceRegistration struct {
	FCMToken         string `json:"fcm_token"`
	PhysicalDeviceID string `json:"physical_device_id"`
	DeviceType       string `json:"device_type"`
	AppVersion       string `json:"app_version"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := make(map[string]string)
	if req.FCMToken == "" {
		fields["fcm_token"] = "is required"
	}
	if req.PhysicalDeviceID == "" {
		fields["physical_device_id"] = "is required"
	}
	if len(fields) > 0 {
		s.writeFieldErrors(w, fields)
		return
	}

	userID := userIDFrom(r)
	err := s.store.UpsertFCMDevice(r.Context(), store.FCMDeviceInput{
		UserID:           userID,
		FCMToken:         req.FCMToken,
		PhysicalDeviceID: req.PhysicalDeviceID,
		DeviceType:       req.DeviceType,
		AppVersion:       req.AppVersion,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}

	log.Info("fcm device registered", "user_id", userID, "device_type", req.DeviceType)
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}
