package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

type captureResponse struct {
	ID             int64     `json:"id"`
	RPiEventID     string    `json:"rpi_event_id"`
	NotificationID *int64    `json:"notification_id"`
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"created_at"`
}

type notificationResponse struct {
	ID         int64             `json:"id"`
	Title      string            `json:"title"`
	Type       string            `json:"type"`
	RPiEventID string            `json:"rpi_event_id"`
	CreatedAt  time.Time         `json:"created_at"`
	Captures   []captureResponse `json:"captures"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	opts, fields := parseListOptions(r)
	if fields != nil {
		s.writeFieldErrors(w, fields)
		return
	}

	userID := userIDFrom(r)
	ns, err := s.store.ListNotifications(r.Context(), userID, opts)
	if err != nil {
		s.storeError(w, err)
		return
	}

	ids := make([]int64, 0, len(ns))
	for _, n := range ns {
		ids = append(ids, n.ID)
	}
	linked, err := s.store.CapturesByNotificationIDs(r.Context(), ids)
	if err != nil {
		s.storeError(w, err)
		return
	}

	out := make([]notificationResponse, 0, len(ns))
	for _, n := range ns {
		item := notificationResponse{
			ID:         n.ID,
			Title:      n.Title,
			Type:       n.Type,
			RPiEventID: n.RPiEventID,
			CreatedAt:  n.CreatedAt,
			Captures:   make([]captureResponse, 0),
		}
		for _, c := range linked[n.ID] {
			item.Captures = append(item.Captures, captureResponse{
				ID:             c.ID,
				RPiEventID:     c.RPiEventID,
				NotificationID: c.NotificationID,
				Path:           c.Path,
				CreatedAt:      c.CreatedAt,
			})
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCountNotifications(w http.ResponseWriter, r *http.Request) {
	hits, err := s.store.CountNotifications(r.Context(), userIDFrom(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hitsResponse{Hits: hits})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFieldErrors(w, map[string]string{"id": err.Error()})
		return
	}
	if err := s.store.DeleteNotification(r.Context(), userIDFrom(r), id); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNotifications(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeFieldErrors(w, map[string]string{"ids": "must not be empty"})
		return
	}

	deleted, err := s.store.DeleteNotifications(r.Context(), userIDFrom(r), req.IDs)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: deleted})
}
