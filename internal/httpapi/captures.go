package httpapi

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	opts, fields := parseListOptions(r)
	if fields != nil {
		s.writeFieldErrors(w, fields)
		return
	}

	cs, err := s.store.ListCaptures(r.Context(), opts)
	if err != nil {
		s.storeError(w, err)
		return
	}

	out := make([]captureResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, captureResponse{
			ID:             c.ID,
			RPiEventID:     c.RPiEventID,
			NotificationID: c.NotificationID,
			Path:           c.Path,
			CreatedAt:      c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCountCaptures(w http.ResponseWriter, r *http.Request) {
	hits, err := s.store.CountCaptures(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hitsResponse{Hits: hits})
}

func (s *Server) handleDeleteCapture(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFieldErrors(w, map[string]string{"id": err.Error()})
		return
	}
	if err := s.store.DeleteCapture(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCaptures(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeFieldErrors(w, map[string]string{"ids": "must not be empty"})
		return
	}

	deleted, err := s.store.DeleteCaptures(r.Context(), req.IDs)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: deleted})
}
