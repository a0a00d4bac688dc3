package main

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// BatchRequest structure
type BatchRequest struct {
	URLs []string `json:"urls"`
}

func (r *BatchRequest) Validate(maxURLs int) error {
	if len(r.URLs) == 0 {
		return errors.New("no target urls provided")
	}
	if len(r.URLs) > maxURLs {
		return ErrTooManyURLs
	}
	return nil
}

// BatchItemResponse is one entry of a batch reply.
type BatchItemResponse struct {
	URL string `json:"url"`
	LocateResponse
}

// BatchResponse lists results in request order.
type BatchResponse struct {
	TaskID  string              `json:"task_id"`
	Results []BatchItemResponse `json:"results"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	ok, err := decodeBody(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "No data received")
		return
	}
	if err := req.Validate(s.cfg.Batch.MaxURLs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := uuid.NewString()
	w.Header().Set("X-Task-Id", taskID)

	items, err := s.service.LocateAll(r.Context(), taskID, req.URLs)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.log.Error().Err(err).Str("task_id", taskID).Msg("batch failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := BatchResponse{TaskID: taskID, Results: make([]BatchItemResponse, 0, len(items))}
	for _, item := range items {
		lr := newLocateResponse(item.Result)
		if item.Err != nil {
			lr.Status = "error"
			lr.Error = item.Err.Error()
		}
		resp.Results = append(resp.Results, BatchItemResponse{URL: item.Target, LocateResponse: lr})
	}
	writeJSON(w, http.StatusOK, resp)
}
