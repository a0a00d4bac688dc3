package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

const maxRequestBody = 1 << 20

// LocateRequest structure
type LocateRequest struct {
	URL string `json:"url"`
}

// Empty reports whether the request carries no target at all.
func (r *LocateRequest) Empty() bool {
	return strings.TrimSpace(r.URL) == ""
}

func (r *LocateRequest) Validate() error {
	if r.Empty() {
		return errors.New("url is required")
	}
	return validateTarget(r.URL)
}

// LocateResponse is the lookup reply. Received is null when nothing was
// found or the lookup failed; Error carries the failure cause.
type LocateResponse struct {
	Status    string  `json:"status"`
	Received  *string `json:"received"`
	Strategy  string  `json:"strategy,omitempty"`
	Attempts  int     `json:"attempts,omitempty"`
	ElapsedMS int64   `json:"elapsed_ms"`
	Cached    bool    `json:"cached,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func newLocateResponse(res Result) LocateResponse {
	resp := LocateResponse{
		Status:    "success",
		Strategy:  res.Strategy,
		Attempts:  res.Attempts,
		ElapsedMS: res.Elapsed.Milliseconds(),
		Cached:    res.Cached,
	}
	if res.Found() {
		u := res.URL
		resp.Received = &u
	}
	return resp
}

// decodeBody reads a JSON body regardless of Content-Type. It reports
// (false, nil) when the body is empty or null.
func decodeBody(r *http.Request, v any) (bool, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return false, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || string(body) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, err
	}
	return true, nil
}

// handleLocate answers like the lookup it fronts: a failed lookup is a miss,
// reported with a null received URL and the cause in error.
func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	var req LocateRequest
	ok, err := decodeBody(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !ok || req.Empty() {
		writeError(w, http.StatusBadRequest, "No data received")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.service.Locate(r.Context(), middleware.GetReqID(r.Context()), strings.TrimSpace(req.URL))
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nobody reads the reply.
			return
		}
		s.log.Warn().Err(err).Str("target", req.URL).Msg("lookup failed")
		resp := newLocateResponse(res)
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeJSON(w, http.StatusOK, newLocateResponse(res))
}
