package httpapi

import (
	"net/http"
	"strings"

	"github.com/pdks/engine/internal/pdks/types"
)

// operatorHeader names who triggered an enrollment.
const operatorHeader = "X-Operator"

func operator(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(operatorHeader)); v != "" {
		return v
	}
	return "api"
}

type deviceIDsRequest struct {
	DeviceIDs []int64 `json:"device_ids"`
}

type revokeRequest struct {
	Status types.TempCardStatus `json:"status"`
}

type enrollResponse struct {
	Results   []types.EnrollResult `json:"results"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
}

func enrollSummary(results []types.EnrollResult) enrollResponse {
	resp := enrollResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []types.EnrollResult{}
	}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return resp
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_personnel_id", "personnel id must be a positive integer")
		return
	}
	var req deviceIDsRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, "bad_json", "invalid JSON body")
		return
	}
	results, err := s.enrollment.EnrollMany(r.Context(), id, req.DeviceIDs, operator(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, enrollSummary(results))
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_personnel_id", "personnel id must be a positive integer")
		return
	}
	var req deviceIDsRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, "bad_json", "invalid JSON body")
		return
	}
	results, err := s.enrollment.Unassign(r.Context(), id, req.DeviceIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, enrollSummary(results))
}

func (s *Server) handleAssignLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_personnel_id", "personnel id must be a positive integer")
		return
	}
	locationID, ok := pathID(r, "locationId")
	if !ok {
		badRequest(w, r, "invalid_location_id", "location id must be a positive integer")
		return
	}
	results, err := s.enrollment.AssignByLocation(r.Context(), id, locationID, operator(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, enrollSummary(results))
}

func (s *Server) handleIssueTempCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_temp_card_id", "temp card id must be a positive integer")
		return
	}
	results, err := s.enrollment.IssueTempCard(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, enrollSummary(results))
}

func (s *Server) handleRevokeTempCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_temp_card_id", "temp card id must be a positive integer")
		return
	}
	req := revokeRequest{Status: types.TempCardRevoked}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, "bad_json", "invalid JSON body")
		return
	}
	results, err := s.enrollment.RevokeTempCard(r.Context(), id, req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, enrollSummary(results))
}
