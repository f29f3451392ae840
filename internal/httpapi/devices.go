package httpapi

import (
	"net/http"
	"strconv"

	"github.com/pdks/engine/internal/pdks/service"
	"github.com/pdks/engine/internal/pdks/types"
)

type syncRequest struct {
	ClearAfterSync bool `json:"clear_after_sync"`
}

type syncAllResponse struct {
	Results []types.SyncResult `json:"results"`
	Success int                `json:"success"`
	Partial int                `json:"partial"`
	Failed  int                `json:"failed"`
	Skipped int                `json:"skipped"`
}

type deviceUser struct {
	UID        int    `json:"uid"`
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	CardNumber string `json:"card_number,omitempty"`
	Role       int    `json:"role"`
}

type syncHistoryEntry struct {
	ID            string           `json:"id"`
	DeviceID      int64            `json:"device_id"`
	SyncType      string           `json:"sync_type"`
	Status        types.SyncStatus `json:"status"`
	RecordsSynced int              `json:"records_synced"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	StartedAt     string           `json:"started_at"`
	CompletedAt   string           `json:"completed_at,omitempty"`
}

func (s *Server) handleSyncDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_device_id", "device id must be a positive integer")
		return
	}
	var req syncRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, "bad_json", "invalid JSON body")
		return
	}

	res, err := s.sync.SyncDevice(r.Context(), id, service.SyncOptions{
		SyncType:       service.SyncTypeManual,
		ClearAfterSync: req.ClearAfterSync,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, res)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, "bad_json", "invalid JSON body")
		return
	}

	results, err := s.sync.SyncAll(r.Context(), service.SyncOptions{
		SyncType:       service.SyncTypeFleet,
		ClearAfterSync: req.ClearAfterSync,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := syncAllResponse{Results: results}
	for _, res := range results {
		switch res.Status {
		case types.SyncSuccess:
			resp.Success++
		case types.SyncPartial:
			resp.Partial++
		case types.SyncSkipped:
			resp.Skipped++
		default:
			resp.Failed++
		}
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_device_id", "device id must be a positive integer")
		return
	}
	res, err := s.ops.TestConnection(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, res)
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_device_id", "device id must be a positive integer")
		return
	}
	info, err := s.ops.PullDeviceInfo(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, info)
}

func (s *Server) handleDeviceUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_device_id", "device id must be a positive integer")
		return
	}
	users, err := s.ops.FetchDeviceUsers(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]deviceUser, 0, len(users))
	for _, u := range users {
		out = append(out, deviceUser{UID: u.UID, UserID: u.UserID, Name: u.Name, CardNumber: u.CardNumber, Role: u.Role})
	}
	respond(w, r, http.StatusOK, out)
}

func (s *Server) handleEnrollAll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, r, "invalid_device_id", "device id must be a positive integer")
		return
	}
	results, err := s.enrollment.EnrollAll(r.Context(), id, operator(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, enrollSummary(results))
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var deviceID int64
	if v := q.Get("device_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			badRequest(w, r, "invalid_device_id", "device_id must be a positive integer")
			return
		}
		deviceID = n
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(w, r, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	rows, err := s.syncHistory.ListSyncHistory(r.Context(), deviceID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]syncHistoryEntry, 0, len(rows))
	for _, h := range rows {
		e := syncHistoryEntry{
			ID:            h.ID,
			DeviceID:      h.DeviceID,
			SyncType:      h.SyncType,
			Status:        h.Status,
			RecordsSynced: h.RecordsSynced,
			ErrorMessage:  h.ErrorMessage,
			StartedAt:     h.StartedAt.UTC().Format(timeLayout),
		}
		if h.CompletedAt != nil {
			e.CompletedAt = h.CompletedAt.UTC().Format(timeLayout)
		}
		out = append(out, e)
	}
	respond(w, r, http.StatusOK, out)
}
