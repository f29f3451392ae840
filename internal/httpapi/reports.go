package httpapi

import (
	"net/http"
	"strconv"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339
)

// dateParam parses a YYYY-MM-DD query parameter in the server timezone.
// An absent parameter means today.
func (s *Server) dateParam(r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		now := time.Now().In(s.loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc), true
	}
	t, err := time.ParseInLocation(dateLayout, v, s.loc)
	return t, err == nil
}

// locationParam parses the optional location_id filter.
func locationParam(r *http.Request) (*int64, bool) {
	v := r.URL.Query().Get("location_id")
	if v == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, false
	}
	return &id, true
}

func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	date, ok := s.dateParam(r, "date")
	if !ok {
		badRequest(w, r, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	loc, ok := locationParam(r)
	if !ok {
		badRequest(w, r, "invalid_location_id", "location_id must be a positive integer")
		return
	}
	rep, err := s.attendance.DailyAttendance(r.Context(), date, loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rep)
}

func (s *Server) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().In(s.loc)
	year, month := now.Year(), int(now.Month())
	if v := q.Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1970 || n > 9999 {
			badRequest(w, r, "invalid_year", "year must be a four digit year")
			return
		}
		year = n
	}
	if v := q.Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 12 {
			badRequest(w, r, "invalid_month", "month must be between 1 and 12")
			return
		}
		month = n
	}
	loc, ok := locationParam(r)
	if !ok {
		badRequest(w, r, "invalid_location_id", "location_id must be a positive integer")
		return
	}
	rep, err := s.attendance.MonthlySummary(r.Context(), year, time.Month(month), loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rep)
}

func (s *Server) handleDepartmentReport(w http.ResponseWriter, r *http.Request) {
	start, ok := s.dateParam(r, "start")
	if !ok {
		badRequest(w, r, "invalid_date", "start must be YYYY-MM-DD")
		return
	}
	end, ok := s.dateParam(r, "end")
	if !ok {
		badRequest(w, r, "invalid_date", "end must be YYYY-MM-DD")
		return
	}
	rep, err := s.attendance.DepartmentSummary(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rep)
}

func (s *Server) handlePairedReport(w http.ResponseWriter, r *http.Request) {
	date, ok := s.dateParam(r, "date")
	if !ok {
		badRequest(w, r, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	loc, ok := locationParam(r)
	if !ok {
		badRequest(w, r, "invalid_location_id", "location_id must be a positive integer")
		return
	}
	entries, err := s.attendance.PairedView(r.Context(), date, loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, entries)
}
