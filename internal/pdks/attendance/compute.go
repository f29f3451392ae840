package attendance

import (
	"sort"
	"time"

	"github.com/pdks/engine/internal/pdks/types"
)

// DayResult is one person's attendance on one local date.
type DayResult struct {
	FirstIn      *time.Time `json:"first_in,omitempty"`
	LastOut      *time.Time `json:"last_out,omitempty"`
	TotalEvents  int        `json:"total_events"`
	IsPresent    bool       `json:"is_present"`
	IsAbsent     bool       `json:"is_absent"`
	IsLate       bool       `json:"is_late"`
	IsEarlyLeave bool       `json:"is_early_leave"`
	LateMinutes  int        `json:"late_minutes,omitempty"`
	EarlyMinutes int        `json:"early_leave_minutes,omitempty"`
	TotalHours   float64    `json:"total_hours"`
}

// ComputeDay classifies one person's events on date. Lateness, early leave
// and absence only apply on workdays; on other days the punches still count
// towards presence and hours.
func ComputeDay(events []types.AccessLog, sch Schedule, date time.Time, workday bool, loc *time.Location) DayResult {
	sorted := sortedByTime(events)
	res := DayResult{TotalEvents: len(sorted), IsPresent: len(sorted) > 0}
	res.FirstIn, res.LastOut = firstInLastOut(sorted)

	switch sch.Mode {
	case types.ModePaired:
		res.TotalHours = roundHours(pairedDuration(sorted))
	default:
		if res.FirstIn != nil && res.LastOut != nil && res.LastOut.After(*res.FirstIn) {
			res.TotalHours = roundHours(res.LastOut.Sub(*res.FirstIn))
		}
	}

	if !workday {
		return res
	}
	if !res.IsPresent {
		res.IsAbsent = true
		return res
	}

	midnight := StartOfDay(date, loc)
	lateAfter := midnight.Add(sch.Start + sch.Grace)
	if res.FirstIn != nil && res.FirstIn.After(lateAfter) {
		res.IsLate = true
		res.LateMinutes = int(res.FirstIn.Sub(midnight.Add(sch.Start)).Minutes())
	}
	workEnd := midnight.Add(sch.End)
	if res.LastOut != nil && res.LastOut.Before(workEnd) {
		res.IsEarlyLeave = true
		res.EarlyMinutes = int(workEnd.Sub(*res.LastOut).Minutes())
	}
	return res
}

func sortedByTime(events []types.AccessLog) []types.AccessLog {
	out := make([]types.AccessLog, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	return out
}

// firstInLastOut returns the earliest in and the latest out of time-sorted
// events.
func firstInLastOut(sorted []types.AccessLog) (firstIn, lastOut *time.Time) {
	for i := range sorted {
		if sorted[i].Direction == types.DirectionIn {
			t := sorted[i].EventTime
			firstIn = &t
			break
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Direction == types.DirectionOut {
			t := sorted[i].EventTime
			lastOut = &t
			break
		}
	}
	return firstIn, lastOut
}

// pairedDuration sums consecutive (in, out) pairs. A repeated in replaces
// the open one, an out without an open in is ignored and a trailing in
// without an out adds nothing.
func pairedDuration(sorted []types.AccessLog) time.Duration {
	var (
		total time.Duration
		open  *time.Time
	)
	for i := range sorted {
		switch sorted[i].Direction {
		case types.DirectionIn:
			t := sorted[i].EventTime
			open = &t
		case types.DirectionOut:
			if open != nil {
				total += sorted[i].EventTime.Sub(*open)
				open = nil
			}
		}
	}
	return total
}

// PairedEntry is the schedule-independent first/last view of one person's
// day.
type PairedEntry struct {
	PersonnelID     int64      `json:"personnel_id"`
	Name            string     `json:"name"`
	Department      string     `json:"department,omitempty"`
	FirstIn         *time.Time `json:"first_in,omitempty"`
	LastOut         *time.Time `json:"last_out,omitempty"`
	DurationMinutes *int       `json:"duration_minutes"`
	TotalEvents     int        `json:"total_events"`
}

// Pair builds the paired view entry for p from their events that day.
func Pair(p types.Personnel, events []types.AccessLog) PairedEntry {
	sorted := sortedByTime(events)
	e := PairedEntry{
		PersonnelID: p.ID,
		Name:        p.FullName(),
		Department:  p.Department,
		TotalEvents: len(sorted),
	}
	e.FirstIn, e.LastOut = firstInLastOut(sorted)
	if e.FirstIn != nil && e.LastOut != nil && !e.LastOut.Before(*e.FirstIn) {
		m := int(e.LastOut.Sub(*e.FirstIn).Minutes())
		e.DurationMinutes = &m
	}
	return e
}
