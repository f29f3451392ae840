// Package attendance turns stored access logs into attendance reports. The
// calculations are deterministic functions of the logs, the work schedules
// and the holiday calendar; the Engine only loads those inputs.
package attendance

import (
	"fmt"
	"math"
	"time"

	"github.com/pdks/engine/internal/pdks/types"
)

// Settings are the system-wide defaults.
type Settings struct {
	// Location is the timezone calendar days and schedule times are read in.
	Location *time.Location
	// DefaultStart and DefaultEnd (HH:MM) apply to personnel whose location
	// has no work schedule.
	DefaultStart string
	DefaultEnd   string
	// WorkWeek lists the weekdays that are workdays.
	WorkWeek []time.Weekday
}

func (s Settings) withDefaults() Settings {
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.DefaultStart == "" {
		s.DefaultStart = "08:00"
	}
	if s.DefaultEnd == "" {
		s.DefaultEnd = "17:00"
	}
	if len(s.WorkWeek) == 0 {
		s.WorkWeek = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	return s
}

// Schedule is a work schedule with its times parsed.
type Schedule struct {
	Start time.Duration // offset from local midnight
	End   time.Duration
	Grace time.Duration
	Mode  types.CalculationMode
}

// ResolveSchedule applies ws, or the defaults from s when ws is nil.
func ResolveSchedule(ws *types.WorkSchedule, s Settings) (Schedule, error) {
	s = s.withDefaults()
	if ws == nil {
		return parseSchedule(s.DefaultStart, s.DefaultEnd, false, 0, types.ModeFirstLast)
	}
	return parseSchedule(ws.WorkStartTime, ws.WorkEndTime, ws.IsFlexible, ws.FlexGraceMinutes, ws.CalculationMode)
}

func parseSchedule(start, end string, flexible bool, graceMinutes int, mode types.CalculationMode) (Schedule, error) {
	st, err := clock(start)
	if err != nil {
		return Schedule{}, err
	}
	en, err := clock(end)
	if err != nil {
		return Schedule{}, err
	}
	sch := Schedule{Start: st, End: en, Mode: mode}
	if flexible && graceMinutes > 0 {
		sch.Grace = time.Duration(graceMinutes) * time.Minute
	}
	if sch.Mode != types.ModePaired {
		sch.Mode = types.ModeFirstLast
	}
	return sch, nil
}

func clock(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("schedule time %q: %w", hhmm, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Calendar answers which local dates are workdays.
type Calendar struct {
	loc      *time.Location
	workWeek map[time.Weekday]bool
	holidays map[string]string
}

func NewCalendar(s Settings, holidays []types.Holiday) *Calendar {
	s = s.withDefaults()
	c := &Calendar{
		loc:      s.Location,
		workWeek: make(map[time.Weekday]bool, len(s.WorkWeek)),
		holidays: make(map[string]string, len(holidays)),
	}
	for _, d := range s.WorkWeek {
		c.workWeek[d] = true
	}
	for _, h := range holidays {
		c.holidays[h.Date.Format(dateLayout)] = h.Name
	}
	return c
}

const dateLayout = "2006-01-02"

// Holiday returns the holiday name for date, if any.
func (c *Calendar) Holiday(date time.Time) (string, bool) {
	name, ok := c.holidays[date.In(c.loc).Format(dateLayout)]
	return name, ok
}

func (c *Calendar) IsWorkday(date time.Time) bool {
	if _, ok := c.Holiday(date); ok {
		return false
	}
	return c.workWeek[date.In(c.loc).Weekday()]
}

// Workdays lists the workdays in [from, to], both local dates.
func (c *Calendar) Workdays(from, to time.Time) []time.Time {
	var out []time.Time
	for d := StartOfDay(from, c.loc); !d.After(to); d = d.AddDate(0, 0, 1) {
		if c.IsWorkday(d) {
			out = append(out, d)
		}
	}
	return out
}

// StartOfDay is local midnight of t's date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Rate returns part/whole as a percentage rounded half up.
func Rate(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return int(math.Floor(float64(part)*100/float64(whole) + 0.5))
}

func roundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*100) / 100
}
