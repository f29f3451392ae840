package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

var (
	ErrUnknownLocation = errors.New("unknown location")
	ErrInvalidRange    = errors.New("invalid date range")
)

// MaxReportSpan bounds a department report to one year of days.
const MaxReportSpan = 366

type DailyEntry struct {
	PersonnelID int64  `json:"personnel_id"`
	Name        string `json:"name"`
	EmployeeNo  string `json:"employee_no,omitempty"`
	Department  string `json:"department,omitempty"`
	DayResult
}

type DailyReport struct {
	Date            string       `json:"date"`
	LocationID      *int64       `json:"location_id,omitempty"`
	IsWorkday       bool         `json:"is_workday"`
	Holiday         string       `json:"holiday,omitempty"`
	PresentCount    int          `json:"present_count"`
	AbsentCount     int          `json:"absent_count"`
	LateCount       int          `json:"late_count"`
	EarlyLeaveCount int          `json:"early_leave_count"`
	Entries         []DailyEntry `json:"entries"`
}

// Totals aggregates day results over a period.
type Totals struct {
	WorkDays        int     `json:"work_days"`
	DaysPresent     int     `json:"days_present"`
	DaysAbsent      int     `json:"days_absent"`
	LateCount       int     `json:"late_count"`
	EarlyLeaveCount int     `json:"early_leave_count"`
	TotalHours      float64 `json:"total_hours"`
	AttendanceRate  int     `json:"attendance_rate"`
}

func (t *Totals) add(r DayResult) {
	t.WorkDays++
	if r.IsPresent {
		t.DaysPresent++
	}
	if r.IsAbsent {
		t.DaysAbsent++
	}
	if r.IsLate {
		t.LateCount++
	}
	if r.IsEarlyLeave {
		t.EarlyLeaveCount++
	}
	t.TotalHours += r.TotalHours
}

func (t *Totals) finish() {
	t.TotalHours = math.Round(t.TotalHours*100) / 100
	t.AttendanceRate = Rate(t.DaysPresent, t.WorkDays)
}

type MonthlyEntry struct {
	PersonnelID int64  `json:"personnel_id"`
	Name        string `json:"name"`
	EmployeeNo  string `json:"employee_no,omitempty"`
	Department  string `json:"department,omitempty"`
	Totals
}

type MonthlyReport struct {
	Year     int            `json:"year"`
	Month    int            `json:"month"`
	WorkDays int            `json:"work_days"`
	Holidays []string       `json:"holidays,omitempty"`
	Entries  []MonthlyEntry `json:"entries"`
}

type DepartmentEntry struct {
	Department     string `json:"department"`
	PersonnelCount int    `json:"personnel_count"`
	Totals
}

type DepartmentReport struct {
	StartDate   string            `json:"start_date"`
	EndDate     string            `json:"end_date"`
	WorkDays    int               `json:"work_days"`
	Departments []DepartmentEntry `json:"departments"`
}

// Stores are the read-only inputs of the engine.
type Stores struct {
	Personnel  store.PersonnelStore
	AccessLogs store.AccessLogStore
	Calendar   store.CalendarStore
}

// Engine loads logs, schedules and holidays and runs the calculations.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	stores   Stores
	settings Settings
}

func NewEngine(st Stores, s Settings) *Engine {
	return &Engine{stores: st, settings: s.withDefaults()}
}

func (e *Engine) loc() *time.Location { return e.settings.Location }

// period is everything loaded for a date range.
type period struct {
	people    []types.Personnel
	calendar  *Calendar
	schedules map[int64]Schedule // by personnel id
	events    map[int64]map[string][]types.AccessLog
}

func (p *period) eventsOn(personnelID int64, date time.Time) []types.AccessLog {
	return p.events[personnelID][date.Format(dateLayout)]
}

// load reads active personnel (optionally at one location), their schedules,
// holidays and matched events for the local dates [from, to].
func (e *Engine) load(ctx context.Context, from, to time.Time, locationID *int64) (*period, error) {
	if locationID != nil {
		if _, err := e.stores.Calendar.GetLocation(ctx, *locationID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %d", ErrUnknownLocation, *locationID)
			}
			return nil, err
		}
	}

	people, err := e.stores.Personnel.ListActivePersonnel(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("list personnel: %w", err)
	}
	holidays, err := e.stores.Calendar.ListHolidays(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list holidays: %w", err)
	}
	logs, err := e.stores.AccessLogs.ListAccessLogs(ctx, store.AccessLogQuery{
		From:          from,
		To:            to.AddDate(0, 0, 1),
		PersonnelOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list access logs: %w", err)
	}

	p := &period{
		people:    people,
		calendar:  NewCalendar(e.settings, holidays),
		schedules: make(map[int64]Schedule, len(people)),
		events:    make(map[int64]map[string][]types.AccessLog),
	}
	for _, l := range logs {
		id := *l.PersonnelID
		byDay, ok := p.events[id]
		if !ok {
			byDay = make(map[string][]types.AccessLog)
			p.events[id] = byDay
		}
		k := l.EventTime.In(e.loc()).Format(dateLayout)
		byDay[k] = append(byDay[k], l)
	}

	byLocation := make(map[int64]Schedule)
	for _, person := range people {
		sch, err := e.scheduleFor(ctx, person.LocationID, byLocation)
		if err != nil {
			return nil, err
		}
		p.schedules[person.ID] = sch
	}
	return p, nil
}

// scheduleFor resolves a location's schedule, falling back to the defaults
// when the person has no location or the location has no schedule.
func (e *Engine) scheduleFor(ctx context.Context, locationID *int64, cache map[int64]Schedule) (Schedule, error) {
	if locationID == nil {
		return ResolveSchedule(nil, e.settings)
	}
	if sch, ok := cache[*locationID]; ok {
		return sch, nil
	}

	var ws *types.WorkSchedule
	loc, err := e.stores.Calendar.GetLocation(ctx, *locationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return Schedule{}, fmt.Errorf("get location %d: %w", *locationID, err)
	case loc.WorkScheduleID != nil:
		s, err := e.stores.Calendar.GetWorkSchedule(ctx, *loc.WorkScheduleID)
		switch {
		case err == nil:
			ws = &s
		case !errors.Is(err, store.ErrNotFound):
			return Schedule{}, fmt.Errorf("get work schedule %d: %w", *loc.WorkScheduleID, err)
		}
	}

	sch, err := ResolveSchedule(ws, e.settings)
	if err != nil {
		return Schedule{}, err
	}
	cache[*locationID] = sch
	return sch, nil
}

// DailyAttendance reports every active person (optionally at one location)
// for the local date of date.
func (e *Engine) DailyAttendance(ctx context.Context, date time.Time, locationID *int64) (DailyReport, error) {
	day := StartOfDay(date, e.loc())
	p, err := e.load(ctx, day, day, locationID)
	if err != nil {
		return DailyReport{}, err
	}

	rep := DailyReport{
		Date:       day.Format(dateLayout),
		LocationID: locationID,
		IsWorkday:  p.calendar.IsWorkday(day),
		Entries:    make([]DailyEntry, 0, len(p.people)),
	}
	rep.Holiday, _ = p.calendar.Holiday(day)

	for _, person := range p.people {
		r := ComputeDay(p.eventsOn(person.ID, day), p.schedules[person.ID], day, rep.IsWorkday, e.loc())
		rep.Entries = append(rep.Entries, DailyEntry{
			PersonnelID: person.ID,
			Name:        person.FullName(),
			EmployeeNo:  person.EmployeeNo,
			Department:  person.Department,
			DayResult:   r,
		})
		if r.IsPresent {
			rep.PresentCount++
		}
		if r.IsAbsent {
			rep.AbsentCount++
		}
		if r.IsLate {
			rep.LateCount++
		}
		if r.IsEarlyLeave {
			rep.EarlyLeaveCount++
		}
	}
	return rep, nil
}

// MonthlySummary aggregates every workday of the month per person. Weekends
// and holidays are outside the denominator.
func (e *Engine) MonthlySummary(ctx context.Context, year int, month time.Month, locationID *int64) (MonthlyReport, error) {
	if month < time.January || month > time.December {
		return MonthlyReport{}, fmt.Errorf("%w: month %d", ErrInvalidRange, month)
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, e.loc())
	last := first.AddDate(0, 1, -1)

	p, err := e.load(ctx, first, last, locationID)
	if err != nil {
		return MonthlyReport{}, err
	}
	workdays := p.calendar.Workdays(first, last)

	rep := MonthlyReport{
		Year:     year,
		Month:    int(month),
		WorkDays: len(workdays),
		Entries:  make([]MonthlyEntry, 0, len(p.people)),
	}
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if name, ok := p.calendar.Holiday(d); ok {
			rep.Holidays = append(rep.Holidays, d.Format(dateLayout)+" "+name)
		}
	}

	for _, person := range p.people {
		entry := MonthlyEntry{
			PersonnelID: person.ID,
			Name:        person.FullName(),
			EmployeeNo:  person.EmployeeNo,
			Department:  person.Department,
		}
		for _, d := range workdays {
			entry.add(ComputeDay(p.eventsOn(person.ID, d), p.schedules[person.ID], d, true, e.loc()))
		}
		entry.finish()
		rep.Entries = append(rep.Entries, entry)
	}
	return rep, nil
}

// DepartmentSummary aggregates the workdays in [start, end] by department.
func (e *Engine) DepartmentSummary(ctx context.Context, start, end time.Time) (DepartmentReport, error) {
	from, to := StartOfDay(start, e.loc()), StartOfDay(end, e.loc())
	if to.Before(from) {
		return DepartmentReport{}, fmt.Errorf("%w: %s after %s", ErrInvalidRange, from.Format(dateLayout), to.Format(dateLayout))
	}
	if from.AddDate(0, 0, MaxReportSpan-1).Before(to) {
		return DepartmentReport{}, fmt.Errorf("%w: span exceeds %d days", ErrInvalidRange, MaxReportSpan)
	}

	p, err := e.load(ctx, from, to, nil)
	if err != nil {
		return DepartmentReport{}, err
	}
	workdays := p.calendar.Workdays(from, to)

	byDept := make(map[string]*DepartmentEntry)
	for _, person := range p.people {
		name := person.Department
		if name == "" {
			name = "-"
		}
		de, ok := byDept[name]
		if !ok {
			de = &DepartmentEntry{Department: name}
			byDept[name] = de
		}
		de.PersonnelCount++
		for _, d := range workdays {
			de.add(ComputeDay(p.eventsOn(person.ID, d), p.schedules[person.ID], d, true, e.loc()))
		}
	}

	rep := DepartmentReport{
		StartDate:   from.Format(dateLayout),
		EndDate:     to.Format(dateLayout),
		WorkDays:    len(workdays),
		Departments: make([]DepartmentEntry, 0, len(byDept)),
	}
	for _, de := range byDept {
		de.finish()
		rep.Departments = append(rep.Departments, *de)
	}
	sort.Slice(rep.Departments, func(i, j int) bool {
		return rep.Departments[i].Department < rep.Departments[j].Department
	})
	return rep, nil
}

// PairedView lists first in and last out for every active person with at
// least one event on date.
func (e *Engine) PairedView(ctx context.Context, date time.Time, locationID *int64) ([]PairedEntry, error) {
	day := StartOfDay(date, e.loc())
	p, err := e.load(ctx, day, day, locationID)
	if err != nil {
		return nil, err
	}
	out := make([]PairedEntry, 0, len(p.people))
	for _, person := range p.people {
		evs := p.eventsOn(person.ID, day)
		if len(evs) == 0 {
			continue
		}
		out = append(out, Pair(person, evs))
	}
	return out, nil
}
