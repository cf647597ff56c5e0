package workhours

import (
	"fmt"
	"time"

	config "callup/app/configs"
	"callup/app/pkg/types"
)

// Window is the working-hours gate. Hours are half-open: a day runs from
// StartHour:00 inclusive to EndHour:00 exclusive in the configured location.
type Window struct {
	startHour int
	endHour   int
	days      map[time.Weekday]bool
	loc       *time.Location

	defaultPostponeHours float64
	postponeByLabel      map[types.StatusLabel]float64
}

func NewWindow(wh config.WorkingHoursConfig, rem config.ReminderConfig) (*Window, error) {
	loc, err := time.LoadLocation(wh.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", wh.Timezone, err)
	}
	days := make(map[time.Weekday]bool, len(wh.Days))
	for _, d := range wh.Days {
		days[time.Weekday(d)] = true
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no working days configured")
	}

	postpone := make(map[types.StatusLabel]float64, len(rem.PostponeHoursByLabel))
	for label, hours := range rem.PostponeHoursByLabel {
		postpone[types.StatusLabel(label)] = hours
	}

	return &Window{
		startHour:            wh.StartHour,
		endHour:              wh.EndHour,
		days:                 days,
		loc:                  loc,
		defaultPostponeHours: rem.DefaultPostponeHours,
		postponeByLabel:      postpone,
	}, nil
}

// Within reports whether t falls inside the working window.
func (w *Window) Within(t time.Time) bool {
	local := t.In(w.loc)
	if !w.days[local.Weekday()] {
		return false
	}
	hour := local.Hour()
	return hour >= w.startHour && hour < w.endHour
}

// NextWindowStart returns the start of the next working window strictly
// after t's day position: today's start if t is before it on a working day,
// otherwise the start hour of the next working day.
func (w *Window) NextWindowStart(t time.Time) time.Time {
	local := t.In(w.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), w.startHour, 0, 0, 0, w.loc)
	if w.days[local.Weekday()] && local.Hour() < w.startHour {
		return day
	}
	for i := 1; i <= 7; i++ {
		day = day.AddDate(0, 0, 1)
		if w.days[day.Weekday()] {
			return day
		}
	}
	return day
}

// Clamp rolls t forward to the next working window start when it falls
// outside the window; in-window times pass through unchanged.
func (w *Window) Clamp(t time.Time) time.Time {
	if w.Within(t) {
		return t
	}
	return w.NextWindowStart(t)
}

// PostponeInterval returns the label-specific reschedule offset.
func (w *Window) PostponeInterval(label types.StatusLabel) time.Duration {
	hours := w.defaultPostponeHours
	if override, ok := w.postponeByLabel[label]; ok {
		hours = override
	}
	return time.Duration(hours * float64(time.Hour))
}

// Reschedule computes the next due time for a non-terminal label: now plus
// the label interval, clamped into the working window.
func (w *Window) Reschedule(now time.Time, label types.StatusLabel) time.Time {
	return w.Clamp(now.Add(w.PostponeInterval(label)))
}

func (w *Window) Location() *time.Location {
	return w.loc
}
