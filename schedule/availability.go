package schedule

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// AVAILABILITY RULES
// =============================================================================

type AvailabilityRuleType string

const (
	RuleWeeklyRecurring AvailabilityRuleType = "WEEKLY_RECURRING"
	RuleOneOff          AvailabilityRuleType = "ONE_OFF"
)

type AvailabilityKind string

const (
	Available   AvailabilityKind = "AVAILABLE"
	Unavailable AvailabilityKind = "UNAVAILABLE"
)

// AvailabilityRule declares when a staff member can or cannot work.
// Weekly rules use Weekday plus "HH:MM" clock times in UTC; an end clock at or
// before the start clock wraps into the next day. One-off rules use OneOffStart/OneOffEnd.
type AvailabilityRule struct {
	ID          string               `json:"id,omitempty"`
	RuleType    AvailabilityRuleType `json:"rule_type"`
	Type        AvailabilityKind     `json:"availability_type"`
	Weekday     time.Weekday         `json:"weekday"`
	StartTime   string               `json:"start_time,omitempty"`
	EndTime     string               `json:"end_time,omitempty"`
	OneOffStart *time.Time           `json:"one_off_start,omitempty"`
	OneOffEnd   *time.Time           `json:"one_off_end,omitempty"`
	ValidFrom   *time.Time           `json:"valid_from,omitempty"`
	ValidTo     *time.Time           `json:"valid_to,omitempty"`
}

func (r AvailabilityRule) Validate() error {
	switch r.Type {
	case Available, Unavailable:
	default:
		return preconditionf("availability_type", "must be AVAILABLE or UNAVAILABLE, got %q", r.Type)
	}
	switch r.RuleType {
	case RuleWeeklyRecurring:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return preconditionf("weekday", "must be 0..6")
		}
		if _, ok := ParseClock(r.StartTime); !ok {
			return preconditionf("start_time", "must be HH:MM, got %q", r.StartTime)
		}
		if _, ok := ParseClock(r.EndTime); !ok {
			return preconditionf("end_time", "must be HH:MM, got %q", r.EndTime)
		}
	case RuleOneOff:
		if r.OneOffStart == nil || r.OneOffEnd == nil || !r.OneOffEnd.After(*r.OneOffStart) {
			return preconditionf("one_off_end", "one-off rule needs start < end")
		}
	default:
		return preconditionf("rule_type", "must be WEEKLY_RECURRING or ONE_OFF, got %q", r.RuleType)
	}
	return nil
}

func (r AvailabilityRule) validOn(day time.Time) bool {
	if r.ValidFrom != nil && day.Before(DateOnly(*r.ValidFrom)) {
		return false
	}
	if r.ValidTo != nil && day.After(DateOnly(*r.ValidTo)) {
		return false
	}
	return true
}

// windows expands the rule into concrete intervals touching span.
func (r AvailabilityRule) windows(span Interval) []Interval {
	var out []Interval
	switch r.RuleType {
	case RuleOneOff:
		if r.OneOffStart == nil || r.OneOffEnd == nil {
			return nil
		}
		w := NewInterval(*r.OneOffStart, *r.OneOffEnd)
		if w.Overlaps(span) && r.validOn(DateOnly(w.Start)) {
			out = append(out, w)
		}
	case RuleWeeklyRecurring:
		from, okFrom := ParseClock(r.StartTime)
		to, okTo := ParseClock(r.EndTime)
		if !okFrom || !okTo {
			return nil
		}
		// start one day early so a wrapping window from the previous day is seen
		for day := DateOnly(span.Start).AddDate(0, 0, -1); day.Before(span.End); day = day.AddDate(0, 0, 1) {
			if day.Weekday() != r.Weekday || !r.validOn(day) {
				continue
			}
			w := Interval{Start: day.Add(from), End: day.Add(to)}
			if to <= from {
				w.End = w.End.AddDate(0, 0, 1)
			}
			if w.Overlaps(span) {
				out = append(out, w)
			}
		}
	}
	return out
}

// merge unions touching or overlapping windows.
func merge(ws []Interval) []Interval {
	if len(ws) < 2 {
		return ws
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Start.Before(ws[j].Start) })
	out := []Interval{ws[0]}
	for _, w := range ws[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// CheckAvailability reports why a shift falls outside the declared availability.
// An empty reason means the shift is fine. Weekly AVAILABLE rules in effect on the
// shift day restrict the staff member to their windows; one-off AVAILABLE rules only
// extend those windows. Without weekly AVAILABLE rules only UNAVAILABLE rules apply.
func CheckAvailability(rules []AvailabilityRule, shift Interval) string {
	var available []Interval
	hasAvailable := false
	for _, r := range rules {
		ws := r.windows(shift)
		if r.Type == Unavailable {
			for _, w := range ws {
				if w.Overlaps(shift) {
					return fmt.Sprintf("marked unavailable %s", w)
				}
			}
			continue
		}
		if r.RuleType == RuleWeeklyRecurring && r.validOn(DateOnly(shift.Start)) {
			hasAvailable = true
		}
		available = append(available, ws...)
	}
	if !hasAvailable {
		return ""
	}
	for _, w := range merge(available) {
		if w.Contains(shift) {
			return ""
		}
	}
	return "shift falls outside declared availability"
}

// OnLeave returns the first approved leave window intersecting the shift.
func OnLeave(leave []Interval, shift Interval) (Interval, bool) {
	for _, l := range leave {
		if l.Overlaps(shift) {
			return l, true
		}
	}
	return Interval{}, false
}
