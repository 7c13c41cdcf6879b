/*
detector.go - Conflict detection

PURPOSE:
  Evaluates one candidate (worker, ticket, shift) against the current
  assignments, the worker's profile and the tenant policy. Detection is
  read-only: it returns conflicts as values and fails only on malformed
  input (missing period or policy, invalid shift, invalid worker).

MODES:
  ModeChange    a proposed mutation (trade apply, planning apply). Checks
                the period and ticket are still mutable.
  ModeValidate  re-checks assignments that already exist. Frozen periods
                and started tickets are expected there, so locked_period and
                in_progress_change are skipped; COVERAGE_GAP is evaluated per
                ticket by DetectPeriod instead.

OVERLAP HANDLING:
  Overlap with an ASSIGNED shift of the same staff member:
    overlap <= OverlapGrace -> SHIFT_OVERLAP_WARNING (handover)
    overlap >  OverlapGrace -> double_booking (structural)
  Overlap with a TENTATIVE shift -> OVERLAP (availability family).
  Subcontractors may run concurrent crews; their limit is the capacity rule.

SEE ALSO:
  - conflict.go: taxonomy and severity sources
  - period.go:   Validate() drives DetectPeriod
*/
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type DetectMode int

const (
	ModeChange DetectMode = iota
	ModeValidate
)

// Candidate is the assignment being checked.
type Candidate struct {
	TicketID string
	Worker   Worker
	Shift    Interval
	// AssignmentID excludes the assignment being replaced (or re-checked) from the comparison set.
	AssignmentID string
}

type DetectInput struct {
	Mode      DetectMode
	Period    *SchedulePeriod
	Policy    *SchedulePolicy
	Ticket    *Ticket
	Candidate Candidate
	// Assignments holds the worker's other assignments around the shift. Entries
	// for other workers are ignored.
	Assignments   []Assignment
	Staff         *StaffProfile
	Subcontractor *Subcontractor
}

type Detector struct {
	OverlapGrace time.Duration
	WeekStart    time.Weekday
	Clock        Clock
}

func NewDetector(grace time.Duration, weekStart time.Weekday, clock Clock) *Detector {
	if clock == nil {
		clock = SystemClock
	}
	return &Detector{OverlapGrace: grace, WeekStart: weekStart, Clock: clock}
}

// LookbackWindow is the span of neighbouring assignments Detect needs for a shift.
func (d *Detector) LookbackWindow(shift Interval) Interval {
	week := WeekContaining(shift.Start, d.WeekStart)
	lastWeek := WeekContaining(shift.End.Add(-time.Nanosecond), d.WeekStart)
	start := week.Start.AddDate(0, 0, -1)
	end := lastWeek.End.AddDate(0, 0, 1)
	return Interval{Start: start, End: end}
}

// =============================================================================
// DETECT
// =============================================================================

func (d *Detector) Detect(in DetectInput) ([]Conflict, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	c := in.Candidate
	var out []Conflict
	add := func(t ConflictType, format string, args ...any) {
		out = append(out, d.conflict(t, in.Period, in.Policy, c.TicketID, c.Worker, c.Shift, fmt.Sprintf(format, args...)))
	}

	if in.Mode == ModeChange {
		if in.Period.Status.Frozen() {
			add(ConflictLockedPeriod, "period %s is %s", in.Period.ID, in.Period.Status)
		}
		if in.Ticket != nil && in.Ticket.Status != TicketScheduled {
			add(ConflictInProgressChange, "ticket %s is %s", in.Ticket.ID, in.Ticket.Status)
		}
	}

	mine, tentative := d.partition(in)

	if c.Worker.StaffID != "" {
		var worst time.Duration
		var within bool
		for _, a := range mine {
			ov := a.Shift.Overlap(c.Shift)
			switch {
			case ov > d.OverlapGrace:
				if ov > worst {
					worst = ov
				}
			case ov > 0:
				within = true
			}
		}
		if worst > 0 {
			add(ConflictDoubleBooking, "%s already assigned for %s of this shift", c.Worker, worst)
		} else if within {
			add(ConflictShiftOverlapWarning, "%s overlaps an adjacent shift within the %s handover grace", c.Worker, d.OverlapGrace)
		}
	}
	for _, a := range tentative {
		if a.Shift.Overlaps(c.Shift) {
			add(ConflictOverlap, "%s holds a tentative assignment on ticket %s at the same time", c.Worker, a.TicketID)
			break
		}
	}

	if in.Staff != nil {
		d.staffRules(in, mine, add)
	}
	if in.Subcontractor != nil && in.Subcontractor.MaxConcurrent > 0 {
		if peak := peakConcurrency(c.Shift, mine) + 1; peak > in.Subcontractor.MaxConcurrent {
			add(ConflictSubcontractorCapacity, "subcontractor %s would run %d concurrent assignments, capacity %d",
				in.Subcontractor.ID, peak, in.Subcontractor.MaxConcurrent)
		}
	}
	return out, nil
}

func (d *Detector) staffRules(in DetectInput, mine []Assignment, add func(ConflictType, string, ...any)) {
	c := in.Candidate
	staff := in.Staff

	if in.Ticket != nil {
		var missing []string
		for _, skill := range in.Ticket.RequiredSkills {
			if !staff.HasSkill(skill) {
				missing = append(missing, skill)
			}
		}
		if len(missing) > 0 {
			add(ConflictMissingRequiredSkill, "%s lacks required skills: %s", c.Worker, strings.Join(missing, ", "))
		}
		if in.Ticket.PositionCode != "" && staff.Role != "" && !strings.EqualFold(in.Ticket.PositionCode, staff.Role) {
			add(ConflictRoleMismatch, "ticket needs %s, %s is %s", in.Ticket.PositionCode, c.Worker, staff.Role)
		}
	}

	if l, ok := OnLeave(staff.Leave, c.Shift); ok {
		add(ConflictPTO, "%s has approved leave %s", c.Worker, l)
	}
	if reason := CheckAvailability(staff.Availability, c.Shift); reason != "" {
		add(ConflictAvailability, "%s: %s", c.Worker, reason)
	}

	if minRest := in.Policy.MinRestHours; minRest.IsPositive() {
		gap, found := shortestRest(c.Shift, mine)
		if found && HoursOf(gap).LessThan(minRest) {
			add(ConflictRestWindow, "%s gets %sh rest, policy requires %sh", c.Worker, HoursOf(gap).StringFixed(2), minRest.String())
		}
	}

	week, total := d.busiestWeek(c.Shift, mine)
	maxHours, warnAt := in.Policy.MaxWeeklyHours, in.Policy.OvertimeWarningAtHours
	switch {
	case maxHours.IsPositive() && total.GreaterThan(maxHours):
		add(ConflictMaxWeeklyHours, "%s would work %sh in week of %s, max %sh",
			c.Worker, total.StringFixed(2), week.Start.Format("2006-01-02"), maxHours.String())
	case warnAt.IsPositive() && total.GreaterThan(warnAt):
		add(ConflictOvertimeThreshold, "%s would work %sh in week of %s, overtime from %sh",
			c.Worker, total.StringFixed(2), week.Start.Format("2006-01-02"), warnAt.String())
	}
}

// busiestWeek sums the worker's hours in every week the shift touches and
// returns the heaviest one. A shift crossing the week boundary counts toward both.
func (d *Detector) busiestWeek(shift Interval, mine []Assignment) (Interval, decimal.Decimal) {
	var worst Interval
	var most decimal.Decimal
	for week := WeekContaining(shift.Start, d.WeekStart); week.Start.Before(shift.End); week = NewInterval(week.End, week.End.AddDate(0, 0, 7)) {
		total := HoursOf(shift.Overlap(week))
		for _, a := range mine {
			total = total.Add(HoursOf(a.Shift.Overlap(week)))
		}
		if worst.Start.IsZero() || total.GreaterThan(most) {
			worst, most = week, total
		}
	}
	return worst, most
}

// partition splits the worker's other live assignments by status.
func (d *Detector) partition(in DetectInput) (assigned, tentative []Assignment) {
	c := in.Candidate
	for _, a := range in.Assignments {
		if a.ID == c.AssignmentID || a.Worker() != c.Worker {
			continue
		}
		switch a.Status {
		case AssignmentAssigned:
			assigned = append(assigned, a)
		case AssignmentTentative:
			tentative = append(tentative, a)
		}
	}
	return assigned, tentative
}

func (in DetectInput) check() error {
	if in.Period == nil {
		return preconditionf("period", "is required for detection")
	}
	if in.Policy == nil {
		return preconditionf("policy", "is required for detection")
	}
	if err := in.Policy.Validate(); err != nil {
		return err
	}
	if !in.Candidate.Shift.Valid() {
		return preconditionf("shift", "end must be after start, got %s", in.Candidate.Shift)
	}
	if !in.Candidate.Worker.Valid() {
		return preconditionf("worker", "exactly one of staff_id or subcontractor_id is required")
	}
	return nil
}

// shortestRest returns the smallest idle gap between shift and a disjoint neighbour.
func shortestRest(shift Interval, others []Assignment) (time.Duration, bool) {
	var best time.Duration
	found := false
	for _, a := range others {
		if a.Shift.Overlaps(shift) {
			continue
		}
		g := a.Shift.Gap(shift)
		if !found || g < best {
			best, found = g, true
		}
	}
	return best, found
}

// peakConcurrency returns the most assignments running at once inside shift.
func peakConcurrency(shift Interval, others []Assignment) int {
	type edge struct {
		at    time.Time
		delta int
	}
	var edges []edge
	for _, a := range others {
		if !a.Shift.Overlaps(shift) {
			continue
		}
		start, end := a.Shift.Start, a.Shift.End
		if start.Before(shift.Start) {
			start = shift.Start
		}
		if end.After(shift.End) {
			end = shift.End
		}
		edges = append(edges, edge{start, 1}, edge{end, -1})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].at.Equal(edges[j].at) {
			return edges[i].delta < edges[j].delta
		}
		return edges[i].at.Before(edges[j].at)
	})
	peak, cur := 0, 0
	for _, e := range edges {
		cur += e.delta
		if cur > peak {
			peak = cur
		}
	}
	return peak
}

func (d *Detector) conflict(t ConflictType, p *SchedulePeriod, pol *SchedulePolicy, ticketID string, w Worker, shift Interval, msg string) Conflict {
	res := t.Resolution(*pol)
	return Conflict{
		ID:               Fingerprint(t, p.ID, ticketID, w, shift.Start),
		Type:             t,
		Severity:         res.Severity,
		IsBlocking:       res.IsBlocking,
		RequiresOverride: res.RequiresOverride,
		Structural:       t.Structural(),
		PeriodID:         p.ID,
		TicketID:         ticketID,
		StaffID:          w.StaffID,
		SubcontractorID:  w.SubcontractorID,
		Message:          msg,
		CreatedAt:        d.Clock(),
	}
}

// DriftConflict builds the external_drift conflict for a planning proposal
// whose basis no longer matches the live schedule.
func (d *Detector) DriftConflict(p *SchedulePeriod, pol *SchedulePolicy, ticketID string, w Worker, shift Interval, msg string) Conflict {
	return d.conflict(ConflictExternalDrift, p, pol, ticketID, w, shift, msg)
}

// =============================================================================
// PERIOD VALIDATION
// =============================================================================

// PeriodInput is everything a validation pass needs, loaded in one transaction.
type PeriodInput struct {
	Period      SchedulePeriod
	Policy      SchedulePolicy
	Tickets     []Ticket
	Assignments []Assignment // all live assignments of the period's workers around the window
	Staff       map[string]StaffProfile
	Subs        map[string]Subcontractor
}

// DetectPeriod re-checks every live assignment in the period plus ticket coverage.
// The result is sorted so two passes over the same state compare equal.
func (d *Detector) DetectPeriod(in PeriodInput) ([]Conflict, error) {
	tickets := make(map[string]Ticket, len(in.Tickets))
	for _, t := range in.Tickets {
		tickets[t.ID] = t
	}
	covered := make(map[string]map[Worker]bool)

	var out []Conflict
	for _, a := range in.Assignments {
		if a.PeriodID != in.Period.ID || a.Status == AssignmentReleased {
			continue
		}
		if a.Status == AssignmentAssigned {
			if covered[a.TicketID] == nil {
				covered[a.TicketID] = make(map[Worker]bool)
			}
			covered[a.TicketID][a.Worker()] = true
		}
		di := DetectInput{
			Mode:        ModeValidate,
			Period:      &in.Period,
			Policy:      &in.Policy,
			Candidate:   Candidate{TicketID: a.TicketID, Worker: a.Worker(), Shift: a.Shift, AssignmentID: a.ID},
			Assignments: in.Assignments,
		}
		if t, ok := tickets[a.TicketID]; ok {
			di.Ticket = &t
		}
		if s, ok := in.Staff[a.StaffID]; ok && a.StaffID != "" {
			di.Staff = &s
		}
		if s, ok := in.Subs[a.SubcontractorID]; ok && a.SubcontractorID != "" {
			di.Subcontractor = &s
		}
		found, err := d.Detect(di)
		if err != nil {
			return nil, fmt.Errorf("assignment %s: %w", a.ID, err)
		}
		out = append(out, found...)
	}

	for _, t := range in.Tickets {
		if t.Status == TicketCanceled || t.RequiredStaffCount <= 0 {
			continue
		}
		if have := len(covered[t.ID]); have < t.RequiredStaffCount {
			out = append(out, d.conflict(ConflictCoverageGap, &in.Period, &in.Policy, t.ID, Worker{}, t.Shift,
				fmt.Sprintf("ticket %s has %d of %d required workers", t.ID, have, t.RequiredStaffCount)))
		}
	}

	SortConflicts(out)
	return out, nil
}

func SortConflicts(cs []Conflict) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].TicketID != cs[j].TicketID {
			return cs[i].TicketID < cs[j].TicketID
		}
		if cs[i].Type != cs[j].Type {
			return cs[i].Type < cs[j].Type
		}
		return cs[i].ID < cs[j].ID
	})
}
