package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/schedule"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newDetector() *schedule.Detector {
	return schedule.NewDetector(15*time.Minute, time.Monday, fixedClock)
}

func publishedPeriod() *schedule.SchedulePeriod {
	return &schedule.SchedulePeriod{
		ID: "p1", TenantID: "t1", Status: schedule.PeriodPublished,
		Start: week1, End: week1.AddDate(0, 0, 13),
	}
}

func policyWith(mut func(*schedule.SchedulePolicy)) *schedule.SchedulePolicy {
	p := schedule.DefaultPolicy("t1")
	if mut != nil {
		mut(&p)
	}
	return &p
}

func existing(id, staffID string, sh schedule.Interval, status schedule.AssignmentStatus) schedule.Assignment {
	return schedule.Assignment{ID: id, TenantID: "t1", TicketID: "tk-" + id, PeriodID: "p1", StaffID: staffID, Shift: sh, Status: status}
}

func candidateFor(staffID string, sh schedule.Interval) schedule.DetectInput {
	return schedule.DetectInput{
		Mode:      schedule.ModeChange,
		Period:    publishedPeriod(),
		Policy:    policyWith(nil),
		Ticket:    &schedule.Ticket{ID: "tk-new", PeriodID: "p1", Shift: sh, Status: schedule.TicketScheduled},
		Candidate: schedule.Candidate{TicketID: "tk-new", Worker: schedule.Worker{StaffID: staffID}, Shift: sh},
		Staff:     &schedule.StaffProfile{ID: staffID, TenantID: "t1"},
	}
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func TestDetect_MissingPeriodOrPolicyIsPrecondition(t *testing.T) {
	d := newDetector()

	in := candidateFor("s1", shift(0, 8, 16))
	in.Period = nil
	_, err := d.Detect(in)
	assert.ErrorIs(t, err, schedule.ErrPrecondition)

	in = candidateFor("s1", shift(0, 8, 16))
	in.Policy = nil
	_, err = d.Detect(in)
	assert.ErrorIs(t, err, schedule.ErrPrecondition)
}

func TestDetect_OvernightShiftMustCarryRealEnd(t *testing.T) {
	// GIVEN: a shift whose end is before its start (22:00 -> 06:00 same day)
	// THEN: it is malformed input, not a conflict
	in := candidateFor("s1", schedule.Interval{Start: at(0, 22), End: at(0, 6)})
	_, err := newDetector().Detect(in)
	assert.ErrorIs(t, err, schedule.ErrPrecondition)
}

func TestDetect_CleanCandidateHasNoConflicts(t *testing.T) {
	conflicts, err := newDetector().Detect(candidateFor("s1", shift(0, 8, 16)))
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

// =============================================================================
// STRUCTURAL RULES
// =============================================================================

func TestDetect_LockedPeriodAndStartedTicket(t *testing.T) {
	in := candidateFor("s1", shift(0, 8, 16))
	in.Period.Status = schedule.PeriodLocked
	in.Ticket.Status = schedule.TicketInProgress

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []schedule.ConflictType{schedule.ConflictLockedPeriod, schedule.ConflictInProgressChange}, types(conflicts))
	for _, c := range conflicts {
		assert.True(t, c.IsBlocking)
		assert.True(t, c.Structural)
		assert.Equal(t, schedule.SeverityError, c.Severity)
	}
}

func TestDetect_ValidateModeSkipsStateRules(t *testing.T) {
	in := candidateFor("s1", shift(0, 8, 16))
	in.Mode = schedule.ModeValidate
	in.Period.Status = schedule.PeriodLocked
	in.Ticket.Status = schedule.TicketCompleted

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetect_DoubleBookingBeyondGrace(t *testing.T) {
	in := candidateFor("s1", shift(0, 8, 16))
	in.Assignments = []schedule.Assignment{existing("a1", "s1", shift(0, 12, 20), schedule.AssignmentAssigned)}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	require.Equal(t, []schedule.ConflictType{schedule.ConflictDoubleBooking}, types(conflicts))
	assert.True(t, conflicts[0].IsBlocking)
	assert.Equal(t, "s1", conflicts[0].StaffID)
}

func TestDetect_HandoverWithinGraceIsWarning(t *testing.T) {
	// GIVEN: the previous shift ends 10 minutes after the new one starts (grace is 15m)
	in := candidateFor("s1", shift(0, 8, 16))
	in.Policy.MinRestHours = hours(0)
	in.Assignments = []schedule.Assignment{existing("a1", "s1",
		schedule.NewInterval(at(0, 0), at(0, 8).Add(10*time.Minute)), schedule.AssignmentAssigned)}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	require.Equal(t, []schedule.ConflictType{schedule.ConflictShiftOverlapWarning}, types(conflicts))
	assert.False(t, conflicts[0].IsBlocking)
}

func TestDetect_TentativeOverlapUsesAvailabilityMode(t *testing.T) {
	in := candidateFor("s1", shift(0, 8, 16))
	in.Policy.AvailabilityEnforcement = schedule.EnforceBlock
	in.Assignments = []schedule.Assignment{existing("a1", "s1", shift(0, 9, 11), schedule.AssignmentTentative)}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	c, ok := find(conflicts, schedule.ConflictOverlap)
	require.True(t, ok)
	assert.True(t, c.IsBlocking)
	assert.False(t, c.Structural)
}

func TestDetect_ReplacedAssignmentIsIgnored(t *testing.T) {
	in := candidateFor("s1", shift(0, 8, 16))
	in.Candidate.AssignmentID = "a1"
	in.Assignments = []schedule.Assignment{existing("a1", "s1", shift(0, 8, 16), schedule.AssignmentAssigned)}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetect_MissingSkillAndRoleMismatch(t *testing.T) {
	in := candidateFor("s1", shift(0, 8, 16))
	in.Ticket.RequiredSkills = []string{"forklift", "first-aid"}
	in.Ticket.PositionCode = "LEAD"
	in.Staff.Skills = []string{"first-aid"}
	in.Staff.Role = "CLEANER"

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []schedule.ConflictType{schedule.ConflictMissingRequiredSkill, schedule.ConflictRoleMismatch}, types(conflicts))

	skill, _ := find(conflicts, schedule.ConflictMissingRequiredSkill)
	assert.Contains(t, skill.Message, "forklift")
	role, _ := find(conflicts, schedule.ConflictRoleMismatch)
	assert.False(t, role.IsBlocking)
}

// =============================================================================
// POLICY RULES
// =============================================================================

func TestDetect_RestWindow_BlockPolicy(t *testing.T) {
	// GIVEN: rest_enforcement = block, min rest 8h
	// WHEN: the candidate starts 6h after the previous shift ends
	// THEN: one REST_WINDOW_VIOLATION, ERROR, blocking, no override
	in := candidateFor("s1", shift(1, 6, 14))
	in.Policy.RestEnforcement = schedule.EnforceBlock
	in.Assignments = []schedule.Assignment{existing("a1", "s1", shift(0, 16, 24), schedule.AssignmentAssigned)}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, schedule.ConflictRestWindow, c.Type)
	assert.Equal(t, schedule.SeverityError, c.Severity)
	assert.True(t, c.IsBlocking)
	assert.False(t, c.RequiresOverride)
}

func TestDetect_RestWindow_EnoughRest(t *testing.T) {
	in := candidateFor("s1", shift(1, 8, 16))
	in.Assignments = []schedule.Assignment{existing("a1", "s1", shift(0, 8, 16), schedule.AssignmentAssigned)}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetect_WeeklyHours_OvertimeThenMax(t *testing.T) {
	// GIVEN: four 9h shifts already this week (36h)
	var prior []schedule.Assignment
	for day := 0; day < 4; day++ {
		prior = append(prior, existing("a"+string(rune('0'+day)), "s1", shift(day, 8, 17), schedule.AssignmentAssigned))
	}

	// WHEN: a 3h shift brings the week to 39h
	in := candidateFor("s1", shift(4, 8, 11))
	in.Assignments = prior
	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.Equal(t, []schedule.ConflictType{schedule.ConflictOvertimeThreshold}, types(conflicts))

	// WHEN: a 9h shift brings it to 45h
	in = candidateFor("s1", shift(4, 8, 17))
	in.Assignments = prior
	in.Policy.WeeklyHoursEnforcement = schedule.EnforceOverrideRequired
	conflicts, err = newDetector().Detect(in)
	require.NoError(t, err)
	require.Equal(t, []schedule.ConflictType{schedule.ConflictMaxWeeklyHours}, types(conflicts))
	assert.True(t, conflicts[0].RequiresOverride)
}

func TestDetect_WeeklyHours_OtherWeeksDoNotCount(t *testing.T) {
	in := candidateFor("s1", shift(7, 8, 17))
	for day := 0; day < 5; day++ {
		in.Assignments = append(in.Assignments, existing("a"+string(rune('0'+day)), "s1", shift(day, 8, 17), schedule.AssignmentAssigned))
	}
	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetect_WeeklyHours_ShiftCrossingWeekBoundaryCountsInBoth(t *testing.T) {
	// GIVEN: 36h already booked next week (four 9h shifts from Monday)
	// WHEN: an overnight shift runs Sunday 16:00 -> Monday 08:00
	// THEN: next week reaches 44h and the max is reported against that week

	in := candidateFor("s1", schedule.NewInterval(at(6, 16), at(7, 8)))
	in.Policy.MinRestHours = hours(0)
	for day := 7; day < 11; day++ {
		in.Assignments = append(in.Assignments, existing("a"+string(rune('0'+day)), "s1", shift(day, 8, 17), schedule.AssignmentAssigned))
	}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	c, ok := find(conflicts, schedule.ConflictMaxWeeklyHours)
	require.True(t, ok, "got %v", types(conflicts))
	assert.Contains(t, c.Message, "44.00h")
	assert.Contains(t, c.Message, "2025-03-10")
}

func TestDetect_PTOAndAvailability(t *testing.T) {
	in := candidateFor("s1", shift(2, 8, 16))
	in.Staff.Leave = []schedule.Interval{schedule.NewInterval(at(2, 0), at(3, 0))}
	in.Staff.Availability = []schedule.AvailabilityRule{{
		RuleType: schedule.RuleWeeklyRecurring, Type: schedule.Available,
		Weekday: time.Wednesday, StartTime: "09:00", EndTime: "17:00",
	}}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []schedule.ConflictType{schedule.ConflictPTO, schedule.ConflictAvailability}, types(conflicts))
}

func TestDetect_SubcontractorCapacity(t *testing.T) {
	sub := schedule.Worker{SubcontractorID: "sc1"}
	in := schedule.DetectInput{
		Mode:          schedule.ModeChange,
		Period:        publishedPeriod(),
		Policy:        policyWith(func(p *schedule.SchedulePolicy) { p.SubcontractorCapacityEnforcement = schedule.EnforceBlock }),
		Candidate:     schedule.Candidate{TicketID: "tk-new", Worker: sub, Shift: shift(0, 8, 16)},
		Subcontractor: &schedule.Subcontractor{ID: "sc1", MaxConcurrent: 2},
		Assignments: []schedule.Assignment{
			{ID: "a1", SubcontractorID: "sc1", Shift: shift(0, 6, 10), Status: schedule.AssignmentAssigned},
			{ID: "a2", SubcontractorID: "sc1", Shift: shift(0, 9, 12), Status: schedule.AssignmentAssigned},
			{ID: "a3", SubcontractorID: "sc1", Shift: shift(0, 14, 18), Status: schedule.AssignmentAssigned},
		},
	}

	conflicts, err := newDetector().Detect(in)
	require.NoError(t, err)
	require.Equal(t, []schedule.ConflictType{schedule.ConflictSubcontractorCapacity}, types(conflicts))
	assert.Contains(t, conflicts[0].Message, "3 concurrent")

	in.Subcontractor.MaxConcurrent = 3
	conflicts, err = newDetector().Detect(in)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetect_FingerprintsRepeat(t *testing.T) {
	in := candidateFor("s1", shift(0, 8, 16))
	in.Assignments = []schedule.Assignment{existing("a1", "s1", shift(0, 12, 20), schedule.AssignmentAssigned)}

	first, err := newDetector().Detect(in)
	require.NoError(t, err)
	second, err := newDetector().Detect(in)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
}

// =============================================================================
// PERIOD DETECTION
// =============================================================================

func TestDetectPeriod_CoverageGapAndStableOrder(t *testing.T) {
	in := schedule.PeriodInput{
		Period: *publishedPeriod(),
		Policy: schedule.DefaultPolicy("t1"),
		Tickets: []schedule.Ticket{
			{ID: "tk-1", PeriodID: "p1", Shift: shift(0, 8, 16), Status: schedule.TicketScheduled, RequiredStaffCount: 2},
			{ID: "tk-2", PeriodID: "p1", Shift: shift(0, 8, 16), Status: schedule.TicketCanceled, RequiredStaffCount: 1},
		},
		Assignments: []schedule.Assignment{
			{ID: "a1", TicketID: "tk-1", PeriodID: "p1", StaffID: "s1", Shift: shift(0, 8, 16), Status: schedule.AssignmentAssigned},
		},
		Staff: map[string]schedule.StaffProfile{"s1": {ID: "s1"}},
	}

	first, err := newDetector().DetectPeriod(in)
	require.NoError(t, err)
	require.Equal(t, []schedule.ConflictType{schedule.ConflictCoverageGap}, types(first))
	assert.Equal(t, "tk-1", first[0].TicketID)

	second, err := newDetector().DetectPeriod(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
