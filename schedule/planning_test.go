package schedule_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/schedule"
)

// planningFixture: tk-1 (Mon 08-16) is held by s1; the board proposes s2.
func planningFixture(t *testing.T) (*fixture, schedule.PlanningBoardItem, schedule.PlanningItemProposal) {
	f := newFixture(t)
	f.staff("s1")
	f.staff("s2")
	f.staff("s3")
	f.ticket("tk-1", shift(0, 8, 16))
	f.assign("a1", "tk-1", "s1", shift(0, 8, 16))

	item, prop, err := f.engine.Propose(f.ctx, manager, schedule.ProposalInput{
		BoardID:  "board-1",
		TicketID: "tk-1",
		Worker:   schedule.Worker{StaffID: "s2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", prop.Basis.Worker.StaffID)
	return f, item, prop
}

func applyInput(item schedule.PlanningBoardItem, prop schedule.PlanningItemProposal) schedule.PlanningApplyInput {
	return schedule.PlanningApplyInput{BoardID: item.BoardID, BoardItemID: item.ID, ProposalID: prop.ID}
}

// reassign simulates a concurrent schedule edit outside the board.
func (f *fixture) reassign(id, staffID string) {
	f.t.Helper()
	a, err := f.store.GetAssignment(f.ctx, "t1", id)
	require.NoError(f.t, err)
	a.StaffID = staffID
	a.Version++
	require.NoError(f.t, f.store.UpdateAssignment(f.ctx, a))
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestPlanningApply_UnchangedTicketApplies(t *testing.T) {
	f, item, prop := planningFixture(t)

	res, err := f.engine.ApplyProposal(f.ctx, manager, applyInput(item, prop))
	require.NoError(t, err)
	assert.Equal(t, schedule.SyncApplied, res.SyncState)
	assert.Equal(t, "tk-1", res.TicketID)
	assert.Equal(t, "a1", res.AssignmentID)
	assert.False(t, res.Drift)

	a, err := f.store.GetAssignment(f.ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "s2", a.StaffID)

	p, err := f.store.GetProposal(f.ctx, "t1", prop.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ApplyApplied, p.ApplyState)
	assert.Equal(t, manager.UserID, p.AppliedBy)

	it, err := f.store.GetBoardItem(f.ctx, "t1", "board-1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.SyncApplied, it.SyncState)
	assert.Equal(t, "s2", it.CurrentAssigneeStaffID)
}

func TestPlanningApply_DriftChoiceIgnoredWithoutDrift(t *testing.T) {
	f, item, prop := planningFixture(t)
	in := applyInput(item, prop)
	in.DriftChoice = schedule.AcceptScheduleVersion

	res, err := f.engine.ApplyProposal(f.ctx, manager, in)
	require.NoError(t, err)
	assert.Equal(t, schedule.SyncApplied, res.SyncState)

	events, err := f.engine.ListDriftEvents(f.ctx, manager, item.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPlanningApply_CreatesAssignmentForUncoveredTicket(t *testing.T) {
	f := newFixture(t)
	f.staff("s2")
	f.ticket("tk-9", shift(2, 8, 16))

	item, prop, err := f.engine.Propose(f.ctx, manager, schedule.ProposalInput{BoardID: "b", TicketID: "tk-9", Worker: schedule.Worker{StaffID: "s2"}})
	require.NoError(t, err)

	res, err := f.engine.ApplyProposal(f.ctx, manager, applyInput(item, prop))
	require.NoError(t, err)
	require.NotEmpty(t, res.AssignmentID)

	a, err := f.store.GetAssignment(f.ctx, "t1", res.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, schedule.AssignmentAssigned, a.Status)
	assert.Equal(t, "tk-9", a.TicketID)
}

func TestPlanningApply_SecondApplySupersedesFirst(t *testing.T) {
	f, item, first := planningFixture(t)
	_, err := f.engine.ApplyProposal(f.ctx, manager, applyInput(item, first))
	require.NoError(t, err)

	_, second, err := f.engine.Propose(f.ctx, manager, schedule.ProposalInput{
		BoardID: "board-1", BoardItemID: item.ID, Worker: schedule.Worker{StaffID: "s3"},
	})
	require.NoError(t, err)
	_, err = f.engine.ApplyProposal(f.ctx, manager, applyInput(item, second))
	require.NoError(t, err)

	props, err := f.store.ListProposals(f.ctx, "t1", item.ID)
	require.NoError(t, err)
	applied := 0
	for _, p := range props {
		if p.ApplyState == schedule.ApplyApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "at most one applied proposal per item")

	p1, err := f.store.GetProposal(f.ctx, "t1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ApplySuperseded, p1.ApplyState)
}

func TestPlanningApply_SameProposalTwiceIsInvalidTransition(t *testing.T) {
	f, item, prop := planningFixture(t)
	_, err := f.engine.ApplyProposal(f.ctx, manager, applyInput(item, prop))
	require.NoError(t, err)

	_, err = f.engine.ApplyProposal(f.ctx, manager, applyInput(item, prop))
	assert.ErrorIs(t, err, schedule.ErrInvalidTransition)
}

// =============================================================================
// DRIFT
// =============================================================================

func TestPlanningApply_DriftRequiresChoice(t *testing.T) {
	// GIVEN: the live assignee changed from s1 to s3 after the proposal was made
	// WHEN: apply without a drift choice
	// THEN: external_drift, nothing mutated

	f, item, prop := planningFixture(t)
	f.reassign("a1", "s3")

	_, err := f.engine.ApplyProposal(f.ctx, manager, applyInput(item, prop))
	require.ErrorIs(t, err, schedule.ErrConflictOverrideRequired)
	c, ok := find(schedule.ConflictsOf(err), schedule.ConflictExternalDrift)
	require.True(t, ok)
	assert.Contains(t, c.Message, "s3")
	var ce *schedule.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.DriftChoiceRequired)
	assert.Empty(t, ce.Unacknowledged, "acknowledging the drift id cannot clear it")

	a, err := f.store.GetAssignment(f.ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "s3", a.StaffID)
	p, err := f.store.GetProposal(f.ctx, "t1", prop.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ApplyPending, p.ApplyState)
}

func TestPlanningApply_AcceptScheduleVersionDiscardsProposal(t *testing.T) {
	f, item, prop := planningFixture(t)
	f.reassign("a1", "s3")

	in := applyInput(item, prop)
	in.DriftChoice = schedule.AcceptScheduleVersion
	res, err := f.engine.ApplyProposal(f.ctx, manager, in)
	require.NoError(t, err)
	assert.Equal(t, schedule.SyncDiscarded, res.SyncState)
	assert.True(t, res.Drift)

	p, err := f.store.GetProposal(f.ctx, "t1", prop.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ApplyDiscarded, p.ApplyState)

	it, err := f.store.GetBoardItem(f.ctx, "t1", "board-1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.SyncSynced, it.SyncState)
	assert.Equal(t, "s3", it.CurrentAssigneeStaffID)

	a, err := f.store.GetAssignment(f.ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "s3", a.StaffID, "schedule version kept")

	events, err := f.engine.ListDriftEvents(f.ctx, manager, item.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schedule.AcceptScheduleVersion, events[0].Choice)
	assert.Equal(t, "s1", events[0].BoardVersion.Worker.StaffID)
	assert.Equal(t, "s3", events[0].ScheduleVersion.Worker.StaffID)
}

func TestPlanningApply_UseBoardVersionRevalidates(t *testing.T) {
	// GIVEN: drift, and s2 has since been double-booked
	// WHEN: use_board_version
	// THEN: detection still runs and blocks; no drift event survives the rollback

	f, item, prop := planningFixture(t)
	f.reassign("a1", "s3")
	f.ticket("tk-2", shift(0, 9, 17))
	f.assign("a2", "tk-2", "s2", shift(0, 9, 17))

	in := applyInput(item, prop)
	in.DriftChoice = schedule.UseBoardVersion
	_, err := f.engine.ApplyProposal(f.ctx, manager, in)
	require.ErrorIs(t, err, schedule.ErrConflictBlocked)

	events, err := f.engine.ListDriftEvents(f.ctx, manager, item.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPlanningApply_UseBoardVersionOverwrites(t *testing.T) {
	f, item, prop := planningFixture(t)
	f.reassign("a1", "s3")

	in := applyInput(item, prop)
	in.DriftChoice = schedule.UseBoardVersion
	res, err := f.engine.ApplyProposal(f.ctx, manager, in)
	require.NoError(t, err)
	assert.Equal(t, schedule.SyncApplied, res.SyncState)

	a, err := f.store.GetAssignment(f.ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "s2", a.StaffID)
	assert.Len(t, f.audit.byAction(schedule.AuditDriftResolved), 1)
}

func TestPlanningApply_CompletedTicketIsDriftThenStructural(t *testing.T) {
	f, item, prop := planningFixture(t)
	tk, err := f.store.GetTicket(f.ctx, "t1", "tk-1")
	require.NoError(t, err)
	tk.Status = schedule.TicketCompleted
	require.NoError(t, f.store.SaveTicket(f.ctx, tk))

	_, err = f.engine.ApplyProposal(f.ctx, manager, applyInput(item, prop))
	require.ErrorIs(t, err, schedule.ErrConflictOverrideRequired)

	in := applyInput(item, prop)
	in.DriftChoice = schedule.UseBoardVersion
	_, err = f.engine.ApplyProposal(f.ctx, manager, in)
	require.ErrorIs(t, err, schedule.ErrConflictBlocked)
	assert.Contains(t, types(schedule.ConflictsOf(err)), schedule.ConflictInProgressChange)
}

func TestPlanningApply_TicketStartedBeforeProposalIsNotDrift(t *testing.T) {
	// GIVEN: the ticket is already IN_PROGRESS when the proposal is made
	// WHEN: apply with nothing changed since
	// THEN: no drift; the started ticket blocks structurally

	f := newFixture(t)
	f.staff("s2")
	tk := f.ticket("tk-5", shift(1, 8, 16))
	tk.Status = schedule.TicketInProgress
	require.NoError(t, f.store.SaveTicket(f.ctx, tk))

	item, prop, err := f.engine.Propose(f.ctx, manager, schedule.ProposalInput{BoardID: "b", TicketID: "tk-5", Worker: schedule.Worker{StaffID: "s2"}})
	require.NoError(t, err)
	assert.Equal(t, schedule.TicketInProgress, prop.Basis.TicketStatus)

	_, err = f.engine.ApplyProposal(f.ctx, manager, applyInput(item, prop))
	require.ErrorIs(t, err, schedule.ErrConflictBlocked)
	got := types(schedule.ConflictsOf(err))
	assert.Contains(t, got, schedule.ConflictInProgressChange)
	assert.NotContains(t, got, schedule.ConflictExternalDrift)

	events, err := f.engine.ListDriftEvents(f.ctx, manager, item.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// POLICY SCENARIOS
// =============================================================================

// restFixture gives s2 a shift ending 04:00 Monday, four hours before tk-1.
func restFixture(t *testing.T, mode schedule.EnforcementMode) (*fixture, schedule.PlanningApplyInput) {
	f, item, prop := planningFixture(t)
	f.policy(func(p *schedule.SchedulePolicy) { p.RestEnforcement = mode })
	f.ticket("tk-0", schedule.NewInterval(at(0, 0), at(0, 4)))
	f.assign("a0", "tk-0", "s2", schedule.NewInterval(at(0, 0), at(0, 4)))
	return f, applyInput(item, prop)
}

func TestPlanningApply_RestBlockRejects(t *testing.T) {
	f, in := restFixture(t, schedule.EnforceBlock)

	_, err := f.engine.ApplyProposal(f.ctx, manager, in)
	require.ErrorIs(t, err, schedule.ErrConflictBlocked)
	require.Len(t, schedule.ConflictsOf(err), 1)
	c := schedule.ConflictsOf(err)[0]
	assert.Equal(t, schedule.ConflictRestWindow, c.Type)
	assert.False(t, c.RequiresOverride)

	a, err := f.store.GetAssignment(f.ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "s1", a.StaffID)
}

func TestPlanningApply_RestOverrideWithAckAndReason(t *testing.T) {
	// GIVEN: rest_enforcement = override_required
	// WHEN: first attempt without override, then with the conflict id and a reason
	// THEN: second attempt applies and the audit record carries the overridden conflict

	f, in := restFixture(t, schedule.EnforceOverrideRequired)

	_, err := f.engine.ApplyProposal(f.ctx, manager, in)
	require.ErrorIs(t, err, schedule.ErrConflictOverrideRequired)
	rest := schedule.ConflictsOf(err)[0]

	in.AcknowledgedWarningIDs = []string{rest.ID}
	in.OverrideReason = "emergency coverage"
	res, err := f.engine.ApplyProposal(f.ctx, manager, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictsLogged)

	recs := f.audit.byAction(schedule.AuditPlanningApplied)
	require.Len(t, recs, 1)
	assert.Equal(t, "emergency coverage", recs[0].Reason)
	var after struct {
		Overridden []schedule.Conflict `json:"overridden_conflicts"`
		Acked      []string            `json:"acknowledged_warning_ids"`
	}
	require.NoError(t, json.Unmarshal(recs[0].After, &after))
	require.Len(t, after.Overridden, 1)
	assert.Equal(t, rest.ID, after.Overridden[0].ID)
	assert.Equal(t, []string{rest.ID}, after.Acked)
}

func TestPlanningApply_LockedPeriodCannotBeOverridden(t *testing.T) {
	f, item, prop := planningFixture(t)
	_, err := f.engine.Lock(f.ctx, manager, f.period.ID)
	require.NoError(t, err)

	in := applyInput(item, prop)
	in.OverrideLockedPeriod = true
	in.OverrideReason = "owner said so"
	_, err = f.engine.ApplyProposal(f.ctx, manager, in)
	require.ErrorIs(t, err, schedule.ErrConflictBlocked)
	assert.ErrorIs(t, err, schedule.ErrPeriodLocked, "same error class as a trade into a frozen period")
	assert.Contains(t, types(schedule.ConflictsOf(err)), schedule.ConflictLockedPeriod)
}

func TestPlanningApply_Preconditions(t *testing.T) {
	f, item, prop := planningFixture(t)

	_, err := f.engine.ApplyProposal(f.ctx, manager, schedule.PlanningApplyInput{BoardID: "board-1"})
	assert.ErrorIs(t, err, schedule.ErrPrecondition)

	in := applyInput(item, prop)
	in.DriftChoice = "keep_both"
	_, err = f.engine.ApplyProposal(f.ctx, manager, in)
	assert.ErrorIs(t, err, schedule.ErrPrecondition)

	in = applyInput(item, prop)
	in.BoardID = "other-board"
	_, err = f.engine.ApplyProposal(f.ctx, manager, in)
	assert.ErrorIs(t, err, schedule.ErrNotFound)

	_, err = f.engine.ApplyProposal(f.ctx, staffCaller("s2"), applyInput(item, prop))
	assert.ErrorIs(t, err, schedule.ErrForbidden)
}
