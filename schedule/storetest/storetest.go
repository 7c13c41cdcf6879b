// Package storetest is the behavioural contract every schedule.TxStore must
// satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/schedule"
)

var (
	monday  = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	errBoom = errors.New("boom")
)

func hour(day, h int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(h) * time.Hour)
}

// Run executes the contract against stores produced by newStore. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) schedule.TxStore) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s schedule.TxStore)
	}{
		{"PeriodRoundTrip", testPeriodRoundTrip},
		{"PeriodCompareAndSet", testPeriodCompareAndSet},
		{"ListPeriodsFilterAndOrder", testListPeriods},
		{"TenantIsolation", testTenantIsolation},
		{"AssignmentFilter", testAssignmentFilter},
		{"TicketsByPeriod", testTicketsByPeriod},
		{"PeopleRoundTrip", testPeopleRoundTrip},
		{"PolicySupersede", testPolicySupersede},
		{"ConflictArchive", testConflictArchive},
		{"TradeCompareAndSet", testTradeCompareAndSet},
		{"PlanningBoard", testPlanningBoard},
		{"RollbackOnError", testRollback},
		{"CommitOnSuccess", testCommit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func period(id string, day int) schedule.SchedulePeriod {
	return schedule.SchedulePeriod{
		ID:        id,
		TenantID:  "t1",
		SiteID:    "site-1",
		Name:      "period " + id,
		Start:     monday.AddDate(0, 0, day),
		End:       monday.AddDate(0, 0, day+6),
		Status:    schedule.PeriodDraft,
		Version:   1,
		CreatedAt: monday,
		UpdatedAt: monday,
	}
}

func assignment(id, ticketID, staffID string, shift schedule.Interval) schedule.Assignment {
	return schedule.Assignment{
		ID:        id,
		TenantID:  "t1",
		TicketID:  ticketID,
		PeriodID:  "p1",
		StaffID:   staffID,
		Shift:     shift,
		Status:    schedule.AssignmentAssigned,
		Version:   1,
		CreatedAt: monday,
		UpdatedAt: monday,
	}
}

func ids[T any](xs []T, id func(T) string) []string {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		out = append(out, id(x))
	}
	return out
}

// =============================================================================
// PERIODS
// =============================================================================

func testPeriodRoundTrip(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	p := period("p1", 0)
	published := hour(0, 9)
	p.PublishedAt = &published
	p.PublishedBy = "u-1"
	require.NoError(t, s.CreatePeriod(ctx, p))

	got, err := s.GetPeriod(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.True(t, p.Start.Equal(got.Start))
	assert.True(t, p.End.Equal(got.End))
	require.NotNil(t, got.PublishedAt)
	assert.True(t, published.Equal(*got.PublishedAt))
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, 1, got.Version)

	_, err = s.GetPeriod(ctx, "t1", "missing")
	assert.ErrorIs(t, err, schedule.ErrNotFound)
}

func testPeriodCompareAndSet(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	p := period("p1", 0)
	require.NoError(t, s.CreatePeriod(ctx, p))

	p.Status = schedule.PeriodPublished
	p.Version = 2
	require.NoError(t, s.UpdatePeriod(ctx, p))

	// a writer that read version 1 loses
	stale := period("p1", 0)
	stale.Status = schedule.PeriodLocked
	stale.Version = 2
	assert.ErrorIs(t, s.UpdatePeriod(ctx, stale), schedule.ErrConcurrentModification)

	got, err := s.GetPeriod(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, schedule.PeriodPublished, got.Status)

	missing := period("nope", 0)
	missing.Version = 2
	assert.ErrorIs(t, s.UpdatePeriod(ctx, missing), schedule.ErrNotFound)
}

func testListPeriods(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	for i, id := range []string{"p1", "p2", "p3"} {
		p := period(id, i*7)
		if id == "p2" {
			p.Status = schedule.PeriodPublished
		}
		require.NoError(t, s.CreatePeriod(ctx, p))
	}
	other := period("p4", 0)
	other.SiteID = "site-2"
	require.NoError(t, s.CreatePeriod(ctx, other))

	all, err := s.ListPeriods(ctx, schedule.PeriodFilter{TenantID: "t1", SiteID: "site-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p2", "p1"}, ids(all, func(p schedule.SchedulePeriod) string { return p.ID }), "newest first")

	pub, err := s.ListPeriods(ctx, schedule.PeriodFilter{TenantID: "t1", Status: schedule.PeriodPublished})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids(pub, func(p schedule.SchedulePeriod) string { return p.ID }))
}

func testTenantIsolation(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreatePeriod(ctx, period("p1", 0)))
	require.NoError(t, s.CreateAssignment(ctx, assignment("a1", "tk", "s1", schedule.NewInterval(hour(0, 8), hour(0, 16)))))

	_, err := s.GetPeriod(ctx, "t2", "p1")
	assert.ErrorIs(t, err, schedule.ErrNotFound)
	_, err = s.GetAssignment(ctx, "t2", "a1")
	assert.ErrorIs(t, err, schedule.ErrNotFound)

	ps, err := s.ListPeriods(ctx, schedule.PeriodFilter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Empty(t, ps)
}

// =============================================================================
// TICKETS, ASSIGNMENTS, PEOPLE
// =============================================================================

func testAssignmentFilter(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	a1 := assignment("a1", "tk-1", "s1", schedule.NewInterval(hour(0, 8), hour(0, 16)))
	a2 := assignment("a2", "tk-2", "s1", schedule.NewInterval(hour(1, 8), hour(1, 16)))
	a3 := assignment("a3", "tk-3", "s2", schedule.NewInterval(hour(0, 12), hour(0, 20)))
	a4 := assignment("a4", "tk-4", "s1", schedule.NewInterval(hour(0, 18), hour(0, 22)))
	a4.Status = schedule.AssignmentReleased
	for _, a := range []schedule.Assignment{a1, a2, a3, a4} {
		require.NoError(t, s.CreateAssignment(ctx, a))
	}
	aid := func(a schedule.Assignment) string { return a.ID }

	got, err := s.ListAssignments(ctx, schedule.AssignmentFilter{TenantID: "t1", StaffID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids(got, aid), "released rows hidden, shift order")

	got, err = s.ListAssignments(ctx, schedule.AssignmentFilter{TenantID: "t1", StaffID: "s1", IncludeReleased: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a4", "a2"}, ids(got, aid))

	// window is half-open: a shift ending exactly at window start is outside
	window := schedule.NewInterval(hour(0, 16), hour(1, 9))
	got, err = s.ListAssignments(ctx, schedule.AssignmentFilter{TenantID: "t1", Window: &window})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "a2"}, ids(got, aid))

	got, err = s.ListAssignments(ctx, schedule.AssignmentFilter{TenantID: "t1", TicketID: "tk-3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, ids(got, aid))

	a1.StaffID = "s9"
	a1.Version = 2
	require.NoError(t, s.UpdateAssignment(ctx, a1))
	assert.ErrorIs(t, s.UpdateAssignment(ctx, a1), schedule.ErrConcurrentModification)

	back, err := s.GetAssignment(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "s9", back.StaffID)
	assert.True(t, a1.Shift.Equal(back.Shift))
}

func testTicketsByPeriod(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	mk := func(id, periodID string, day int) schedule.Ticket {
		return schedule.Ticket{
			ID:                 id,
			TenantID:           "t1",
			PeriodID:           periodID,
			Shift:              schedule.NewInterval(hour(day, 8), hour(day, 16)),
			Status:             schedule.TicketScheduled,
			RequiredSkills:     []string{"forklift"},
			RequiredStaffCount: 2,
			Version:            1,
		}
	}
	require.NoError(t, s.SaveTicket(ctx, mk("tk-2", "p1", 2)))
	require.NoError(t, s.SaveTicket(ctx, mk("tk-1", "p1", 1)))
	require.NoError(t, s.SaveTicket(ctx, mk("tk-3", "p2", 0)))

	ts, err := s.ListTickets(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tk-1", "tk-2"}, ids(ts, func(t schedule.Ticket) string { return t.ID }))
	assert.Equal(t, []string{"forklift"}, ts[0].RequiredSkills)
	assert.Equal(t, 2, ts[0].RequiredStaffCount)

	// save is an upsert
	tk := mk("tk-1", "p1", 1)
	tk.Status = schedule.TicketCanceled
	require.NoError(t, s.SaveTicket(ctx, tk))
	got, err := s.GetTicket(ctx, "t1", "tk-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.TicketCanceled, got.Status)
}

func testPeopleRoundTrip(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	staff := schedule.StaffProfile{
		ID:       "s1",
		TenantID: "t1",
		FullName: "Ana",
		Skills:   []string{"cpr"},
		Availability: []schedule.AvailabilityRule{{
			ID:        "r1",
			RuleType:  schedule.RuleWeeklyRecurring,
			Type:      schedule.Available,
			Weekday:   time.Monday,
			StartTime: "08:00",
			EndTime:   "17:00",
		}},
		Leave: []schedule.Interval{schedule.NewInterval(hour(3, 0), hour(4, 0))},
	}
	require.NoError(t, s.SaveStaff(ctx, staff))
	got, err := s.GetStaff(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.FullName)
	require.Len(t, got.Availability, 1)
	assert.Equal(t, "17:00", got.Availability[0].EndTime)
	require.Len(t, got.Leave, 1)
	assert.True(t, staff.Leave[0].Equal(got.Leave[0]))

	require.NoError(t, s.SaveSubcontractor(ctx, schedule.Subcontractor{ID: "sub-1", TenantID: "t1", MaxConcurrent: 3}))
	sub, err := s.GetSubcontractor(ctx, "t1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sub.MaxConcurrent)

	_, err = s.GetStaff(ctx, "t1", "nobody")
	assert.ErrorIs(t, err, schedule.ErrNotFound)
}

// =============================================================================
// POLICIES & CONFLICTS
// =============================================================================

func testPolicySupersede(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	_, err := s.CurrentPolicy(ctx, "t1", "")
	assert.ErrorIs(t, err, schedule.ErrNotFound)

	v1 := schedule.DefaultPolicy("t1")
	v1.ID, v1.Version = "pol-1", 1
	require.NoError(t, s.SupersedePolicy(ctx, v1, hour(0, 0)))

	v2 := v1
	v2.ID, v2.Version = "pol-2", 2
	v2.MinRestHours = decimal.RequireFromString("10.5")
	v2.RestEnforcement = schedule.EnforceBlock
	require.NoError(t, s.SupersedePolicy(ctx, v2, hour(1, 0)))

	site := v1
	site.ID, site.SiteID = "pol-site", "site-1"
	require.NoError(t, s.SupersedePolicy(ctx, site, hour(1, 0)))

	cur, err := s.CurrentPolicy(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "pol-2", cur.ID)
	assert.True(t, cur.MinRestHours.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, schedule.EnforceBlock, cur.RestEnforcement)
	assert.Nil(t, cur.ArchivedAt)

	cur, err = s.CurrentPolicy(ctx, "t1", "site-1")
	require.NoError(t, err)
	assert.Equal(t, "pol-site", cur.ID)
}

func record(id, periodID string, sev schedule.Severity, blocking bool, at time.Time) schedule.ConflictRecord {
	return schedule.ConflictRecord{
		RecordID: id,
		TenantID: "t1",
		Conflict: schedule.Conflict{
			ID:         "c-" + id,
			Type:       schedule.ConflictRestWindow,
			Severity:   sev,
			IsBlocking: blocking,
			PeriodID:   periodID,
			StaffID:    "s1",
			Message:    "short rest",
			CreatedAt:  at,
		},
		Source:     schedule.SourceValidate,
		RecordedAt: at,
	}
}

func testConflictArchive(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.AppendConflicts(ctx, []schedule.ConflictRecord{
		record("r1", "p1", schedule.SeverityWarning, false, hour(0, 1)),
		record("r2", "p1", schedule.SeverityError, true, hour(0, 1)),
		record("r3", "p2", schedule.SeverityWarning, false, hour(0, 2)),
	}))
	rid := func(r schedule.ConflictRecord) string { return r.RecordID }

	got, err := s.ListConflicts(ctx, schedule.ConflictFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r1", "r2"}, ids(got, rid), "newest first, insertion order within a tie")

	got, err = s.ListConflicts(ctx, schedule.ConflictFilter{TenantID: "t1", BlockingOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids(got, rid))

	require.NoError(t, s.ArchiveConflicts(ctx, "t1", "p1", hour(0, 3)))
	got, err = s.ListConflicts(ctx, schedule.ConflictFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids(got, rid))

	got, err = s.ListConflicts(ctx, schedule.ConflictFilter{TenantID: "t1", PeriodID: "p1", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].ArchivedAt)
	assert.Equal(t, schedule.ConflictRestWindow, got[0].Conflict.Type)
}

// =============================================================================
// TRADES & PLANNING
// =============================================================================

func testTradeCompareAndSet(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	tr := schedule.ShiftTradeRequest{
		ID:               "tr-1",
		TenantID:         "t1",
		PeriodID:         "p1",
		TicketID:         "tk-1",
		AssignmentID:     "a1",
		RequestType:      schedule.TradeSwap,
		InitiatorStaffID: "s1",
		TargetStaffID:    "s2",
		Status:           schedule.TradePending,
		Version:          1,
		CreatedAt:        hour(0, 1),
	}
	require.NoError(t, s.CreateTrade(ctx, tr))
	older := tr
	older.ID, older.CreatedAt, older.Status = "tr-0", hour(0, 0), schedule.TradeDenied
	require.NoError(t, s.CreateTrade(ctx, older))

	accepted := hour(0, 5)
	tr.Status, tr.AcceptedAt, tr.Version = schedule.TradeApproved, &accepted, 2
	require.NoError(t, s.UpdateTrade(ctx, tr))
	assert.ErrorIs(t, s.UpdateTrade(ctx, tr), schedule.ErrConcurrentModification)

	got, err := s.GetTrade(ctx, "t1", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.TradeApproved, got.Status)
	require.NotNil(t, got.AcceptedAt)

	list, err := s.ListTrades(ctx, schedule.TradeFilter{TenantID: "t1", PeriodID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tr-1", "tr-0"}, ids(list, func(t schedule.ShiftTradeRequest) string { return t.ID }))

	list, err = s.ListTrades(ctx, schedule.TradeFilter{TenantID: "t1", Status: schedule.TradeDenied})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testPlanningBoard(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	item := schedule.PlanningBoardItem{ID: "i1", TenantID: "t1", BoardID: "b1", TicketID: "tk-1", SyncState: schedule.SyncPending}
	require.NoError(t, s.SaveBoardItem(ctx, item))
	_, err := s.GetBoardItem(ctx, "t1", "b2", "i1")
	assert.ErrorIs(t, err, schedule.ErrNotFound, "item belongs to another board")

	basis := schedule.ProposalBasis{
		Worker:       schedule.Worker{StaffID: "s1"},
		Shift:        schedule.NewInterval(hour(0, 8), hour(0, 16)),
		TicketStatus: schedule.TicketScheduled,
	}
	for i, id := range []string{"pr-1", "pr-2"} {
		require.NoError(t, s.SaveProposal(ctx, schedule.PlanningItemProposal{
			ID:              id,
			TenantID:        "t1",
			BoardItemID:     "i1",
			ProposedStaffID: "s2",
			Basis:           basis,
			ApplyState:      schedule.ApplyPending,
			CreatedAt:       hour(0, i),
		}))
	}
	props, err := s.ListProposals(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-1", "pr-2"}, ids(props, func(p schedule.PlanningItemProposal) string { return p.ID }))
	assert.Equal(t, "s1", props[0].Basis.Worker.StaffID)
	assert.True(t, basis.Shift.Equal(props[0].Basis.Shift))

	require.NoError(t, s.AppendDriftEvent(ctx, schedule.DriftResolutionEvent{
		ID:           "d1",
		TenantID:     "t1",
		BoardID:      "b1",
		BoardItemID:  "i1",
		ProposalID:   "pr-1",
		Choice:       schedule.UseBoardVersion,
		BoardVersion: basis,
		ResolvedBy:   "u-1",
		CreatedAt:    hour(0, 3),
	}))
	events, err := s.ListDriftEvents(ctx, "t1", "i1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schedule.UseBoardVersion, events[0].Choice)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testRollback(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreatePeriod(ctx, period("p1", 0)))

	err := s.WithTx(ctx, func(tx schedule.Store) error {
		p, err := tx.GetPeriod(ctx, "t1", "p1")
		if err != nil {
			return err
		}
		p.Status, p.Version = schedule.PeriodPublished, p.Version+1
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendConflicts(ctx, []schedule.ConflictRecord{record("r1", "p1", schedule.SeverityWarning, false, hour(0, 1))}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	p, err := s.GetPeriod(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, schedule.PeriodDraft, p.Status)
	assert.Equal(t, 1, p.Version)
	recs, err := s.ListConflicts(ctx, schedule.ConflictFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testCommit(t *testing.T, s schedule.TxStore) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx schedule.Store) error {
		if err := tx.CreatePeriod(ctx, period("p1", 0)); err != nil {
			return err
		}
		// reads inside the transaction see its own writes
		_, err := tx.GetPeriod(ctx, "t1", "p1")
		return err
	})
	require.NoError(t, err)

	_, err = s.GetPeriod(ctx, "t1", "p1")
	assert.NoError(t, err)
}
