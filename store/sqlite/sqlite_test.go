package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/schedule"
	"github.com/warp/schedule-engine/schedule/storetest"
	"github.com/warp/schedule-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) schedule.TxStore { return newStore(t) })
}

func TestSQLite_DuplicateIDIsPrecondition(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p := schedule.SchedulePeriod{ID: "p1", TenantID: "t1", Status: schedule.PeriodDraft, Version: 1}
	require.NoError(t, s.CreatePeriod(ctx, p))

	err := s.CreatePeriod(ctx, p)
	assert.ErrorIs(t, err, schedule.ErrPrecondition)
	assert.NotErrorIs(t, err, schedule.ErrStorage)
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveStaff(ctx, schedule.StaffProfile{ID: "s1", TenantID: "t1", FullName: "Ana"}))
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetStaff(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.FullName)
}

func TestSQLite_ResetClearsEveryTable(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveStaff(ctx, schedule.StaffProfile{ID: "s1", TenantID: "t1"}))
	require.NoError(t, s.CreatePeriod(ctx, schedule.SchedulePeriod{ID: "p1", TenantID: "t1", Status: schedule.PeriodDraft, Version: 1}))

	require.NoError(t, s.Reset(ctx))

	_, err := s.GetStaff(ctx, "t1", "s1")
	assert.ErrorIs(t, err, schedule.ErrNotFound)
	periods, err := s.ListPeriods(ctx, schedule.PeriodFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, periods)
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

var (
	manager = schedule.Caller{UserID: "mgr-1", TenantID: "t1", Roles: []string{schedule.RoleManager}}
	monday  = time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)
)

func clock() time.Time { return monday.AddDate(0, 0, -10) }

func TestSQLite_EngineValidateAndLock(t *testing.T) {
	// GIVEN: a published period where s1 works two overlapping shifts
	// WHEN: validate, then lock
	// THEN: the double booking is logged, and a locked period refuses trades

	ctx := context.Background()
	s := newStore(t)
	engine := schedule.NewEngine(s, schedule.WithClock(clock))

	p, err := engine.CreatePeriod(ctx, manager, schedule.NewPeriod{Name: "wk", Start: monday, End: monday.AddDate(0, 0, 6)})
	require.NoError(t, err)
	_, err = engine.Publish(ctx, manager, p.ID)
	require.NoError(t, err)

	require.NoError(t, s.SaveStaff(ctx, schedule.StaffProfile{ID: "s1", TenantID: "t1"}))
	require.NoError(t, s.SaveStaff(ctx, schedule.StaffProfile{ID: "s2", TenantID: "t1"}))
	for i, sh := range []schedule.Interval{
		schedule.NewInterval(monday.Add(8*time.Hour), monday.Add(16*time.Hour)),
		schedule.NewInterval(monday.Add(12*time.Hour), monday.Add(20*time.Hour)),
	} {
		id := []string{"a", "b"}[i]
		require.NoError(t, s.SaveTicket(ctx, schedule.Ticket{
			ID:       "tk-" + id,
			TenantID: "t1",
			PeriodID: p.ID,
			Shift:    sh,
			Status:   schedule.TicketScheduled,
			Version:  1,
		}))
		require.NoError(t, s.CreateAssignment(ctx, schedule.Assignment{
			ID:       "as-" + id,
			TenantID: "t1",
			TicketID: "tk-" + id,
			PeriodID: p.ID,
			StaffID:  "s1",
			Shift:    sh,
			Status:   schedule.AssignmentAssigned,
			Version:  1,
		}))
	}

	res, err := engine.Validate(ctx, manager, p.ID)
	require.NoError(t, err)
	assert.Positive(t, res.Summary[schedule.ConflictDoubleBooking])

	logged, err := engine.ListConflicts(ctx, manager, schedule.ConflictFilter{PeriodID: p.ID})
	require.NoError(t, err)
	assert.Len(t, logged, len(res.Conflicts))

	_, err = engine.Lock(ctx, manager, p.ID)
	require.NoError(t, err)

	_, err = engine.RequestTrade(ctx, manager, schedule.TradeRequestInput{
		AssignmentID:  "as-a",
		RequestType:   schedule.TradeRelease,
		TargetStaffID: "s2",
	})
	assert.ErrorIs(t, err, schedule.ErrPeriodLocked)
}

func TestSQLite_ConcurrentLockHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "race.db"))
	require.NoError(t, err)
	defer s.Close()
	engine := schedule.NewEngine(s, schedule.WithClock(clock))

	p, err := engine.CreatePeriod(ctx, manager, schedule.NewPeriod{Name: "wk", Start: monday, End: monday.AddDate(0, 0, 6)})
	require.NoError(t, err)
	_, err = engine.Publish(ctx, manager, p.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Lock(ctx, manager, p.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, schedule.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	got, err := engine.GetPeriod(ctx, manager, p.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.PeriodLocked, got.Status)
	assert.Equal(t, 3, got.Version)
}
