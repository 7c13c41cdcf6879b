package schedule_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/schedule"
)

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestPeriod_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, schedule.PeriodPublished, f.period.Status)
	assert.NotNil(t, f.period.PublishedAt)

	locked, err := f.engine.Lock(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.PeriodLocked, locked.Status)
	assert.NotNil(t, locked.LockedAt)

	archived, err := f.engine.Archive(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.PeriodArchived, archived.Status)
	assert.NotNil(t, archived.ArchivedAt)

	locks := f.audit.byAction(schedule.AuditPeriodLocked)
	require.Len(t, locks, 1)
	assert.Contains(t, string(locks[0].Before), `"status":"PUBLISHED"`)
	assert.Contains(t, string(locks[0].After), `"status":"LOCKED"`)
}

func TestLock_OnlyFromPublished(t *testing.T) {
	// GIVEN: periods in DRAFT, LOCKED and ARCHIVED
	// WHEN: lock() is called
	// THEN: InvalidTransition, locked_at untouched

	f := newFixture(t)
	draft, err := f.engine.CreatePeriod(f.ctx, manager, schedule.NewPeriod{Name: "draft", Start: week1, End: week1})
	require.NoError(t, err)

	_, err = f.engine.Lock(f.ctx, manager, draft.ID)
	assert.ErrorIs(t, err, schedule.ErrInvalidTransition)
	got, err := f.engine.GetPeriod(f.ctx, manager, draft.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockedAt)

	first, err := f.engine.Lock(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	_, err = f.engine.Lock(f.ctx, manager, f.period.ID)
	var te *schedule.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "LOCKED", te.From)

	_, err = f.engine.Archive(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	_, err = f.engine.Lock(f.ctx, manager, f.period.ID)
	assert.ErrorIs(t, err, schedule.ErrInvalidTransition)

	got, err = f.engine.GetPeriod(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	assert.True(t, got.LockedAt.Equal(*first.LockedAt))
}

func TestLock_RequiresPublishCapability(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Lock(f.ctx, supervisor, f.period.ID)
	assert.ErrorIs(t, err, schedule.ErrForbidden)

	got, err := f.engine.GetPeriod(f.ctx, supervisor, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.PeriodPublished, got.Status)
}

func TestLock_ConcurrentCallsHaveOneWinner(t *testing.T) {
	f := newFixture(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Lock(f.ctx, manager, f.period.ID)
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
}

func TestUnlock_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Lock(f.ctx, manager, f.period.ID)
	require.NoError(t, err)

	_, err = f.engine.Unlock(f.ctx, manager, f.period.ID)
	assert.ErrorIs(t, err, schedule.ErrForbidden)

	p, err := f.engine.Unlock(f.ctx, owner, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.PeriodPublished, p.Status)
	assert.Nil(t, p.LockedAt)
}

func TestArchive_OnlyFromLocked(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Archive(f.ctx, manager, f.period.ID)
	assert.ErrorIs(t, err, schedule.ErrInvalidTransition)
}

func TestCreatePeriod_RejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreatePeriod(f.ctx, manager, schedule.NewPeriod{Name: "bad", Start: week1, End: week1.AddDate(0, 0, -1)})
	assert.ErrorIs(t, err, schedule.ErrPrecondition)
}

// =============================================================================
// VALIDATE
// =============================================================================

func TestValidate_SupersedesPreviousConflictSet(t *testing.T) {
	// GIVEN: s1 double-booked on two tickets
	// WHEN: validate runs twice with no changes in between
	// THEN: same conflict types and counts, fresh row identities, old rows archived

	f := newFixture(t)
	f.staff("s1")
	f.ticket("tk-1", shift(0, 8, 16))
	f.ticket("tk-2", shift(0, 12, 20))
	f.assign("a1", "tk-1", "s1", shift(0, 8, 16))
	f.assign("a2", "tk-2", "s1", shift(0, 12, 20))

	first, err := f.engine.Validate(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Summary[schedule.ConflictDoubleBooking])
	assert.Equal(t, 2, first.Blocking)

	rows1, err := f.engine.ListConflicts(f.ctx, manager, schedule.ConflictFilter{PeriodID: f.period.ID})
	require.NoError(t, err)

	second, err := f.engine.Validate(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, types(first.Conflicts), types(second.Conflicts))

	rows2, err := f.engine.ListConflicts(f.ctx, manager, schedule.ConflictFilter{PeriodID: f.period.ID})
	require.NoError(t, err)
	require.Len(t, rows2, len(rows1))
	for i := range rows1 {
		assert.NotEqual(t, rows1[i].RecordID, rows2[i].RecordID)
	}

	all, err := f.engine.ListConflicts(f.ctx, manager, schedule.ConflictFilter{PeriodID: f.period.ID, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 2*len(rows1))
}

func TestValidate_SeesPolicyChangeImmediately(t *testing.T) {
	f := newFixture(t)
	f.staff("s1")
	f.ticket("tk-1", shift(0, 16, 24))
	f.ticket("tk-2", shift(1, 4, 12))
	f.assign("a1", "tk-1", "s1", shift(0, 16, 24))
	f.assign("a2", "tk-2", "s1", shift(1, 4, 12))

	res, err := f.engine.Validate(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Blocking)
	assert.Equal(t, 2, res.Summary[schedule.ConflictRestWindow])

	f.policy(func(p *schedule.SchedulePolicy) { p.RestEnforcement = schedule.EnforceBlock })

	res, err = f.engine.Validate(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Blocking)
}

func TestValidate_AllowedOnLockedRefusedOnArchived(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Lock(f.ctx, manager, f.period.ID)
	require.NoError(t, err)

	_, err = f.engine.Validate(f.ctx, supervisor, f.period.ID)
	require.NoError(t, err)

	_, err = f.engine.Archive(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	_, err = f.engine.Validate(f.ctx, manager, f.period.ID)
	assert.ErrorIs(t, err, schedule.ErrPeriodLocked)
}

func TestValidate_UnknownPeriodIsPrecondition(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Validate(f.ctx, manager, "nope")
	assert.ErrorIs(t, err, schedule.ErrNotFound)
	assert.ErrorIs(t, err, schedule.ErrPrecondition)
}

func TestArchive_ArchivesPeriodConflicts(t *testing.T) {
	f := newFixture(t)
	f.ticket("tk-1", shift(0, 8, 16))
	_, err := f.engine.Validate(f.ctx, manager, f.period.ID)
	require.NoError(t, err)

	_, err = f.engine.Lock(f.ctx, manager, f.period.ID)
	require.NoError(t, err)
	_, err = f.engine.Archive(f.ctx, manager, f.period.ID)
	require.NoError(t, err)

	current, err := f.engine.ListConflicts(f.ctx, manager, schedule.ConflictFilter{PeriodID: f.period.ID})
	require.NoError(t, err)
	assert.Empty(t, current)
}
