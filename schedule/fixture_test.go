package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/schedule"
	"github.com/warp/schedule-engine/schedule/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// week1 is a Monday.
var week1 = time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)

var fixedNow = time.Date(2025, time.February, 20, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func at(day, hour int) time.Time {
	return week1.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
}

func shift(day, from, to int) schedule.Interval {
	return schedule.NewInterval(at(day, from), at(day, to))
}

var (
	owner      = schedule.Caller{UserID: "owner-1", TenantID: "t1", Roles: []string{schedule.RoleOwnerAdmin}}
	manager    = schedule.Caller{UserID: "mgr-1", TenantID: "t1", Roles: []string{schedule.RoleManager}}
	supervisor = schedule.Caller{UserID: "sup-1", TenantID: "t1", Roles: []string{schedule.RoleSupervisor}}
)

func staffCaller(id string) schedule.Caller {
	return schedule.Caller{UserID: id, TenantID: "t1", Roles: []string{schedule.RoleStaff}}
}

type auditRecorder struct {
	mu   sync.Mutex
	recs []schedule.AuditRecord
}

func (r *auditRecorder) Emit(rec schedule.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *auditRecorder) byAction(a schedule.AuditAction) []schedule.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schedule.AuditRecord
	for _, rec := range r.recs {
		if rec.Action == a {
			out = append(out, rec)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	engine *schedule.Engine
	audit  *auditRecorder
	period schedule.SchedulePeriod
}

// newFixture returns an engine over a memory store with one PUBLISHED
// two-week period starting week1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(),
		audit: &auditRecorder{},
	}
	f.engine = schedule.NewEngine(f.store,
		schedule.WithClock(fixedClock),
		schedule.WithDetector(schedule.NewDetector(15*time.Minute, time.Monday, fixedClock)),
		schedule.WithAudit(f.audit),
	)
	p, err := f.engine.CreatePeriod(f.ctx, manager, schedule.NewPeriod{
		SiteID: "site-1",
		Name:   "March block 1",
		Start:  week1,
		End:    week1.AddDate(0, 0, 13),
	})
	require.NoError(t, err)
	f.period, err = f.engine.Publish(f.ctx, manager, p.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) policy(mut func(p *schedule.SchedulePolicy)) schedule.SchedulePolicy {
	f.t.Helper()
	p := schedule.DefaultPolicy("t1")
	if mut != nil {
		mut(&p)
	}
	saved, err := f.engine.SavePolicy(f.ctx, manager, p)
	require.NoError(f.t, err)
	return saved
}

func (f *fixture) staff(id string, skills ...string) schedule.StaffProfile {
	f.t.Helper()
	s := schedule.StaffProfile{ID: id, TenantID: "t1", FullName: id, Skills: skills}
	require.NoError(f.t, f.store.SaveStaff(f.ctx, s))
	return s
}

func (f *fixture) ticket(id string, sh schedule.Interval, skills ...string) schedule.Ticket {
	f.t.Helper()
	t := schedule.Ticket{
		ID:                 id,
		TenantID:           "t1",
		PeriodID:           f.period.ID,
		SiteID:             "site-1",
		Shift:              sh,
		Status:             schedule.TicketScheduled,
		RequiredSkills:     skills,
		RequiredStaffCount: 1,
		Version:            1,
	}
	require.NoError(f.t, f.store.SaveTicket(f.ctx, t))
	return t
}

func (f *fixture) assign(id, ticketID, staffID string, sh schedule.Interval) schedule.Assignment {
	f.t.Helper()
	a := schedule.Assignment{
		ID:        id,
		TenantID:  "t1",
		TicketID:  ticketID,
		PeriodID:  f.period.ID,
		StaffID:   staffID,
		Shift:     sh,
		Status:    schedule.AssignmentAssigned,
		Version:   1,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
	require.NoError(f.t, f.store.CreateAssignment(f.ctx, a))
	return a
}

func hours(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func types(cs []schedule.Conflict) []schedule.ConflictType {
	out := make([]schedule.ConflictType, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Type)
	}
	return out
}

func find(cs []schedule.Conflict, t schedule.ConflictType) (schedule.Conflict, bool) {
	for _, c := range cs {
		if c.Type == t {
			return c, true
		}
	}
	return schedule.Conflict{}, false
}
