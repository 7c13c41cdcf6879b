// Package store provides an in-memory schedule.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/schedule-engine/schedule"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type data struct {
	policies    []schedule.SchedulePolicy
	periods     map[string]schedule.SchedulePeriod
	tickets     map[string]schedule.Ticket
	assignments map[string]schedule.Assignment
	staff       map[string]schedule.StaffProfile
	subs        map[string]schedule.Subcontractor
	conflicts   []schedule.ConflictRecord
	trades      map[string]schedule.ShiftTradeRequest
	items       map[string]schedule.PlanningBoardItem
	proposals   map[string]schedule.PlanningItemProposal
	drift       []schedule.DriftResolutionEvent
}

func newData() *data {
	return &data{
		periods:     make(map[string]schedule.SchedulePeriod),
		tickets:     make(map[string]schedule.Ticket),
		assignments: make(map[string]schedule.Assignment),
		staff:       make(map[string]schedule.StaffProfile),
		subs:        make(map[string]schedule.Subcontractor),
		trades:      make(map[string]schedule.ShiftTradeRequest),
		items:       make(map[string]schedule.PlanningBoardItem),
		proposals:   make(map[string]schedule.PlanningItemProposal),
	}
}

func (d *data) clone() data {
	c := data{
		policies:    append([]schedule.SchedulePolicy(nil), d.policies...),
		periods:     copyMap(d.periods),
		tickets:     copyMap(d.tickets),
		assignments: copyMap(d.assignments),
		staff:       copyMap(d.staff),
		subs:        copyMap(d.subs),
		conflicts:   append([]schedule.ConflictRecord(nil), d.conflicts...),
		trades:      copyMap(d.trades),
		items:       copyMap(d.items),
		proposals:   copyMap(d.proposals),
		drift:       append([]schedule.DriftResolutionEvent(nil), d.drift...),
	}
	return c
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Memory is safe for concurrent use. Outside WithTx every call takes the lock;
// inside WithTx the whole unit of work holds it, which serializes writers the
// way row locks would.
type Memory struct {
	*view
	mu sync.RWMutex
}

func NewMemory() *Memory {
	m := &Memory{}
	m.view = &view{d: newData(), mu: &m.mu}
	return m
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(schedule.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.d.clone()
	if err := fn(&view{d: m.d}); err != nil {
		*m.d = snap
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.d = *newData()
}

// =============================================================================
// VIEW - the Store implementation. mu is nil inside a transaction.
// =============================================================================

type view struct {
	d  *data
	mu *sync.RWMutex
}

func (v *view) rlock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.RLock()
	return v.mu.RUnlock
}

func (v *view) lock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

func notFound(entity, id string) error {
	return &schedule.NotFoundError{Entity: entity, ID: id}
}

// --- policies ---

func (v *view) CurrentPolicy(_ context.Context, tenantID, siteID string) (schedule.SchedulePolicy, error) {
	defer v.rlock()()
	for i := len(v.d.policies) - 1; i >= 0; i-- {
		p := v.d.policies[i]
		if p.TenantID == tenantID && p.SiteID == siteID && p.ArchivedAt == nil {
			return p, nil
		}
	}
	return schedule.SchedulePolicy{}, notFound("schedule_policy", tenantID+"/"+siteID)
}

func (v *view) SupersedePolicy(_ context.Context, p schedule.SchedulePolicy, at time.Time) error {
	defer v.lock()()
	for i, cur := range v.d.policies {
		if cur.TenantID == p.TenantID && cur.SiteID == p.SiteID && cur.ArchivedAt == nil {
			archived := at
			v.d.policies[i].ArchivedAt = &archived
		}
	}
	v.d.policies = append(v.d.policies, p)
	return nil
}

// --- periods ---

func (v *view) CreatePeriod(_ context.Context, p schedule.SchedulePeriod) error {
	defer v.lock()()
	v.d.periods[p.ID] = p
	return nil
}

func (v *view) GetPeriod(_ context.Context, tenantID, id string) (schedule.SchedulePeriod, error) {
	defer v.rlock()()
	p, ok := v.d.periods[id]
	if !ok || p.TenantID != tenantID {
		return schedule.SchedulePeriod{}, notFound("period", id)
	}
	return p, nil
}

func (v *view) ListPeriods(_ context.Context, f schedule.PeriodFilter) ([]schedule.SchedulePeriod, error) {
	defer v.rlock()()
	var out []schedule.SchedulePeriod
	for _, p := range v.d.periods {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.After(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) UpdatePeriod(_ context.Context, p schedule.SchedulePeriod) error {
	defer v.lock()()
	cur, ok := v.d.periods[p.ID]
	if !ok || cur.TenantID != p.TenantID {
		return notFound("period", p.ID)
	}
	if cur.Version != p.Version-1 {
		return schedule.ErrConcurrentModification
	}
	v.d.periods[p.ID] = p
	return nil
}

// --- tickets, assignments, people ---

func (v *view) SaveTicket(_ context.Context, t schedule.Ticket) error {
	defer v.lock()()
	v.d.tickets[t.ID] = t
	return nil
}

func (v *view) GetTicket(_ context.Context, tenantID, id string) (schedule.Ticket, error) {
	defer v.rlock()()
	t, ok := v.d.tickets[id]
	if !ok || t.TenantID != tenantID {
		return schedule.Ticket{}, notFound("ticket", id)
	}
	return t, nil
}

func (v *view) ListTickets(_ context.Context, tenantID, periodID string) ([]schedule.Ticket, error) {
	defer v.rlock()()
	var out []schedule.Ticket
	for _, t := range v.d.tickets {
		if t.TenantID == tenantID && (periodID == "" || t.PeriodID == periodID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Shift.Start.Equal(out[j].Shift.Start) {
			return out[i].Shift.Start.Before(out[j].Shift.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) CreateAssignment(_ context.Context, a schedule.Assignment) error {
	defer v.lock()()
	v.d.assignments[a.ID] = a
	return nil
}

func (v *view) UpdateAssignment(_ context.Context, a schedule.Assignment) error {
	defer v.lock()()
	cur, ok := v.d.assignments[a.ID]
	if !ok || cur.TenantID != a.TenantID {
		return notFound("assignment", a.ID)
	}
	if cur.Version != a.Version-1 {
		return schedule.ErrConcurrentModification
	}
	v.d.assignments[a.ID] = a
	return nil
}

func (v *view) GetAssignment(_ context.Context, tenantID, id string) (schedule.Assignment, error) {
	defer v.rlock()()
	a, ok := v.d.assignments[id]
	if !ok || a.TenantID != tenantID {
		return schedule.Assignment{}, notFound("assignment", id)
	}
	return a, nil
}

func (v *view) ListAssignments(_ context.Context, f schedule.AssignmentFilter) ([]schedule.Assignment, error) {
	defer v.rlock()()
	var out []schedule.Assignment
	for _, a := range v.d.assignments {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Shift.Start.Equal(out[j].Shift.Start) {
			return out[i].Shift.Start.Before(out[j].Shift.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) SaveStaff(_ context.Context, s schedule.StaffProfile) error {
	defer v.lock()()
	v.d.staff[s.ID] = s
	return nil
}

func (v *view) GetStaff(_ context.Context, tenantID, id string) (schedule.StaffProfile, error) {
	defer v.rlock()()
	s, ok := v.d.staff[id]
	if !ok || s.TenantID != tenantID {
		return schedule.StaffProfile{}, notFound("staff", id)
	}
	return s, nil
}

func (v *view) SaveSubcontractor(_ context.Context, s schedule.Subcontractor) error {
	defer v.lock()()
	v.d.subs[s.ID] = s
	return nil
}

func (v *view) GetSubcontractor(_ context.Context, tenantID, id string) (schedule.Subcontractor, error) {
	defer v.rlock()()
	s, ok := v.d.subs[id]
	if !ok || s.TenantID != tenantID {
		return schedule.Subcontractor{}, notFound("subcontractor", id)
	}
	return s, nil
}

// --- conflicts ---

func (v *view) ArchiveConflicts(_ context.Context, tenantID, periodID string, at time.Time) error {
	defer v.lock()()
	for i, r := range v.d.conflicts {
		if r.TenantID == tenantID && r.Conflict.PeriodID == periodID && r.ArchivedAt == nil {
			archived := at
			v.d.conflicts[i].ArchivedAt = &archived
		}
	}
	return nil
}

func (v *view) AppendConflicts(_ context.Context, recs []schedule.ConflictRecord) error {
	defer v.lock()()
	v.d.conflicts = append(v.d.conflicts, recs...)
	return nil
}

func (v *view) ListConflicts(_ context.Context, f schedule.ConflictFilter) ([]schedule.ConflictRecord, error) {
	defer v.rlock()()
	var out []schedule.ConflictRecord
	for _, r := range v.d.conflicts {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

// --- trades ---

func (v *view) CreateTrade(_ context.Context, t schedule.ShiftTradeRequest) error {
	defer v.lock()()
	v.d.trades[t.ID] = t
	return nil
}

func (v *view) GetTrade(_ context.Context, tenantID, id string) (schedule.ShiftTradeRequest, error) {
	defer v.rlock()()
	t, ok := v.d.trades[id]
	if !ok || t.TenantID != tenantID {
		return schedule.ShiftTradeRequest{}, notFound("trade", id)
	}
	return t, nil
}

func (v *view) UpdateTrade(_ context.Context, t schedule.ShiftTradeRequest) error {
	defer v.lock()()
	cur, ok := v.d.trades[t.ID]
	if !ok || cur.TenantID != t.TenantID {
		return notFound("trade", t.ID)
	}
	if cur.Version != t.Version-1 {
		return schedule.ErrConcurrentModification
	}
	v.d.trades[t.ID] = t
	return nil
}

func (v *view) ListTrades(_ context.Context, f schedule.TradeFilter) ([]schedule.ShiftTradeRequest, error) {
	defer v.rlock()()
	var out []schedule.ShiftTradeRequest
	for _, t := range v.d.trades {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- planning board ---

func (v *view) SaveBoardItem(_ context.Context, item schedule.PlanningBoardItem) error {
	defer v.lock()()
	v.d.items[item.ID] = item
	return nil
}

func (v *view) GetBoardItem(_ context.Context, tenantID, boardID, itemID string) (schedule.PlanningBoardItem, error) {
	defer v.rlock()()
	item, ok := v.d.items[itemID]
	if !ok || item.TenantID != tenantID || item.BoardID != boardID {
		return schedule.PlanningBoardItem{}, notFound("board_item", itemID)
	}
	return item, nil
}

func (v *view) SaveProposal(_ context.Context, p schedule.PlanningItemProposal) error {
	defer v.lock()()
	v.d.proposals[p.ID] = p
	return nil
}

func (v *view) GetProposal(_ context.Context, tenantID, id string) (schedule.PlanningItemProposal, error) {
	defer v.rlock()()
	p, ok := v.d.proposals[id]
	if !ok || p.TenantID != tenantID {
		return schedule.PlanningItemProposal{}, notFound("proposal", id)
	}
	return p, nil
}

func (v *view) ListProposals(_ context.Context, tenantID, boardItemID string) ([]schedule.PlanningItemProposal, error) {
	defer v.rlock()()
	var out []schedule.PlanningItemProposal
	for _, p := range v.d.proposals {
		if p.TenantID == tenantID && p.BoardItemID == boardItemID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) AppendDriftEvent(_ context.Context, e schedule.DriftResolutionEvent) error {
	defer v.lock()()
	v.d.drift = append(v.d.drift, e)
	return nil
}

func (v *view) ListDriftEvents(_ context.Context, tenantID, boardItemID string) ([]schedule.DriftResolutionEvent, error) {
	defer v.rlock()()
	var out []schedule.DriftResolutionEvent
	for _, e := range v.d.drift {
		if e.TenantID == tenantID && (boardItemID == "" || e.BoardItemID == boardItemID) {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ schedule.TxStore = (*Memory)(nil)
