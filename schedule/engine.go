/*
engine.go - Engine wiring and shared helpers

PURPOSE:
  Engine bundles the collaborators every state machine needs: the
  transactional store, the detector, the current-policy source, the
  audit side-channel, a logger and a clock.

TRANSACTION SHAPE (every mutating operation):
  1. caller.Require(capability)          before any store access
  2. store.WithTx:
       load current rows -> check state -> detect -> gate -> write
  3. after commit: log + audit.Emit      never inside the transaction

  A failure in step 3 never reaches the caller.
*/
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Engine struct {
	store    TxStore
	detector *Detector
	policies PolicySource
	audit    AuditEmitter
	log      *zap.Logger
	clock    Clock
	newID    func() string
}

type Option func(*Engine)

func WithDetector(d *Detector) Option        { return func(e *Engine) { e.detector = d } }
func WithPolicySource(p PolicySource) Option { return func(e *Engine) { e.policies = p } }
func WithAudit(a AuditEmitter) Option        { return func(e *Engine) { e.audit = a } }
func WithLogger(l *zap.Logger) Option        { return func(e *Engine) { e.log = l } }
func WithIDs(gen func() string) Option       { return func(e *Engine) { e.newID = gen } }

// WithClock pins the engine's and the default detector's time source.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		policies: StorePolicies{},
		audit:    NopAuditEmitter{},
		log:      zap.NewNop(),
		clock:    SystemClock,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.detector == nil {
		e.detector = NewDetector(0, time.Monday, e.clock)
	}
	return e
}

func (e *Engine) Detector() *Detector { return e.detector }

func (e *Engine) now() time.Time { return e.clock().UTC() }

// =============================================================================
// POLICY SOURCE
// =============================================================================

// PolicySource returns the policy in force for a tenant/site. It is called with
// the transaction's Store so a cache miss reads inside the same unit of work.
type PolicySource interface {
	Policy(ctx context.Context, s Store, tenantID, siteID string) (SchedulePolicy, error)
	Invalidate(ctx context.Context, tenantID, siteID string)
}

// StorePolicies reads straight from the store on every call.
type StorePolicies struct{}

func (StorePolicies) Policy(ctx context.Context, s Store, tenantID, siteID string) (SchedulePolicy, error) {
	return LoadPolicy(ctx, s, tenantID, siteID)
}

func (StorePolicies) Invalidate(context.Context, string, string) {}

// LoadPolicy resolves site policy, then tenant policy, then defaults.
func LoadPolicy(ctx context.Context, s Store, tenantID, siteID string) (SchedulePolicy, error) {
	if siteID != "" {
		p, err := s.CurrentPolicy(ctx, tenantID, siteID)
		if err == nil {
			return p, nil
		}
		if !IsNotFound(err) {
			return SchedulePolicy{}, err
		}
	}
	p, err := s.CurrentPolicy(ctx, tenantID, "")
	if IsNotFound(err) {
		return DefaultPolicy(tenantID), nil
	}
	return p, err
}

// GetPolicy returns the policy currently in force for the caller's tenant.
func (e *Engine) GetPolicy(ctx context.Context, caller Caller, siteID string) (SchedulePolicy, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return SchedulePolicy{}, err
	}
	var out SchedulePolicy
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		out, err = e.policies.Policy(ctx, s, caller.TenantID, siteID)
		return err
	})
	return out, err
}

// SavePolicy supersedes the current policy for (tenant, site) with a new version.
func (e *Engine) SavePolicy(ctx context.Context, caller Caller, p SchedulePolicy) (SchedulePolicy, error) {
	if err := caller.Require(CanWritePolicy); err != nil {
		return SchedulePolicy{}, err
	}
	p.TenantID = caller.TenantID
	if err := p.Validate(); err != nil {
		return SchedulePolicy{}, err
	}
	now := e.now()
	var before *SchedulePolicy
	err := e.store.WithTx(ctx, func(s Store) error {
		cur, err := s.CurrentPolicy(ctx, p.TenantID, p.SiteID)
		switch {
		case err == nil:
			before = &cur
			p.Version = cur.Version + 1
		case IsNotFound(err):
			p.Version = 1
		default:
			return err
		}
		p.ID = e.newID()
		p.CreatedBy = caller.UserID
		p.CreatedAt = now
		p.ArchivedAt = nil
		return s.SupersedePolicy(ctx, p, now)
	})
	if err != nil {
		return SchedulePolicy{}, err
	}
	e.policies.Invalidate(ctx, p.TenantID, p.SiteID)
	e.committed(caller, "schedule_policy", p.ID, AuditPolicyChanged, before, p, "")
	return p, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// detectChange loads everything the detector needs for one candidate inside the
// running transaction.
func (e *Engine) detectChange(ctx context.Context, s Store, period SchedulePeriod, ticket Ticket, w Worker, shift Interval, replaces string) ([]Conflict, SchedulePolicy, error) {
	policy, err := e.policies.Policy(ctx, s, period.TenantID, period.SiteID)
	if err != nil {
		return nil, policy, err
	}
	window := e.detector.LookbackWindow(shift)
	others, err := s.ListAssignments(ctx, AssignmentFilter{
		TenantID:        period.TenantID,
		StaffID:         w.StaffID,
		SubcontractorID: w.SubcontractorID,
		Window:          &window,
	})
	if err != nil {
		return nil, policy, err
	}
	in := DetectInput{
		Mode:        ModeChange,
		Period:      &period,
		Policy:      &policy,
		Ticket:      &ticket,
		Candidate:   Candidate{TicketID: ticket.ID, Worker: w, Shift: shift, AssignmentID: replaces},
		Assignments: others,
	}
	if w.StaffID != "" {
		staff, err := s.GetStaff(ctx, period.TenantID, w.StaffID)
		if err != nil {
			return nil, policy, err
		}
		in.Staff = &staff
	}
	if w.SubcontractorID != "" {
		sub, err := s.GetSubcontractor(ctx, period.TenantID, w.SubcontractorID)
		if err != nil {
			return nil, policy, err
		}
		in.Subcontractor = &sub
	}
	conflicts, err := e.detector.Detect(in)
	return conflicts, policy, err
}

// records turns gated conflicts into ledger rows. Blocking conflicts that passed
// the gate were overridden.
func (e *Engine) records(caller Caller, conflicts []Conflict, source string, o Override) []ConflictRecord {
	acked := make(map[string]bool, len(o.AcknowledgedIDs))
	for _, id := range o.AcknowledgedIDs {
		acked[id] = true
	}
	now := e.now()
	out := make([]ConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		rec := ConflictRecord{
			RecordID:     e.newID(),
			TenantID:     caller.TenantID,
			Conflict:     c,
			Source:       source,
			Resolution:   ResolutionApplied,
			Acknowledged: acked[c.ID],
			ActorUserID:  caller.UserID,
			RecordedAt:   now,
		}
		if c.IsBlocking {
			rec.Resolution = ResolutionAppliedAnyway
			rec.OverrideReason = o.Reason
		}
		out = append(out, rec)
	}
	return out
}

// casMiss maps a lost compare-and-set to the transition the caller attempted.
func casMiss(err error, entity, id, action string) error {
	if errors.Is(err, ErrConcurrentModification) {
		return &TransitionError{Entity: entity, ID: id, From: "modified concurrently", Action: action}
	}
	return err
}

func (e *Engine) checkPeriodMutable(p SchedulePeriod) error {
	if p.Status.Frozen() {
		return &PeriodLockedError{PeriodID: p.ID, Status: p.Status}
	}
	return nil
}

// committed logs and emits the audit record for a transition that has committed.
func (e *Engine) committed(caller Caller, entityType, entityID string, action AuditAction, before, after any, reason string) {
	e.log.Info("schedule transition committed",
		zap.String("tenant_id", caller.TenantID),
		zap.String("actor_user_id", caller.UserID),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("action", string(action)),
	)
	rec := AuditRecord{
		ID:          e.newID(),
		TenantID:    caller.TenantID,
		ActorUserID: caller.UserID,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Before:      snapshot(before),
		After:       snapshot(after),
		Reason:      reason,
		RequestPath: caller.Request.Path,
		IPAddress:   caller.Request.IP,
		UserAgent:   caller.Request.UserAgent,
		DeviceID:    caller.Request.DeviceID,
		GeoLat:      caller.Request.GeoLat,
		GeoLong:     caller.Request.GeoLong,
		OccurredAt:  e.now(),
	}
	e.audit.Emit(rec)
}
