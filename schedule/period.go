/*
period.go - Schedule Period state machine

STATES:
  DRAFT --publish--> PUBLISHED --lock--> LOCKED --archive--> ARCHIVED
                         ^                  |
                         +-----unlock-------+   (OWNER_ADMIN only)

CAPABILITIES:
  create, publish, lock, archive  canPublishSchedule
  validate, get, list             canManageSchedule
  unlock                          canUnlockPeriod

VALIDATE vs LOCK:
  Lock does not re-run validation. Validate is a separate call so a
  caller can lock a period they know holds only accepted warnings.
  Validate supersedes the previous conflict set: the old rows are
  archived and fresh rows appended.

CONCURRENCY:
  Every transition reads the period inside WithTx and writes it with a
  compare-and-set on Version. Of two racing lock() calls the loser sees
  LOCKED (or loses the CAS) and gets InvalidTransition.
*/
package schedule

import (
	"context"
	"strings"
	"time"
)

// NewPeriod is the input for CreatePeriod.
type NewPeriod struct {
	SiteID string
	Name   string
	Start  time.Time
	End    time.Time
}

func (e *Engine) CreatePeriod(ctx context.Context, caller Caller, in NewPeriod) (SchedulePeriod, error) {
	if err := caller.Require(CanPublishSchedule); err != nil {
		return SchedulePeriod{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return SchedulePeriod{}, preconditionf("period_name", "is required")
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return SchedulePeriod{}, preconditionf("period_start", "start and end are required")
	}
	if DateOnly(in.End).Before(DateOnly(in.Start)) {
		return SchedulePeriod{}, preconditionf("period_end", "must not be before period_start")
	}
	now := e.now()
	p := SchedulePeriod{
		ID:        e.newID(),
		TenantID:  caller.TenantID,
		SiteID:    in.SiteID,
		Name:      strings.TrimSpace(in.Name),
		Start:     DateOnly(in.Start),
		End:       DateOnly(in.End),
		Status:    PeriodDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.store.WithTx(ctx, func(s Store) error {
		return s.CreatePeriod(ctx, p)
	})
	if err != nil {
		return SchedulePeriod{}, err
	}
	e.committed(caller, "schedule_period", p.ID, AuditPeriodCreated, nil, p, "")
	return p, nil
}

func (e *Engine) GetPeriod(ctx context.Context, caller Caller, id string) (SchedulePeriod, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return SchedulePeriod{}, err
	}
	return e.store.GetPeriod(ctx, caller.TenantID, id)
}

func (e *Engine) ListPeriods(ctx context.Context, caller Caller, f PeriodFilter) ([]SchedulePeriod, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return nil, err
	}
	f.TenantID = caller.TenantID
	return e.store.ListPeriods(ctx, f)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// periodEdge describes one legal edge of the state machine.
type periodEdge struct {
	action string
	from   PeriodStatus
	to     PeriodStatus
	cap    Capability
	audit  AuditAction
	apply  func(p *SchedulePeriod, caller Caller, now time.Time)
}

var (
	edgePublish = periodEdge{
		action: "publish", from: PeriodDraft, to: PeriodPublished,
		cap: CanPublishSchedule, audit: AuditPeriodPublished,
		apply: func(p *SchedulePeriod, caller Caller, now time.Time) {
			p.PublishedAt = &now
			p.PublishedBy = caller.UserID
		},
	}
	edgeLock = periodEdge{
		action: "lock", from: PeriodPublished, to: PeriodLocked,
		cap: CanPublishSchedule, audit: AuditPeriodLocked,
		apply: func(p *SchedulePeriod, caller Caller, now time.Time) {
			p.LockedAt = &now
			p.LockedBy = caller.UserID
		},
	}
	edgeUnlock = periodEdge{
		action: "unlock", from: PeriodLocked, to: PeriodPublished,
		cap: CanUnlockPeriod, audit: AuditPeriodUnlocked,
		apply: func(p *SchedulePeriod, _ Caller, _ time.Time) {
			p.LockedAt = nil
			p.LockedBy = ""
		},
	}
	edgeArchive = periodEdge{
		action: "archive", from: PeriodLocked, to: PeriodArchived,
		cap: CanPublishSchedule, audit: AuditPeriodArchived,
		apply: func(p *SchedulePeriod, _ Caller, now time.Time) {
			p.ArchivedAt = &now
		},
	}
)

func (e *Engine) Publish(ctx context.Context, caller Caller, id string) (SchedulePeriod, error) {
	return e.transition(ctx, caller, id, edgePublish)
}

// Lock freezes a PUBLISHED period. It does not re-validate.
func (e *Engine) Lock(ctx context.Context, caller Caller, id string) (SchedulePeriod, error) {
	return e.transition(ctx, caller, id, edgeLock)
}

func (e *Engine) Unlock(ctx context.Context, caller Caller, id string) (SchedulePeriod, error) {
	return e.transition(ctx, caller, id, edgeUnlock)
}

// Archive freezes a LOCKED period for good and archives its conflicts.
func (e *Engine) Archive(ctx context.Context, caller Caller, id string) (SchedulePeriod, error) {
	return e.transition(ctx, caller, id, edgeArchive)
}

func (e *Engine) transition(ctx context.Context, caller Caller, id string, edge periodEdge) (SchedulePeriod, error) {
	if err := caller.Require(edge.cap); err != nil {
		return SchedulePeriod{}, err
	}
	now := e.now()
	var before, after SchedulePeriod
	err := e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPeriod(ctx, caller.TenantID, id)
		if err != nil {
			return err
		}
		if p.Status != edge.from {
			return &TransitionError{Entity: "period", ID: id, From: string(p.Status), Action: edge.action}
		}
		before = p
		edge.apply(&p, caller, now)
		p.Status = edge.to
		p.Version++
		p.UpdatedAt = now
		if err := s.UpdatePeriod(ctx, p); err != nil {
			return casMiss(err, "period", id, edge.action)
		}
		if edge.to == PeriodArchived {
			if err := s.ArchiveConflicts(ctx, p.TenantID, p.ID, now); err != nil {
				return err
			}
		}
		after = p
		return nil
	})
	if err != nil {
		return SchedulePeriod{}, err
	}
	e.committed(caller, "schedule_period", id, edge.audit, before, after, "")
	return after, nil
}

// =============================================================================
// VALIDATE
// =============================================================================

type ValidationResult struct {
	PeriodID  string               `json:"period_id"`
	Conflicts []Conflict           `json:"conflicts"`
	Summary   map[ConflictType]int `json:"summary"`
	Blocking  int                  `json:"blocking"`
}

// Validate runs the detector over every live assignment in the period and
// supersedes the stored conflict set. Callable in any state but ARCHIVED.
func (e *Engine) Validate(ctx context.Context, caller Caller, id string) (ValidationResult, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return ValidationResult{}, err
	}
	now := e.now()
	var res ValidationResult
	err := e.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPeriod(ctx, caller.TenantID, id)
		if err != nil {
			return err
		}
		if p.Status == PeriodArchived {
			return &PeriodLockedError{PeriodID: p.ID, Status: p.Status}
		}
		in, err := e.loadPeriod(ctx, s, p)
		if err != nil {
			return err
		}
		conflicts, err := e.detector.DetectPeriod(in)
		if err != nil {
			return err
		}
		if err := s.ArchiveConflicts(ctx, p.TenantID, p.ID, now); err != nil {
			return err
		}
		recs := make([]ConflictRecord, 0, len(conflicts))
		for _, c := range conflicts {
			recs = append(recs, ConflictRecord{
				RecordID:    e.newID(),
				TenantID:    p.TenantID,
				Conflict:    c,
				Source:      SourceValidate,
				ActorUserID: caller.UserID,
				RecordedAt:  now,
			})
		}
		if err := s.AppendConflicts(ctx, recs); err != nil {
			return err
		}
		res = summarize(p.ID, conflicts)
		return nil
	})
	if err != nil {
		return ValidationResult{}, err
	}
	e.committed(caller, "schedule_period", id, AuditPeriodValidated, nil, res.Summary, "")
	return res, nil
}

// loadPeriod gathers the period's tickets and assignments plus each worker's
// neighbouring assignments outside the period, for rest and weekly totals.
func (e *Engine) loadPeriod(ctx context.Context, s Store, p SchedulePeriod) (PeriodInput, error) {
	in := PeriodInput{
		Period: p,
		Staff:  make(map[string]StaffProfile),
		Subs:   make(map[string]Subcontractor),
	}
	var err error
	if in.Policy, err = e.policies.Policy(ctx, s, p.TenantID, p.SiteID); err != nil {
		return in, err
	}
	if in.Tickets, err = s.ListTickets(ctx, p.TenantID, p.ID); err != nil {
		return in, err
	}
	own, err := s.ListAssignments(ctx, AssignmentFilter{TenantID: p.TenantID, PeriodID: p.ID})
	if err != nil {
		return in, err
	}

	lookback := e.detector.LookbackWindow(p.Window())
	seen := make(map[string]bool)
	workers := make(map[Worker]bool)
	for _, a := range own {
		seen[a.ID] = true
		in.Assignments = append(in.Assignments, a)
		workers[a.Worker()] = true
	}
	for w := range workers {
		near, err := s.ListAssignments(ctx, AssignmentFilter{
			TenantID:        p.TenantID,
			StaffID:         w.StaffID,
			SubcontractorID: w.SubcontractorID,
			Window:          &lookback,
		})
		if err != nil {
			return in, err
		}
		for _, a := range near {
			if !seen[a.ID] {
				seen[a.ID] = true
				in.Assignments = append(in.Assignments, a)
			}
		}
		switch {
		case w.StaffID != "":
			staff, err := s.GetStaff(ctx, p.TenantID, w.StaffID)
			if err != nil && !IsNotFound(err) {
				return in, err
			}
			if err == nil {
				in.Staff[w.StaffID] = staff
			}
		case w.SubcontractorID != "":
			sub, err := s.GetSubcontractor(ctx, p.TenantID, w.SubcontractorID)
			if err != nil && !IsNotFound(err) {
				return in, err
			}
			if err == nil {
				in.Subs[w.SubcontractorID] = sub
			}
		}
	}
	return in, nil
}

func summarize(periodID string, conflicts []Conflict) ValidationResult {
	res := ValidationResult{PeriodID: periodID, Conflicts: conflicts, Summary: make(map[ConflictType]int)}
	if res.Conflicts == nil {
		res.Conflicts = []Conflict{}
	}
	for _, c := range conflicts {
		res.Summary[c.Type]++
		if c.IsBlocking {
			res.Blocking++
		}
	}
	return res
}

// ListConflicts returns the current conflict ledger, newest validation first.
func (e *Engine) ListConflicts(ctx context.Context, caller Caller, f ConflictFilter) ([]ConflictRecord, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return nil, err
	}
	f.TenantID = caller.TenantID
	return e.store.ListConflicts(ctx, f)
}
