/*
trade.go - Shift Trade workflow

STATES:
  PENDING --accept--> APPROVED --apply--> APPLIED
  PENDING --deny----> DENIED
  PENDING|APPROVED --cancel--> CANCELED
  DENIED, APPLIED and CANCELED are terminal.

APPLY:
  Reassigns the initiator's assignment to the counterparty (for a RELEASE
  or OPEN_PICKUP, whoever accepted it). The owning period must not be frozen. The detector
  re-runs against the reassigned shift and the same gate as planning apply
  decides; on any failure the trade stays APPROVED and the assignment is
  untouched, so a retry is safe. The assignment update and the trade
  transition commit in one transaction.

WHO MAY DO WHAT:
  request   the assignee, or anyone with canManageSchedule
  accept    the named counterparty, or any staff member for an open request
  cancel    the initiator, or canManageSchedule
  apply     canManageSchedule
  deny      canManageSchedule
*/
package schedule

import (
	"context"
	"strings"
)

type TradeRequestInput struct {
	AssignmentID  string
	RequestType   TradeType
	TargetStaffID string
	Note          string
}

func (e *Engine) RequestTrade(ctx context.Context, caller Caller, in TradeRequestInput) (ShiftTradeRequest, error) {
	if err := caller.Require(TenantMember); err != nil {
		return ShiftTradeRequest{}, err
	}
	switch {
	case in.RequestType == TradeSwap:
		if in.TargetStaffID == "" {
			return ShiftTradeRequest{}, preconditionf("target_staff_id", "is required for a SWAP")
		}
	case in.RequestType.Open():
	default:
		return ShiftTradeRequest{}, preconditionf("request_type", "must be SWAP, RELEASE or OPEN_PICKUP, got %q", in.RequestType)
	}
	now := e.now()
	var t ShiftTradeRequest
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetAssignment(ctx, caller.TenantID, in.AssignmentID)
		if err != nil {
			return err
		}
		if a.StaffID == "" || a.Status != AssignmentAssigned {
			return preconditionf("assignment_id", "only an ASSIGNED staff assignment can be traded")
		}
		if caller.UserID != a.StaffID && !caller.Can(CanManageSchedule) {
			return &ForbiddenError{Capability: CanManageSchedule}
		}
		if in.TargetStaffID == a.StaffID {
			return preconditionf("target_staff_id", "must differ from the initiator")
		}
		if in.TargetStaffID != "" {
			if _, err := s.GetStaff(ctx, caller.TenantID, in.TargetStaffID); err != nil {
				return err
			}
		}
		p, err := s.GetPeriod(ctx, caller.TenantID, a.PeriodID)
		if err != nil {
			return err
		}
		if err := e.checkPeriodMutable(p); err != nil {
			return err
		}
		t = ShiftTradeRequest{
			ID:               e.newID(),
			TenantID:         caller.TenantID,
			PeriodID:         a.PeriodID,
			TicketID:         a.TicketID,
			AssignmentID:     a.ID,
			RequestType:      in.RequestType,
			InitiatorStaffID: a.StaffID,
			TargetStaffID:    in.TargetStaffID,
			InitiatorNote:    strings.TrimSpace(in.Note),
			Status:           TradePending,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return s.CreateTrade(ctx, t)
	})
	if err != nil {
		return ShiftTradeRequest{}, err
	}
	e.committed(caller, "shift_trade_request", t.ID, AuditTradeRequested, nil, t, "")
	return t, nil
}

func (e *Engine) GetTrade(ctx context.Context, caller Caller, id string) (ShiftTradeRequest, error) {
	if err := caller.Require(TenantMember); err != nil {
		return ShiftTradeRequest{}, err
	}
	return e.store.GetTrade(ctx, caller.TenantID, id)
}

func (e *Engine) ListTrades(ctx context.Context, caller Caller, f TradeFilter) ([]ShiftTradeRequest, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return nil, err
	}
	f.TenantID = caller.TenantID
	return e.store.ListTrades(ctx, f)
}

// =============================================================================
// SIMPLE TRANSITIONS
// =============================================================================

// Accept moves PENDING to APPROVED. Assignments are not touched.
func (e *Engine) Accept(ctx context.Context, caller Caller, id string) (ShiftTradeRequest, error) {
	return e.tradeStep(ctx, caller, id, "accept", AuditTradeAccepted, "",
		func(s Store, t *ShiftTradeRequest) error {
			if t.Status != TradePending {
				return &TransitionError{Entity: "trade", ID: t.ID, From: string(t.Status), Action: "accept"}
			}
			switch {
			case t.TargetStaffID == "":
				if caller.UserID == t.InitiatorStaffID {
					return preconditionf("trade", "an open request cannot be accepted by its initiator")
				}
				// the taker becomes the assignee on apply, so it must be a staff member
				if _, err := s.GetStaff(ctx, caller.TenantID, caller.UserID); err != nil {
					if IsNotFound(err) {
						return preconditionf("trade", "%s has no staff profile to take the shift", caller.UserID)
					}
					return err
				}
				t.TargetStaffID = caller.UserID
			case caller.UserID != t.TargetStaffID && !caller.Can(CanManageSchedule):
				return &ForbiddenError{Capability: CanManageSchedule}
			}
			now := e.now()
			t.Status = TradeApproved
			t.AcceptedAt = &now
			return nil
		})
}

// Deny moves PENDING to DENIED with a manager note.
func (e *Engine) Deny(ctx context.Context, caller Caller, id, note string) (ShiftTradeRequest, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return ShiftTradeRequest{}, err
	}
	return e.tradeStep(ctx, caller, id, "deny", AuditTradeDenied, note,
		func(_ Store, t *ShiftTradeRequest) error {
			if t.Status != TradePending {
				return &TransitionError{Entity: "trade", ID: t.ID, From: string(t.Status), Action: "deny"}
			}
			now := e.now()
			t.Status = TradeDenied
			t.ManagerNote = strings.TrimSpace(note)
			t.DeniedAt = &now
			return nil
		})
}

// Cancel is legal from PENDING or APPROVED.
func (e *Engine) Cancel(ctx context.Context, caller Caller, id string) (ShiftTradeRequest, error) {
	return e.tradeStep(ctx, caller, id, "cancel", AuditTradeCanceled, "",
		func(_ Store, t *ShiftTradeRequest) error {
			if t.Status != TradePending && t.Status != TradeApproved {
				return &TransitionError{Entity: "trade", ID: t.ID, From: string(t.Status), Action: "cancel"}
			}
			if caller.UserID != t.InitiatorStaffID && !caller.Can(CanManageSchedule) {
				return &ForbiddenError{Capability: CanManageSchedule}
			}
			now := e.now()
			t.Status = TradeCanceled
			t.CanceledAt = &now
			return nil
		})
}

func (e *Engine) tradeStep(ctx context.Context, caller Caller, id, action string, audit AuditAction, reason string, step func(Store, *ShiftTradeRequest) error) (ShiftTradeRequest, error) {
	if err := caller.Require(TenantMember); err != nil {
		return ShiftTradeRequest{}, err
	}
	var before, after ShiftTradeRequest
	err := e.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTrade(ctx, caller.TenantID, id)
		if err != nil {
			return err
		}
		p, err := s.GetPeriod(ctx, caller.TenantID, t.PeriodID)
		if err != nil {
			return err
		}
		if err := e.checkPeriodMutable(p); err != nil {
			return err
		}
		before = t
		if err := step(s, &t); err != nil {
			return err
		}
		t.Version++
		t.UpdatedAt = e.now()
		if err := s.UpdateTrade(ctx, t); err != nil {
			return casMiss(err, "trade", id, action)
		}
		after = t
		return nil
	})
	if err != nil {
		return ShiftTradeRequest{}, err
	}
	e.committed(caller, "shift_trade_request", id, audit, before, after, reason)
	return after, nil
}

// =============================================================================
// APPLY
// =============================================================================

type TradeApplyResult struct {
	Trade      ShiftTradeRequest `json:"trade"`
	Assignment Assignment        `json:"assignment"`
	Conflicts  []Conflict        `json:"conflicts"`
}

// ApplyTrade moves APPROVED to APPLIED and reassigns the shift in the same
// transaction. Policy conflicts needing override are cleared with o.
func (e *Engine) ApplyTrade(ctx context.Context, caller Caller, id string, o Override) (TradeApplyResult, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return TradeApplyResult{}, err
	}
	now := e.now()
	var res TradeApplyResult
	var tradeBefore ShiftTradeRequest
	var assignBefore Assignment
	err := e.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTrade(ctx, caller.TenantID, id)
		if err != nil {
			return err
		}
		p, err := s.GetPeriod(ctx, caller.TenantID, t.PeriodID)
		if err != nil {
			return err
		}
		if err := e.checkPeriodMutable(p); err != nil {
			return err
		}
		if t.Status != TradeApproved {
			return &TransitionError{Entity: "trade", ID: id, From: string(t.Status), Action: "apply"}
		}
		if t.TargetStaffID == "" {
			return preconditionf("target_staff_id", "trade %s has no counterparty", id)
		}
		a, err := s.GetAssignment(ctx, caller.TenantID, t.AssignmentID)
		if err != nil {
			return err
		}
		if a.StaffID != t.InitiatorStaffID || a.Status != AssignmentAssigned {
			return preconditionf("assignment_id", "assignment %s no longer belongs to %s", a.ID, t.InitiatorStaffID)
		}
		ticket, err := s.GetTicket(ctx, caller.TenantID, a.TicketID)
		if err != nil {
			return err
		}
		target := Worker{StaffID: t.TargetStaffID}
		conflicts, _, err := e.detectChange(ctx, s, p, ticket, target, a.Shift, a.ID)
		if err != nil {
			return err
		}
		if err := (Assessment{Conflicts: conflicts}).Gate(o); err != nil {
			return err
		}

		tradeBefore, assignBefore = t, a
		a.StaffID = target.StaffID
		a.Version++
		a.UpdatedAt = now
		if err := s.UpdateAssignment(ctx, a); err != nil {
			return casMiss(err, "assignment", a.ID, "apply")
		}
		t.Status = TradeApplied
		t.AppliedAt = &now
		t.Version++
		t.UpdatedAt = now
		if err := s.UpdateTrade(ctx, t); err != nil {
			return casMiss(err, "trade", id, "apply")
		}
		if err := s.AppendConflicts(ctx, e.records(caller, conflicts, SourceTradeApply, o)); err != nil {
			return err
		}
		res = TradeApplyResult{Trade: t, Assignment: a, Conflicts: conflicts}
		return nil
	})
	if err != nil {
		return TradeApplyResult{}, err
	}
	e.committed(caller, "shift_trade_request", id, AuditTradeApplied, tradeBefore, res.Trade, o.Reason)
	e.committed(caller, "assignment", res.Assignment.ID, AuditTradeApplied, assignBefore, res.Assignment, o.Reason)
	return res, nil
}
