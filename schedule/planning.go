/*
planning.go - Planning Apply engine

PURPOSE:
  Applies a planning-board proposal (a suggested worker for a ticket)
  into the live schedule. The proposal is always validated against the
  CURRENT schedule, never against the snapshot it was generated from.

ALGORITHM (one transaction):
  1. Load item, proposal, ticket, period and the live assignment.
  2. Drift check: compare the proposal's basis with the live state
     (assignee, shift, ticket status). A ticket that was already
     started when proposed is not drift; detection blocks it in step 3.
       no drift                -> any drift choice is ignored
       drift, no choice        -> ConflictOverrideRequired(external_drift),
                                  cleared only by a drift choice
       accept_schedule_version -> record event, discard proposal, item synced
       use_board_version       -> record event, continue to step 3
  3. Detect conflicts for the proposed worker.
  4. Gate: structural -> blocked; block-mode -> blocked;
     override_required -> needs every id acknowledged plus a reason.
  5. Update (or create) the ticket's assignment, mark the proposal
     applied (superseding any earlier applied one), item applied, and
     log the conflicts with their acknowledgement and reason.

  override_locked_period is recorded in the audit trail only. A frozen
  period is structural and cannot be overridden.
*/
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type PlanningApplyInput struct {
	BoardID                string
	BoardItemID            string
	ProposalID             string
	AcknowledgedWarningIDs []string
	OverrideLockedPeriod   bool
	OverrideReason         string
	DriftChoice            DriftChoice
}

func (in PlanningApplyInput) validate() error {
	switch {
	case in.BoardID == "":
		return preconditionf("board_id", "is required")
	case in.BoardItemID == "":
		return preconditionf("board_item_id", "is required")
	case in.ProposalID == "":
		return preconditionf("proposal_id", "is required")
	case in.DriftChoice != "" && !in.DriftChoice.Valid():
		return preconditionf("drift_choice", "must be use_board_version or accept_schedule_version, got %q", in.DriftChoice)
	}
	return nil
}

func (in PlanningApplyInput) override() Override {
	return Override{AcknowledgedIDs: in.AcknowledgedWarningIDs, Reason: in.OverrideReason}
}

type PlanningApplyResult struct {
	BoardItemID     string     `json:"board_item_id"`
	SyncState       SyncState  `json:"sync_state"`
	TicketID        string     `json:"ticket_id"`
	AssignmentID    string     `json:"assignment_id,omitempty"`
	ConflictsLogged int        `json:"conflicts_logged"`
	Conflicts       []Conflict `json:"conflicts,omitempty"`
	Drift           bool       `json:"drift"`
}

// planningAudit is the "after" snapshot of a planning apply.
type planningAudit struct {
	Assignment           Assignment           `json:"assignment"`
	Proposal             PlanningItemProposal `json:"proposal"`
	OverriddenConflicts  []Conflict           `json:"overridden_conflicts,omitempty"`
	AcknowledgedIDs      []string             `json:"acknowledged_warning_ids,omitempty"`
	OverrideLockedPeriod bool                 `json:"override_locked_period,omitempty"`
	DriftChoice          DriftChoice          `json:"drift_choice,omitempty"`
}

func (e *Engine) ApplyProposal(ctx context.Context, caller Caller, in PlanningApplyInput) (PlanningApplyResult, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return PlanningApplyResult{}, err
	}
	if err := in.validate(); err != nil {
		return PlanningApplyResult{}, err
	}
	now := e.now()
	var (
		res         PlanningApplyResult
		drift       *DriftResolutionEvent
		before      *Assignment
		auditAfter  planningAudit
		wroteAssign bool
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		item, err := s.GetBoardItem(ctx, caller.TenantID, in.BoardID, in.BoardItemID)
		if err != nil {
			return err
		}
		proposal, err := s.GetProposal(ctx, caller.TenantID, in.ProposalID)
		if err != nil {
			return err
		}
		if proposal.BoardItemID != item.ID {
			return preconditionf("proposal_id", "proposal %s does not belong to item %s", proposal.ID, item.ID)
		}
		if proposal.ApplyState != ApplyPending {
			return &TransitionError{Entity: "proposal", ID: proposal.ID, From: string(proposal.ApplyState), Action: "apply"}
		}
		worker := proposal.Worker()
		if !worker.Valid() {
			return preconditionf("proposal", "proposal %s names no single worker", proposal.ID)
		}
		ticket, err := s.GetTicket(ctx, caller.TenantID, item.TicketID)
		if err != nil {
			return err
		}
		period, err := s.GetPeriod(ctx, caller.TenantID, ticket.PeriodID)
		if err != nil {
			return err
		}
		live, err := liveAssignment(ctx, s, caller.TenantID, ticket.ID)
		if err != nil {
			return err
		}

		current := ProposalBasis{Shift: ticket.Shift, TicketStatus: ticket.Status}
		if live != nil {
			current.Worker = live.Worker()
		}
		res = PlanningApplyResult{BoardItemID: item.ID, TicketID: ticket.ID}

		// step 2: drift
		if diffs := basisDiff(proposal.Basis, current); len(diffs) > 0 {
			res.Drift = true
			if in.DriftChoice == "" {
				policy, err := e.policies.Policy(ctx, s, period.TenantID, period.SiteID)
				if err != nil {
					return err
				}
				c := e.detector.DriftConflict(&period, &policy, ticket.ID, worker, ticket.Shift,
					"schedule changed since proposal was generated: "+strings.Join(diffs, "; "))
				return &ConflictError{OverrideRequired: true, Conflicts: []Conflict{c}, DriftChoiceRequired: true}
			}
			ev := DriftResolutionEvent{
				ID:              e.newID(),
				TenantID:        caller.TenantID,
				BoardID:         in.BoardID,
				BoardItemID:     item.ID,
				ProposalID:      proposal.ID,
				TicketID:        ticket.ID,
				Choice:          in.DriftChoice,
				BoardVersion:    proposal.Basis,
				ScheduleVersion: current,
				ResolvedBy:      caller.UserID,
				CreatedAt:       now,
			}
			if err := s.AppendDriftEvent(ctx, ev); err != nil {
				return err
			}
			drift = &ev
			if in.DriftChoice == AcceptScheduleVersion {
				proposal.ApplyState = ApplyDiscarded
				if err := s.SaveProposal(ctx, proposal); err != nil {
					return err
				}
				item.SyncState = SyncSynced
				item.CurrentAssigneeStaffID = current.Worker.StaffID
				item.CurrentAssigneeSubcontractorID = current.Worker.SubcontractorID
				item.UpdatedAt = now
				if err := s.SaveBoardItem(ctx, item); err != nil {
					return err
				}
				res.SyncState = SyncDiscarded
				return nil
			}
		}

		// steps 3 and 4: detect and gate
		replaces := ""
		if live != nil {
			replaces = live.ID
		}
		conflicts, _, err := e.detectChange(ctx, s, period, ticket, worker, ticket.Shift, replaces)
		if err != nil {
			return err
		}
		assessment := Assessment{Conflicts: conflicts}
		if err := assessment.Gate(in.override()); err != nil {
			return err
		}

		// step 5: commit
		var a Assignment
		if live != nil {
			cp := *live
			before = &cp
			a = *live
			a.StaffID, a.SubcontractorID = worker.StaffID, worker.SubcontractorID
			a.Shift = ticket.Shift
			a.Version++
			a.UpdatedAt = now
			if err := s.UpdateAssignment(ctx, a); err != nil {
				return casMiss(err, "assignment", a.ID, "apply")
			}
		} else {
			a = Assignment{
				ID:              e.newID(),
				TenantID:        caller.TenantID,
				TicketID:        ticket.ID,
				PeriodID:        ticket.PeriodID,
				StaffID:         worker.StaffID,
				SubcontractorID: worker.SubcontractorID,
				Shift:           ticket.Shift,
				Status:          AssignmentAssigned,
				Version:         1,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := s.CreateAssignment(ctx, a); err != nil {
				return err
			}
		}
		wroteAssign = true

		siblings, err := s.ListProposals(ctx, caller.TenantID, item.ID)
		if err != nil {
			return err
		}
		for _, p := range siblings {
			if p.ID != proposal.ID && p.ApplyState == ApplyApplied {
				p.ApplyState = ApplySuperseded
				if err := s.SaveProposal(ctx, p); err != nil {
					return err
				}
			}
		}
		proposal.ApplyState = ApplyApplied
		proposal.AppliedAt = &now
		proposal.AppliedBy = caller.UserID
		if err := s.SaveProposal(ctx, proposal); err != nil {
			return err
		}
		item.SyncState = SyncApplied
		item.CurrentAssigneeStaffID = worker.StaffID
		item.CurrentAssigneeSubcontractorID = worker.SubcontractorID
		item.UpdatedAt = now
		if err := s.SaveBoardItem(ctx, item); err != nil {
			return err
		}

		recs := e.records(caller, conflicts, SourcePlanningApply, in.override())
		if err := s.AppendConflicts(ctx, recs); err != nil {
			return err
		}

		res.SyncState = SyncApplied
		res.AssignmentID = a.ID
		res.ConflictsLogged = len(recs)
		res.Conflicts = conflicts
		auditAfter = planningAudit{
			Assignment:           a,
			Proposal:             proposal,
			OverriddenConflicts:  assessment.Overridable(),
			AcknowledgedIDs:      in.AcknowledgedWarningIDs,
			OverrideLockedPeriod: in.OverrideLockedPeriod,
			DriftChoice:          in.DriftChoice,
		}
		return nil
	})
	if err != nil {
		return PlanningApplyResult{}, err
	}
	if drift != nil {
		e.committed(caller, "drift_resolution_event", drift.ID, AuditDriftResolved, nil, drift, "")
	}
	if wroteAssign {
		e.committed(caller, "planning_item_proposal", in.ProposalID, AuditPlanningApplied, before, auditAfter, in.OverrideReason)
	}
	return res, nil
}

// liveAssignment returns the ticket's earliest ASSIGNED assignment, if any.
func liveAssignment(ctx context.Context, s Store, tenantID, ticketID string) (*Assignment, error) {
	as, err := s.ListAssignments(ctx, AssignmentFilter{TenantID: tenantID, TicketID: ticketID})
	if err != nil {
		return nil, err
	}
	var assigned []Assignment
	for _, a := range as {
		if a.Status == AssignmentAssigned {
			assigned = append(assigned, a)
		}
	}
	if len(assigned) == 0 {
		return nil, nil
	}
	sort.Slice(assigned, func(i, j int) bool { return assigned[i].CreatedAt.Before(assigned[j].CreatedAt) })
	return &assigned[0], nil
}

// basisDiff lists what changed between the proposal's assumption and now.
func basisDiff(board, live ProposalBasis) []string {
	var out []string
	if board.Worker != live.Worker {
		out = append(out, fmt.Sprintf("assignee is %s, proposal assumed %s", workerOrNone(live.Worker), workerOrNone(board.Worker)))
	}
	if !board.Shift.Equal(live.Shift) {
		out = append(out, fmt.Sprintf("shift is %s, proposal assumed %s", live.Shift, board.Shift))
	}
	if board.TicketStatus != live.TicketStatus {
		out = append(out, fmt.Sprintf("ticket is %s, proposal assumed %s", live.TicketStatus, board.TicketStatus))
	}
	return out
}

func workerOrNone(w Worker) string {
	if w.IsZero() {
		return "unassigned"
	}
	return w.String()
}

// =============================================================================
// PROPOSALS
// =============================================================================

type ProposalInput struct {
	BoardID     string
	BoardItemID string // empty creates a new item for the ticket
	TicketID    string
	Worker      Worker
}

// Propose records a candidate worker for a ticket on a planning board. The
// proposal's basis snapshots the live ticket so a later apply can detect drift.
func (e *Engine) Propose(ctx context.Context, caller Caller, in ProposalInput) (PlanningBoardItem, PlanningItemProposal, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return PlanningBoardItem{}, PlanningItemProposal{}, err
	}
	if in.BoardID == "" {
		return PlanningBoardItem{}, PlanningItemProposal{}, preconditionf("board_id", "is required")
	}
	if !in.Worker.Valid() {
		return PlanningBoardItem{}, PlanningItemProposal{}, preconditionf("worker", "exactly one of staff_id or subcontractor_id is required")
	}
	now := e.now()
	var item PlanningBoardItem
	var prop PlanningItemProposal
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		if in.BoardItemID != "" {
			if item, err = s.GetBoardItem(ctx, caller.TenantID, in.BoardID, in.BoardItemID); err != nil {
				return err
			}
		} else {
			if in.TicketID == "" {
				return preconditionf("ticket_id", "is required for a new board item")
			}
			item = PlanningBoardItem{
				ID:        e.newID(),
				TenantID:  caller.TenantID,
				BoardID:   in.BoardID,
				TicketID:  in.TicketID,
				SyncState: SyncPending,
				UpdatedAt: now,
			}
		}
		ticket, err := s.GetTicket(ctx, caller.TenantID, item.TicketID)
		if err != nil {
			return err
		}
		live, err := liveAssignment(ctx, s, caller.TenantID, ticket.ID)
		if err != nil {
			return err
		}
		basis := ProposalBasis{Shift: ticket.Shift, TicketStatus: ticket.Status}
		if live != nil {
			basis.Worker = live.Worker()
			item.CurrentAssigneeStaffID = live.StaffID
			item.CurrentAssigneeSubcontractorID = live.SubcontractorID
		}
		if err := s.SaveBoardItem(ctx, item); err != nil {
			return err
		}
		prop = PlanningItemProposal{
			ID:                      e.newID(),
			TenantID:                caller.TenantID,
			BoardItemID:             item.ID,
			ProposedStaffID:         in.Worker.StaffID,
			ProposedSubcontractorID: in.Worker.SubcontractorID,
			Basis:                   basis,
			ApplyState:              ApplyPending,
			CreatedAt:               now,
		}
		return s.SaveProposal(ctx, prop)
	})
	if err != nil {
		return PlanningBoardItem{}, PlanningItemProposal{}, err
	}
	return item, prop, nil
}

func (e *Engine) ListDriftEvents(ctx context.Context, caller Caller, boardItemID string) ([]DriftResolutionEvent, error) {
	if err := caller.Require(CanManageSchedule); err != nil {
		return nil, err
	}
	return e.store.ListDriftEvents(ctx, caller.TenantID, boardItemID)
}
