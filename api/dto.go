/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  `validate` tags checked by go-playground/validator before the engine is
  called, so malformed bodies fail as 400 without touching the store.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers that are not a domain type

Domain types (SchedulePeriod, Conflict, ShiftTradeRequest, ...) already carry
JSON tags and are returned as-is.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyDocument, the policy request body
*/
package api

import (
	"time"

	"github.com/warp/schedule-engine/schedule"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreatePeriodRequest opens a new draft period.
type CreatePeriodRequest struct {
	SiteID string    `json:"site_id" validate:"required"`
	Name   string    `json:"period_name" validate:"required,max=200"`
	Start  time.Time `json:"start_date" validate:"required"`
	End    time.Time `json:"end_date" validate:"required,gtfield=Start"`
}

// RequestTradeRequest asks to swap or give away an assignment.
type RequestTradeRequest struct {
	AssignmentID  string `json:"assignment_id" validate:"required"`
	RequestType   string `json:"request_type" validate:"required,oneof=SWAP RELEASE OPEN_PICKUP"`
	TargetStaffID string `json:"target_staff_id" validate:"required_if=RequestType SWAP"`
	Note          string `json:"note" validate:"max=1000"`
}

// DenyTradeRequest optionally explains a denial.
type DenyTradeRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

// OverrideRequest acknowledges override-required conflicts.
type OverrideRequest struct {
	AcknowledgedConflictIDs []string `json:"acknowledged_conflict_ids" validate:"dive,required"`
	Reason                  string   `json:"override_reason" validate:"max=1000"`
}

// PlanningApplyRequest applies a board proposal to the live schedule.
type PlanningApplyRequest struct {
	ProposalID             string   `json:"proposal_id" validate:"required"`
	AcknowledgedWarningIDs []string `json:"acknowledged_warning_ids" validate:"dive,required"`
	OverrideLockedPeriod   bool     `json:"override_locked_period"`
	OverrideReason         string   `json:"override_reason" validate:"max=1000"`
	DriftChoice            string   `json:"drift_choice" validate:"omitempty,oneof=use_board_version accept_schedule_version"`
}

// ProposeRequest records a candidate worker on a planning board.
type ProposeRequest struct {
	BoardItemID     string `json:"board_item_id"`
	TicketID        string `json:"ticket_id" validate:"required"`
	StaffID         string `json:"staff_id" validate:"required_without=SubcontractorID,excluded_with=SubcontractorID"`
	SubcontractorID string `json:"subcontractor_id"`
}

// LoadScenarioRequest loads a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the body of every non-2xx reply. Conflicts is set when the
// failure came from the conflict gate so the client can render or acknowledge them.
type ErrorResponse struct {
	Error          string              `json:"error"`
	Details        string              `json:"details,omitempty"`
	Fields         map[string]string   `json:"fields,omitempty"`
	Conflicts      []schedule.Conflict `json:"conflicts,omitempty"`
	Unacknowledged []string            `json:"unacknowledged_conflict_ids,omitempty"`
	ReasonMissing  bool                `json:"override_reason_missing,omitempty"`
	DriftChoice    bool                `json:"drift_choice_required,omitempty"`
}

// ProposeResponse returns the board item and the proposal just recorded.
type ProposeResponse struct {
	Item     schedule.PlanningBoardItem    `json:"item"`
	Proposal schedule.PlanningItemProposal `json:"proposal"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}
