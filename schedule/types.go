/*
Package schedule provides the scheduling conflict-and-policy engine.

PURPOSE:
  Decides whether a change to who is scheduled when may be committed. The
  engine owns five pieces of logic:
    1. Policy Resolver:  enforcement mode -> severity/blocking/override
    2. Detector:         candidate change -> typed conflicts
    3. Period machine:   DRAFT -> PUBLISHED -> LOCKED -> ARCHIVED
    4. Trade workflow:   PENDING -> APPROVED -> APPLIED (or DENIED/CANCELED)
    5. Planning apply:   board proposal -> live assignment, with drift checks

KEY CONCEPTS IN THIS FILE (types.go):
  - SchedulePeriod: bounded date range whose status gates mutations
  - Ticket / Assignment: the unit of scheduled work and who covers it
  - StaffProfile / Subcontractor: referenced by id, never owned
  - ShiftTradeRequest, PlanningBoardItem, PlanningItemProposal, DriftResolutionEvent

DESIGN PRINCIPLES:
  1. Atomicity: every check-then-commit runs inside one TxStore.WithTx
  2. Conflicts are values, not errors
  3. Policy is read fresh on every evaluation
  4. Audit is fire-and-forget and never rolls back a commit

SEE ALSO:
  - policy.go:   Policy Resolver
  - detector.go: Conflict detection rules
  - period.go, trade.go, planning.go: the state machines
*/
package schedule

import "time"

// =============================================================================
// SCHEDULE PERIOD
// =============================================================================

type PeriodStatus string

const (
	PeriodDraft     PeriodStatus = "DRAFT"
	PeriodPublished PeriodStatus = "PUBLISHED"
	PeriodLocked    PeriodStatus = "LOCKED"
	PeriodArchived  PeriodStatus = "ARCHIVED"
)

// Frozen reports whether assignments in the period may no longer change.
func (s PeriodStatus) Frozen() bool { return s == PeriodLocked || s == PeriodArchived }

type SchedulePeriod struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	SiteID      string       `json:"site_id,omitempty"`
	Name        string       `json:"period_name"`
	Start       time.Time    `json:"period_start"`
	End         time.Time    `json:"period_end"` // inclusive calendar day
	Status      PeriodStatus `json:"status"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	PublishedBy string       `json:"published_by,omitempty"`
	LockedAt    *time.Time   `json:"locked_at,omitempty"`
	LockedBy    string       `json:"locked_by,omitempty"`
	ArchivedAt  *time.Time   `json:"archived_at,omitempty"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Window returns the period as a half-open interval covering every day of it.
func (p SchedulePeriod) Window() Interval {
	return Interval{Start: DateOnly(p.Start), End: DateOnly(p.End).AddDate(0, 0, 1)}
}

// =============================================================================
// TICKETS & ASSIGNMENTS
// =============================================================================

type TicketStatus string

const (
	TicketScheduled  TicketStatus = "SCHEDULED"
	TicketInProgress TicketStatus = "IN_PROGRESS"
	TicketCompleted  TicketStatus = "COMPLETED"
	TicketCanceled   TicketStatus = "CANCELED"
)

// Ticket is one unit of scheduled work (a shift at a site).
type Ticket struct {
	ID                 string       `json:"id"`
	TenantID           string       `json:"tenant_id"`
	PeriodID           string       `json:"period_id"`
	SiteID             string       `json:"site_id,omitempty"`
	Code               string       `json:"ticket_code,omitempty"`
	Shift              Interval     `json:"shift"`
	Status             TicketStatus `json:"status"`
	RequiredSkills     []string     `json:"required_skills,omitempty"`
	PositionCode       string       `json:"position_code,omitempty"`
	RequiredStaffCount int          `json:"required_staff_count"`
	Version            int          `json:"version"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "ASSIGNED"
	AssignmentTentative AssignmentStatus = "TENTATIVE"
	AssignmentReleased  AssignmentStatus = "RELEASED"
)

// Assignment binds one worker (staff member or subcontractor) to a ticket.
type Assignment struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	TicketID        string           `json:"ticket_id"`
	PeriodID        string           `json:"period_id"`
	StaffID         string           `json:"staff_id,omitempty"`
	SubcontractorID string           `json:"subcontractor_id,omitempty"`
	Shift           Interval         `json:"shift"`
	Status          AssignmentStatus `json:"assignment_status"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Worker returns the id of whoever covers the assignment.
func (a Assignment) Worker() Worker {
	return Worker{StaffID: a.StaffID, SubcontractorID: a.SubcontractorID}
}

// Worker identifies a staff member or a subcontractor. Exactly one id is set.
type Worker struct {
	StaffID         string `json:"staff_id,omitempty"`
	SubcontractorID string `json:"subcontractor_id,omitempty"`
}

func (w Worker) IsZero() bool { return w.StaffID == "" && w.SubcontractorID == "" }

func (w Worker) Valid() bool { return (w.StaffID == "") != (w.SubcontractorID == "") }

func (w Worker) String() string {
	if w.StaffID != "" {
		return "staff:" + w.StaffID
	}
	return "subcontractor:" + w.SubcontractorID
}

// =============================================================================
// STAFF & SUBCONTRACTORS (referenced by id only)
// =============================================================================

type StaffProfile struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	FullName     string             `json:"full_name,omitempty"`
	Role         string             `json:"role,omitempty"`
	Skills       []string           `json:"skills,omitempty"`
	Availability []AvailabilityRule `json:"availability,omitempty"`
	Leave        []Interval         `json:"leave,omitempty"` // approved PTO windows
}

func (s StaffProfile) HasSkill(skill string) bool {
	for _, have := range s.Skills {
		if have == skill {
			return true
		}
	}
	return false
}

type Subcontractor struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	Name          string `json:"name,omitempty"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// =============================================================================
// SHIFT TRADES
// =============================================================================

type TradeStatus string

const (
	TradePending  TradeStatus = "PENDING"
	TradeApproved TradeStatus = "APPROVED"
	TradeDenied   TradeStatus = "DENIED"
	TradeApplied  TradeStatus = "APPLIED"
	TradeCanceled TradeStatus = "CANCELED"
)

func (s TradeStatus) Terminal() bool {
	return s == TradeDenied || s == TradeApplied || s == TradeCanceled
}

type TradeType string

// SWAP names a counterparty. RELEASE and OPEN_PICKUP post the shift for
// anyone in the tenant to claim.
const (
	TradeSwap       TradeType = "SWAP"
	TradeRelease    TradeType = "RELEASE"
	TradeOpenPickup TradeType = "OPEN_PICKUP"
)

// Open reports whether the request waits for any taker rather than a named one.
func (t TradeType) Open() bool { return t == TradeRelease || t == TradeOpenPickup }

type ShiftTradeRequest struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	PeriodID         string      `json:"period_id"`
	TicketID         string      `json:"ticket_id"`
	AssignmentID     string      `json:"assignment_id"`
	RequestType      TradeType   `json:"request_type"`
	InitiatorStaffID string      `json:"initiator_staff_id"`
	TargetStaffID    string      `json:"target_staff_id,omitempty"`
	InitiatorNote    string      `json:"initiator_note,omitempty"`
	ManagerNote      string      `json:"manager_note,omitempty"`
	Status           TradeStatus `json:"status"`
	AcceptedAt       *time.Time  `json:"accepted_at,omitempty"`
	AppliedAt        *time.Time  `json:"applied_at,omitempty"`
	DeniedAt         *time.Time  `json:"denied_at,omitempty"`
	CanceledAt       *time.Time  `json:"canceled_at,omitempty"`
	Version          int         `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// =============================================================================
// PLANNING BOARD
// =============================================================================

type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncApplied   SyncState = "applied"
	SyncSynced    SyncState = "synced"
	SyncDiscarded SyncState = "discarded"
)

type ApplyState string

const (
	ApplyPending    ApplyState = "pending"
	ApplyApplied    ApplyState = "applied"
	ApplySuperseded ApplyState = "superseded"
	ApplyDiscarded  ApplyState = "discarded"
)

type PlanningBoardItem struct {
	ID                             string    `json:"id"`
	TenantID                       string    `json:"tenant_id"`
	BoardID                        string    `json:"board_id"`
	TicketID                       string    `json:"ticket_id"`
	SyncState                      SyncState `json:"sync_state"`
	CurrentAssigneeStaffID         string    `json:"current_assignee_staff_id,omitempty"`
	CurrentAssigneeSubcontractorID string    `json:"current_assignee_subcontractor_id,omitempty"`
	UpdatedAt                      time.Time `json:"updated_at"`
}

// ProposalBasis is the schedule state a proposal assumed when it was generated.
type ProposalBasis struct {
	Worker       Worker       `json:"worker"`
	Shift        Interval     `json:"shift"`
	TicketStatus TicketStatus `json:"ticket_status"`
}

type PlanningItemProposal struct {
	ID                      string        `json:"id"`
	TenantID                string        `json:"tenant_id"`
	BoardItemID             string        `json:"board_item_id"`
	ProposedStaffID         string        `json:"proposed_staff_id,omitempty"`
	ProposedSubcontractorID string        `json:"proposed_subcontractor_id,omitempty"`
	Basis                   ProposalBasis `json:"basis"`
	ApplyState              ApplyState    `json:"apply_state"`
	AppliedAt               *time.Time    `json:"applied_at,omitempty"`
	AppliedBy               string        `json:"applied_by,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}

func (p PlanningItemProposal) Worker() Worker {
	return Worker{StaffID: p.ProposedStaffID, SubcontractorID: p.ProposedSubcontractorID}
}

type DriftChoice string

const (
	UseBoardVersion       DriftChoice = "use_board_version"
	AcceptScheduleVersion DriftChoice = "accept_schedule_version"
)

func (c DriftChoice) Valid() bool { return c == UseBoardVersion || c == AcceptScheduleVersion }

// DriftResolutionEvent is append-only.
type DriftResolutionEvent struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	BoardID         string        `json:"board_id"`
	BoardItemID     string        `json:"board_item_id"`
	ProposalID      string        `json:"proposal_id"`
	TicketID        string        `json:"ticket_id"`
	Choice          DriftChoice   `json:"choice"`
	BoardVersion    ProposalBasis `json:"board_version"`
	ScheduleVersion ProposalBasis `json:"schedule_version"`
	ResolvedBy      string        `json:"resolved_by"`
	CreatedAt       time.Time     `json:"created_at"`
}
