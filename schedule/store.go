/*
store.go - Persistence port for the scheduling engine

PURPOSE:
  Defines the interface between the engine and the database. Every public
  engine operation runs its reads, its conflict evaluation and its writes
  inside ONE TxStore.WithTx call, so a concurrent writer cannot invalidate
  a check between evaluation and commit.

KEY INTERFACES:
  Store:   named, parameterized operations (periods, tickets, assignments,
           conflicts, trades, planning board, policies)
  TxStore: Store plus WithTx for atomic units of work

WRITE CONTRACT:
  - Conflicts and drift events are append-only. Re-validation archives
    the previous conflict set; rows are never edited in place.
  - Policies are superseded, never updated.
  - UpdatePeriod / UpdateTrade / UpdateAssignment are compare-and-set on
    Version: the caller passes the row with Version already incremented,
    and the store writes only if the stored Version is one less. A miss
    returns ErrConcurrentModification.
  - Reads of a missing row return *NotFoundError.

IMPLEMENTATIONS:
  - schedule/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go:   SQLite with BEGIN IMMEDIATE
*/
package schedule

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Named operations against the backing store
// =============================================================================

type Store interface {
	// Policies
	CurrentPolicy(ctx context.Context, tenantID, siteID string) (SchedulePolicy, error)
	SupersedePolicy(ctx context.Context, p SchedulePolicy, at time.Time) error

	// Periods
	CreatePeriod(ctx context.Context, p SchedulePeriod) error
	GetPeriod(ctx context.Context, tenantID, id string) (SchedulePeriod, error)
	ListPeriods(ctx context.Context, f PeriodFilter) ([]SchedulePeriod, error)
	UpdatePeriod(ctx context.Context, p SchedulePeriod) error

	// Tickets, assignments and the people they reference
	SaveTicket(ctx context.Context, t Ticket) error
	GetTicket(ctx context.Context, tenantID, id string) (Ticket, error)
	ListTickets(ctx context.Context, tenantID, periodID string) ([]Ticket, error)
	CreateAssignment(ctx context.Context, a Assignment) error
	UpdateAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, tenantID, id string) (Assignment, error)
	ListAssignments(ctx context.Context, f AssignmentFilter) ([]Assignment, error)
	SaveStaff(ctx context.Context, s StaffProfile) error
	GetStaff(ctx context.Context, tenantID, id string) (StaffProfile, error)
	SaveSubcontractor(ctx context.Context, s Subcontractor) error
	GetSubcontractor(ctx context.Context, tenantID, id string) (Subcontractor, error)

	// Conflicts
	ArchiveConflicts(ctx context.Context, tenantID, periodID string, at time.Time) error
	AppendConflicts(ctx context.Context, recs []ConflictRecord) error
	ListConflicts(ctx context.Context, f ConflictFilter) ([]ConflictRecord, error)

	// Shift trades
	CreateTrade(ctx context.Context, t ShiftTradeRequest) error
	GetTrade(ctx context.Context, tenantID, id string) (ShiftTradeRequest, error)
	UpdateTrade(ctx context.Context, t ShiftTradeRequest) error
	ListTrades(ctx context.Context, f TradeFilter) ([]ShiftTradeRequest, error)

	// Planning board
	SaveBoardItem(ctx context.Context, item PlanningBoardItem) error
	GetBoardItem(ctx context.Context, tenantID, boardID, itemID string) (PlanningBoardItem, error)
	SaveProposal(ctx context.Context, p PlanningItemProposal) error
	GetProposal(ctx context.Context, tenantID, id string) (PlanningItemProposal, error)
	ListProposals(ctx context.Context, tenantID, boardItemID string) ([]PlanningItemProposal, error)
	AppendDriftEvent(ctx context.Context, e DriftResolutionEvent) error
	ListDriftEvents(ctx context.Context, tenantID, boardItemID string) ([]DriftResolutionEvent, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FILTERS
// =============================================================================

type PeriodFilter struct {
	TenantID string
	SiteID   string
	Status   PeriodStatus
}

// AssignmentFilter selects live rows. Zero fields do not filter. Window keeps
// assignments whose shift overlaps it.
type AssignmentFilter struct {
	TenantID        string
	PeriodID        string
	TicketID        string
	StaffID         string
	SubcontractorID string
	Window          *Interval
	IncludeReleased bool
}

func (f AssignmentFilter) Match(a Assignment) bool {
	switch {
	case f.TenantID != "" && a.TenantID != f.TenantID,
		f.PeriodID != "" && a.PeriodID != f.PeriodID,
		f.TicketID != "" && a.TicketID != f.TicketID,
		f.StaffID != "" && a.StaffID != f.StaffID,
		f.SubcontractorID != "" && a.SubcontractorID != f.SubcontractorID,
		f.Window != nil && !f.Window.Overlaps(a.Shift),
		!f.IncludeReleased && a.Status == AssignmentReleased:
		return false
	}
	return true
}

// ConflictFilter lists current (non-archived) conflicts unless IncludeArchived is set.
type ConflictFilter struct {
	TenantID        string
	PeriodID        string
	Severity        Severity
	BlockingOnly    bool
	IncludeArchived bool
}

func (f ConflictFilter) Match(r ConflictRecord) bool {
	switch {
	case f.TenantID != "" && r.TenantID != f.TenantID,
		f.PeriodID != "" && r.Conflict.PeriodID != f.PeriodID,
		f.Severity != "" && r.Conflict.Severity != f.Severity,
		f.BlockingOnly && !r.Conflict.IsBlocking,
		!f.IncludeArchived && r.ArchivedAt != nil:
		return false
	}
	return true
}

type TradeFilter struct {
	TenantID string
	PeriodID string
	TicketID string
	Status   TradeStatus
}

func (f TradeFilter) Match(t ShiftTradeRequest) bool {
	switch {
	case f.TenantID != "" && t.TenantID != f.TenantID,
		f.PeriodID != "" && t.PeriodID != f.PeriodID,
		f.TicketID != "" && t.TicketID != f.TicketID,
		f.Status != "" && t.Status != f.Status:
		return false
	}
	return true
}

func (f PeriodFilter) Match(p SchedulePeriod) bool {
	switch {
	case f.TenantID != "" && p.TenantID != f.TenantID,
		f.SiteID != "" && p.SiteID != f.SiteID,
		f.Status != "" && p.Status != f.Status:
		return false
	}
	return true
}
