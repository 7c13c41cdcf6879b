/*
conflict.go - Conflict taxonomy and the aggregate decision

PURPOSE:
  ConflictType is the one authoritative, closed enumeration of conflict
  kinds. The detector, the audit records and the HTTP layer all use it;
  text encoding happens only at the boundary (MarshalText/UnmarshalText).

SEVERITY SOURCES:
  Structural types bypass the resolver and always block with no override.
  Every other type resolves through Resolve(), either with the tenant's
  mode for its family or with a fixed mode.

  ┌──────────────────────────────────┬──────────────────────────────┐
  │ locked_period, in_progress_change│ structural                   │
  │ double_booking,                  │                              │
  │ missing_required_skill           │                              │
  ├──────────────────────────────────┼──────────────────────────────┤
  │ REST_WINDOW_VIOLATION            │ family rest                  │
  │ MAX_WEEKLY_HOURS_VIOLATION       │ family weekly_hours          │
  │ SUBCONTRACTOR_CAPACITY_VIOLATION │ family subcontractor_capacity│
  │ AVAILABILITY_CONFLICT,           │ family availability          │
  │ PTO_CONFLICT, OVERLAP            │                              │
  ├──────────────────────────────────┼──────────────────────────────┤
  │ external_drift                   │ fixed override_required      │
  │ everything else                  │ fixed warn                   │
  └──────────────────────────────────┴──────────────────────────────┘

AGGREGATE DECISION:
  CanProceed:  no conflict is blocking
  CanOverride: no structural conflict, every blocking conflict requires
               override, and every one of them is acknowledged
*/
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONFLICT TYPE - closed taxonomy
// =============================================================================

type ConflictType string

const (
	ConflictOverlap               ConflictType = "OVERLAP"
	ConflictPTO                   ConflictType = "PTO_CONFLICT"
	ConflictAvailability          ConflictType = "AVAILABILITY_CONFLICT"
	ConflictCoverageGap           ConflictType = "COVERAGE_GAP"
	ConflictRoleMismatch          ConflictType = "ROLE_MISMATCH"
	ConflictRestWindow            ConflictType = "REST_WINDOW_VIOLATION"
	ConflictMaxWeeklyHours        ConflictType = "MAX_WEEKLY_HOURS_VIOLATION"
	ConflictOvertimeThreshold     ConflictType = "OVERTIME_THRESHOLD_WARNING"
	ConflictShiftOverlapWarning   ConflictType = "SHIFT_OVERLAP_WARNING"
	ConflictSubcontractorCapacity ConflictType = "SUBCONTRACTOR_CAPACITY_VIOLATION"
	ConflictDoubleBooking         ConflictType = "double_booking"
	ConflictInProgressChange      ConflictType = "in_progress_change"
	ConflictLockedPeriod          ConflictType = "locked_period"
	ConflictMissingRequiredSkill  ConflictType = "missing_required_skill"
	ConflictExternalDrift         ConflictType = "external_drift"
)

type conflictSpec struct {
	structural bool
	family     Family
	fixed      EnforcementMode
}

var taxonomy = map[ConflictType]conflictSpec{
	ConflictOverlap:               {family: FamilyAvailability},
	ConflictPTO:                   {family: FamilyAvailability},
	ConflictAvailability:          {family: FamilyAvailability},
	ConflictCoverageGap:           {fixed: EnforceWarn},
	ConflictRoleMismatch:          {fixed: EnforceWarn},
	ConflictRestWindow:            {family: FamilyRest},
	ConflictMaxWeeklyHours:        {family: FamilyWeeklyHours},
	ConflictOvertimeThreshold:     {fixed: EnforceWarn},
	ConflictShiftOverlapWarning:   {fixed: EnforceWarn},
	ConflictSubcontractorCapacity: {family: FamilySubcontractorCapacity},
	ConflictDoubleBooking:         {structural: true},
	ConflictInProgressChange:      {structural: true},
	ConflictLockedPeriod:          {structural: true},
	ConflictMissingRequiredSkill:  {structural: true},
	ConflictExternalDrift:         {fixed: EnforceOverrideRequired},
}

// ConflictTypes returns the taxonomy in a stable order.
func ConflictTypes() []ConflictType {
	out := make([]ConflictType, 0, len(taxonomy))
	for t := range taxonomy {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t ConflictType) Valid() bool {
	_, ok := taxonomy[t]
	return ok
}

// Structural reports whether the type blocks regardless of policy.
func (t ConflictType) Structural() bool { return taxonomy[t].structural }

// Resolution decides severity for this type under the given policy.
func (t ConflictType) Resolution(p SchedulePolicy) PolicyResolution {
	rule, ok := taxonomy[t]
	switch {
	case !ok || rule.structural:
		return PolicyResolution{Severity: SeverityError, IsBlocking: true}
	case rule.family != "":
		return Resolve(p.Mode(rule.family))
	default:
		return Resolve(rule.fixed)
	}
}

func (t ConflictType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown conflict type %q", string(t))
	}
	return []byte(t), nil
}

func (t *ConflictType) UnmarshalText(b []byte) error {
	ct := ConflictType(b)
	if !ct.Valid() {
		return fmt.Errorf("unknown conflict type %q", string(b))
	}
	*t = ct
	return nil
}

// =============================================================================
// CONFLICT
// =============================================================================

// Conflict is one detected problem. ID is a deterministic fingerprint of what
// the conflict is about, so an acknowledgement survives re-detection.
type Conflict struct {
	ID               string       `json:"id"`
	Type             ConflictType `json:"conflict_type"`
	Severity         Severity     `json:"severity"`
	IsBlocking       bool         `json:"is_blocking"`
	RequiresOverride bool         `json:"requires_override"`
	Structural       bool         `json:"structural"`
	PeriodID         string       `json:"period_id"`
	TicketID         string       `json:"ticket_id,omitempty"`
	StaffID          string       `json:"staff_id,omitempty"`
	SubcontractorID  string       `json:"subcontractor_id,omitempty"`
	Message          string       `json:"message"`
	CreatedAt        time.Time    `json:"created_at"`
}

var conflictNamespace = uuid.MustParse("6f1c2b7e-4d0a-5c1e-9f3b-2a8d7e6c5b40")

// Fingerprint derives the stable conflict id.
func Fingerprint(t ConflictType, periodID, ticketID string, w Worker, at time.Time) string {
	key := strings.Join([]string{
		string(t), periodID, ticketID, w.StaffID, w.SubcontractorID, at.UTC().Format(time.RFC3339),
	}, "|")
	return uuid.NewSHA1(conflictNamespace, []byte(key)).String()
}

// ConflictRecord is a persisted conflict row. Rows are immutable; a new
// validation pass archives the previous set and inserts fresh rows.
type ConflictRecord struct {
	RecordID       string     `json:"record_id"`
	TenantID       string     `json:"tenant_id"`
	Conflict       Conflict   `json:"conflict"`
	Source         string     `json:"source"` // validate | planning_apply | trade_apply
	Resolution     string     `json:"resolution,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	OverrideReason string     `json:"override_reason,omitempty"`
	ActorUserID    string     `json:"actor_user_id,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	RecordedAt     time.Time  `json:"recorded_at"`
}

const (
	SourceValidate      = "validate"
	SourcePlanningApply = "planning_apply"
	SourceTradeApply    = "trade_apply"

	ResolutionApplied       = "applied"
	ResolutionAppliedAnyway = "applied_anyway"
)

// =============================================================================
// ASSESSMENT - aggregate decision over a conflict list
// =============================================================================

type Assessment struct {
	Conflicts []Conflict
}

// CanProceed: may the change proceed unmodified?
func (a Assessment) CanProceed() bool {
	for _, c := range a.Conflicts {
		if c.IsBlocking {
			return false
		}
	}
	return true
}

func (a Assessment) Structural() []Conflict {
	var out []Conflict
	for _, c := range a.Conflicts {
		if c.Structural {
			out = append(out, c)
		}
	}
	return out
}

// HardBlocking returns blocking conflicts with no override path.
func (a Assessment) HardBlocking() []Conflict {
	var out []Conflict
	for _, c := range a.Conflicts {
		if c.IsBlocking && (c.Structural || !c.RequiresOverride) {
			out = append(out, c)
		}
	}
	return out
}

// Overridable returns blocking conflicts that an acknowledged override can clear.
func (a Assessment) Overridable() []Conflict {
	var out []Conflict
	for _, c := range a.Conflicts {
		if c.IsBlocking && c.RequiresOverride && !c.Structural {
			out = append(out, c)
		}
	}
	return out
}

// Unacknowledged returns ids of overridable conflicts not covered by ack.
func (a Assessment) Unacknowledged(ack []string) []string {
	acked := make(map[string]bool, len(ack))
	for _, id := range ack {
		acked[id] = true
	}
	var out []string
	for _, c := range a.Overridable() {
		if !acked[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out
}

// CanOverride: may the change proceed with the supplied acknowledgements?
func (a Assessment) CanOverride(ack []string) bool {
	return len(a.HardBlocking()) == 0 && len(a.Unacknowledged(ack)) == 0
}

// Override is the caller-supplied envelope for clearing overridable conflicts.
type Override struct {
	AcknowledgedIDs []string
	Reason          string
}

func (o Override) hasReason() bool { return strings.TrimSpace(o.Reason) != "" }

// Gate turns an assessment into nil (proceed) or a *ConflictError.
// Non-blocking conflicts never stop an operation.
func (a Assessment) Gate(o Override) error {
	if a.CanProceed() {
		return nil
	}
	if len(a.HardBlocking()) > 0 {
		return &ConflictError{Conflicts: a.Conflicts}
	}
	missing := a.Unacknowledged(o.AcknowledgedIDs)
	if len(missing) > 0 || !o.hasReason() {
		return &ConflictError{
			OverrideRequired: true,
			Conflicts:        a.Conflicts,
			Unacknowledged:   missing,
			ReasonMissing:    !o.hasReason(),
		}
	}
	return nil
}
