/*
policy.go - Tenant scheduling policy and the Policy Resolver

PURPOSE:
  A SchedulePolicy holds a tenant's (optionally site's) limits and one
  EnforcementMode per rule family. Resolve() is the single point of truth
  that turns a mode into a concrete decision. Nothing else in the engine
  may map a mode to a severity.

RESOLUTION TABLE:
  warn              -> WARNING, non-blocking
  block             -> ERROR,   blocking, no override path
  override_required -> ERROR,   blocking, overridable with ack + reason

VERSIONING:
  Policies are never edited in place. Saving supersedes the current row
  (archived) with Version+1. The engine always reads the current row at
  evaluation time.

SEE ALSO:
  - conflict.go: which family each conflict type resolves through
  - factory/policy.go: JSON/YAML documents with defaults
*/
package schedule

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENFORCEMENT MODE & RESOLUTION
// =============================================================================

type EnforcementMode string

const (
	EnforceWarn             EnforcementMode = "warn"
	EnforceBlock            EnforcementMode = "block"
	EnforceOverrideRequired EnforcementMode = "override_required"
)

func (m EnforcementMode) Valid() bool {
	switch m {
	case EnforceWarn, EnforceBlock, EnforceOverrideRequired:
		return true
	}
	return false
}

func ParseEnforcementMode(s string) (EnforcementMode, error) {
	m := EnforcementMode(s)
	if !m.Valid() {
		return "", preconditionf("enforcement_mode", "must be warn, block or override_required, got %q", s)
	}
	return m, nil
}

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

type PolicyResolution struct {
	Severity         Severity `json:"severity"`
	IsBlocking       bool     `json:"is_blocking"`
	RequiresOverride bool     `json:"requires_override"`
}

// Resolve maps an enforcement mode to a decision.
// Policies are validated on load, so an unknown mode only reaches here through
// a programming error; it resolves as block rather than silently warning.
func Resolve(mode EnforcementMode) PolicyResolution {
	switch mode {
	case EnforceWarn:
		return PolicyResolution{Severity: SeverityWarning}
	case EnforceOverrideRequired:
		return PolicyResolution{Severity: SeverityError, IsBlocking: true, RequiresOverride: true}
	default:
		return PolicyResolution{Severity: SeverityError, IsBlocking: true}
	}
}

// =============================================================================
// RULE FAMILIES
// =============================================================================

// Family groups conflict types that share one configurable enforcement mode.
type Family string

const (
	FamilyRest                  Family = "rest"
	FamilyWeeklyHours           Family = "weekly_hours"
	FamilySubcontractorCapacity Family = "subcontractor_capacity"
	FamilyAvailability          Family = "availability"
)

// =============================================================================
// SCHEDULE POLICY
// =============================================================================

type SchedulePolicy struct {
	ID                               string          `json:"id"`
	TenantID                         string          `json:"tenant_id"`
	SiteID                           string          `json:"site_id,omitempty"`
	MinRestHours                     decimal.Decimal `json:"min_rest_hours"`
	MaxWeeklyHours                   decimal.Decimal `json:"max_weekly_hours"`
	OvertimeWarningAtHours           decimal.Decimal `json:"overtime_warning_at_hours"`
	RestEnforcement                  EnforcementMode `json:"rest_enforcement"`
	WeeklyHoursEnforcement           EnforcementMode `json:"weekly_hours_enforcement"`
	SubcontractorCapacityEnforcement EnforcementMode `json:"subcontractor_capacity_enforcement"`
	AvailabilityEnforcement          EnforcementMode `json:"availability_enforcement"`
	Version                          int             `json:"version"`
	ArchivedAt                       *time.Time      `json:"archived_at,omitempty"`
	CreatedBy                        string          `json:"created_by,omitempty"`
	CreatedAt                        time.Time       `json:"created_at"`
}

// DefaultPolicy is what a tenant without a configured policy runs under.
func DefaultPolicy(tenantID string) SchedulePolicy {
	return SchedulePolicy{
		TenantID:                         tenantID,
		MinRestHours:                     decimal.NewFromInt(8),
		MaxWeeklyHours:                   decimal.NewFromInt(40),
		OvertimeWarningAtHours:           decimal.NewFromInt(38),
		RestEnforcement:                  EnforceWarn,
		WeeklyHoursEnforcement:           EnforceWarn,
		SubcontractorCapacityEnforcement: EnforceWarn,
		AvailabilityEnforcement:          EnforceWarn,
	}
}

// Mode returns the configured enforcement for a rule family.
func (p SchedulePolicy) Mode(f Family) EnforcementMode {
	switch f {
	case FamilyRest:
		return p.RestEnforcement
	case FamilyWeeklyHours:
		return p.WeeklyHoursEnforcement
	case FamilySubcontractorCapacity:
		return p.SubcontractorCapacityEnforcement
	case FamilyAvailability:
		return p.AvailabilityEnforcement
	}
	return EnforceBlock
}

// Validate rejects a malformed policy. A malformed policy is a precondition
// violation, never a detected conflict.
func (p SchedulePolicy) Validate() error {
	if p.TenantID == "" {
		return preconditionf("tenant_id", "is required")
	}
	for name, v := range map[string]decimal.Decimal{
		"min_rest_hours":            p.MinRestHours,
		"max_weekly_hours":          p.MaxWeeklyHours,
		"overtime_warning_at_hours": p.OvertimeWarningAtHours,
	} {
		if v.IsNegative() {
			return preconditionf(name, "must not be negative")
		}
	}
	for name, m := range map[string]EnforcementMode{
		"rest_enforcement":                   p.RestEnforcement,
		"weekly_hours_enforcement":           p.WeeklyHoursEnforcement,
		"subcontractor_capacity_enforcement": p.SubcontractorCapacityEnforcement,
		"availability_enforcement":           p.AvailabilityEnforcement,
	} {
		if !m.Valid() {
			return preconditionf(name, "invalid enforcement mode %q", m)
		}
	}
	return nil
}

func (p SchedulePolicy) String() string {
	return fmt.Sprintf("policy %s v%d (tenant %s, site %q)", p.ID, p.Version, p.TenantID, p.SiteID)
}
