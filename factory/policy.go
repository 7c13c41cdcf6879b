/*
Package factory provides JSON/YAML to Go schedule policy conversion.

PURPOSE:
  Converts policy documents into schedule.SchedulePolicy values. This
  enables policy configuration without code changes - operations can
  keep per-site policies in a YAML file or send JSON from an admin UI,
  and the factory fills in defaults and validates.

DOCUMENT SCHEMA (JSON shown; YAML uses the same keys):
  {
    "site_id": "warehouse-north",
    "min_rest_hours": 10,
    "max_weekly_hours": 48,
    "overtime_warning_at_hours": 44,
    "enforcement": {
      "rest": "override_required",
      "weekly_hours": "block",
      "subcontractor_capacity": "warn",
      "availability": "warn"
    }
  }

DEFAULTS:
  Omitted thresholds take 8h rest / 40h week / 38h overtime warning.
  Omitted enforcement modes take "warn". A threshold of 0 disables its rule.

USAGE:
  factory := NewPolicyFactory()
  policy, err := factory.ParseJSON("tenant-1", body)
  policies, err := factory.ParseYAMLSet("tenant-1", file)

SEE ALSO:
  - schedule/policy.go: SchedulePolicy and the enforcement resolver
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/schedule-engine/schedule"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// PolicyDocument is the external representation of a policy. Pointer fields
// distinguish "absent" (take the default) from an explicit zero.
type PolicyDocument struct {
	SiteID                 string           `json:"site_id,omitempty" yaml:"site_id,omitempty"`
	MinRestHours           *float64         `json:"min_rest_hours,omitempty" yaml:"min_rest_hours,omitempty"`
	MaxWeeklyHours         *float64         `json:"max_weekly_hours,omitempty" yaml:"max_weekly_hours,omitempty"`
	OvertimeWarningAtHours *float64         `json:"overtime_warning_at_hours,omitempty" yaml:"overtime_warning_at_hours,omitempty"`
	Enforcement            EnforcementBlock `json:"enforcement" yaml:"enforcement"`
}

type EnforcementBlock struct {
	Rest                  string `json:"rest,omitempty" yaml:"rest,omitempty"`
	WeeklyHours           string `json:"weekly_hours,omitempty" yaml:"weekly_hours,omitempty"`
	SubcontractorCapacity string `json:"subcontractor_capacity,omitempty" yaml:"subcontractor_capacity,omitempty"`
	Availability          string `json:"availability,omitempty" yaml:"availability,omitempty"`
}

// PolicySet is a YAML file of policies: one tenant default plus site overrides.
type PolicySet struct {
	Policies []PolicyDocument `yaml:"policies"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts policy documents to schedule policies.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParseJSON parses one JSON policy document.
func (f *PolicyFactory) ParseJSON(tenantID string, body []byte) (schedule.SchedulePolicy, error) {
	var doc PolicyDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return schedule.SchedulePolicy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromDocument(tenantID, doc)
}

// ParseYAMLSet parses a YAML policy set. Site ids must be unique.
func (f *PolicyFactory) ParseYAMLSet(tenantID string, body []byte) ([]schedule.SchedulePolicy, error) {
	var set PolicySet
	if err := yaml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	seen := make(map[string]bool, len(set.Policies))
	out := make([]schedule.SchedulePolicy, 0, len(set.Policies))
	for i, doc := range set.Policies {
		if seen[doc.SiteID] {
			return nil, fmt.Errorf("policy %d: duplicate site_id %q", i, doc.SiteID)
		}
		seen[doc.SiteID] = true
		p, err := f.FromDocument(tenantID, doc)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// FromDocument applies defaults and validates.
func (f *PolicyFactory) FromDocument(tenantID string, doc PolicyDocument) (schedule.SchedulePolicy, error) {
	p := schedule.DefaultPolicy(tenantID)
	p.SiteID = doc.SiteID

	hours := map[*decimal.Decimal]*float64{
		&p.MinRestHours:           doc.MinRestHours,
		&p.MaxWeeklyHours:         doc.MaxWeeklyHours,
		&p.OvertimeWarningAtHours: doc.OvertimeWarningAtHours,
	}
	for dst, src := range hours {
		if src != nil {
			*dst = decimal.NewFromFloat(*src)
		}
	}

	modes := []struct {
		raw string
		dst *schedule.EnforcementMode
	}{
		{doc.Enforcement.Rest, &p.RestEnforcement},
		{doc.Enforcement.WeeklyHours, &p.WeeklyHoursEnforcement},
		{doc.Enforcement.SubcontractorCapacity, &p.SubcontractorCapacityEnforcement},
		{doc.Enforcement.Availability, &p.AvailabilityEnforcement},
	}
	for _, m := range modes {
		if m.raw == "" {
			continue
		}
		mode, err := schedule.ParseEnforcementMode(m.raw)
		if err != nil {
			return schedule.SchedulePolicy{}, err
		}
		*m.dst = mode
	}

	if err := p.Validate(); err != nil {
		return schedule.SchedulePolicy{}, err
	}
	return p, nil
}

// ToDocument converts a policy to its external representation.
func (f *PolicyFactory) ToDocument(p schedule.SchedulePolicy) PolicyDocument {
	hours := func(d decimal.Decimal) *float64 {
		v, _ := d.Float64()
		return &v
	}
	return PolicyDocument{
		SiteID:                 p.SiteID,
		MinRestHours:           hours(p.MinRestHours),
		MaxWeeklyHours:         hours(p.MaxWeeklyHours),
		OvertimeWarningAtHours: hours(p.OvertimeWarningAtHours),
		Enforcement: EnforcementBlock{
			Rest:                  string(p.RestEnforcement),
			WeeklyHours:           string(p.WeeklyHoursEnforcement),
			SubcontractorCapacity: string(p.SubcontractorCapacityEnforcement),
			Availability:          string(p.AvailabilityEnforcement),
		},
	}
}
