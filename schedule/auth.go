package schedule

import (
	"fmt"
	"strings"
)

// =============================================================================
// CAPABILITIES
// =============================================================================

// Capability is a named permission derived from a caller's roles.
type Capability string

const (
	CanManageSchedule  Capability = "canManageSchedule"
	CanPublishSchedule Capability = "canPublishSchedule"
	CanWritePolicy     Capability = "canWritePolicy"
	CanUnlockPeriod    Capability = "canUnlockPeriod"

	// TenantMember is held by any identified caller of the tenant.
	TenantMember Capability = "tenantMember"
)

const (
	RoleOwnerAdmin = "OWNER_ADMIN"
	RoleManager    = "MANAGER"
	RoleSupervisor = "SUPERVISOR"
	RoleAdmin      = "ADMIN"
	RoleOperations = "OPERATIONS"
	RoleStaff      = "STAFF"
)

var capabilityRoles = map[Capability][]string{
	CanManageSchedule:  {RoleOwnerAdmin, RoleManager, RoleSupervisor, RoleAdmin, RoleOperations},
	CanPublishSchedule: {RoleOwnerAdmin, RoleManager, RoleAdmin, RoleOperations},
	CanWritePolicy:     {RoleOwnerAdmin, RoleManager, RoleAdmin},
	CanUnlockPeriod:    {RoleOwnerAdmin},
}

// RolesFor returns the roles that grant a capability.
func RolesFor(c Capability) []string {
	return append([]string(nil), capabilityRoles[c]...)
}

// =============================================================================
// CALLER
// =============================================================================

// RequestMeta describes where a request came from. It only feeds audit records.
type RequestMeta struct {
	Path      string   `json:"request_path,omitempty"`
	IP        string   `json:"ip_address,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
	DeviceID  string   `json:"device_id,omitempty"`
	GeoLat    *float64 `json:"geo_lat,omitempty"`
	GeoLong   *float64 `json:"geo_long,omitempty"`
}

// Caller is the resolved identity behind an operation. Authentication happens
// upstream; the engine trusts these fields.
type Caller struct {
	UserID   string
	TenantID string
	Roles    []string
	Request  RequestMeta
}

func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

func (c Caller) Can(want Capability) bool {
	for _, role := range capabilityRoles[want] {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// Require fails with *ForbiddenError when the caller lacks the capability
// or carries no tenant.
func (c Caller) Require(want Capability) error {
	if c.TenantID == "" || c.UserID == "" {
		return &ForbiddenError{Capability: want}
	}
	if want != TenantMember && !c.Can(want) {
		return &ForbiddenError{Capability: want}
	}
	return nil
}

func (c Caller) String() string {
	return fmt.Sprintf("%s@%s%v", c.UserID, c.TenantID, c.Roles)
}
