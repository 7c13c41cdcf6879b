package schedule

import (
	"encoding/json"
	"time"
)

// =============================================================================
// AUDIT PORT
// =============================================================================

type AuditAction string

const (
	AuditPeriodCreated   AuditAction = "period_created"
	AuditPeriodPublished AuditAction = "period_published"
	AuditPeriodValidated AuditAction = "period_validated"
	AuditPeriodLocked    AuditAction = "period_locked"
	AuditPeriodUnlocked  AuditAction = "period_unlocked"
	AuditPeriodArchived  AuditAction = "period_archived"
	AuditTradeRequested  AuditAction = "trade_requested"
	AuditTradeAccepted   AuditAction = "trade_accepted"
	AuditTradeApplied    AuditAction = "trade_applied"
	AuditTradeDenied     AuditAction = "trade_denied"
	AuditTradeCanceled   AuditAction = "trade_canceled"
	AuditPlanningApplied AuditAction = "planning_applied"
	AuditDriftResolved   AuditAction = "drift_resolved"
	AuditPolicyChanged   AuditAction = "policy_changed"
)

// AuditRecord is a before/after snapshot of one committed transition.
// Before and After are marshalled when the record is built, so later changes
// to the source values cannot leak into it.
type AuditRecord struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ActorUserID string          `json:"actor_user_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Action      AuditAction     `json:"action"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	RequestPath string          `json:"request_path,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	DeviceID    string          `json:"device_id,omitempty"`
	GeoLat      *float64        `json:"geo_lat,omitempty"`
	GeoLong     *float64        `json:"geo_long,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// AuditEmitter receives records after commit. Emit must not block and has no
// error return: delivery problems are the emitter's to handle.
type AuditEmitter interface {
	Emit(rec AuditRecord)
}

type NopAuditEmitter struct{}

func (NopAuditEmitter) Emit(AuditRecord) {}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}
