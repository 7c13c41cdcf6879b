/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	schedules for demos and end-to-end tests. Each scenario is a YAML file
	under scenarios/ embedded into the binary.

AVAILABLE SCENARIOS:

	double-booking:         overlapping shifts for one technician
	rest-window:            night shift then a morning proposal, rest override
	subcontractor-capacity: one-crew subcontractor proposed for a second shift

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Write staff, subcontractors, periods, tickets, assignments
 3. Save policies through the engine (versioned, audited)
 4. Record planning board proposals through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "rest-window"}

	Subsequent requests must carry the scenario's tenant in X-Tenant-ID.

ADDING NEW SCENARIOS:
 1. Drop a YAML file into scenarios/ with a unique id
 2. Nothing else; the file is picked up by the embed

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler, error mapping
  - factory/policy.go: policy document format
*/
package api

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/schedule-engine/factory"
	"github.com/warp/schedule-engine/schedule"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario is the decoded form of a scenarios/*.yaml file.
type Scenario struct {
	ScenarioDTO    `yaml:",inline"`
	TenantID       string                   `yaml:"tenant_id"`
	Policies       []factory.PolicyDocument `yaml:"policies"`
	Staff          []scenarioStaff          `yaml:"staff"`
	Subcontractors []scenarioSubcontractor  `yaml:"subcontractors"`
	Periods        []scenarioPeriod         `yaml:"periods"`
	Tickets        []scenarioTicket         `yaml:"tickets"`
	Assignments    []scenarioAssignment     `yaml:"assignments"`
	Proposals      []scenarioProposal       `yaml:"proposals"`
}

type scenarioStaff struct {
	ID     string              `yaml:"id"`
	Name   string              `yaml:"name"`
	Role   string              `yaml:"role"`
	Skills []string            `yaml:"skills"`
	Leave  []schedule.Interval `yaml:"leave"`
}

type scenarioSubcontractor struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type scenarioPeriod struct {
	ID     string    `yaml:"id"`
	SiteID string    `yaml:"site_id"`
	Name   string    `yaml:"name"`
	Start  time.Time `yaml:"start"`
	End    time.Time `yaml:"end"`
	Status string    `yaml:"status"`
}

type scenarioTicket struct {
	ID             string    `yaml:"id"`
	PeriodID       string    `yaml:"period_id"`
	SiteID         string    `yaml:"site_id"`
	Code           string    `yaml:"code"`
	Start          time.Time `yaml:"start"`
	End            time.Time `yaml:"end"`
	Status         string    `yaml:"status"`
	RequiredSkills []string  `yaml:"required_skills"`
	PositionCode   string    `yaml:"position_code"`
	RequiredStaff  int       `yaml:"required_staff_count"`
}

type scenarioAssignment struct {
	ID              string `yaml:"id"`
	TicketID        string `yaml:"ticket_id"`
	StaffID         string `yaml:"staff_id"`
	SubcontractorID string `yaml:"subcontractor_id"`
	Status          string `yaml:"status"`
}

type scenarioProposal struct {
	BoardID         string `yaml:"board_id"`
	TicketID        string `yaml:"ticket_id"`
	StaffID         string `yaml:"staff_id"`
	SubcontractorID string `yaml:"subcontractor_id"`
}

// LoadedProposal tells the client which ids a scenario's proposals received.
type LoadedProposal struct {
	BoardID     string `json:"board_id"`
	BoardItemID string `json:"board_item_id"`
	ProposalID  string `json:"proposal_id"`
	TicketID    string `json:"ticket_id"`
}

// LoadScenarioResponse is returned after a scenario load.
type LoadScenarioResponse struct {
	Scenario  ScenarioDTO      `json:"scenario"`
	TenantID  string           `json:"tenant_id"`
	Proposals []LoadedProposal `json:"proposals"`
}

// Scenarios decodes every embedded scenario, sorted by id.
func Scenarios() ([]Scenario, error) {
	paths, err := fs.Glob(scenarioFS, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}
	out := make([]Scenario, 0, len(paths))
	for _, p := range paths {
		body, err := scenarioFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var s Scenario
		if err := yaml.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", p, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func findScenario(id string) (Scenario, bool, error) {
	all, err := Scenarios()
	if err != nil {
		return Scenario{}, false, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, true, nil
		}
	}
	return Scenario{}, false, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := Scenarios()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, ok, err := findScenario(current)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the store and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Scenario loading is disabled", nil)
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, ok, err := findScenario(req.ScenarioID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	resp, err := h.load(r.Context(), s)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.currentScenario = s.ID
	h.log.Info("scenario loaded", zap.String("scenario", s.ID), zap.String("tenant_id", s.TenantID))
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) load(ctx context.Context, sc Scenario) (LoadScenarioResponse, error) {
	if err := h.Reset(ctx); err != nil {
		return LoadScenarioResponse{}, err
	}
	tenant := sc.TenantID
	now := time.Now().UTC()

	err := h.Store.WithTx(ctx, func(s schedule.Store) error {
		for _, st := range sc.Staff {
			if err := s.SaveStaff(ctx, schedule.StaffProfile{
				ID:       st.ID,
				TenantID: tenant,
				FullName: st.Name,
				Role:     st.Role,
				Skills:   st.Skills,
				Leave:    st.Leave,
			}); err != nil {
				return err
			}
		}
		for _, sub := range sc.Subcontractors {
			if err := s.SaveSubcontractor(ctx, schedule.Subcontractor{
				ID:            sub.ID,
				TenantID:      tenant,
				Name:          sub.Name,
				MaxConcurrent: sub.MaxConcurrent,
			}); err != nil {
				return err
			}
		}
		for _, p := range sc.Periods {
			period := schedule.SchedulePeriod{
				ID:        p.ID,
				TenantID:  tenant,
				SiteID:    p.SiteID,
				Name:      p.Name,
				Start:     p.Start,
				End:       p.End,
				Status:    schedule.PeriodStatus(or(p.Status, string(schedule.PeriodDraft))),
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if period.Status != schedule.PeriodDraft {
				period.PublishedAt = &now
				period.PublishedBy = scenarioLoader.UserID
			}
			if err := s.CreatePeriod(ctx, period); err != nil {
				return err
			}
		}
		tickets := make(map[string]schedule.Ticket, len(sc.Tickets))
		for _, t := range sc.Tickets {
			ticket := schedule.Ticket{
				ID:                 t.ID,
				TenantID:           tenant,
				PeriodID:           t.PeriodID,
				SiteID:             t.SiteID,
				Code:               t.Code,
				Shift:              schedule.NewInterval(t.Start, t.End),
				Status:             schedule.TicketStatus(or(t.Status, string(schedule.TicketScheduled))),
				RequiredSkills:     t.RequiredSkills,
				PositionCode:       t.PositionCode,
				RequiredStaffCount: max(t.RequiredStaff, 1),
				Version:            1,
				UpdatedAt:          now,
			}
			if err := s.SaveTicket(ctx, ticket); err != nil {
				return err
			}
			tickets[t.ID] = ticket
		}
		for _, a := range sc.Assignments {
			ticket, ok := tickets[a.TicketID]
			if !ok {
				return &schedule.PreconditionError{Field: "ticket_id", Reason: fmt.Sprintf("scenario assignment %s names unknown ticket %s", a.ID, a.TicketID)}
			}
			if err := s.CreateAssignment(ctx, schedule.Assignment{
				ID:              a.ID,
				TenantID:        tenant,
				TicketID:        ticket.ID,
				PeriodID:        ticket.PeriodID,
				StaffID:         a.StaffID,
				SubcontractorID: a.SubcontractorID,
				Shift:           ticket.Shift,
				Status:          schedule.AssignmentStatus(or(a.Status, string(schedule.AssignmentAssigned))),
				Version:         1,
				CreatedAt:       now,
				UpdatedAt:       now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return LoadScenarioResponse{}, err
	}

	loader := scenarioLoader
	loader.TenantID = tenant
	for _, doc := range sc.Policies {
		p, err := h.PolicyFactory.FromDocument(tenant, doc)
		if err != nil {
			return LoadScenarioResponse{}, err
		}
		if _, err := h.Engine.SavePolicy(ctx, loader, p); err != nil {
			return LoadScenarioResponse{}, err
		}
	}

	resp := LoadScenarioResponse{Scenario: sc.ScenarioDTO, TenantID: tenant, Proposals: []LoadedProposal{}}
	for _, p := range sc.Proposals {
		item, prop, err := h.Engine.Propose(ctx, loader, schedule.ProposalInput{
			BoardID:  p.BoardID,
			TicketID: p.TicketID,
			Worker:   schedule.Worker{StaffID: p.StaffID, SubcontractorID: p.SubcontractorID},
		})
		if err != nil {
			return LoadScenarioResponse{}, err
		}
		resp.Proposals = append(resp.Proposals, LoadedProposal{
			BoardID:     item.BoardID,
			BoardItemID: item.ID,
			ProposalID:  prop.ID,
			TicketID:    item.TicketID,
		})
	}
	return resp, nil
}

// scenarioLoader is the identity scenario writes are attributed to.
var scenarioLoader = schedule.Caller{
	UserID: "scenario-loader",
	Roles:  []string{schedule.RoleOwnerAdmin},
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
