package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/orchestrator"
	"github.com/mvlachos/accord/internal/plan"
	"github.com/mvlachos/accord/internal/registry"
	"github.com/mvlachos/accord/internal/schedule"
	"github.com/mvlachos/accord/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("PUT /api/agents/{id}", s.updateAgent)
	mux.HandleFunc("POST /api/agents/{id}/deactivate", s.deactivateAgent)

	// Communication graph
	mux.HandleFunc("GET /api/graph", s.getGraph)

	// Objectives
	mux.HandleFunc("POST /api/objectives/plan", s.planObjective)
	mux.HandleFunc("POST /api/objectives/run", s.runObjective)

	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("GET /api/export", s.exportRuns)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.getSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type agentRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Weight       float64  `json:"weight"`
	Leader       bool     `json:"leader"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []registry.Agent{}
	}
	jsonResponse(w, agents)
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var body agentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.ID == "" {
		jsonError(w, "id is required", http.StatusBadRequest)
		return
	}
	caps, err := capability.ParseSet(body.Capabilities)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	a := registry.Agent{
		ID:           body.ID,
		Capabilities: caps,
		Weight:       body.Weight,
		Leader:       body.Leader,
	}
	if err := s.registry.Register(a); err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Read back so defaults (weight, status) are reflected.
	saved, err := s.registry.Get(a.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveAgent(saved); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, saved)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	var body agentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caps, err := capability.ParseSet(body.Capabilities)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	a := registry.Agent{
		ID:           r.PathValue("id"),
		Capabilities: caps,
		Weight:       body.Weight,
		Leader:       body.Leader,
	}
	if err := s.registry.Update(a); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	saved, err := s.registry.Get(a.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveAgent(saved); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, saved)
}

func (s *Server) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Deactivate(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	saved, err := s.registry.Get(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveAgent(saved); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deactivated"})
}

func (s *Server) getGraph(w http.ResponseWriter, r *http.Request) {
	snap, trace := s.orch.Snapshot()

	nodes := make([]map[string]any, 0, snap.Len())
	for _, a := range snap.Agents() {
		nodes = append(nodes, map[string]any{
			"id":           a.ID,
			"capabilities": a.Capabilities,
			"weight":       a.Weight,
			"leader":       a.Leader,
			"incoming":     snap.IncomingSum(a.ID),
			"outgoing":     snap.OutgoingSum(a.ID),
			"contribution": snap.Contribution(a.ID),
			"unreachable":  snap.Unreachable(a.ID),
		})
	}

	jsonResponse(w, map[string]any{
		"version":    snap.Version(),
		"efficiency": snap.Efficiency(),
		"nodes":      nodes,
		"edges":      snap.Edges(),
		"trace":      trace,
	})
}

func decodeObjective(r *http.Request) (orchestrator.Objective, error) {
	var obj orchestrator.Objective
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
		return obj, fmt.Errorf("invalid request body")
	}
	if len(obj.Required) == 0 {
		return obj, fmt.Errorf("required capabilities missing")
	}
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	return obj, nil
}

func (s *Server) planObjective(w http.ResponseWriter, r *http.Request) {
	obj, err := decodeObjective(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := s.orch.PlanObjective(obj)
	if err != nil {
		var gap *plan.CapabilityGapError
		if errors.As(err, &gap) || errors.Is(err, plan.ErrInfeasible) {
			jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) runObjective(w http.ResponseWriter, r *http.Request) {
	obj, err := decodeObjective(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The run outlives the HTTP request; its report lands in the store and
	// on the event stream.
	runID := s.orch.Start(s.runCtx(), obj)
	jsonResponse(w, map[string]string{"run_id": runID, "objective_id": obj.ID})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if objectiveID := r.URL.Query().Get("objective"); objectiveID != "" {
		runs, err := s.store.ListRunsForObjective(objectiveID)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, runs)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if report == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, report)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(r.PathValue("id")); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownRun) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelling"})
}

func (s *Server) exportRuns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="accord-runs.jsonl.zst"`)
	if err := s.store.ExportRuns(w); err != nil {
		// Headers are already out; all we can do is log.
		slog.Error("export runs", "error", err)
	}
}

type scheduleRequest struct {
	Name      string                  `json:"name"`
	Schedule  string                  `json:"schedule"`
	Objective *orchestrator.Objective `json:"objective"`
	Enabled   *bool                   `json:"enabled"`
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, so := range schedules {
		out = append(out, scheduleToAPI(so))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Objective == nil {
		jsonError(w, "name, schedule, and objective are required", http.StatusBadRequest)
		return
	}
	if len(body.Objective.Required) == 0 {
		jsonError(w, "objective required capabilities missing", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	obj := *body.Objective
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	so := store.ScheduledObjective{
		ID:        uuid.NewString(),
		Name:      body.Name,
		Schedule:  normalized,
		Objective: obj,
		Status:    status,
	}
	if status == "active" {
		so.NextRunAt = schedule.CalculateNextRun(normalized)
	}

	if err := s.store.SaveSchedule(&so); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(so))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	so, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if so == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, scheduleToAPI(*so))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Objective != nil {
		if len(body.Objective.Required) == 0 {
			jsonError(w, "objective required capabilities missing", http.StatusBadRequest)
			return
		}
		if body.Objective.ID == "" {
			body.Objective.ID = existing.Objective.ID
		}
		existing.Objective = *body.Objective
	}
	if body.Schedule != "" {
		normalized, err := schedule.Normalize(body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.CalculateNextRun(existing.Schedule)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSchedule(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(*existing))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents, _ := s.registry.Snapshot()
	snap, _ := s.orch.Snapshot()
	active := s.orch.ActiveRuns()

	jsonResponse(w, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"agents":      len(agents),
		"active_runs": active,
		"efficiency":  snap.Efficiency(),
		"timestamp":   time.Now().UTC(),
	})
}

func scheduleToAPI(so store.ScheduledObjective) map[string]any {
	m := map[string]any{
		"id":               so.ID,
		"name":             so.Name,
		"schedule":         so.Schedule,
		"schedule_display": schedule.Describe(so.Schedule),
		"objective":        so.Objective,
		"enabled":          so.Status == "active",
		"status":           so.Status,
		"created_at":       so.CreatedAt,
	}
	if so.NextRunAt != nil {
		m["next_run_at"] = so.NextRunAt
	}
	if so.LastRunAt != nil {
		m["last_run_at"] = so.LastRunAt
	}
	if so.LastStatus != "" {
		m["last_status"] = so.LastStatus
	}
	if so.LastError != "" {
		m["last_error"] = so.LastError
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
