package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/agent"
	"github.com/nextlevelbuilder/clawlite/internal/notify"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	unread := 0
	if s.deps.Notify != nil {
		unread, _ = s.deps.Notify.UnreadCount()
	}
	status := map[string]any{
		"version":              s.deps.Version,
		"model":                s.cfg.Model,
		"uptime_s":             time.Since(s.started).Seconds(),
		"unread_notifications": unread,
	}
	if s.deps.Manager != nil {
		status["channels"] = s.deps.Manager.Status()
	}
	if s.deps.Subagents != nil {
		status["subagent_runs"] = len(s.deps.Subagents.List())
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "channel manager not running")
		return
	}
	snaps := s.deps.Manager.OutboundMetrics()
	names := make([]string, 0, len(snaps))
	for name := range snaps {
		names = append(names, name)
	}
	sort.Strings(names)

	type channelMetrics struct {
		outbound.Snapshot
		Health outbound.HealthReport `json:"health"`
	}
	out := make([]channelMetrics, 0, len(names))
	for _, name := range names {
		snap := snaps[name]
		out = append(out, channelMetrics{Snapshot: snap, Health: outbound.EvaluateHealth(snap)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) handleChannelsStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "channel manager not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.Status())
}

func (s *Server) handleModelCatalog(w http.ResponseWriter, _ *http.Request) {
	catalog := agent.Catalog()
	models := make([]string, 0, len(catalog))
	for name := range catalog {
		models = append(models, name)
	}
	sort.Strings(models)

	type row struct {
		Model           string  `json:"model"`
		DisplayName     string  `json:"display_name"`
		ContextWindow   int     `json:"context_window"`
		MaxOutputTokens int     `json:"max_output_tokens"`
		InputCostPerM   float64 `json:"input_cost_per_m"`
		OutputCostPerM  float64 `json:"output_cost_per_m"`
	}
	out := make([]row, 0, len(models))
	for _, name := range models {
		info := catalog[name]
		out = append(out, row{
			Model:           name,
			DisplayName:     info.DisplayName,
			ContextWindow:   info.ContextWindow,
			MaxOutputTokens: info.MaxOutputTokens,
			InputCostPerM:   info.InputCostPerM,
			OutputCostPerM:  info.OutputCostPerM,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron store not available")
		return
	}
	jobs, err := s.deps.Cron.ListJobs(r.URL.Query().Get("channel"), r.URL.Query().Get("chat_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron store not available")
		return
	}
	var req struct {
		Channel   string  `json:"channel"`
		ChatID    string  `json:"chat_id"`
		ThreadID  string  `json:"thread_id"`
		Label     string  `json:"label"`
		Name      string  `json:"name"`
		Message   string  `json:"message"`
		IntervalS float64 `json:"interval_s"`
		Schedule  string  `json:"schedule"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" || (req.IntervalS <= 0 && req.Schedule == "") {
		writeError(w, http.StatusBadRequest, "message and interval_s or schedule are required")
		return
	}
	interval := time.Duration(req.IntervalS * float64(time.Second))
	job, err := s.deps.Cron.AddJob(req.Channel, req.ChatID, req.ThreadID, req.Label, req.Name, req.Message, interval, req.Schedule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron store not available")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Cron.RemoveJob(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (s *Server) handleCronSetEnabled(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron store not available")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Cron.SetEnabled(id, req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": req.Enabled})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not available")
		return
	}
	infos, err := s.deps.Sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not available")
		return
	}
	turns, err := s.deps.Sessions.History(r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": r.PathValue("id"), "turns": turns})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not available")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Sessions.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Index != nil {
		_ = s.deps.Index.Forget(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handlePairingPending(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pairing == nil {
		writeError(w, http.StatusServiceUnavailable, "pairing not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.deps.Pairing.Pending()})
}

func (s *Server) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pairing == nil {
		writeError(w, http.StatusServiceUnavailable, "pairing not enabled")
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	approved, err := trust.ApproveSender(s.cfg, s.cfgPath, s.deps.Pairing, req.Code)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, approved)
}

func (s *Server) handlePairingReject(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pairing == nil {
		writeError(w, http.StatusServiceUnavailable, "pairing not enabled")
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Pairing.Reject(req.Code); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": req.Code})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.deps.Audit.Recent(queryInt(r, "limit", 100))})
}

func (s *Server) handleSkillsList(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.deps.Library != nil {
		out["available"] = s.deps.Library.List()
	}
	if s.deps.Marketplace != nil {
		installed, err := s.deps.Marketplace.Installed()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out["installed"] = installed
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSkillInstall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Marketplace == nil {
		writeError(w, http.StatusServiceUnavailable, "marketplace not available")
		return
	}
	var req struct {
		Slug    string `json:"slug"`
		Version string `json:"version"`
		Force   bool   `json:"force"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Slug == "" {
		writeError(w, http.StatusBadRequest, "slug is required")
		return
	}
	result, err := s.deps.Marketplace.Install(r.Context(), req.Slug, req.Version, req.Force)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "agent queue not available")
		return
	}
	workers, err := s.deps.Queue.ListWorkers(r.URL.Query().Get("channel"), r.URL.Query().Get("chat_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "agent queue not available")
		return
	}
	var req struct {
		Channel  string `json:"channel"`
		ChatID   string `json:"chat_id"`
		ThreadID string `json:"thread_id"`
		Label    string `json:"label"`
		Command  string `json:"command"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	worker, err := s.deps.Queue.UpsertWorker(req.Channel, req.ChatID, req.ThreadID, req.Label, req.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "agent queue not available")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tasks, err := s.deps.Queue.Tasks(id, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleAgentEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "agent queue not available")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	task, err := s.deps.Queue.Enqueue(id, req.Text)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "agent queue not available")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pid, err := s.deps.Queue.StartWorker(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": id, "pid": pid})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "agent queue not available")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Queue.StopWorker(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": id})
}

func (s *Server) handleNotificationsList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not available")
		return
	}
	minPriority := notify.ParsePriority(r.URL.Query().Get("min_priority"))
	list, err := s.deps.Notify.List(queryInt(r, "limit", 50), minPriority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not available")
		return
	}
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Notify.MarkRead(req.IDs...); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"read": len(req.IDs)})
}
