package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/governor"
	"github.com/cloudtether/tether/internal/service"
)

// createSessionRequest is the POST /sessions body.
type createSessionRequest struct {
	Target        string            `json:"target"`
	LocalPort     int               `json:"local_port"`
	RemotePort    int               `json:"remote_port"`
	RemoteHost    string            `json:"remote_host"`
	Priority      string            `json:"priority"`
	Tags          map[string]string `json:"tags"`
	SkipPreflight bool              `json:"skip_preflight"`
	Reuse         bool              `json:"reuse"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.svc.Manager.List(),
		"stats":    s.svc.Manager.Stats(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrValidation("BAD_REQUEST", "malformed request body"))
		return
	}

	targetID, err := s.svc.ResolveTarget(req.Target)
	if err != nil {
		writeError(w, err)
		return
	}

	priority := core.PriorityNormal
	if req.Priority != "" {
		priority, err = core.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	sess, err := s.svc.Connect(r.Context(), core.SessionConfig{
		TargetID:   targetID,
		LocalPort:  req.LocalPort,
		RemotePort: req.RemotePort,
		RemoteHost: req.RemoteHost,
		Priority:   priority,
		Tags:       req.Tags,
	}, service.ConnectOptions{
		SkipPreflight: req.SkipPreflight,
		Reuse:         req.Reuse,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Terminate(r.Context(), id, "terminated via api"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"terminated": id})
}

func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.svc.Monitor.CheckHealth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// activityRequest is the POST /sessions/{id}/activity body. Forwarders
// report transfer so idle detection and timeout prediction stay accurate.
type activityRequest struct {
	Bytes         int64 `json:"bytes"`
	NewConnection bool  `json:"new_connection"`
}

func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrValidation("BAD_REQUEST", "malformed request body"))
		return
	}
	if err := s.svc.Manager.RecordActivity(r.Context(), chi.URLParam(r, "id"), req.Bytes, req.NewConnection); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.svc.Governor.Latest()
	resp := map[string]interface{}{
		"low_power": s.svc.Governor.LowPower(),
		"history":   s.svc.Governor.History(),
		"stats":     s.svc.Manager.Stats(),
		"host":      governor.CollectHost(r.Context()),
	}
	if ok {
		resp["current"] = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	targetID, err := s.svc.ResolveTarget(chi.URLParam(r, "target"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Diag.RunFull(r.Context(), targetID))
}

func (s *Server) handlePreventiveCheck(w http.ResponseWriter, r *http.Request) {
	targetID, err := s.svc.ResolveTarget(chi.URLParam(r, "target"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Preventive.Run(r.Context(), targetID))
}

// fixRequest is the POST /targets/{target}/fix body.
type fixRequest struct {
	Check    string `json:"check"`
	Approved bool   `json:"approved"`
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	var req fixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrValidation("BAD_REQUEST", "malformed request body"))
		return
	}
	targetID, err := s.svc.ResolveTarget(chi.URLParam(r, "target"))
	if err != nil {
		writeError(w, err)
		return
	}

	var attempt interface{}
	switch core.CheckKind(req.Check) {
	case core.CheckInstanceState:
		attempt, err = s.svc.Fixer.FixInstanceState(r.Context(), targetID, req.Approved)
	case core.CheckAgentRegistration:
		attempt, err = s.svc.Fixer.FixAgent(r.Context(), targetID)
	case core.CheckPermissions, core.CheckNetworkPath:
		findings, ferr := s.svc.Diag.RunCheck(r.Context(), core.CheckKind(req.Check), targetID)
		if ferr != nil {
			writeError(w, ferr)
			return
		}
		if core.CheckKind(req.Check) == core.CheckPermissions {
			attempt = s.svc.Fixer.SuggestPermissions(targetID, findings)
		} else {
			attempt = s.svc.Fixer.SuggestNetwork(targetID, findings)
		}
	default:
		writeError(w, core.ErrValidation("UNKNOWN_CHECK", "check must name a diagnostic check"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}
