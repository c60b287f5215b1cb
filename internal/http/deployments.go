package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/autodeploy/internal/service/deploy"
)

func targetFromQuery(req *http.Request) deploy.Target {
	q := req.URL.Query()
	return deploy.Target{Workload: q.Get("workload"), Namespace: q.Get("namespace")}
}

func (r *Router) handleManualDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		deploy.ManualDeployInput
		ImageTag   string `json:"image_tag"`
		LegacyID   string `json:"pipeline_id"`
		Deployment string `json:"deployment"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	in := payload.ManualDeployInput
	if in.Tag == "" {
		in.Tag = payload.ImageTag
	}
	if in.PipelineID == "" {
		in.PipelineID = payload.LegacyID
	}
	if in.Workload == "" {
		in.Workload = payload.Deployment
	}
	rec, err := r.deploy.ManualDeploy(req.Context(), in)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "deploying",
		"deployment": rec,
		"strategy":   r.deploy.StrategyName(),
	})
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	target := targetFromQuery(req)
	if req.ContentLength != 0 {
		var payload deploy.Target
		if !decodeBody(w, req, &payload) {
			return
		}
		if payload.Workload != "" {
			target.Workload = payload.Workload
		}
		if payload.Namespace != "" {
			target.Namespace = payload.Namespace
		}
	}
	rec, err := r.deploy.Rollback(req.Context(), target)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "rolling_back", "deployment": rec})
}

func (r *Router) handleDeploymentEvents(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.deploy.Events(req.Context(), queryLimit(req, 0)))
	case http.MethodPost:
		var payload struct {
			deploy.EventInput
			LegacyPipelineID string `json:"pipeline_id"`
			LegacyEventType  string `json:"event_type"`
		}
		if !decodeBody(w, req, &payload) {
			return
		}
		in := payload.EventInput
		if in.PipelineID == "" {
			in.PipelineID = payload.LegacyPipelineID
		}
		if in.EventType == "" {
			in.EventType = payload.LegacyEventType
		}
		ev, err := r.deploy.RecordEvent(req.Context(), in)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ev)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.deploy.History(req.Context(), targetFromQuery(req), queryLimit(req, 0)))
}

func (r *Router) handleClusterState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.deploy.ClusterState(targetFromQuery(req)))
}

func (r *Router) handlePods(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.deploy.Pods(req.Context(), targetFromQuery(req)))
	case http.MethodPost:
		var payload deploy.PodsReport
		if !decodeBody(w, req, &payload) {
			return
		}
		if payload.Workload == "" && payload.Namespace == "" {
			payload.Target = targetFromQuery(req)
		}
		pods := r.deploy.ReportPods(req.Context(), payload)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "updated", "pods": pods})
	default:
		r.methodNotAllowed(w)
	}
}

// handlePodLogs serves /api/kubernetes/pods/{name}/logs.
func (r *Router) handlePodLogs(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/kubernetes/pods/"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "logs" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
	out, err := r.deploy.PodLogs(req.Context(), parts[0], req.URL.Query().Get("namespace"), tail)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (r *Router) handleWorkloadStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status, err := r.deploy.WorkloadStatus(req.Context(), targetFromQuery(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleRevisions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	revisions, err := r.deploy.ClusterHistory(req.Context(), targetFromQuery(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, revisions)
}

func (r *Router) handleImages(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tags, err := r.deploy.Images(req.Context(), req.URL.Query().Get("repo"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": tags, "count": len(tags)})
}
