package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/autodeploy/internal/executor"
	"github.com/splax/autodeploy/internal/service/deploy"
	"github.com/splax/autodeploy/internal/service/pipeline"
	"github.com/splax/autodeploy/internal/ws"
)

const (
	healthCheckTimeout  = 2 * time.Second
	defaultSSEHeartbeat = 15 * time.Second
	defaultListLimit    = 50
	maxBodyBytes        = 1 << 20
)

// StatusReporter exposes background executor state.
type StatusReporter interface {
	Status() executor.Status
}

// Options carries router dependencies.
type Options struct {
	Logger       *slog.Logger
	Pipelines    pipeline.Service
	Deployments  deploy.Service
	Hub          *ws.Hub
	Executor     StatusReporter
	Limiter      RateLimiter
	RateLimit    int
	RateWindow   time.Duration
	SSEHeartbeat time.Duration
	// Checks are optional dependency health checks reported by /healthz.
	Checks map[string]func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	pipelines  pipeline.Service
	deploy     deploy.Service
	hub        *ws.Hub
	executor   StatusReporter
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	rateLimit  int
	rateWindow time.Duration
	heartbeat  time.Duration
	checks     map[string]func(context.Context) error

	metricsOnce    sync.Once
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    opts.Logger,
		pipelines: opts.Pipelines,
		deploy:    opts.Deployments,
		hub:       opts.Hub,
		executor:  opts.Executor,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    opts.Limiter,
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		heartbeat:  opts.SSEHeartbeat,
		checks:     opts.Checks,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultSSEHeartbeat
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("/healthz", "healthz", r.handleHealthz)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.handle("/ws", "ws", r.withRateLimit("realtime", r.handleWS))
	r.handle("/events", "events", r.withRateLimit("realtime", r.handleEvents))

	r.handle("/api/pipelines", "pipelines", r.withRateLimit("api", r.handlePipelines))
	r.handle("/api/pipelines/", "pipeline", r.withRateLimit("api", r.handlePipelineSubroutes))
	r.handle("/api/stats", "stats", r.withRateLimit("api", r.handleStats))

	r.handle("/api/jenkins/status", "jenkins_status", r.withRateLimit("callback", r.handleStatusCallback))
	r.handle("/api/jenkins/stage", "jenkins_stage", r.withRateLimit("callback", r.handleStageCallback))
	r.handle("/api/jenkins/log", "jenkins_log", r.withRateLimit("callback", r.handleLogCallback))
	r.handle("/api/jenkins/builds/", "jenkins_build", r.withRateLimit("api", r.handleBuild))

	r.handle("/api/deployments/manual", "deploy_manual", r.withRateLimit("api", r.handleManualDeploy))
	r.handle("/api/deployments/rollback", "deploy_rollback", r.withRateLimit("api", r.handleRollback))
	r.handle("/api/deployments/events", "deploy_events", r.withRateLimit("callback", r.handleDeploymentEvents))
	r.handle("/api/deployments/history", "deploy_history", r.withRateLimit("api", r.handleHistory))

	r.handle("/api/kubernetes/state", "cluster_state", r.withRateLimit("api", r.handleClusterState))
	r.handle("/api/kubernetes/pods", "cluster_pods", r.withRateLimit("callback", r.handlePods))
	r.handle("/api/kubernetes/pods/", "cluster_pod_logs", r.withRateLimit("api", r.handlePodLogs))
	r.handle("/api/kubernetes/status", "cluster_status", r.withRateLimit("api", r.handleWorkloadStatus))
	r.handle("/api/kubernetes/revisions", "cluster_revisions", r.withRateLimit("api", r.handleRevisions))
	r.handle("/api/images", "images", r.withRateLimit("api", r.handleImages))
}

func (r *Router) handle(pattern, route string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(route, h))
}

func (r *Router) handlePipelines(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.pipelines.List(req.Context(), queryLimit(req, defaultListLimit)))
	case http.MethodPost:
		var payload pipeline.TriggerInput
		if !decodeBody(w, req, &payload) {
			return
		}
		p, err := r.pipelines.Trigger(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusAccepted, p)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePipelineSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/pipelines/"), "/")
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	p, err := r.pipelines.Get(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, p)
		return
	}
	switch parts[1] {
	case "logs":
		logs := p.Logs
		if limit := queryLimit(req, 0); limit > 0 && len(logs) > limit {
			logs = logs[len(logs)-limit:]
		}
		writeJSON(w, http.StatusOK, logs)
	case "stages":
		writeJSON(w, http.StatusOK, p.Stages)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.pipelines.Stats(req.Context()))
}

func (r *Router) handleStatusCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		pipeline.StatusCallback
		LegacyPipelineID  string `json:"pipeline_id"`
		LegacyBuildNumber int    `json:"build_number"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	cb := payload.StatusCallback
	if cb.PipelineID == "" {
		cb.PipelineID = payload.LegacyPipelineID
	}
	if cb.BuildNumber == 0 {
		cb.BuildNumber = payload.LegacyBuildNumber
	}
	p, err := r.pipelines.UpdateStatus(req.Context(), cb)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "pipelineId": p.ID, "pipelineStatus": p.Status})
}

func (r *Router) handleStageCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		pipeline.StageCallback
		LegacyPipelineID  string `json:"pipeline_id"`
		LegacyBuildNumber int    `json:"build_number"`
		LegacyStageName   string `json:"stage_name"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	cb := payload.StageCallback
	if cb.PipelineID == "" {
		cb.PipelineID = payload.LegacyPipelineID
	}
	if cb.BuildNumber == 0 {
		cb.BuildNumber = payload.LegacyBuildNumber
	}
	if cb.StageName == "" {
		cb.StageName = payload.LegacyStageName
	}
	stage, err := r.pipelines.UpdateStage(req.Context(), cb)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "stage": stage})
}

func (r *Router) handleLogCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		pipeline.LogInput
		LegacyPipelineID string `json:"pipeline_id"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	in := payload.LogInput
	if in.PipelineID == "" {
		in.PipelineID = payload.LegacyPipelineID
	}
	entry, err := r.pipelines.AppendLog(req.Context(), in)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	n, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/jenkins/builds/"), "/"))
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid build number")
		return
	}
	info, err := r.pipelines.BuildStatus(req.Context(), n)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.checks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"observers":  r.hub.Count(),
		"strategy":   r.deploy.StrategyName(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.executor != nil {
		payload["executor"] = r.executor.Status()
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Debug("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryLimit(req *http.Request, fallback int) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
