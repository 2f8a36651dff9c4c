package httpx

import (
	"bufio"
	"crypto/subtle"
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

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/service/audit"
	"github.com/regainflow/console/internal/service/blueprint"
	"github.com/regainflow/console/internal/service/deploy"
	"github.com/regainflow/console/internal/service/environment"
	"github.com/regainflow/console/internal/service/logs"
	"github.com/regainflow/console/internal/service/plan"
	"github.com/regainflow/console/pkg/config"
)

// Services bundles the domain services the router exposes.
type Services struct {
	Environments environment.Service
	Plans        plan.Service
	Deployments  deploy.Service
	Logs         logs.Service
	Audit        audit.Service
	Blueprints   blueprint.Service
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux              *http.ServeMux
	logger           *slog.Logger
	envs             environment.Service
	plans            plan.Service
	deploy           deploy.Service
	logs             logs.Service
	audits           audit.Service
	blueprints       blueprint.Service
	settings         config.Settings
	upgrader         websocket.Upgrader
	limiter          RateLimiter
	provisionerToken string
	heartbeat        time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streamClients      *prometheus.GaugeVec
}

const (
	rateWindowDefault    = time.Minute
	rateWindowRealtime   = 30 * time.Second
	rateLimitRead        = 240
	rateLimitWrite       = 60
	rateLimitGenerate    = 10
	rateLimitWebsocket   = 30
	rateLimitProvisioner = 600
	streamQueueSize      = 256
	defaultHeartbeat     = 15 * time.Second
	headerProvisioner    = "X-Provisioner-Token"
	headerActor          = "X-Actor"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svcs Services, limiter RateLimiter, settings config.Settings, provisionerToken string) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		envs:       svcs.Environments,
		plans:      svcs.Plans,
		deploy:     svcs.Deployments,
		logs:       svcs.Logs,
		audits:     svcs.Audit,
		blueprints: svcs.Blueprints,
		settings:   settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:          limiter,
		provisionerToken: strings.TrimSpace(provisionerToken),
		heartbeat:        defaultHeartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
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
	read := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(route, r.withRateLimit(route, rateLimitRead, rateWindowDefault, rateLimitKeyIP, h))
	}
	write := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(route, r.withRateLimit(route, rateLimitWrite, rateWindowDefault, rateLimitKeyIP, h))
	}
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", r.metricsHandler())
	r.mux.HandleFunc("/environments", read("environments", r.handleEnvironments))
	r.mux.HandleFunc("/environments/", r.audit("environment", r.handleEnvironmentSubroutes))
	r.mux.HandleFunc("/plans/static", write("plans_static", r.handleStaticPlan))
	r.mux.HandleFunc("/plans/generate", r.audit("plans_generate", r.withRateLimit("plans_generate", rateLimitGenerate, rateWindowDefault, rateLimitKeyIP, r.handleGeneratePlan)))
	r.mux.HandleFunc("/deployments", write("deployments", r.handleDeployments))
	r.mux.HandleFunc("/deployments/active", read("deployments_active", r.handleActiveDeployments))
	r.mux.HandleFunc("/logs", read("logs", r.handleAllLogs))
	r.mux.HandleFunc("/logs/", r.audit("environment_logs", r.handleLogs))
	r.mux.HandleFunc("/ws/logs", r.audit("logs_ws", r.withRateLimit("logs_ws", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleLogsWS)))
	r.mux.HandleFunc("/audit", read("audit", r.handleAudit))
	r.mux.HandleFunc("/blueprints", read("blueprints", r.handleBlueprints))
	r.mux.HandleFunc("/blueprints/", r.audit("blueprint", r.handleBlueprintSubroutes))
	r.mux.HandleFunc("/settings", read("settings", r.handleSettings))
}

type environmentView struct {
	domain.Environment
	Deploying bool `json:"deploying"`
}

func (r *Router) viewOf(env domain.Environment) environmentView {
	return environmentView{Environment: env, Deploying: r.deploy.IsActive(env.ID)}
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	envs, err := r.envs.List(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	views := make([]environmentView, 0, len(envs))
	for _, env := range envs {
		views = append(views, r.viewOf(env))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/environments/")
	parts := strings.Split(trimmed, "/")
	envID := parts[0]
	if envID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.withRateLimit("environment", rateLimitRead, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleEnvironment(w, req, envID)
		})(w, req)
		return
	}
	switch parts[1] {
	case "cancel":
		r.withRateLimit("environment_cancel", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleCancel(w, req, envID)
		})(w, req)
	case "events":
		r.withRateLimit("environment_events", rateLimitProvisioner, rateWindowDefault, rateLimitKeyEnvironment, func(w http.ResponseWriter, req *http.Request) {
			r.handleProvisioningEvent(w, req, envID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEnvironment(w http.ResponseWriter, req *http.Request, envID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	env, err := r.envs.FindByID(req.Context(), envID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.viewOf(*env))
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request, envID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	run, err := r.deploy.Cancel(req.Context(), envID, actorFromRequest(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Router) handleProvisioningEvent(w http.ResponseWriter, req *http.Request, envID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyProvisionerToken(w, req) {
		return
	}
	var payload domain.ProvisioningEvent
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.EnvironmentID != "" && payload.EnvironmentID != envID {
		writeError(w, http.StatusBadRequest, "environment_id does not match path")
		return
	}
	payload.EnvironmentID = envID
	env, err := r.deploy.ProcessEvent(req.Context(), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "received", "environment": env})
}

func (r *Router) handleStaticPlan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload plan.StaticFields
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := r.plans.Static(payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, plan.Result{Plan: p, Source: plan.SourceStatic})
}

func (r *Router) handleGeneratePlan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.plans.Plan(req.Context(), payload.Prompt)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deployRequest struct {
	Plan        *domain.DeploymentPlan `json:"plan,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	BlueprintID string                 `json:"blueprint_id,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Region      string                 `json:"region,omitempty"`
	Type        string                 `json:"type,omitempty"`
	Resources   *domain.Resources      `json:"resources,omitempty"`
}

type deployResponse struct {
	*deploy.Deployment
	Plan   domain.DeploymentPlan `json:"plan"`
	Source plan.Source           `json:"source"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	inputs := 0
	for _, set := range []bool{payload.Plan != nil, strings.TrimSpace(payload.Prompt) != "", strings.TrimSpace(payload.BlueprintID) != ""} {
		if set {
			inputs++
		}
	}
	if inputs != 1 {
		writeError(w, http.StatusBadRequest, "exactly one of plan, prompt or blueprint_id is required")
		return
	}

	opts := deploy.Options{Region: payload.Region, Type: payload.Type, Resources: payload.Resources, Actor: actorFromRequest(req)}
	var (
		p      domain.DeploymentPlan
		source plan.Source
	)
	switch {
	case payload.Plan != nil:
		p, source = payload.Plan.Clone(), plan.SourceStatic
	case payload.BlueprintID != "":
		bp, preset, err := r.blueprints.Plan(payload.BlueprintID, payload.Name)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		p, source = bp, plan.SourceBlueprint
		if opts.Region == "" {
			opts.Region = preset.Region
		}
		if opts.Type == "" {
			opts.Type = preset.Type
		}
	default:
		res, err := r.plans.Plan(req.Context(), payload.Prompt)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		p, source = res.Plan, res.Source
	}

	dep, err := r.deploy.Deploy(req.Context(), p, opts)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployResponse{Deployment: dep, Plan: p, Source: source})
}

func (r *Router) handleActiveDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.deploy.Active())
}

func (r *Router) handleAllLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	entries, err := r.logs.SnapshotAll(req.Context(), afterSeq(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/logs/")
	parts := strings.Split(trimmed, "/")
	envID := parts[0]
	if envID == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "stream") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if len(parts) == 2 {
		r.withRateLimit("logs_stream", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogStream(w, req, envID)
		})(w, req)
		return
	}
	r.withRateLimit("environment_logs", rateLimitRead, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
		entries, err := r.logs.Snapshot(req.Context(), envID, afterSeq(req))
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})(w, req)
}

func (r *Router) handleAudit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.audits.List(req.Context(), limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleBlueprints(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.blueprints.List())
}

func (r *Router) handleBlueprintSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/blueprints/")
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "plan") {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		bp, err := r.blueprints.Get(id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, bp)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	p, preset, err := r.blueprints.Plan(id, payload.Name)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":   p,
		"source": plan.SourceBlueprint,
		"preset": preset,
	})
}

func (r *Router) handleSettings(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.settings)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	envs, err := r.envs.List(req.Context())
	if err != nil {
		status = "degraded"
		components["registry"] = map[string]any{"status": "down", "error": err.Error()}
	} else {
		components["registry"] = map[string]any{"status": "up", "environments": len(envs)}
	}
	genai := "demo"
	if r.settings.CredentialConfigured {
		genai = "configured"
	}
	components["genai"] = map[string]any{"status": genai}
	components["deployments"] = map[string]any{"active": len(r.deploy.Active())}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
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
		metricRoute := route
		if route == "environment_logs" && strings.HasSuffix(req.URL.Path, "/stream") {
			metricRoute = "logs_stream"
		}
		r.recordRequestMetrics(req.Method, metricRoute, status, duration)
		actor := actorFromRequest(req)
		if strings.HasSuffix(req.URL.Path, "/events") {
			actor = "provisioner"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
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
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
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

// verifyProvisionerToken checks the shared secret when one is configured.
func (r *Router) verifyProvisionerToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.provisionerToken
	if expected == "" {
		return true
	}
	token := strings.TrimSpace(req.Header.Get(headerProvisioner))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("provisioner token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid provisioner token")
		return false
	}
	return true
}

func actorFromRequest(req *http.Request) string {
	if actor := strings.TrimSpace(req.Header.Get(headerActor)); actor != "" {
		return actor
	}
	return audit.ActorOperator
}

func afterSeq(req *http.Request) int64 {
	raw := strings.TrimSpace(req.URL.Query().Get("after"))
	if raw == "" {
		raw = strings.TrimSpace(req.Header.Get("Last-Event-ID"))
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
