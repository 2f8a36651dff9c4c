package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository/memory"
	"github.com/regainflow/console/internal/service/audit"
	"github.com/regainflow/console/internal/service/blueprint"
	"github.com/regainflow/console/internal/service/deploy"
	"github.com/regainflow/console/internal/service/environment"
	"github.com/regainflow/console/internal/service/logs"
	"github.com/regainflow/console/internal/service/plan"
	"github.com/regainflow/console/internal/service/timeline"
	"github.com/regainflow/console/internal/ws"
	"github.com/regainflow/console/pkg/config"
	"github.com/regainflow/console/pkg/logger"
)

type testServer struct {
	router *Router
	clock  *timeline.ManualClock
	deploy deploy.Service
}

func newTestServer(t *testing.T, token string) testServer {
	t.Helper()
	log := logger.Discard()
	store := memory.New()
	hub := ws.NewHub()
	envs := environment.New(store, log)
	if err := envs.Seed(context.Background()); err != nil {
		t.Fatalf("Seed returned error: %v", err)
	}
	logSvc := logs.New(store, hub, log)
	auditSvc := audit.New(store, log)
	clock := timeline.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sim, err := timeline.NewSimulator(logSvc, envs, log, timeline.WithClock(clock))
	if err != nil {
		t.Fatalf("NewSimulator returned error: %v", err)
	}
	deploySvc := deploy.New(envs, logSvc, auditSvc, sim, log)
	bps, err := blueprint.New("", log)
	if err != nil {
		t.Fatalf("blueprint.New returned error: %v", err)
	}
	router := NewRouter(log, Services{
		Environments: envs,
		Plans:        plan.New(nil, log, plan.WithDemoDelay(0)),
		Deployments:  deploySvc,
		Logs:         logSvc,
		Audit:        auditSvc,
		Blueprints:   bps,
	}, NewMemoryRateLimiter(), config.Settings{GenAIModel: "gemini-2.5-flash"}, token)
	router.heartbeat = 50 * time.Millisecond
	t.Cleanup(func() {
		deploySvc.Close()
		router.Close()
		hub.Close()
	})
	return testServer{router: router, clock: clock, deploy: deploySvc}
}

func (s testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func testPlanBody() map[string]any {
	return map[string]any{"plan": domain.DeploymentPlan{
		Name:           "Payments",
		Summary:        "Card processing",
		Infrastructure: []string{"Terraform: VPC"},
		Configuration:  []string{"Ansible: Base"},
	}}
}

func TestListEnvironmentsReturnsSeeds(t *testing.T) {
	srv := newTestServer(t, "")
	rec := srv.do(t, http.MethodGet, "/environments", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	envs := decodeBody[[]environmentView](t, rec)
	if len(envs) != 2 || envs[0].ID != "env-prod-001" {
		t.Fatalf("unexpected environments %+v", envs)
	}
	if envs[0].Deploying {
		t.Fatalf("seeded environment should not be deploying")
	}

	if rec := srv.do(t, http.MethodGet, "/environments/env-missing", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodDelete, "/environments", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStaticPlanEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	rec := srv.do(t, http.MethodPost, "/plans/static", map[string]string{"region": "eu-west-1"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/plans/static", map[string]string{"name": "edge", "region": "eu-west-1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[plan.Result](t, rec)
	if res.Source != plan.SourceStatic || res.Plan.Infrastructure[0] != "Terraform: Provider AWS (eu-west-1)" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGeneratePlanWithoutCredentialReturnsDemo(t *testing.T) {
	srv := newTestServer(t, "")
	rec := srv.do(t, http.MethodPost, "/plans/generate", map[string]string{"prompt": "k8s for microservices"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[plan.Result](t, rec)
	if res.Source != plan.SourceDemo || res.Plan.Name != "Auto-Generated K8s Cluster" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGeneratePlanIsRateLimited(t *testing.T) {
	srv := newTestServer(t, "")
	var last int
	for i := 0; i < rateLimitGenerate+1; i++ {
		last = srv.do(t, http.MethodPost, "/plans/generate", map[string]string{"prompt": "x"}, nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d requests, got %d", rateLimitGenerate, last)
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	srv := newTestServer(t, "")

	rec := srv.do(t, http.MethodPost, "/deployments", testPlanBody(), map[string]string{headerActor: "alice"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	dep := decodeBody[deployResponse](t, rec)
	id := dep.Environment.ID
	if dep.Environment.Status != domain.StatusProvisioning || dep.Source != plan.SourceStatic {
		t.Fatalf("unexpected deployment %+v", dep)
	}

	view := decodeBody[environmentView](t, srv.do(t, http.MethodGet, "/environments/"+id, nil, nil))
	if !view.Deploying {
		t.Fatalf("expected environment to be deploying")
	}
	active := decodeBody[[]domain.DeploymentRun](t, srv.do(t, http.MethodGet, "/deployments/active", nil, nil))
	if len(active) != 1 || active[0].EnvironmentID != id {
		t.Fatalf("unexpected active runs %+v", active)
	}

	srv.clock.Advance(10 * time.Second)

	view = decodeBody[environmentView](t, srv.do(t, http.MethodGet, "/environments/"+id, nil, nil))
	if view.Status != domain.StatusActive || view.Deploying {
		t.Fatalf("expected ACTIVE and not deploying, got %+v", view)
	}
	entries := decodeBody[[]domain.LogEntry](t, srv.do(t, http.MethodGet, "/logs/"+id, nil, nil))
	if len(entries) != 9 || entries[8].Level != domain.LevelSuccess {
		t.Fatalf("unexpected log entries %+v", entries)
	}
	tail := decodeBody[[]domain.LogEntry](t, srv.do(t, http.MethodGet, "/logs/"+id+"?after="+strconv.FormatInt(entries[6].Seq, 10), nil, nil))
	if len(tail) != 2 {
		t.Fatalf("expected 2 entries after seq filter, got %d", len(tail))
	}

	events := decodeBody[[]domain.AuditEvent](t, srv.do(t, http.MethodGet, "/audit", nil, nil))
	if len(events) < 2 || events[0].Actor != "alice" || events[0].Detail != "Starting automated deployment for Payments" {
		t.Fatalf("unexpected audit trail %+v", events)
	}
}

func TestDeployRequiresExactlyOneSource(t *testing.T) {
	srv := newTestServer(t, "")
	body := testPlanBody()
	body["prompt"] = "also this"
	if rec := srv.do(t, http.MethodPost, "/deployments", body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodPost, "/deployments", map[string]any{}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeployFromBlueprintAndPrompt(t *testing.T) {
	srv := newTestServer(t, "")

	rec := srv.do(t, http.MethodPost, "/deployments", map[string]string{"blueprint_id": "bp-002", "name": "proto"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	dep := decodeBody[deployResponse](t, rec)
	if dep.Source != plan.SourceBlueprint || dep.Environment.Region != "us-west-2" || dep.Environment.Type != domain.TypeDevEnvironment {
		t.Fatalf("unexpected blueprint deployment %+v", dep)
	}

	rec = srv.do(t, http.MethodPost, "/deployments", map[string]string{"prompt": "a cluster"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	dep = decodeBody[deployResponse](t, rec)
	if dep.Source != plan.SourceDemo || dep.Environment.Name != "Auto-Generated K8s Cluster" {
		t.Fatalf("unexpected prompt deployment %+v", dep)
	}

	if rec := srv.do(t, http.MethodPost, "/deployments", map[string]string{"blueprint_id": "bp-404"}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv := newTestServer(t, "")
	dep := decodeBody[deployResponse](t, srv.do(t, http.MethodPost, "/deployments", testPlanBody(), nil))
	id := dep.Environment.ID
	srv.clock.Advance(time.Second)

	rec := srv.do(t, http.MethodPost, "/environments/"+id+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	srv.clock.Advance(time.Minute)
	entries := decodeBody[[]domain.LogEntry](t, srv.do(t, http.MethodGet, "/logs/"+id, nil, nil))
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after cancel, got %d", len(entries))
	}
	if rec := srv.do(t, http.MethodPost, "/environments/"+id+"/cancel", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second cancel, got %d", rec.Code)
	}
}

func TestProvisioningEventsRequireToken(t *testing.T) {
	srv := newTestServer(t, "s3cret")
	dep := decodeBody[deployResponse](t, srv.do(t, http.MethodPost, "/deployments", testPlanBody(), nil))
	path := "/environments/" + dep.Environment.ID + "/events"
	event := map[string]string{"source": "PXE", "status": "BOOTSTRAPPING", "message": "node-1 booted"}

	if rec := srv.do(t, http.MethodPost, path, event, map[string]string{headerProvisioner: "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec := srv.do(t, http.MethodPost, path, event, map[string]string{headerProvisioner: "s3cret"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeBody[environmentView](t, srv.do(t, http.MethodGet, "/environments/"+dep.Environment.ID, nil, nil))
	if view.Status != domain.StatusBootstrapping || view.Deploying {
		t.Fatalf("unexpected environment after event %+v", view)
	}

	backwards := map[string]string{"status": "PROVISIONING"}
	if rec := srv.do(t, http.MethodPost, path, backwards, map[string]string{headerProvisioner: "s3cret"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	mismatch := map[string]string{"environment_id": "env-other", "message": "x"}
	if rec := srv.do(t, http.MethodPost, path, mismatch, map[string]string{headerProvisioner: "s3cret"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBlueprintAndSettingsEndpoints(t *testing.T) {
	srv := newTestServer(t, "")
	bps := decodeBody[[]domain.Blueprint](t, srv.do(t, http.MethodGet, "/blueprints", nil, nil))
	if len(bps) != 3 {
		t.Fatalf("expected 3 blueprints, got %d", len(bps))
	}
	rec := srv.do(t, http.MethodPost, "/blueprints/bp-001/plan", map[string]string{"name": "mesh"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody[struct {
		Plan domain.DeploymentPlan `json:"plan"`
	}](t, rec)
	if out.Plan.Name != "mesh" {
		t.Fatalf("unexpected plan %+v", out.Plan)
	}
	settings := decodeBody[config.Settings](t, srv.do(t, http.MethodGet, "/settings", nil, nil))
	if settings.GenAIModel != "gemini-2.5-flash" || settings.CredentialConfigured {
		t.Fatalf("unexpected settings %+v", settings)
	}
	if rec := srv.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
}

func TestLogStreamReplaysAndFollows(t *testing.T) {
	srv := newTestServer(t, "")
	server := httptest.NewServer(srv.router)
	defer server.Close()

	dep := decodeBody[deployResponse](t, srv.do(t, http.MethodPost, "/deployments", testPlanBody(), nil))
	srv.clock.Advance(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/logs/"+dep.Environment.ID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEntry := func() domain.LogEntry {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var entry domain.LogEntry
				if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &entry); err != nil {
					t.Fatalf("decode entry: %v", err)
				}
				return entry
			}
		}
	}

	first, second := readEntry(), readEntry()
	if first.Message != "Initializing Terraform backend..." || second.Message != "Plan generated. 14 resources to add." {
		t.Fatalf("unexpected backlog %q, %q", first.Message, second.Message)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.router.logs.Hub().Subscribers(dep.Environment.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.clock.Advance(time.Second)
	if live := readEntry(); live.Message != "Provisioning AWS VPC resources..." {
		t.Fatalf("unexpected live entry %q", live.Message)
	}
}

func TestLogsWebsocketFirehose(t *testing.T) {
	srv := newTestServer(t, "")
	server := httptest.NewServer(srv.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.router.logs.Hub().Subscribers(ws.AllEnvironments) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	srv.do(t, http.MethodPost, "/deployments", testPlanBody(), nil)
	srv.clock.Advance(600 * time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var entry domain.LogEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Message != "Initializing Terraform backend..." {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !rl.Allow("k", 2, time.Minute).allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("k", 2, time.Minute).allowed {
		t.Fatalf("third request should be limited")
	}
	now = now.Add(2 * time.Minute)
	if !rl.Allow("k", 2, time.Minute).allowed {
		t.Fatalf("window should have reset")
	}
}

func TestFirehoseKeepsOrderUnderConcurrentAppends(t *testing.T) {
	srv := newTestServer(t, "")
	hub := srv.router.logs.Hub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const writers, perWriter = 8, 25
	seqs := make(chan int64, writers*perWriter)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.router.pumpLogs(ctx, ws.AllEnvironments, 0, func(seq int64, _ []byte) error {
			seqs <- seq
			return nil
		}, nil)
	}()
	waitFor(t, func() bool { return hub.Subscribers(ws.AllEnvironments) > 0 })

	envIDs := []string{"env-prod-001", "env-dev-alpha"}
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := srv.router.logs.Append(context.Background(), domain.LogEntry{
					EnvironmentID: envIDs[(w+i)%len(envIDs)],
					Message:       "writer " + strconv.Itoa(w),
				})
				if err != nil {
					t.Errorf("Append returned error: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	var last int64
	timeout := time.After(5 * time.Second)
	for got := 0; got < writers*perWriter; got++ {
		select {
		case seq := <-seqs:
			if seq <= last {
				t.Fatalf("entry %d arrived after %d", seq, last)
			}
			last = seq
		case <-timeout:
			t.Fatalf("received %d of %d entries", got, writers*perWriter)
		}
	}
	cancel()
	<-done
}

func TestPumpLogsEndsWhenHubCloses(t *testing.T) {
	srv := newTestServer(t, "")
	hub := srv.router.logs.Hub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.router.pumpLogs(context.Background(), "env-prod-001", 0, func(int64, []byte) error { return nil }, nil)
	}()
	waitFor(t, func() bool { return hub.Subscribers("env-prod-001") > 0 })

	hub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream still open after hub close")
	}
}

func TestRateLimitBucketsAreScopedPerRoute(t *testing.T) {
	srv := newTestServer(t, "")
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	first := srv.router.withRateLimit("plan_generate", 1, time.Minute, rateLimitKeyIP, ok)
	second := srv.router.withRateLimit("deploy", 1, time.Minute, rateLimitKeyIP, ok)

	call := func(h http.HandlerFunc) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.7:5000"
		rec := httptest.NewRecorder()
		h(rec, req)
		return rec.Code
	}
	if code := call(first); code != http.StatusOK {
		t.Fatalf("first route: expected 200, got %d", code)
	}
	if code := call(first); code != http.StatusTooManyRequests {
		t.Fatalf("first route: expected 429, got %d", code)
	}
	if code := call(second); code != http.StatusOK {
		t.Fatalf("second route shares a bucket with the first: got %d", code)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
