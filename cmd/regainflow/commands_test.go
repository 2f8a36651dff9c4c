package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/regainflow/console/internal/domain"
)

func runCLI(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	defer srv.Close()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--api", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestEnvsPrintsJSONWhenNotATerminal(t *testing.T) {
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"env-prod-001","name":"Production Cluster","status":"ACTIVE","deploying":false}]`))
	}, "envs")
	if err != nil {
		t.Fatalf("envs: %v", err)
	}
	var envs []map[string]any
	if err := json.Unmarshal([]byte(out), &envs); err != nil {
		t.Fatalf("expected JSON output, got %q", out)
	}
	if len(envs) != 1 || envs[0]["id"] != "env-prod-001" {
		t.Fatalf("unexpected output %v", envs)
	}
}

func TestLogsTextOutput(t *testing.T) {
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logs/env-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"seq":1,"level":"INFO","source":"Terraform","message":"Initializing Terraform backend..."}]`))
	}, "logs", "env-1", "-o", "text")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "[INFO] Terraform") || !strings.Contains(out, "Initializing Terraform backend...") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDeployFromStaticFlags(t *testing.T) {
	var deployed map[string]json.RawMessage
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plans/static":
			_, _ = w.Write([]byte(`{"plan":{"name":"edge","summary":"s","infrastructure":["a"],"configuration":["b"]},"source":"static"}`))
		case "/deployments":
			if err := json.NewDecoder(r.Body).Decode(&deployed); err != nil {
				t.Errorf("decode: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"environment":{"id":"env-abc123","name":"edge","status":"PROVISIONING"},"run":{"id":"r1"},"source":"static"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}, "deploy", "--name", "edge", "--region", "eu-west-1", "-o", "text")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, ok := deployed["plan"]; !ok {
		t.Fatalf("expected plan in deploy request, got %v", deployed)
	}
	if string(deployed["region"]) != `"eu-west-1"` {
		t.Fatalf("expected region override, got %s", deployed["region"])
	}
	if !strings.Contains(out, "deployment started: env-abc123") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDeployRequiresAPlanSource(t *testing.T) {
	_, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s", r.URL.Path)
	}, "deploy")
	if err == nil || !strings.Contains(err.Error(), "--name, --prompt or --blueprint") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCancelWithoutRunningDeployment(t *testing.T) {
	_, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no active deployment"}`))
	}, "cancel", "env-1")
	if err == nil || err.Error() != "env-1 has no running deployment" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestFollowStopsAtTerminalEntry(t *testing.T) {
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		entries := []domain.LogEntry{
			{Seq: 1, Level: domain.LevelInfo, Message: "Ansible inventory updated."},
			{Seq: 2, Level: domain.LevelSuccess, Message: "Environment configuration complete."},
		}
		for _, entry := range entries {
			data, _ := json.Marshal(entry)
			_, _ = w.Write([]byte("event: log\ndata: " + string(data) + "\n\n"))
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, "logs", "env-1", "--follow", "-o", "text")
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if strings.Count(out, "\n") != 2 || !strings.Contains(out, "[SUCCESS]") {
		t.Fatalf("unexpected output %q", out)
	}
}
