package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/regainflow/console/pkg/logger"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
	got      chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{got: make(chan struct{}, 16)}
}

func (f *fakeSubscriber) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.payloads = append(f.payloads, string(p))
	f.got <- struct{}{}
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for payload")
	}
}

func TestHubRoutesByEnvironmentAndFirehose(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := newFakeSubscriber()
	b := newFakeSubscriber()
	all := newFakeSubscriber()
	hub.Register("env-a", a)
	hub.Register("env-b", b)
	hub.Register(AllEnvironments, all)

	hub.Broadcast("env-a", []byte("one"))
	a.wait(t)
	all.wait(t)

	hub.Broadcast("env-b", []byte("two"))
	b.wait(t)
	all.wait(t)

	if len(a.payloads) != 1 || a.payloads[0] != "one" {
		t.Fatalf("env-a got %v", a.payloads)
	}
	if len(all.payloads) != 2 {
		t.Fatalf("firehose got %v", all.payloads)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := newFakeSubscriber()
	bad.fail = true
	good := newFakeSubscriber()
	hub.Register("env-a", bad)
	hub.Register("env-a", good)

	hub.Broadcast("env-a", []byte("x"))
	good.wait(t)

	if n := hub.Subscribers("env-a"); n != 1 {
		t.Fatalf("expected failing subscriber removed, have %d", n)
	}
	bad.mu.Lock()
	defer bad.mu.Unlock()
	if !bad.closed {
		t.Fatalf("expected failing subscriber closed")
	}
}

func TestBroadcastAfterCloseDoesNotBlock(t *testing.T) {
	hub := NewHub()
	hub.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Broadcast("env-a", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Broadcast blocked after Close")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "log", logger.Discard())

	if err := client.SendWithID("7", []byte(`{"seq":7}`)); err != nil {
		t.Fatalf("SendWithID returned error: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "id: 7\nevent: log\ndata: {\"seq\":7}\n\n") {
		t.Fatalf("unexpected frame %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("missing heartbeat in %q", body)
	}
	client.Close()
	if err := client.Send([]byte("x")); err == nil {
		t.Fatalf("expected error after Close")
	}
}
