package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/service/logs"
	"github.com/regainflow/console/internal/ws"
)

var errSlowConsumer = errors.New("stream consumer too slow")

// queueSubscriber buffers hub payloads so a slow peer never stalls the hub.
type queueSubscriber struct {
	ch     chan []byte
	once   sync.Once
	closed chan struct{}
}

func newQueueSubscriber(size int) *queueSubscriber {
	return &queueSubscriber{ch: make(chan []byte, size), closed: make(chan struct{})}
}

func (q *queueSubscriber) Send(payload []byte) error {
	select {
	case <-q.closed:
		return io.EOF
	default:
	}
	select {
	case q.ch <- payload:
		return nil
	default:
		return errSlowConsumer
	}
}

func (q *queueSubscriber) Close() {
	q.once.Do(func() { close(q.closed) })
}

// pumpLogs replays the stored entries after `after`, then forwards live entries in
// sequence order until ctx ends or the hub drops the subscriber.
func (r *Router) pumpLogs(ctx context.Context, envKey string, after int64, send func(seq int64, payload []byte) error, heartbeat func() error) {
	hub := r.logs.Hub()
	queue := newQueueSubscriber(streamQueueSize)
	hub.Register(envKey, queue)
	defer hub.Unregister(envKey, queue)

	var (
		backlog []domain.LogEntry
		err     error
	)
	if envKey == ws.AllEnvironments {
		backlog, err = r.logs.SnapshotAll(ctx, after)
	} else {
		backlog, err = r.logs.Snapshot(ctx, envKey, after)
	}
	if err != nil {
		r.logger.Warn("failed to load log backlog", "environment_id", envKey, "error", err)
		return
	}
	last := after
	for _, entry := range backlog {
		payload, err := logs.MarshalEntry(entry)
		if err != nil {
			continue
		}
		if err := send(entry.Seq, payload); err != nil {
			return
		}
		last = entry.Seq
	}

	var tick <-chan time.Time
	if heartbeat != nil && r.heartbeat > 0 {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.closed:
			return
		case payload := <-queue.ch:
			var head struct {
				Seq int64 `json:"seq"`
			}
			if err := json.Unmarshal(payload, &head); err != nil || head.Seq <= last {
				continue
			}
			if err := send(head.Seq, payload); err != nil {
				return
			}
			last = head.Seq
		case <-tick:
			if err := heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request, envID string) {
	if r.logs.Hub() == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if _, err := r.envs.FindByID(req.Context(), envID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "log", r.logger)
	defer client.Close()
	defer r.trackStream("sse")()
	r.pumpLogs(req.Context(), envID, afterSeq(req), func(seq int64, payload []byte) error {
		return client.SendWithID(strconv.FormatInt(seq, 10), payload)
	}, client.Heartbeat)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.logs.Hub() == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	envID := strings.TrimSpace(req.URL.Query().Get("environment_id"))
	if envID == "" {
		envID = ws.AllEnvironments
	}
	if envID != ws.AllEnvironments {
		if _, err := r.envs.FindByID(req.Context(), envID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
	}
	after := afterSeq(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		client.Drain()
		cancel()
	}()
	done := r.trackStream("websocket")
	go func() {
		defer func() {
			cancel()
			client.Close()
			done()
		}()
		r.pumpLogs(ctx, envID, after, func(_ int64, payload []byte) error {
			return client.Send(payload)
		}, client.Ping)
	}()
}
