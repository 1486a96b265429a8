// Package worker implements the worker supervisor (spec.md §4.3): it spawns
// one OS process per worker slot, performs a readiness handshake over the
// process's stdio pipe, polls heartbeats, and restarts failed workers with
// backoff up to a per-worker retry budget. Grounded on the teacher's
// controller/k8s/watcher.go retry-until-ready loop and the healthcheck
// package's check-list-with-retry shape.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/defai-digital/mlx-serving-sub005/controller/transport"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// Status mirrors gwmodel.WorkerStatus; re-exported here for callers that
// only import controller/worker.
type Status = gwmodel.WorkerStatus

// Spawner creates the underlying transport for one worker slot. Production
// code uses ProcessSpawner; tests substitute an in-memory pipe pair.
type Spawner interface {
	Spawn(ctx context.Context, id string) (io.ReadWriteCloser, error)
}

// ProcessSpawner launches the worker binary as a child process, wiring its
// stdin/stdout together into a single io.ReadWriteCloser.
type ProcessSpawner struct {
	Command string
	Args    []string
}

type stdioPipe struct {
	io.Reader
	io.Writer
	cmd *exec.Cmd
}

func (p *stdioPipe) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// Spawn starts a new worker process with id passed as its last argument.
func (s *ProcessSpawner) Spawn(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	cmd := exec.CommandContext(ctx, s.Command, append(append([]string{}, s.Args...), id)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, gwerrors.Wrap(err, "open worker stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, gwerrors.Wrap(err, "open worker stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, gwerrors.Wrap(err, "start worker process")
	}
	return &stdioPipe{Reader: stdout, Writer: stdin, cmd: cmd}, nil
}

// Handle is one supervised worker (spec.md §3 WorkerHandle).
type Handle struct {
	mu              sync.Mutex
	ID              string
	Transport       transport.Transport
	status          Status
	activeRequests  int64
	totalRequests   int64
	lastHeartbeatAt time.Time
	startedAt       time.Time
	restarts        int
	skills          []string
	backoff         transport.Backoff
}

// NewHandle builds a Handle directly, bypassing the spawn/handshake flow.
// Used by controller/router's tests, which need worker handles with
// controlled status and skills but no live transport.
func NewHandle(id string, status Status, skills []string) *Handle {
	return &Handle{ID: id, status: status, skills: skills, startedAt: time.Now()}
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// ActiveRequests is clamped to never go negative (spec.md §3: a stray
// decrement below zero is a bug, not a valid state).
func (h *Handle) ActiveRequests() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeRequests
}

// IncActive increments the active-request count and reports whether this
// was the 0->1 transition, the point at which a caller should mark the
// worker busy (spec.md §4.8 markWorkerBusy).
func (h *Handle) IncActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeRequests++
	h.totalRequests++
	return h.activeRequests == 1
}

// DecActive decrements the active-request count and reports whether this
// was the 1->0 transition, the point at which a caller should mark the
// worker idle again (spec.md §4.8 markWorkerIdle).
func (h *Handle) DecActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeRequests > 0 {
		h.activeRequests--
	}
	return h.activeRequests == 0
}

// MarkBusy transitions the worker to busy, unless it has already failed
// (spec.md §3: status ∈ {starting, idle, busy, failed}).
func (h *Handle) MarkBusy() {
	h.mu.Lock()
	if h.status != gwmodel.WorkerFailed {
		h.status = gwmodel.WorkerBusy
	}
	h.mu.Unlock()
}

// MarkIdle transitions the worker back to idle, unless it has already
// failed.
func (h *Handle) MarkIdle() {
	h.mu.Lock()
	if h.status != gwmodel.WorkerFailed {
		h.status = gwmodel.WorkerIdle
	}
	h.mu.Unlock()
}

// MarkFailed transitions the worker to failed, which excludes it from
// routing until a restart brings it back to idle.
func (h *Handle) MarkFailed() {
	h.setStatus(gwmodel.WorkerFailed)
}

func (h *Handle) Skills() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skills
}

func (h *Handle) touchHeartbeat(m transport.WorkerMetrics) {
	h.mu.Lock()
	h.lastHeartbeatAt = time.Now()
	h.activeRequests = m.ActiveRequests
	h.totalRequests = m.TotalRequests
	h.mu.Unlock()
}

// Options configures the Supervisor.
type Options struct {
	Count             int
	Spawner           Spawner
	MaxFrameSize      int
	ReadyTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxRestarts       int
	Backoff           transport.Backoff
	NotificationBy    func(workerID string) transport.NotificationHandler
}

func (o *Options) setDefaults() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.Backoff.Steps == 0 {
		o.Backoff = transport.Backoff{Duration: 200 * time.Millisecond, Factor: 2.0, Jitter: 0.2, Steps: 6, Cap: 10 * time.Second}
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 16 << 20
	}
}

// Supervisor owns the pool of worker processes (spec.md §4.3).
type Supervisor struct {
	opts    Options
	log     *log.Entry
	mu      sync.RWMutex
	workers map[string]*Handle
	stopCh  chan struct{}
	stopped bool
}

// New constructs a Supervisor without starting any worker.
func New(opts Options) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		opts:    opts,
		log:     log.WithField("component", "worker-supervisor"),
		workers: make(map[string]*Handle),
		stopCh:  make(chan struct{}),
	}
}

// Start launches Options.Count workers in parallel and waits for every one
// to finish its first spawn and readiness handshake. A worker whose first
// attempt fails is marked failed without a restart, and Start returns that
// error.
func (s *Supervisor) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Count; i++ {
		id := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return s.launchAndSupervise(ctx, id)
		})
	}
	return g.Wait()
}

func (s *Supervisor) launchAndSupervise(ctx context.Context, id string) error {
	h := &Handle{ID: id, status: gwmodel.WorkerStarting, startedAt: time.Now(), backoff: s.opts.Backoff}
	s.mu.Lock()
	s.workers[id] = h
	s.mu.Unlock()

	if err := s.spawnOnce(ctx, h); err != nil {
		h.setStatus(gwmodel.WorkerFailed)
		return err
	}

	go s.heartbeatLoop(h)
	return nil
}

func (s *Supervisor) spawnOnce(ctx context.Context, h *Handle) error {
	conn, err := s.opts.Spawner.Spawn(ctx, h.ID)
	if err != nil {
		return gwerrors.New(gwerrors.WorkerUnavailable, "failed to start worker process")
	}
	t := transport.NewPipeTransport(conn, s.opts.MaxFrameSize)
	if s.opts.NotificationBy != nil {
		t.SetNotificationHandler(s.opts.NotificationBy(h.ID))
	}
	t.SetState(transport.StateConnecting)

	readyCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	raw, err := t.Request(readyCtx, "runtime/info", nil, transport.RequestOptions{})
	if err != nil {
		_ = t.Close()
		return gwerrors.New(gwerrors.WorkerUnavailable, "worker did not become ready in time")
	}
	var info transport.RuntimeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		_ = t.Close()
		return gwerrors.New(gwerrors.WorkerUnavailable, "worker sent a malformed readiness response")
	}

	t.SetState(transport.StateReady)
	h.mu.Lock()
	h.Transport = t
	h.status = gwmodel.WorkerIdle
	h.skills = info.Capabilities
	h.lastHeartbeatAt = time.Now()
	h.backoff = s.opts.Backoff
	h.mu.Unlock()

	s.log.WithField("worker", h.ID).Info("worker ready")
	return nil
}

func (s *Supervisor) heartbeatLoop(h *Handle) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.HeartbeatTimeout)
			raw, err := h.Transport.Request(ctx, "get_worker_metrics", nil, transport.RequestOptions{})
			cancel()
			if err != nil {
				s.onHeartbeatFailure(h)
				continue
			}
			var m transport.WorkerMetrics
			if json.Unmarshal(raw, &m) == nil {
				h.touchHeartbeat(m)
			}
		}
	}
}

func (s *Supervisor) onHeartbeatFailure(h *Handle) {
	s.log.WithField("worker", h.ID).Warn("heartbeat failed; restarting worker")
	h.setStatus(gwmodel.WorkerFailed)
	_ = h.Transport.Close()

	h.mu.Lock()
	h.restarts++
	restarts := h.restarts
	h.mu.Unlock()

	if restarts > s.opts.MaxRestarts {
		s.log.WithField("worker", h.ID).Error("worker exceeded restart budget; leaving it failed")
		return
	}

	h.mu.Lock()
	delay := h.backoff.Step()
	h.mu.Unlock()
	select {
	case <-s.stopCh:
		return
	case <-time.After(delay):
	}

	ctx := context.Background()
	if err := s.spawnOnce(ctx, h); err != nil {
		s.log.WithField("worker", h.ID).WithError(err).Warn("restart attempt failed")
		go s.onHeartbeatFailure(h)
		return
	}
	go s.heartbeatLoop(h)
}

// Get returns the handle for a worker id, or nil.
func (s *Supervisor) Get(id string) *Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[id]
}

// All returns a snapshot slice of every known worker handle.
func (s *Supervisor) All() []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Handle, 0, len(s.workers))
	for _, h := range s.workers {
		out = append(out, h)
	}
	return out
}

// Shutdown gracefully drains then force-closes every worker transport,
// aggregating any close errors (spec.md §4.3: shutdown must not abandon a
// worker that fails to drain cleanly).
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	handles := make([]*Handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var merr *multierror.Error
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if h.Transport == nil {
				return nil
			}
			h.Transport.Drain()
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			if err := h.Transport.Close(); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("worker %s: %w", h.ID, err))
				mu.Unlock()
			}
			h.setStatus(gwmodel.WorkerFailed)
			return nil
		})
	}
	_ = g.Wait()
	if merr != nil {
		return merr.ErrorOrNil()
	}
	return nil
}
