// Package registry implements the stream registry (spec.md §4.4): a
// streamId -> StreamEntry map plus a typed event bus that fans out
// chunk/stats/completion/error/timeout events to exactly one subscriber per
// stream, replacing the duck-typed event bus the teacher's Design Notes
// flag for a systems-language port.
package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// Subscriber receives the events for exactly one stream. All callbacks are
// invoked synchronously from the goroutine that observed the underlying
// transport event, which is what gives per-stream ordering (spec.md §4.4,
// §5): a single transport reads frames off one pipe in order, so chunk
// events dispatched for a given stream arrive at the subscriber in the same
// order they were decoded.
type Subscriber struct {
	OnChunk    func(gwmodel.StreamChunk)
	OnStats    func(gwmodel.StreamStats)
	OnTerminal func(status gwmodel.StreamStatus, err *gwerrors.Error)
}

// CleanupSink receives a closure event once a stream reaches a terminal
// state; controller/cleanup.Scheduler implements this to decouple registry
// from cleanup without an import cycle.
type CleanupSink interface {
	Schedule(streamID gwmodel.StreamID, reason string)
}

// RegisterOptions parameterizes Register.
type RegisterOptions struct {
	Signal     <-chan struct{}
	TimeoutMs  int64
	ModelID    string
	TenantID   string
	Subscriber Subscriber
}

type entry struct {
	mu              sync.Mutex
	streamID        gwmodel.StreamID
	modelID         string
	tenantID        string
	status          gwmodel.StreamStatus
	createdAt       time.Time
	firstChunkAt    *time.Time
	lastChunkAt     *time.Time
	tokenCount      int64
	timeoutDeadline *time.Time
	abort           chan struct{}
	abortOnce       sync.Once
	timer           *time.Timer
	sub             Subscriber
}

// Snapshot is a read-only view of one StreamEntry for diagnostics.
type Snapshot struct {
	StreamID   gwmodel.StreamID
	ModelID    string
	TenantID   string
	Status     gwmodel.StreamStatus
	CreatedAt  time.Time
	TokenCount int64
}

// Registry tracks every active generation stream in the process.
type Registry struct {
	mu      sync.RWMutex
	entries map[gwmodel.StreamID]*entry
	log     *log.Entry
	cleanup CleanupSink

	active    prometheus.Gauge
	completed prometheus.Counter
	errored   prometheus.Counter
	timedOut  prometheus.Counter
	cancelled prometheus.Counter
}

// Metrics bundles the optional Prometheus collectors the registry updates.
// Any field may be nil.
type Metrics struct {
	Active    prometheus.Gauge
	Completed prometheus.Counter
	Errored   prometheus.Counter
	TimedOut  prometheus.Counter
	Cancelled prometheus.Counter
}

// New builds an empty Registry. cleanup may be nil in tests that don't care
// about C10 wiring.
func New(cleanup CleanupSink, m Metrics) *Registry {
	return &Registry{
		entries:   make(map[gwmodel.StreamID]*entry),
		log:       log.WithField("component", "stream-registry"),
		cleanup:   cleanup,
		active:    m.Active,
		completed: m.Completed,
		errored:   m.Errored,
		timedOut:  m.TimedOut,
		cancelled: m.Cancelled,
	}
}

// Register creates an active entry for streamID. It fails with AlreadyExists
// if the id is already registered (spec.md §4.4).
func (r *Registry) Register(streamID gwmodel.StreamID, opts RegisterOptions) (*Snapshot, error) {
	r.mu.Lock()
	if _, exists := r.entries[streamID]; exists {
		r.mu.Unlock()
		return nil, gwerrors.New(gwerrors.AlreadyExists, "a stream with this id is already registered")
	}

	e := &entry{
		streamID:  streamID,
		modelID:   opts.ModelID,
		tenantID:  opts.TenantID,
		status:    gwmodel.StreamActive,
		createdAt: time.Now(),
		abort:     make(chan struct{}),
		sub:       opts.Subscriber,
	}
	if opts.TimeoutMs > 0 {
		deadline := e.createdAt.Add(time.Duration(opts.TimeoutMs) * time.Millisecond)
		e.timeoutDeadline = &deadline
		e.timer = time.AfterFunc(time.Duration(opts.TimeoutMs)*time.Millisecond, func() {
			r.OnTimeout(streamID)
		})
	}
	r.entries[streamID] = e
	r.mu.Unlock()

	if r.active != nil {
		r.active.Inc()
	}

	if opts.Signal != nil {
		go func() {
			select {
			case <-opts.Signal:
				r.cancelInternal(streamID, "caller signal")
			case <-e.abort:
			}
		}()
	}

	return r.snapshotLocked(e), nil
}

func (r *Registry) get(streamID gwmodel.StreamID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[streamID]
}

// OnChunk dispatches a token event, implementing transport.NotificationHandler.
// Events after terminal status are dropped silently (spec.md §4.4).
func (r *Registry) OnChunk(chunk gwmodel.StreamChunk) {
	e := r.get(chunk.StreamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	if e.firstChunkAt == nil {
		e.firstChunkAt = &now
	}
	e.lastChunkAt = &now
	e.tokenCount++
	sub := e.sub
	e.mu.Unlock()

	if sub.OnChunk != nil {
		sub.OnChunk(chunk)
	}
}

// OnStats dispatches a stats event. Per spec.md §4.4 this does not itself
// set terminal status (only completion/error/timeout do).
func (r *Registry) OnStats(stats gwmodel.StreamStats) {
	e := r.get(stats.StreamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	terminal := e.status.Terminal()
	sub := e.sub
	e.mu.Unlock()
	if terminal {
		return
	}
	if sub.OnStats != nil {
		sub.OnStats(stats)
	}
}

// OnEvent dispatches a worker stream.event notification: start is ignored,
// completed/cancelled transition to terminal.
func (r *Registry) OnEvent(streamID gwmodel.StreamID, eventName string) {
	switch eventName {
	case "completed":
		r.terminate(streamID, gwmodel.StreamCompleted, nil, "completed")
	case "cancelled":
		r.terminate(streamID, gwmodel.StreamCancelled, nil, "worker cancelled")
	case "start":
		// informational only; no state transition.
	default:
		r.log.WithField("event", eventName).Warn("unrecognized stream event")
	}
}

// OnError dispatches a worker-reported generation error.
func (r *Registry) OnError(streamID gwmodel.StreamID, message string) {
	r.terminate(streamID, gwmodel.StreamErrored, gwerrors.New(gwerrors.GenerationError, message), "error")
}

// OnTimeout synthesizes or relays a timeout terminal transition (spec.md
// §4.4: "if no completion event arrives by timeoutDeadline, the registry
// synthesizes a timeout event").
func (r *Registry) OnTimeout(streamID gwmodel.StreamID) {
	r.terminate(streamID, gwmodel.StreamTimedOut, gwerrors.New(gwerrors.Timeout, "the stream exceeded its deadline"), "timeout")
}

// Cancel transitions an active stream to cancelled; idempotent (spec.md
// §4.4, §8).
func (r *Registry) Cancel(streamID gwmodel.StreamID) {
	r.cancelInternal(streamID, "caller cancel")
}

func (r *Registry) cancelInternal(streamID gwmodel.StreamID, reason string) {
	r.terminate(streamID, gwmodel.StreamCancelled, gwerrors.New(gwerrors.Cancelled, "the caller cancelled the stream"), reason)
}

func (r *Registry) terminate(streamID gwmodel.StreamID, status gwmodel.StreamStatus, err *gwerrors.Error, reason string) {
	e := r.get(streamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.status = status
	sub := e.sub
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	e.abortOnce.Do(func() { close(e.abort) })

	if r.active != nil {
		r.active.Dec()
	}
	r.bumpTerminalMetric(status)

	if sub.OnTerminal != nil {
		sub.OnTerminal(status, err)
	}
	if r.cleanup != nil {
		r.cleanup.Schedule(streamID, reason)
	}
}

func (r *Registry) bumpTerminalMetric(status gwmodel.StreamStatus) {
	switch status {
	case gwmodel.StreamCompleted:
		if r.completed != nil {
			r.completed.Inc()
		}
	case gwmodel.StreamErrored:
		if r.errored != nil {
			r.errored.Inc()
		}
	case gwmodel.StreamTimedOut:
		if r.timedOut != nil {
			r.timedOut.Inc()
		}
	case gwmodel.StreamCancelled:
		if r.cancelled != nil {
			r.cancelled.Inc()
		}
	}
}

// IsActive reports whether streamID is registered and not yet terminal.
func (r *Registry) IsActive(streamID gwmodel.StreamID) bool {
	e := r.get(streamID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.status.Terminal()
}

// Forget removes a terminal entry from the map; called by C10 once its
// closure event has been processed, so StreamEntry ownership transfers from
// the registry to the cleanup queue exactly as spec.md §3's ownership
// summary describes.
func (r *Registry) Forget(streamID gwmodel.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, streamID)
}

func (r *Registry) snapshotLocked(e *entry) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Snapshot{
		StreamID:   e.streamID,
		ModelID:    e.modelID,
		TenantID:   e.tenantID,
		Status:     e.status,
		CreatedAt:  e.createdAt,
		TokenCount: e.tokenCount,
	}
}

// AggregateMetrics is a coarse snapshot across all tracked streams.
type AggregateMetrics struct {
	TrackedStreams int
	ActiveStreams  int
}

// GetAggregateMetrics walks the registry map once, computing a cheap
// summary for engine.GetStats.
func (r *Registry) GetAggregateMetrics() AggregateMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := AggregateMetrics{TrackedStreams: len(r.entries)}
	for _, e := range r.entries {
		e.mu.Lock()
		if !e.status.Terminal() {
			m.ActiveStreams++
		}
		e.mu.Unlock()
	}
	return m
}
