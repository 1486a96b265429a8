// Package cleanup implements the deterministic stream cleanup scheduler
// (spec.md §4.10): closed streams are queued in closedAt order and swept on
// a monotonic cursor that never revisits an entry, so a slow consumer
// cannot cause duplicate cleanup work or stall the queue indefinitely.
package cleanup

import (
	"container/list"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// Event is a scheduled stream closure awaiting cleanup.
type Event struct {
	StreamID gwmodel.StreamID
	ClosedAt time.Time
	Reason   string
}

// Handler performs the actual cleanup side effect (e.g. registry.Forget).
// Panics are recovered and logged so one bad handler invocation cannot wedge
// the sweep loop (spec.md §4.10: "exception-swallowing").
type Handler func(Event)

// Options configures the Scheduler.
type Options struct {
	SweepInterval       time.Duration
	MaxStaleLifetime    time.Duration
	CompactionThreshold float64 // fraction of queue length past which the cursor triggers compaction
}

func (o *Options) setDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 1 * time.Second
	}
	if o.MaxStaleLifetime <= 0 {
		o.MaxStaleLifetime = 5 * time.Minute
	}
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = 0.5
	}
}

// Scheduler is a sorted-by-ClosedAt queue swept on a monotonic cursor.
type Scheduler struct {
	opts    Options
	log     *log.Entry
	handler Handler

	mu     sync.Mutex
	queue  *list.List // of *Event, ascending ClosedAt
	cursor *list.Element

	lagged prometheus.Counter
	swept  prometheus.Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. handler is invoked once per event, exactly once,
// from the sweep goroutine.
func New(opts Options, handler Handler, lagged, swept prometheus.Counter) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		opts:    opts,
		log:     log.WithField("component", "cleanup-scheduler"),
		handler: handler,
		queue:   list.New(),
		lagged:  lagged,
		swept:   swept,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Schedule enqueues a closure event. Append is the common case (O(1)): new
// events almost always close after everything already queued. Out-of-order
// arrival falls back to a reverse linear scan for the correct sorted
// insertion point (O(n) worst case, spec.md §4.10). An event older than the
// sweep cursor is placed just after the cursor, so a later sweep still
// handles it.
func (s *Scheduler) Schedule(streamID gwmodel.StreamID, reason string) {
	s.scheduleAt(streamID, reason, time.Now())
}

func (s *Scheduler) scheduleAt(streamID gwmodel.StreamID, reason string, closedAt time.Time) {
	ev := &Event{StreamID: streamID, ClosedAt: closedAt, Reason: reason}
	s.mu.Lock()
	defer s.mu.Unlock()

	back := s.queue.Back()
	if back == nil || !back.Value.(*Event).ClosedAt.After(ev.ClosedAt) {
		s.queue.PushBack(ev)
		return
	}
	for e := back; e != nil; e = e.Prev() {
		if e == s.cursor || !e.Value.(*Event).ClosedAt.After(ev.ClosedAt) {
			s.queue.InsertAfter(ev, e)
			return
		}
	}
	s.queue.PushFront(ev)
}

// Start launches the periodic sweep goroutine.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	now := time.Now()
	s.mu.Lock()
	cur := s.cursor
	if cur == nil {
		cur = s.queue.Front()
	} else {
		cur = cur.Next()
	}

	var due []*Event
	for cur != nil {
		ev := cur.Value.(*Event)
		age := now.Sub(ev.ClosedAt)
		if age < s.opts.MaxStaleLifetime {
			break
		}
		if age > 2*s.opts.MaxStaleLifetime && s.lagged != nil {
			s.lagged.Inc()
			s.log.WithField("stream", ev.StreamID).Warn("cleanup lag exceeded twice the stale lifetime")
		}
		due = append(due, ev)
		s.cursor = cur
		cur = cur.Next()
	}

	s.maybeCompactLocked()
	s.mu.Unlock()

	for _, ev := range due {
		s.invoke(*ev)
		if s.swept != nil {
			s.swept.Inc()
		}
	}
}

// maybeCompactLocked drops every entry before the cursor once the cursor has
// advanced past half the queue length, bounding memory for a long-lived
// queue with a slow maxStaleLifetime (spec.md §4.10). Must hold s.mu.
func (s *Scheduler) maybeCompactLocked() {
	if s.cursor == nil {
		return
	}
	total := s.queue.Len()
	if total == 0 {
		return
	}
	before := 0
	for e := s.queue.Front(); e != s.cursor && e != nil; e = e.Next() {
		before++
	}
	if float64(before) < float64(total)*s.opts.CompactionThreshold {
		return
	}
	for {
		front := s.queue.Front()
		if front == nil || front == s.cursor {
			break
		}
		s.queue.Remove(front)
	}
}

func (s *Scheduler) invoke(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("stream", ev.StreamID).WithField("panic", r).Error("cleanup handler panicked; swallowed")
		}
	}()
	if s.handler != nil {
		s.handler(ev)
	}
}

// Len reports the current queue length, for diagnostics/tests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}
