// Package pool implements the bounded object/queue pool (spec.md §4.11): a
// fixed-size set of reusable per-generation queues, released through a
// linear handle so double-release is detected rather than corrupting the
// pool (Design Note "Pool with sentinel release").
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
)

// Item is anything the pool can hand out; Reset restores it to a fresh,
// reusable state before it goes back on the free list.
type Item interface {
	Reset()
}

// Handle is a one-time-use ticket for an acquired Item. Release is
// idempotent-safe: a second call is detected and logged, never corrupting
// the pool (Design Note "Pool with sentinel release").
type Handle struct {
	item     Item
	pool     *Pool
	released atomic.Bool
}

// Item returns the underlying pooled object. Valid until Release.
func (h *Handle) Item() Item { return h.item }

// Release returns the item to the pool exactly once. Subsequent calls are
// no-ops that log a programmer-error warning (spec.md §4.11).
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		log.WithField("component", "object-pool").Warn("double release of pool handle detected; ignoring")
		return
	}
	h.pool.release(h.item)
}

// Pool is a bounded set of pre-allocated, reusable Items.
type Pool struct {
	mu        sync.Mutex
	free      []Item
	newItem   func() Item
	capacity  int
	outCount  int
	exhausted prometheus.Counter
}

// New builds a Pool of the given capacity, pre-allocating via newItem.
func New(capacity int, newItem func() Item, exhausted prometheus.Counter) *Pool {
	p := &Pool{newItem: newItem, capacity: capacity, exhausted: exhausted}
	p.free = make([]Item, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, newItem())
	}
	return p
}

// Acquire returns a Handle for an idle instance, or a ResourceExhausted
// error when the pool has no free items and is at capacity (spec.md §4.11:
// "callers must receive a ResourceExhausted error rather than silently
// allocating").
func (p *Pool) Acquire() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if p.exhausted != nil {
			p.exhausted.Inc()
		}
		return nil, gwerrors.New(gwerrors.ResourceExhausted, "no free queue is available in the pool")
	}
	last := len(p.free) - 1
	item := p.free[last]
	p.free = p.free[:last]
	p.outCount++
	return &Handle{item: item, pool: p}, nil
}

func (p *Pool) release(item Item) {
	item.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outCount--
	if len(p.free) < p.capacity {
		p.free = append(p.free, item)
	}
}

// Stats reports the pool's current utilization, useful for getStats().
type Stats struct {
	Capacity int
	Free     int
	Out      int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Capacity: p.capacity, Free: len(p.free), Out: p.outCount}
}
