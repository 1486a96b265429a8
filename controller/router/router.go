// Package router implements worker selection (spec.md §4.8): sticky-session
// affinity backed by a TTL cache, falling back to round-robin or
// least-busy selection among idle or busy workers that advertise the requested
// skill. Grounded on the teacher's endpoint balancer idiom in
// controller/api/destination, using patrickmn/go-cache for the sticky map
// the way the rest of the retrieved corpus uses it for short-TTL affinity.
package router

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/defai-digital/mlx-serving-sub005/controller/worker"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

func routable(status gwmodel.WorkerStatus) bool {
	return status == gwmodel.WorkerIdle || status == gwmodel.WorkerBusy
}

// Policy selects among round-robin and least-busy worker selection.
type Policy string

const (
	PolicyRoundRobin Policy = "round_robin"
	PolicyLeastBusy  Policy = "least_busy"
)

// Options configures the Router.
type Options struct {
	Policy      Policy
	StickyTTL   time.Duration
	SweepPeriod time.Duration
}

func (o *Options) setDefaults() {
	if o.Policy == "" {
		o.Policy = PolicyLeastBusy
	}
	if o.StickyTTL <= 0 {
		o.StickyTTL = 2 * time.Minute
	}
	if o.SweepPeriod <= 0 {
		o.SweepPeriod = 30 * time.Second
	}
}

// Router picks a worker.Handle for each routing request.
type Router struct {
	opts    Options
	log     *log.Entry
	sticky  *cache.Cache
	mu      sync.RWMutex
	workers map[string]*worker.Handle
	rrNext  int
}

// New builds a Router. Sticky sessions expire StickyTTL after they were
// last set by Route; a sticky hit does not extend them.
func New(opts Options) *Router {
	opts.setDefaults()
	return &Router{
		opts:    opts,
		log:     log.WithField("component", "worker-router"),
		sticky:  cache.New(opts.StickyTTL, opts.SweepPeriod),
		workers: make(map[string]*worker.Handle),
	}
}

// RegisterWorker adds a worker to the routing pool.
func (r *Router) RegisterWorker(h *worker.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[h.ID] = h
}

// UnregisterWorker removes a worker and evicts every sticky session pointing
// at it, so a later route never resolves to a worker that no longer exists
// (spec.md §4.8).
func (r *Router) UnregisterWorker(id string) {
	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()
	r.evictStickyFor(id)
}

// MarkWorkerFailed marks the worker failed, which excludes it from routing,
// and evicts its sticky sessions. The worker stays registered.
func (r *Router) MarkWorkerFailed(id string) {
	r.mu.RLock()
	h, ok := r.workers[id]
	r.mu.RUnlock()
	if ok {
		h.MarkFailed()
	}
	r.evictStickyFor(id)
}

// MarkWorkerBusy transitions a worker to busy (spec.md §4.8 markWorkerBusy).
// Callers signal this on the 0->1 active-request transition, not on every
// dispatch, so a worker already handling a request stays busy.
func (r *Router) MarkWorkerBusy(id string) {
	r.mu.RLock()
	h, ok := r.workers[id]
	r.mu.RUnlock()
	if ok {
		h.MarkBusy()
	}
}

// MarkWorkerIdle transitions a worker back to idle (spec.md §4.8
// markWorkerIdle). Callers signal this on the 1->0 active-request
// transition.
func (r *Router) MarkWorkerIdle(id string) {
	r.mu.RLock()
	h, ok := r.workers[id]
	r.mu.RUnlock()
	if ok {
		h.MarkIdle()
	}
}

func (r *Router) evictStickyFor(workerID string) {
	for key, item := range r.sticky.Items() {
		if wid, ok := item.Object.(string); ok && wid == workerID {
			r.sticky.Delete(key)
		}
	}
}

// RouteOptions customizes one Route call.
type RouteOptions struct {
	StickyKey      string // typically a session/tenant id; empty disables stickiness
	RequiredSkills []string
}

// Route selects a worker for one request (spec.md §4.8): sticky hit first,
// then filter by status/skills, then the configured selection policy.
func (r *Router) Route(opts RouteOptions) (*worker.Handle, error) {
	if opts.StickyKey != "" {
		if h := r.stickyHit(opts.StickyKey, opts.RequiredSkills); h != nil {
			return h, nil
		}
	}

	candidates := r.eligible(opts.RequiredSkills)
	if len(candidates) == 0 {
		return nil, gwerrors.New(gwerrors.WorkerUnavailable, "no eligible worker is available")
	}

	var chosen *worker.Handle
	switch r.opts.Policy {
	case PolicyRoundRobin:
		chosen = r.pickRoundRobin(candidates)
	default:
		chosen = r.pickLeastBusy(candidates)
	}

	if opts.StickyKey != "" {
		r.sticky.SetDefault(opts.StickyKey, chosen.ID)
	}
	return chosen, nil
}

func (r *Router) stickyHit(key string, requiredSkills []string) *worker.Handle {
	v, ok := r.sticky.Get(key)
	if !ok {
		return nil
	}
	workerID, _ := v.(string)
	r.mu.RLock()
	h, exists := r.workers[workerID]
	r.mu.RUnlock()
	if !exists || !routable(h.Status()) {
		r.sticky.Delete(key)
		return nil
	}
	if !hasSkills(h.Skills(), requiredSkills) {
		return nil
	}
	return h
}

func (r *Router) eligible(requiredSkills []string) []*worker.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*worker.Handle, 0, len(r.workers))
	for _, h := range r.workers {
		if !routable(h.Status()) {
			continue
		}
		if !hasSkills(h.Skills(), requiredSkills) {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasSkills(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func (r *Router) pickRoundRobin(candidates []*worker.Handle) *worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rrNext = (r.rrNext + 1) % len(candidates)
	return candidates[r.rrNext]
}

func (r *Router) pickLeastBusy(candidates []*worker.Handle) *worker.Handle {
	best := candidates[0]
	for _, h := range candidates[1:] {
		if h.ActiveRequests() < best.ActiveRequests() {
			best = h
		}
	}
	return best
}
