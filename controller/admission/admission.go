// Package admission implements the adaptive admission governor (spec.md
// §4.9): a PID control loop over recent time-to-first-token and utilization
// samples recommends admit/queue/reject/safe-mode, backed by per-tenant
// token-bucket budgets and a hard concurrency ceiling independent of any
// bucket's burst allowance. Grounded on the teacher's healthcheck
// retry/backoff idiom for the control loop's period, using
// golang.org/x/time/rate for the budgets and golang.org/x/sync/semaphore for
// the ceiling the way the rest of the retrieved corpus wires both libraries.
package admission

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Recommendation is the governor's verdict for one incoming request.
type Recommendation string

const (
	Admit    Recommendation = "admit"
	Queue    Recommendation = "queue"
	Reject   Recommendation = "reject"
	SafeMode Recommendation = "safe_mode"
)

// Sample is one observed outcome fed into the control loop. Per spec.md
// §4.9 the governor's signals are measured time-to-first-token and current
// utilization (active / currentLimit), not an error rate.
type Sample struct {
	TTFTMs      float64
	Utilization float64
}

// PIDConfig parameterizes the proportional-integral-derivative control law.
// The control law is baseline-relative: each tick recomputes the limit from
// a fixed BaseLimit minus the PID output, rather than compounding off the
// previous tick's own output (spec.md §4.9: "currentLimit ← clamp(baseLimit
// − output, minConcurrent, maxConcurrent)").
type PIDConfig struct {
	TargetTTFTMs   float64
	BaseLimit      int
	Kp, Ki, Kd     float64
	IntegralClamp  float64 // anti-windup bound on the accumulated integral term
	MinConcurrency int
	MaxConcurrency int
}

// BudgetConfig parameterizes a per-tenant token bucket pair. Past HardLimit
// but within BurstLimit a request queues; past BurstLimit it is rejected.
type BudgetConfig struct {
	HardLimit  float64 // steady-state requests per second; beyond this, queue
	BurstLimit int     // hard outer bound; beyond this, reject
	DecayMs    int64
}

// Options configures the Governor.
type Options struct {
	PID             PIDConfig
	Budget          BudgetConfig
	HardConcurrency int64
	SampleInterval  time.Duration
	Bypass          bool // always admits, but still records samples for observability

	// SafeModeConsecutiveSamples is how many consecutive samples must report
	// utilization over 100% (or TTFT over 2x target) before safe-mode
	// engages (spec.md §4.9).
	SafeModeConsecutiveSamples int
}

func (o *Options) setDefaults() {
	if o.PID.TargetTTFTMs <= 0 {
		o.PID.TargetTTFTMs = 250
	}
	if o.PID.Kp == 0 {
		o.PID.Kp = 0.6
	}
	if o.PID.Ki == 0 {
		o.PID.Ki = 0.1
	}
	if o.PID.Kd == 0 {
		o.PID.Kd = 0.05
	}
	if o.PID.IntegralClamp <= 0 {
		o.PID.IntegralClamp = 100
	}
	if o.PID.MinConcurrency <= 0 {
		o.PID.MinConcurrency = 1
	}
	if o.PID.MaxConcurrency <= 0 {
		o.PID.MaxConcurrency = 64
	}
	if o.PID.BaseLimit <= 0 {
		o.PID.BaseLimit = o.PID.MaxConcurrency
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = 1 * time.Second
	}
	if o.HardConcurrency <= 0 {
		o.HardConcurrency = int64(o.PID.MaxConcurrency)
	}
	if o.SafeModeConsecutiveSamples <= 0 {
		o.SafeModeConsecutiveSamples = 3
	}
	if o.Budget.HardLimit <= 0 {
		o.Budget.HardLimit = 100
	}
	if o.Budget.BurstLimit <= 0 {
		o.Budget.BurstLimit = 50
	}
	if o.Budget.DecayMs <= 0 {
		o.Budget.DecayMs = 1000
	}
}

// ConcurrencyLimiter is implemented by controller/scheduler.Scheduler; the
// governor calls SetMaxConcurrent to shrink or restore the scheduler's
// admitted concurrency as the PID loop output moves (spec.md §4.9).
type ConcurrencyLimiter interface {
	SetMaxConcurrent(n int)
}

// Governor is the adaptive admission controller.
type Governor struct {
	opts Options
	log  *log.Entry

	mu             sync.Mutex
	integral       float64
	prevError      float64
	prevSampled    time.Time
	safeMode       bool
	overUtilStreak int
	overTTFTStreak int
	recent         []Sample
	lastTarget     int
	target         ConcurrencyLimiter

	sem     *semaphore.Weighted
	budgets sync.Map // tenantID -> *tenantBudget

	stopCh chan struct{}
}

// tenantBudget is the two-bucket implementation of spec.md §4.9's per-tenant
// budget: admitter's burst is the steady-state HardLimit (exceeding it moves
// a request into the queue zone), queuer's burst is the outer BurstLimit
// (exceeding that rejects). Both refill at the same decaying rate, so the
// queue zone exists exactly when BurstLimit > HardLimit.
type tenantBudget struct {
	admitter *rate.Limiter
	queuer   *rate.Limiter
}

// New builds a Governor. target may be nil in tests that only exercise the
// admission decision, not scheduler wiring.
func New(opts Options, target ConcurrencyLimiter) *Governor {
	opts.setDefaults()
	return &Governor{
		opts:   opts,
		log:    log.WithField("component", "admission-governor"),
		target: target,
		sem:    semaphore.NewWeighted(opts.HardConcurrency),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic PID evaluation loop.
func (g *Governor) Start() {
	go g.loop()
}

// Stop halts the PID loop.
func (g *Governor) Stop() {
	close(g.stopCh)
}

func (g *Governor) loop() {
	ticker := time.NewTicker(g.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.evaluate()
		}
	}
}

// RecordSample feeds one completed request's outcome into the control loop
// and updates the consecutive-violation streaks that drive safe-mode entry
// and exit (spec.md §4.9: "utilization exceeds 100% for multiple
// consecutive samples or measured TTFT exceeds 2x target persistently").
// Safe-mode recovers once a single sample satisfies both conditions at
// once, resetting both streaks together.
func (g *Governor) RecordSample(s Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recent = append(g.recent, s)
	if len(g.recent) > 256 {
		g.recent = g.recent[len(g.recent)-256:]
	}

	if s.Utilization > 1.0 {
		g.overUtilStreak++
	} else {
		g.overUtilStreak = 0
	}
	if s.TTFTMs > 2*g.opts.PID.TargetTTFTMs {
		g.overTTFTStreak++
	} else {
		g.overTTFTStreak = 0
	}

	wasSafe := g.safeMode
	threshold := g.opts.SafeModeConsecutiveSamples
	if g.overUtilStreak >= threshold || g.overTTFTStreak >= threshold {
		g.safeMode = true
	} else if g.overUtilStreak == 0 && g.overTTFTStreak == 0 {
		g.safeMode = false
	}
	if g.safeMode && !wasSafe {
		g.log.WithField("utilization", s.Utilization).WithField("ttft_ms", s.TTFTMs).Warn("entering safe mode")
	} else if !g.safeMode && wasSafe {
		g.log.Info("exiting safe mode")
	}
}

// evaluate runs one PID step over the recent sample window and applies the
// resulting concurrency target to the scheduler, with anti-windup clamping
// the integral term and a guard against non-finite output (spec.md §4.9).
func (g *Governor) evaluate() {
	g.mu.Lock()
	samples := g.recent
	g.recent = nil
	now := time.Now()
	dt := now.Sub(g.prevSampled).Seconds()
	g.prevSampled = now
	g.mu.Unlock()

	if dt <= 0 || len(samples) == 0 {
		return
	}

	var sumTTFT float64
	for _, s := range samples {
		sumTTFT += s.TTFTMs
	}
	avgTTFT := sumTTFT / float64(len(samples))

	g.mu.Lock()
	defer g.mu.Unlock()

	controlErr := avgTTFT - g.opts.PID.TargetTTFTMs
	g.integral += controlErr * dt
	if g.integral > g.opts.PID.IntegralClamp {
		g.integral = g.opts.PID.IntegralClamp
	} else if g.integral < -g.opts.PID.IntegralClamp {
		g.integral = -g.opts.PID.IntegralClamp
	}
	derivative := (controlErr - g.prevError) / dt
	g.prevError = controlErr

	output := g.opts.PID.Kp*controlErr + g.opts.PID.Ki*g.integral + g.opts.PID.Kd*derivative
	if math.IsNaN(output) || math.IsInf(output, 0) {
		g.log.Warn("PID output was non-finite; ignoring this step")
		return
	}

	next := g.opts.PID.BaseLimit - int(math.Round(output))
	if next < g.opts.PID.MinConcurrency {
		next = g.opts.PID.MinConcurrency
	}
	if next > g.opts.PID.MaxConcurrency {
		next = g.opts.PID.MaxConcurrency
	}
	if g.safeMode {
		next = g.opts.PID.MinConcurrency
	}

	if g.target != nil {
		g.target.SetMaxConcurrent(next)
	}
	g.lastTarget = next
}

// Decide returns an admission recommendation for one incoming request, and
// acquires one hard-concurrency-ceiling slot when the verdict is Admit. The
// caller must call Release when the request finishes. Bypass always admits
// but still goes through budget bookkeeping so dashboards stay accurate
// (spec.md §4.9).
func (g *Governor) Decide(ctx context.Context, tenantID string) (Recommendation, error) {
	g.mu.Lock()
	safe := g.safeMode
	g.mu.Unlock()

	budget := g.budgetFor(tenantID)
	withinHardLimit := budget.admitter.Allow()
	withinBurstLimit := budget.queuer.Allow() || withinHardLimit

	if g.opts.Bypass {
		return Admit, nil
	}
	if safe {
		return SafeMode, nil
	}
	if !withinBurstLimit {
		return Reject, nil
	}
	if !withinHardLimit {
		return Queue, nil
	}
	if !g.sem.TryAcquire(1) {
		return Queue, nil
	}
	return Admit, nil
}

// Release returns one hard-concurrency-ceiling slot. Call exactly once per
// Admit verdict.
func (g *Governor) Release() {
	g.sem.Release(1)
}

// budgetFor returns (creating if needed) the per-tenant two-bucket budget.
// Both buckets refill at the same rate, derived from HardLimit and DecayMs
// so a tenant's budget regenerates over DecayMs of idle time at HardLimit
// (spec.md §4.9); admitter's burst is HardLimit itself (the steady-state
// zone), queuer's burst is BurstLimit (the queue zone beyond it). The hard
// concurrency ceiling is enforced independently via the semaphore, so a
// tenant cannot buy past the global concurrency cap by accumulating burst.
func (g *Governor) budgetFor(tenantID string) *tenantBudget {
	if v, ok := g.budgets.Load(tenantID); ok {
		return v.(*tenantBudget)
	}
	refill := rate.Limit(g.opts.Budget.HardLimit)
	if g.opts.Budget.DecayMs > 0 {
		refill = rate.Limit(g.opts.Budget.HardLimit * 1000 / float64(g.opts.Budget.DecayMs))
	}
	hardBurst := int(math.Round(g.opts.Budget.HardLimit))
	if hardBurst < 1 {
		hardBurst = 1
	}
	tb := &tenantBudget{
		admitter: rate.NewLimiter(refill, hardBurst),
		queuer:   rate.NewLimiter(refill, g.opts.Budget.BurstLimit),
	}
	actual, _ := g.budgets.LoadOrStore(tenantID, tb)
	return actual.(*tenantBudget)
}
