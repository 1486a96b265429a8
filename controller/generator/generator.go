// Package generator implements the generator factory (spec.md §4.5): a
// pull-based, cancellable token iterator backed by a bounded per-stream
// queue acquired from controller/pool, wired to controller/registry for
// event delivery and controller/transport for the underlying `generate` RPC.
// Grounded on the teacher's endpoint_stream_dispatcher.go pull-consumer
// idiom, adapted from a push bus to an explicit Next() iterator.
package generator

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/clarketm/json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defai-digital/mlx-serving-sub005/controller/pool"
	"github.com/defai-digital/mlx-serving-sub005/controller/registry"
	"github.com/defai-digital/mlx-serving-sub005/controller/transport"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// Dispatcher issues the `generate` RPC to a specific worker. A
// transport.Transport satisfies this shape; the engine passes the routed
// worker's transport directly.
type Dispatcher interface {
	Request(ctx context.Context, method string, params any, opts transport.RequestOptions) (json.RawMessage, error)
}

// queueItem is the pool.Item backing a generator's bounded event channel.
// Its capacity is fixed at construction; Reset drains any leftover events
// before it is returned to a later generator (spec.md §4.11).
type queueItem struct {
	ch chan queuedEvent
}

type queuedEvent struct {
	chunk *gwmodel.StreamChunk
	stats *gwmodel.StreamStats
	err   *gwerrors.Error
	done  bool
}

func (q *queueItem) Reset() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

func newQueueItem(capacity int) func() pool.Item {
	return func() pool.Item {
		return &queueItem{ch: make(chan queuedEvent, capacity)}
	}
}

// NewPool builds the controller/pool.Pool backing a Factory, sized to the
// factory's maximum concurrent generator count. queueCapacity is the
// per-stream bounded queue depth (64 by default, spec.md §4.5).
func NewPool(maxConcurrentGenerators, queueCapacity int, exhausted prometheus.Counter) *pool.Pool {
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	return pool.New(maxConcurrentGenerators, newQueueItem(queueCapacity), exhausted)
}

// CreateOptions parameterizes Factory.Create.
type CreateOptions struct {
	Dispatcher Dispatcher
	ModelID    string
	Prompt     gwmodel.Prompt
	Params     gwmodel.GenerateParams
	TenantID   string
	Signal     <-chan struct{}
	TimeoutMs  int64

	// StatsObserver, when set, receives every stats event alongside the
	// generator's own Next() consumer. The engine uses this to feed the
	// admission governor's control loop without coupling this package to it.
	StatsObserver func(gwmodel.StreamStats)
}

// Factory creates generators bound to a shared Registry and Pool.
type Factory struct {
	reg  *registry.Registry
	pool *pool.Pool
}

// New builds a Factory.
func New(reg *registry.Registry, p *pool.Pool) *Factory {
	return &Factory{reg: reg, pool: p}
}

// Generator is a pull-based, cancellable token iterator over one stream.
type Generator struct {
	StreamID gwmodel.StreamID

	handle *pool.Handle
	queue  *queueItem
	reg    *registry.Registry
	closed atomic.Bool
	once   sync.Once
}

var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// fillTemplate performs pure string substitution of `{{name}}` placeholders
// against a scalar-only variable map. Deliberately not text/template: the
// Design Note bans anything that could evaluate caller-supplied template
// logic, so substitution is mechanical regexp replacement only.
func fillTemplate(text string, vars map[string]any) (string, error) {
	var firstErr error
	out := templateVar.ReplaceAllStringFunc(text, func(m string) string {
		name := templateVar.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			if firstErr == nil {
				firstErr = gwerrors.New(gwerrors.InvalidArgument, fmt.Sprintf("template variable %q is not bound", name))
			}
			return m
		}
		s, err := scalarToString(v)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return s
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func scalarToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", gwerrors.New(gwerrors.InvalidArgument, "template variables must be finite numbers")
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", gwerrors.New(gwerrors.InvalidArgument, "template variables must be string, number, or bool")
	}
}

// materializePrompt resolves a gwmodel.Prompt into the `prompt` and
// `prompt_tokens` wire fields, enforcing that promptTokens is never combined
// with a template or a raw string (spec.md §4.5).
func materializePrompt(p gwmodel.Prompt) (promptField any, tokenIDs []int64, err error) {
	if len(p.TokenIDs) > 0 && (p.Kind != gwmodel.PromptTokenIDs || p.Text != "" || p.Template != nil) {
		return nil, nil, gwerrors.New(gwerrors.InvalidArgument, "promptTokens cannot be combined with a text or template prompt")
	}
	switch p.Kind {
	case gwmodel.PromptText:
		return p.Text, nil, nil
	case gwmodel.PromptTokenIDs:
		if len(p.TokenIDs) == 0 {
			return nil, nil, gwerrors.New(gwerrors.InvalidArgument, "promptTokens must be non-empty")
		}
		return nil, p.TokenIDs, nil
	case gwmodel.PromptTemplate:
		if p.Template == nil {
			return nil, nil, gwerrors.New(gwerrors.InvalidArgument, "template prompt is missing its template body")
		}
		filled, ferr := fillTemplate(p.Template.Text, p.Template.Variables)
		if ferr != nil {
			return nil, nil, ferr
		}
		return filled, nil, nil
	default:
		return nil, nil, gwerrors.New(gwerrors.InvalidArgument, "unrecognized prompt kind")
	}
}

// Create registers a new stream, acquires a bounded queue from the pool,
// and dispatches the underlying `generate` RPC. Any failure after a
// previous step succeeded rolls that step back before returning the error,
// so a partial failure never leaks a registry entry or a pool handle
// (spec.md §4.5, §4.11).
func (f *Factory) Create(ctx context.Context, opts CreateOptions) (*Generator, error) {
	promptField, tokenIDs, err := materializePrompt(opts.Prompt)
	if err != nil {
		return nil, err
	}

	handle, err := f.pool.Acquire()
	if err != nil {
		return nil, err
	}
	qi := handle.Item().(*queueItem)

	streamID := transport.NewStreamID()
	g := &Generator{StreamID: streamID, handle: handle, queue: qi, reg: f.reg}

	sub := registry.Subscriber{
		OnChunk: func(c gwmodel.StreamChunk) { g.push(queuedEvent{chunk: &c}) },
		OnStats: func(s gwmodel.StreamStats) {
			if opts.StatsObserver != nil {
				opts.StatsObserver(s)
			}
			g.push(queuedEvent{stats: &s})
		},
		OnTerminal: func(status gwmodel.StreamStatus, terr *gwerrors.Error) {
			g.push(queuedEvent{err: terr, done: true})
		},
	}
	if _, err := f.reg.Register(streamID, registry.RegisterOptions{
		Signal: opts.Signal, TimeoutMs: opts.TimeoutMs,
		ModelID: opts.ModelID, TenantID: opts.TenantID, Subscriber: sub,
	}); err != nil {
		handle.Release()
		return nil, err
	}

	req := buildGenerateRequest(opts, string(streamID), promptField, tokenIDs)
	if _, err := opts.Dispatcher.Request(ctx, "generate", req, transport.RequestOptions{Signal: opts.Signal, TimeoutMs: opts.TimeoutMs}); err != nil {
		f.reg.Cancel(streamID)
		f.reg.Forget(streamID)
		handle.Release()
		return nil, err
	}

	return g, nil
}

func buildGenerateRequest(opts CreateOptions, streamID string, promptField any, tokenIDs []int64) transport.GenerateRequest {
	p := opts.Params
	req := transport.GenerateRequest{
		ModelID: opts.ModelID, Prompt: promptField, StreamID: streamID, Streaming: true,
		MaxTokens: p.MaxTokens, Temperature: p.Temperature, TopP: p.TopP,
		PresencePenalty: p.PresencePenalty, FrequencyPenalty: p.FrequencyPenalty,
		RepetitionPenalty: p.RepetitionPenalty, StopSequences: p.StopSequences,
		StopTokenIDs: p.StopTokenIDs, Seed: p.Seed, DraftModel: p.DraftModel,
		PromptTokens: tokenIDs,
	}
	if p.Structured != nil {
		req.Guidance = map[string]any{"format": p.Structured.Format, "schema": p.Structured.Schema, "mode": p.Structured.Mode}
	}
	return req
}

// push delivers an event into the generator's bounded queue. A full queue
// applies backpressure by blocking the caller (the registry's synchronous
// dispatch path), which is deliberate: a slow consumer should stall its own
// worker's further decoding rather than have the core buffer unboundedly
// (spec.md §4.5 Design Note on backpressure). Events after close are
// dropped silently; a panic from the send is recovered.
func (g *Generator) push(ev queuedEvent) {
	defer func() { _ = recover() }()
	if g.closed.Load() {
		return
	}
	g.queue.ch <- ev
}

// Next blocks until the next chunk, a terminal error, normal completion, or
// ctx cancellation. done is true for the final event, for ctx cancellation,
// and for every call after the generator has closed.
func (g *Generator) Next(ctx context.Context) (gwmodel.StreamChunk, *gwmodel.StreamStats, bool, error) {
	if g.closed.Load() {
		return gwmodel.StreamChunk{}, nil, true, gwerrors.New(gwerrors.Internal, "generator already closed")
	}
	select {
	case <-ctx.Done():
		g.Cancel()
		return gwmodel.StreamChunk{}, nil, true, gwerrors.New(gwerrors.Cancelled, "the caller cancelled iteration")
	case ev := <-g.queue.ch:
		if ev.done {
			var terr error
			if ev.err != nil {
				terr = ev.err
			}
			g.release()
			return gwmodel.StreamChunk{}, nil, true, terr
		}
		if ev.stats != nil {
			return gwmodel.StreamChunk{}, ev.stats, false, nil
		}
		return *ev.chunk, nil, false, nil
	}
}

// Cancel stops the underlying stream and releases resources exactly once,
// safe to call multiple times or concurrently with Next (spec.md §4.5).
func (g *Generator) Cancel() {
	g.reg.Cancel(g.StreamID)
	g.release()
}

func (g *Generator) release() {
	g.once.Do(func() {
		g.closed.Store(true)
		g.handle.Release()
	})
}
