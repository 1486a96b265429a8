// Package batcher implements the generate batcher (spec.md §4.6): it
// coalesces concurrent generate requests bound for the same worker into a
// single batch_generate RPC, flushing on batch size, max wait, or the
// arrival of an urgent-priority item, and isolates per-item failures with
// hashicorp/go-multierror so one bad item in a batch cannot fail its
// siblings. Grounded on the teacher's endpoint_stream_dispatcher.go
// coalescing idiom.
package batcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/defai-digital/mlx-serving-sub005/controller/transport"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// Dispatcher performs the actual batch_generate RPC. transport.Transport
// has this method set and satisfies it directly.
type Dispatcher interface {
	Request(ctx context.Context, method string, params any, opts transport.RequestOptions) (json.RawMessage, error)
}

// EnqueueOptions customizes one item.
type EnqueueOptions struct {
	Priority  gwmodel.Priority
	Signal    <-chan struct{}
	TimeoutMs int64
}

// Options configures the Batcher.
type Options struct {
	MaxBatchSize int
	MaxWait      time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 8
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 20 * time.Millisecond
	}
}

type pendingItem struct {
	req      transport.GenerateRequest
	opts     EnqueueOptions
	result   chan error
	done     chan struct{}
	doneOnce sync.Once
}

// resolve delivers err to the item's result channel exactly once.
func (p *pendingItem) resolve(err error) {
	p.doneOnce.Do(func() {
		p.result <- err
		close(p.done)
	})
}

// Batcher coalesces generate requests targeting one Dispatcher.
type Batcher struct {
	opts   Options
	log    *log.Entry
	dest   Dispatcher

	mu      sync.Mutex
	pending []*pendingItem
	timer   *time.Timer
}

// New builds a Batcher that flushes onto dest.
func New(dest Dispatcher, opts Options) *Batcher {
	opts.setDefaults()
	return &Batcher{opts: opts, log: log.WithField("component", "generate-batcher"), dest: dest}
}

// Enqueue adds one generate request to the current batch, flushing
// immediately if the batch is now full or the item is urgent-priority. It
// returns a channel that receives exactly one value: nil once the item was
// successfully dispatched as part of a batch_generate call, or an error if
// the item was cancelled before flush or the worker rejected it in the
// batch response (spec.md §4.6).
func (b *Batcher) Enqueue(req transport.GenerateRequest, opts EnqueueOptions) <-chan error {
	item := &pendingItem{req: req, opts: opts, result: make(chan error, 1), done: make(chan struct{})}

	b.mu.Lock()
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.opts.MaxBatchSize || opts.Priority == gwmodel.PriorityUrgent
	if !shouldFlush && b.timer == nil {
		b.timer = time.AfterFunc(b.opts.MaxWait, b.flushTimer)
	}
	var batch []*pendingItem
	if shouldFlush {
		batch = b.pending
		b.pending = nil
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
	b.mu.Unlock()

	if opts.Signal != nil {
		go b.watchCancel(item, opts.Signal)
	}

	if batch != nil {
		go b.dispatch(batch)
	}
	return item.result
}

func (b *Batcher) watchCancel(item *pendingItem, signal <-chan struct{}) {
	select {
	case <-signal:
		b.removeIfPending(item)
	case <-item.done:
	}
}

// removeIfPending drops item from the pending batch if it has not yet been
// flushed, resolving it with Cancelled. Cancellation that arrives after
// flush is a no-op here: the item is already in flight and must be
// cancelled through the stream registry instead (spec.md §4.6).
func (b *Batcher) removeIfPending(item *pendingItem) {
	b.mu.Lock()
	idx := -1
	for i, p := range b.pending {
		if p == item {
			idx = i
			break
		}
	}
	if idx >= 0 {
		b.pending = append(b.pending[:idx], b.pending[idx+1:]...)
	}
	b.mu.Unlock()

	if idx >= 0 {
		item.resolve(gwerrors.New(gwerrors.Cancelled, "the caller cancelled the request before it was batched"))
	}
}

func (b *Batcher) flushTimer() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.dispatch(batch)
	}
}

type batchItemResult struct {
	StreamID string  `json:"stream_id"`
	Error    *string `json:"error,omitempty"`
}

type batchGenerateResponse struct {
	Results []batchItemResult `json:"results"`
}

// dispatch sends one batch_generate RPC and fans the per-item verdicts back
// out to each item's result channel, wrapping any items the worker reports
// as failed into an aggregate error for logging while still resolving each
// channel individually (spec.md §4.6: "per-item error isolation").
func (b *Batcher) dispatch(batch []*pendingItem) {
	reqs := make([]transport.GenerateRequest, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}

	raw, err := b.dest.Request(context.Background(), "batch_generate", transport.BatchGenerateRequest{Requests: reqs}, transport.RequestOptions{})
	if err != nil {
		for _, p := range batch {
			p.resolve(err)
		}
		return
	}

	var resp batchGenerateResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil {
		werr := gwerrors.New(gwerrors.Transport, "worker sent a malformed batch_generate response")
		for _, p := range batch {
			p.resolve(werr)
		}
		return
	}

	byStream := make(map[string]*string, len(resp.Results))
	for i := range resp.Results {
		byStream[resp.Results[i].StreamID] = resp.Results[i].Error
	}

	var merr *multierror.Error
	for _, p := range batch {
		if errMsg, ok := byStream[p.req.StreamID]; ok && errMsg != nil {
			werr := gwerrors.New(gwerrors.GenerationError, *errMsg)
			merr = multierror.Append(merr, werr)
			p.resolve(werr)
			continue
		}
		p.resolve(nil)
	}
	if merr != nil {
		b.log.WithError(merr.ErrorOrNil()).Debug("batch_generate returned per-item errors")
	}
}

// Flush forces any pending items out immediately, e.g. during shutdown.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	if len(batch) > 0 {
		b.dispatch(batch)
	}
}
