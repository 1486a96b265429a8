package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clarketm/json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// State is the transport's connection lifecycle (spec.md §4.2).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDraining     State = "draining"
	StateClosed       State = "closed"
)

// RequestOptions customizes one Request call.
type RequestOptions struct {
	Signal     <-chan struct{}
	TimeoutMs  int64
	// CancelMethod/CancelParams, if set, are sent as a best-effort Notify
	// when the request is cancelled via Signal or its deadline, so the
	// worker can stop producing (spec.md §4.2).
	CancelMethod string
	CancelParams any
}

// NotificationHandler receives demultiplexed stream.* notifications,
// implemented by controller/registry.Registry (spec.md §4.2, §4.4).
type NotificationHandler interface {
	OnChunk(gwmodel.StreamChunk)
	OnStats(gwmodel.StreamStats)
	OnEvent(streamID gwmodel.StreamID, event string)
	OnError(streamID gwmodel.StreamID, message string)
	OnTimeout(streamID gwmodel.StreamID)
}

// Transport is the bidirectional request/response + server-push channel to
// one worker process (spec.md §4.2). PipeTransport is the length-framed
// implementation; tests run it against a scripted worker on the far end of
// a net.Pipe.
type Transport interface {
	Request(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error)
	Notify(method string, params any) error
	State() State
	Drain()
	Close() error
	SetNotificationHandler(h NotificationHandler)
}

// controlEnvelope is the RPC request/response shape carried on MsgDone
// frames. This is an implementation choice within the freedom left by
// spec.md §6: requests/responses are JSON-shaped inside the framing, while
// TOKEN/STATS/EVENT/ERROR are reserved for pure stream.* notifications (see
// frame.go). stream.timeout is carried as a controlEnvelope with
// Kind="timeout" since it is a terminal control signal, not a token event.
type controlEnvelope struct {
	Kind     string          `json:"kind"` // "request" | "response" | "timeout"
	ID       uint64          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *wireError      `json:"error,omitempty"`
	StreamID string          `json:"stream_id,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// PipeTransport implements Transport over any io.ReadWriteCloser (typically
// the worker process's stdio pipe).
type PipeTransport struct {
	conn io.ReadWriteCloser
	dec  *Decoder

	state atomic.Value // State

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	nextID  uint64

	handler NotificationHandler
	handlerMu sync.RWMutex

	writeMu sync.Mutex
	log     *log.Entry

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipeTransport wraps conn and starts the read loop. The caller is
// responsible for driving the transport to StateReady once the worker's
// readiness handshake completes (owned by controller/worker.Supervisor).
func NewPipeTransport(conn io.ReadWriteCloser, maxFrameSize int) *PipeTransport {
	t := &PipeTransport{
		conn:    conn,
		dec:     NewDecoder(maxFrameSize),
		pending: make(map[uint64]*pendingCall),
		log:     log.WithField("component", "rpc-transport"),
		closed:  make(chan struct{}),
	}
	t.state.Store(StateDisconnected)
	go t.readLoop()
	return t
}

// SetState transitions the connection lifecycle; called by the supervisor.
func (t *PipeTransport) SetState(s State) { t.state.Store(s) }

func (t *PipeTransport) State() State { return t.state.Load().(State) }

func (t *PipeTransport) SetNotificationHandler(h NotificationHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

func (t *PipeTransport) handlerRef() NotificationHandler {
	t.handlerMu.RLock()
	defer t.handlerMu.RUnlock()
	return t.handler
}

func (t *PipeTransport) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			msgs, decErr := t.dec.Feed(buf[:n])
			for _, m := range msgs {
				t.dispatch(m)
			}
			if decErr != nil {
				t.log.WithError(decErr).Error("terminal frame decode error")
				t.failAll(gwerrors.New(gwerrors.Transport, "the transport encountered a framing error"))
				t.SetState(StateClosed)
				return
			}
		}
		if err != nil {
			t.dec.Drain()
			t.failAll(gwerrors.New(gwerrors.Transport, "the worker connection closed unexpectedly"))
			t.SetState(StateClosed)
			return
		}
	}
}

func (t *PipeTransport) dispatch(m Message) {
	switch m.Type {
	case MsgToken:
		var chunk wireChunk
		if err := json.Unmarshal(m.Payload, &chunk); err != nil {
			t.log.WithError(err).Warn("dropping malformed token notification")
			return
		}
		h := t.handlerRef()
		if h == nil {
			return
		}
		if len(chunk.Tokens) > 0 {
			for _, tk := range chunk.Tokens {
				h.OnChunk(gwmodel.StreamChunk{StreamID: gwmodel.StreamID(chunk.StreamID), Token: tk.Token, TokenID: tk.TokenID})
			}
			return
		}
		h.OnChunk(gwmodel.StreamChunk{
			StreamID:       gwmodel.StreamID(chunk.StreamID),
			Token:          chunk.Token,
			TokenID:        chunk.TokenID,
			Logprob:        chunk.Logprob,
			CumulativeText: chunk.CumulativeText,
			IsFinal:        chunk.IsFinal,
		})
	case MsgStats:
		var s wireStats
		if err := json.Unmarshal(m.Payload, &s); err != nil {
			t.log.WithError(err).Warn("dropping malformed stats notification")
			return
		}
		if h := t.handlerRef(); h != nil {
			h.OnStats(gwmodel.StreamStats{
				StreamID:         gwmodel.StreamID(s.StreamID),
				TokensGenerated:  s.TokensGenerated,
				TokensPerSecond:  s.TokensPerSecond,
				TimeToFirstToken: s.TimeToFirstToken,
				TotalTime:        s.TotalTime,
			})
		}
	case MsgEvent:
		var e wireStreamEvent
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			t.log.WithError(err).Warn("dropping malformed event notification")
			return
		}
		if h := t.handlerRef(); h != nil {
			h.OnEvent(gwmodel.StreamID(e.StreamID), e.Event)
		}
	case MsgError:
		var e wireStreamError
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			t.log.WithError(err).Warn("dropping malformed error notification")
			return
		}
		if h := t.handlerRef(); h != nil {
			h.OnError(gwmodel.StreamID(e.StreamID), e.Message)
		}
	case MsgDone:
		var env controlEnvelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			t.log.WithError(err).Warn("dropping malformed control frame")
			return
		}
		t.dispatchControl(env)
	}
}

func (t *PipeTransport) dispatchControl(env controlEnvelope) {
	switch env.Kind {
	case "response":
		t.mu.Lock()
		call, ok := t.pending[env.ID]
		if ok {
			delete(t.pending, env.ID)
		}
		t.mu.Unlock()
		if !ok {
			return
		}
		if env.Error != nil {
			call.errCh <- gwerrors.New(gwerrors.Code(env.Error.Code), env.Error.Message)
			return
		}
		call.resultCh <- env.Result
	case "timeout":
		if h := t.handlerRef(); h != nil {
			h.OnTimeout(gwmodel.StreamID(env.StreamID))
		}
	}
}

func (t *PipeTransport) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*pendingCall)
	t.mu.Unlock()
	for _, call := range pending {
		call.errCh <- err
	}
}

// Request sends method(params) and waits for the matching response, honoring
// opts.Signal and opts.TimeoutMs. Cancellation rejects with Cancelled and,
// when opts.CancelMethod is set, best-effort notifies the worker to stop
// producing (spec.md §4.2).
func (t *PipeTransport) Request(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	if t.State() == StateClosed {
		return nil, gwerrors.New(gwerrors.Transport, "the transport is closed")
	}
	if t.State() == StateDraining {
		return nil, gwerrors.New(gwerrors.PreconditionFailed, "the transport is draining and accepts no new requests")
	}

	id := atomic.AddUint64(&t.nextID, 1)
	call := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}
	t.mu.Lock()
	t.pending[id] = call
	t.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, gwerrors.Wrap(err, "marshal request params")
	}

	if err := t.writeControl(controlEnvelope{Kind: "request", ID: id, Method: method, Params: raw}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, gwerrors.New(gwerrors.Transport, "failed to send request to worker")
	}

	var timeoutCh <-chan time.Time
	if opts.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(opts.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-call.resultCh:
		return res, nil
	case err := <-call.errCh:
		return nil, err
	case <-opts.Signal:
		t.cancelPending(id, opts)
		return nil, gwerrors.New(gwerrors.Cancelled, "the caller cancelled the request")
	case <-ctx.Done():
		t.cancelPending(id, opts)
		return nil, gwerrors.New(gwerrors.Cancelled, "the caller cancelled the request")
	case <-timeoutCh:
		t.cancelPending(id, opts)
		return nil, gwerrors.New(gwerrors.Timeout, "the request exceeded its deadline")
	case <-t.closed:
		return nil, gwerrors.New(gwerrors.Transport, "the transport is closed")
	}
}

func (t *PipeTransport) cancelPending(id uint64, opts RequestOptions) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
	if opts.CancelMethod != "" {
		_ = t.Notify(opts.CancelMethod, opts.CancelParams)
	}
}

// Notify sends a one-way message with no response expected.
func (t *PipeTransport) Notify(method string, params any) error {
	if t.State() == StateClosed {
		return gwerrors.New(gwerrors.Transport, "the transport is closed")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return gwerrors.Wrap(err, "marshal notify params")
	}
	return t.writeControl(controlEnvelope{Kind: "request", ID: 0, Method: method, Params: raw})
}

func (t *PipeTransport) writeControl(env controlEnvelope) error {
	frame, err := Encode(MsgDone, env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.conn.Write(frame)
	return err
}

// Drain transitions to StateDraining: new requests fail fast, in-flight
// requests are allowed to finish or hit their deadline (spec.md §4.2).
func (t *PipeTransport) Drain() { t.SetState(StateDraining) }

// Close terminates the connection and fails every outstanding request with a
// Transport error (spec.md §4.2 failure semantics).
func (t *PipeTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.SetState(StateClosed)
		close(t.closed)
		t.failAll(gwerrors.New(gwerrors.Transport, "the transport was closed"))
		err = t.conn.Close()
	})
	return err
}

// NewStreamID mints a process-unique stream identifier (spec.md §3).
func NewStreamID() gwmodel.StreamID {
	return gwmodel.StreamID(uuid.NewString())
}

var _ Transport = (*PipeTransport)(nil)
