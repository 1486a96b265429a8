package engine

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clarketm/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defai-digital/mlx-serving-sub005/controller/admission"
	"github.com/defai-digital/mlx-serving-sub005/controller/router"
	"github.com/defai-digital/mlx-serving-sub005/controller/scheduler"
	"github.com/defai-digital/mlx-serving-sub005/controller/transport"
	"github.com/defai-digital/mlx-serving-sub005/controller/worker"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// ctrlEnv mirrors transport's unexported controlEnvelope wire shape, since a
// scripted worker in this package has to speak the same control protocol a
// real worker process would over its stdio pipe.
type ctrlEnv struct {
	Kind   string          `json:"kind"`
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// scriptedWorker stands in for a worker process on the far end of a
// net.Pipe: it reads control requests and can respond to them or push
// stream.* notifications under full test control.
type scriptedWorker struct {
	conn net.Conn
	dec  *transport.Decoder
}

func newScriptedWorker(conn net.Conn) *scriptedWorker {
	return &scriptedWorker{conn: conn, dec: transport.NewDecoder(transport.DefaultMaxFrameSize)}
}

func (w *scriptedWorker) nextControl() (ctrlEnv, error) {
	buf := make([]byte, 8192)
	for {
		n, err := w.conn.Read(buf)
		if err != nil {
			return ctrlEnv{}, err
		}
		msgs, decErr := w.dec.Feed(buf[:n])
		if decErr != nil {
			return ctrlEnv{}, decErr
		}
		for _, m := range msgs {
			if m.Type != transport.MsgDone {
				continue
			}
			var env ctrlEnv
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				return ctrlEnv{}, err
			}
			if env.Kind == "request" {
				return env, nil
			}
		}
	}
}

func (w *scriptedWorker) respond(id uint64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	frame, err := transport.Encode(transport.MsgDone, ctrlEnv{Kind: "response", ID: id, Result: raw})
	if err != nil {
		return err
	}
	_, err = w.conn.Write(frame)
	return err
}

func (w *scriptedWorker) pushChunk(streamID, token string) error {
	frame, err := transport.Encode(transport.MsgToken, map[string]any{"stream_id": streamID, "token": token})
	if err != nil {
		return err
	}
	_, err = w.conn.Write(frame)
	return err
}

func (w *scriptedWorker) pushEvent(streamID, event string) error {
	frame, err := transport.Encode(transport.MsgEvent, map[string]any{"stream_id": streamID, "event": event})
	if err != nil {
		return err
	}
	_, err = w.conn.Write(frame)
	return err
}

// stubSpawner hands out net.Pipe halves keyed by worker id instead of
// spawning a real process.
type stubSpawner struct {
	mu   sync.Mutex
	byID map[string]net.Conn
}

func newStubSpawner() *stubSpawner { return &stubSpawner{byID: make(map[string]net.Conn)} }

func (s *stubSpawner) Spawn(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	s.mu.Lock()
	s.byID[id] = server
	s.mu.Unlock()
	return client, nil
}

func (s *stubSpawner) serverFor(id string) net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

// waitForServer spin-waits for Spawn to register id's far-end connection,
// deliberately taking no *testing.T so it is safe to call from a background
// goroutine.
func waitForServer(spawner *stubSpawner, id string) net.Conn {
	for {
		if c := spawner.serverFor(id); c != nil {
			return c
		}
		time.Sleep(time.Millisecond)
	}
}

// autoWorker answers id's readiness handshake once, then invokes onGenerate
// for every subsequent `generate` request until the connection closes (e.g.
// on engine Dispose). Any other method gets an empty ack.
func autoWorker(spawner *stubSpawner, id string, capabilities []string, onGenerate func(w *scriptedWorker, reqID uint64, req transport.GenerateRequest)) {
	conn := waitForServer(spawner, id)
	w := newScriptedWorker(conn)

	env, err := w.nextControl()
	if err != nil {
		return
	}
	_ = w.respond(env.ID, transport.RuntimeInfo{Capabilities: capabilities})

	for {
		env, err := w.nextControl()
		if err != nil {
			return
		}
		if env.Method != "generate" {
			_ = w.respond(env.ID, map[string]any{})
			continue
		}
		var req transport.GenerateRequest
		_ = json.Unmarshal(env.Params, &req)
		onGenerate(w, env.ID, req)
	}
}

func baseWorkerOptions(spawner *stubSpawner, count int) worker.Options {
	return worker.Options{
		Count:             count,
		Spawner:           spawner,
		ReadyTimeout:      time.Second,
		HeartbeatInterval: time.Hour, // keep the heartbeat loop out of the test's way
	}
}

func TestEndToEndSingleGeneration(t *testing.T) {
	spawner := newStubSpawner()
	e := New(Options{Worker: baseWorkerOptions(spawner, 1)})

	go autoWorker(spawner, "worker-0", []string{"chat"}, func(w *scriptedWorker, reqID uint64, req transport.GenerateRequest) {
		_ = w.respond(reqID, map[string]any{})
		_ = w.pushChunk(req.StreamID, "hello ")
		_ = w.pushChunk(req.StreamID, "world")
		_ = w.pushEvent(req.StreamID, "completed")
	})

	require.NoError(t, e.Start(context.Background()))
	defer e.Dispose(context.Background())

	res, err := e.Generate(context.Background(),
		gwmodel.GenerateParams{ModelID: "m1"},
		gwmodel.Prompt{Kind: gwmodel.PromptText, Text: "hi"},
		gwmodel.RequestMetadata{Priority: gwmodel.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
}

func TestEndToEndCancellationMidStream(t *testing.T) {
	spawner := newStubSpawner()
	e := New(Options{Worker: baseWorkerOptions(spawner, 1)})

	go autoWorker(spawner, "worker-0", nil, func(w *scriptedWorker, reqID uint64, req transport.GenerateRequest) {
		_ = w.respond(reqID, map[string]any{})
		_ = w.pushChunk(req.StreamID, "partial")
		// no completion event: the test cancels before one would arrive.
	})

	require.NoError(t, e.Start(context.Background()))
	defer e.Dispose(context.Background())

	g, err := e.CreateGenerator(context.Background(),
		gwmodel.GenerateParams{ModelID: "m1"},
		gwmodel.Prompt{Kind: gwmodel.PromptText, Text: "hi"},
		gwmodel.RequestMetadata{Priority: gwmodel.PriorityNormal})
	require.NoError(t, err)

	chunk, _, done, err := g.Next(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, "partial", chunk.Token)

	g.Cancel()

	_, _, done, _ = g.Next(context.Background())
	assert.True(t, done, "a Next call after Cancel must report done")
}

// TestEndToEndConcurrencyLimitSerializesRequests pins MaxConcurrent to 1 and
// confirms the scheduler holds the second CreateGenerator's dispatch back
// until the first call (which occupies the slot for its whole RPC
// round-trip) returns.
func TestEndToEndConcurrencyLimitSerializesRequests(t *testing.T) {
	spawner := newStubSpawner()
	release := make(chan struct{})
	var calls int32

	e := New(Options{
		Worker:    baseWorkerOptions(spawner, 1),
		Scheduler: scheduler.Options{MaxConcurrent: 1},
	})

	go autoWorker(spawner, "worker-0", nil, func(w *scriptedWorker, reqID uint64, req transport.GenerateRequest) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		_ = w.respond(reqID, map[string]any{})
		_ = w.pushEvent(req.StreamID, "completed")
	})

	require.NoError(t, e.Start(context.Background()))
	defer e.Dispose(context.Background())

	firstDone := make(chan struct{})
	go func() {
		_, err := e.CreateGenerator(context.Background(),
			gwmodel.GenerateParams{ModelID: "m1"},
			gwmodel.Prompt{Kind: gwmodel.PromptText, Text: "a"},
			gwmodel.RequestMetadata{Priority: gwmodel.PriorityNormal})
		assert.NoError(t, err)
		close(firstDone)
	}()

	// give the first request time to be dispatched and occupy the only slot
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan struct{})
	go func() {
		_, err := e.CreateGenerator(context.Background(),
			gwmodel.GenerateParams{ModelID: "m1"},
			gwmodel.Prompt{Kind: gwmodel.PromptText, Text: "b"},
			gwmodel.RequestMetadata{Priority: gwmodel.PriorityNormal})
		assert.NoError(t, err)
		close(secondDone)
	}()

	select {
	case <-firstDone:
		t.Fatal("the first request must not complete before the worker is released")
	case <-secondDone:
		t.Fatal("the second request must not dispatch while the first holds the only slot")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)

	require.Eventually(t, func() bool {
		select {
		case <-firstDone:
			select {
			case <-secondDone:
				return true
			default:
				return false
			}
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "both requests must eventually complete once released")
}

// TestStickyFailoverAfterWorkerMarkedFailed exercises the router as wired by
// the engine: a sticky session bound to a worker must resolve to a different
// worker once the original is marked failed.
func TestStickyFailoverAfterWorkerMarkedFailed(t *testing.T) {
	spawner := newStubSpawner()
	e := New(Options{Worker: baseWorkerOptions(spawner, 2)})

	for _, id := range []string{"worker-0", "worker-1"} {
		id := id
		go autoWorker(spawner, id, nil, func(w *scriptedWorker, reqID uint64, req transport.GenerateRequest) {
			_ = w.respond(reqID, map[string]any{})
			_ = w.pushEvent(req.StreamID, "completed")
		})
	}

	require.NoError(t, e.Start(context.Background()))
	defer e.Dispose(context.Background())

	h1, err := e.rtr.Route(router.RouteOptions{StickyKey: "tenant-a"})
	require.NoError(t, err)

	e.rtr.MarkWorkerFailed(h1.ID)

	h2, err := e.rtr.Route(router.RouteOptions{StickyKey: "tenant-a"})
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID, h2.ID, "a failed worker's sticky session must fail over to the other worker")
}

// TestAdmissionPIDShrinksSchedulerConcurrency feeds the governor a run of
// high-TTFT samples and confirms it lowers the scheduler's concurrency
// ceiling, the same SetMaxConcurrent wiring admission_test exercises in
// isolation, now driven through the engine's own Start/evaluate loop.
func TestAdmissionPIDShrinksSchedulerConcurrency(t *testing.T) {
	spawner := newStubSpawner()
	e := New(Options{
		Worker:    baseWorkerOptions(spawner, 1),
		Scheduler: scheduler.Options{MaxConcurrent: 10},
		Admission: admission.Options{
			PID:            admission.PIDConfig{TargetTTFTMs: 50, BaseLimit: 10, MinConcurrency: 1, MaxConcurrency: 10, Kp: 1},
			SampleInterval: 10 * time.Millisecond,
		},
	})

	go autoWorker(spawner, "worker-0", nil, func(w *scriptedWorker, reqID uint64, req transport.GenerateRequest) {
		_ = w.respond(reqID, map[string]any{})
		_ = w.pushEvent(req.StreamID, "completed")
	})

	require.NoError(t, e.Start(context.Background()))
	defer e.Dispose(context.Background())

	for i := 0; i < 5; i++ {
		e.gov.RecordSample(admission.Sample{TTFTMs: 500})
	}

	require.Eventually(t, func() bool {
		return e.sched.MaxConcurrent() < 10
	}, time.Second, 5*time.Millisecond, "sustained high TTFT must shrink the scheduler's concurrency ceiling")
}
