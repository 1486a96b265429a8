package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

// recordingHandler captures every notification delivered to it, for
// assertions on dispatch ordering and payload shape.
type recordingHandler struct {
	mu      sync.Mutex
	chunks  []gwmodel.StreamChunk
	stats   []gwmodel.StreamStats
	events  []string
	errors  []string
	timeout []gwmodel.StreamID
}

func (r *recordingHandler) OnChunk(c gwmodel.StreamChunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
}
func (r *recordingHandler) OnStats(s gwmodel.StreamStats) {
	r.mu.Lock()
	r.stats = append(r.stats, s)
	r.mu.Unlock()
}
func (r *recordingHandler) OnEvent(id gwmodel.StreamID, event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}
func (r *recordingHandler) OnError(id gwmodel.StreamID, msg string) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}
func (r *recordingHandler) OnTimeout(id gwmodel.StreamID) {
	r.mu.Lock()
	r.timeout = append(r.timeout, id)
	r.mu.Unlock()
}

func (r *recordingHandler) chunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// fakeWorker reads control request frames off its end of the pipe and
// answers them with worker-supplied responses, simulating the far side of
// the stdio pipe without spawning a real process.
type fakeWorker struct {
	conn net.Conn
	dec  *Decoder
}

func newFakeWorker(conn net.Conn) *fakeWorker {
	return &fakeWorker{conn: conn, dec: NewDecoder(DefaultMaxFrameSize)}
}

// nextRequest blocks until one control request frame arrives.
func (w *fakeWorker) nextRequest() (controlEnvelope, error) {
	buf := make([]byte, 4096)
	for {
		n, err := w.conn.Read(buf)
		if err != nil {
			return controlEnvelope{}, err
		}
		msgs, decErr := w.dec.Feed(buf[:n])
		if decErr != nil {
			return controlEnvelope{}, decErr
		}
		for _, m := range msgs {
			if m.Type != MsgDone {
				continue
			}
			var env controlEnvelope
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				return controlEnvelope{}, err
			}
			if env.Kind == "request" {
				return env, nil
			}
		}
	}
}

func (w *fakeWorker) respond(id uint64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	frame, err := Encode(MsgDone, controlEnvelope{Kind: "response", ID: id, Result: raw})
	if err != nil {
		return err
	}
	_, err = w.conn.Write(frame)
	return err
}

func (w *fakeWorker) pushEvent(mt MessageType, payload any) error {
	frame, err := Encode(mt, payload)
	if err != nil {
		return err
	}
	_, err = w.conn.Write(frame)
	return err
}

func newTransportPair(t *testing.T) (*PipeTransport, *fakeWorker) {
	t.Helper()
	client, server := net.Pipe()
	tr := NewPipeTransport(client, DefaultMaxFrameSize)
	tr.SetState(StateReady)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, newFakeWorker(server)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	tr, worker := newTransportPair(t)

	go func() {
		env, err := worker.nextRequest()
		if err != nil {
			return
		}
		_ = worker.respond(env.ID, map[string]string{"status": "ok"})
	}()

	raw, err := tr.Request(context.Background(), "runtime/info", nil, RequestOptions{})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "ok", out["status"])
}

func TestNotificationDispatchToHandler(t *testing.T) {
	tr, worker := newTransportPair(t)
	h := &recordingHandler{}
	tr.SetNotificationHandler(h)

	require.NoError(t, worker.pushEvent(MsgToken, map[string]any{
		"stream_id": "s1",
		"token":     "hello",
	}))

	require.Eventually(t, func() bool { return h.chunkCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "hello", h.chunks[0].Token)
}

func TestRequestCancelledViaSignal(t *testing.T) {
	tr, worker := newTransportPair(t)
	_ = worker // the fake worker never responds; the request must time out via signal

	signal := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(signal)
	}()

	_, err := tr.Request(context.Background(), "generate", nil, RequestOptions{Signal: signal})
	assert.Error(t, err)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	tr, worker := newTransportPair(t)
	_ = worker

	_, err := tr.Request(context.Background(), "generate", nil, RequestOptions{TimeoutMs: 10})
	assert.Error(t, err)
}

func TestCloseFailsAllPendingRequests(t *testing.T) {
	tr, worker := newTransportPair(t)

	go func() {
		_, _ = worker.nextRequest()
		// Deliberately never responds; Close() below must unblock the caller.
	}()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), "generate", nil, RequestOptions{})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Request did not unblock after Close")
	}
	assert.Equal(t, StateClosed, tr.State())
}

func TestRequestRejectedWhenDraining(t *testing.T) {
	tr, worker := newTransportPair(t)
	_ = worker
	tr.Drain()

	_, err := tr.Request(context.Background(), "generate", nil, RequestOptions{})
	assert.Error(t, err)
}
