package worker

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/clarketm/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defai-digital/mlx-serving-sub005/controller/transport"
	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

type ctrlEnv struct {
	Kind     string          `json:"kind"`
	ID       uint64          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	StreamID string          `json:"stream_id,omitempty"`
}

// fakeWorkerConn stands in for the real worker process's stdio pipe: it
// replies to handshake and heartbeat requests under test control.
type fakeWorkerConn struct {
	conn net.Conn
	dec  *transport.Decoder
}

func newFakeWorkerConn(conn net.Conn) *fakeWorkerConn {
	return &fakeWorkerConn{conn: conn, dec: transport.NewDecoder(transport.DefaultMaxFrameSize)}
}

func (w *fakeWorkerConn) nextRequest() (ctrlEnv, error) {
	buf := make([]byte, 4096)
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

func (w *fakeWorkerConn) respond(id uint64, result any) error {
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

// stubSpawner hands out net.Pipe halves instead of spawning a real process,
// keeping the far side reachable to the test via byID.
type stubSpawner struct {
	mu  sync.Mutex
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

// answerHandshake replies to the first runtime/info request only, then
// returns the fake worker for further (e.g. heartbeat) interaction.
func answerHandshake(conn net.Conn, capabilities []string) *fakeWorkerConn {
	fw := newFakeWorkerConn(conn)
	go func() {
		env, err := fw.nextRequest()
		if err != nil {
			return
		}
		_ = fw.respond(env.ID, transport.RuntimeInfo{Capabilities: capabilities})
	}()
	return fw
}

// waitForServer spin-waits for Spawn to have registered id's far-end
// connection, without touching *testing.T from a background goroutine.
func waitForServer(spawner *stubSpawner, id string) net.Conn {
	for {
		if c := spawner.serverFor(id); c != nil {
			return c
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisorStartSucceedsAndBecomesIdle(t *testing.T) {
	spawner := newStubSpawner()
	sup := New(Options{
		Count:        1,
		Spawner:      spawner,
		ReadyTimeout: 200 * time.Millisecond,
	})

	go func() {
		answerHandshake(waitForServer(spawner, "worker-0"), []string{"chat"})
	}()

	require.NoError(t, sup.Start(context.Background()))

	h := sup.Get("worker-0")
	require.NotNil(t, h)
	assert.Equal(t, gwmodel.WorkerIdle, h.Status())
	assert.Equal(t, []string{"chat"}, h.Skills())
}

func TestSupervisorStartFailsWithoutHandshakeResponse(t *testing.T) {
	spawner := newStubSpawner()
	sup := New(Options{
		Count:        1,
		Spawner:      spawner,
		ReadyTimeout: 20 * time.Millisecond,
	})

	err := sup.Start(context.Background())
	assert.Error(t, err)

	h := sup.Get("worker-0")
	require.NotNil(t, h)
	assert.Equal(t, gwmodel.WorkerFailed, h.Status())
}

// continuousHandshakeResponder answers every runtime/info handshake request
// on whatever connection is currently live for id, tracking respawns across
// restarts. It never answers get_worker_metrics, so every heartbeat times
// out and forces another restart.
func continuousHandshakeResponder(spawner *stubSpawner, id string, stop <-chan struct{}) {
	var last net.Conn
	for {
		select {
		case <-stop:
			return
		default:
		}
		cur := spawner.serverFor(id)
		if cur == nil || cur == last {
			time.Sleep(time.Millisecond)
			continue
		}
		last = cur
		fw := newFakeWorkerConn(cur)
		go func() {
			env, err := fw.nextRequest()
			if err != nil {
				return
			}
			_ = fw.respond(env.ID, transport.RuntimeInfo{Capabilities: nil})
		}()
	}
}

func restartsOf(h *Handle) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

func TestHeartbeatFailureTriggersRestart(t *testing.T) {
	spawner := newStubSpawner()
	sup := New(Options{
		Count:             1,
		Spawner:           spawner,
		ReadyTimeout:      200 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Millisecond,
		MaxRestarts:       20,
		Backoff:           transport.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 100},
	})

	stop := make(chan struct{})
	defer close(stop)
	go continuousHandshakeResponder(spawner, "worker-0", stop)

	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		h := sup.Get("worker-0")
		return h.Status() == gwmodel.WorkerIdle && restartsOf(h) > 0
	}, 2*time.Second, time.Millisecond, "a respawn must eventually succeed with restarts recorded")
}

func TestMaxRestartsExhaustionLeavesWorkerFailed(t *testing.T) {
	spawner := newStubSpawner()
	sup := New(Options{
		Count:             1,
		Spawner:           spawner,
		ReadyTimeout:      200 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Millisecond,
		MaxRestarts:       0,
	})

	go func() {
		answerHandshake(waitForServer(spawner, "worker-0"), nil)
	}()
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sup.Get("worker-0").Status() == gwmodel.WorkerFailed
	}, 2*time.Second, time.Millisecond)
}
