package cleanup

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwmodel"
)

func newScheduler(t *testing.T, opts Options, handler Handler) (*Scheduler, prometheus.Counter, prometheus.Counter) {
	t.Helper()
	lagged := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_cleanup_lagged_" + t.Name()})
	swept := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_cleanup_swept_" + t.Name()})
	return New(opts, handler, lagged, swept), lagged, swept
}

func TestScheduleAppendsInOrder(t *testing.T) {
	s, _, _ := newScheduler(t, Options{}, nil)
	base := time.Now().Add(-time.Hour)
	s.scheduleAt("a", "x", base)
	s.scheduleAt("b", "x", base.Add(time.Second))
	s.scheduleAt("c", "x", base.Add(2*time.Second))

	var order []gwmodel.StreamID
	for e := s.queue.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(*Event).StreamID)
	}
	assert.Equal(t, []gwmodel.StreamID{"a", "b", "c"}, order)
}

func TestScheduleOutOfOrderInsertsSorted(t *testing.T) {
	s, _, _ := newScheduler(t, Options{}, nil)
	base := time.Now().Add(-time.Hour)
	s.scheduleAt("a", "x", base)
	s.scheduleAt("c", "x", base.Add(2*time.Second))
	s.scheduleAt("b", "x", base.Add(time.Second)) // arrives late, belongs in the middle

	var order []gwmodel.StreamID
	for e := s.queue.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(*Event).StreamID)
	}
	assert.Equal(t, []gwmodel.StreamID{"a", "b", "c"}, order)
}

func TestSweepProcessesOnlyStaleEntries(t *testing.T) {
	var handled []gwmodel.StreamID
	s, _, swept := newScheduler(t, Options{MaxStaleLifetime: time.Minute}, func(e Event) {
		handled = append(handled, e.StreamID)
	})

	now := time.Now()
	s.scheduleAt("stale", "x", now.Add(-2*time.Minute))
	s.scheduleAt("fresh", "x", now)

	s.sweep()

	assert.Equal(t, []gwmodel.StreamID{"stale"}, handled)
	assert.Equal(t, float64(1), testutil.ToFloat64(swept))
}

func TestSweepCursorNeverRevisits(t *testing.T) {
	var handled []gwmodel.StreamID
	s, _, _ := newScheduler(t, Options{MaxStaleLifetime: time.Minute}, func(e Event) {
		handled = append(handled, e.StreamID)
	})

	now := time.Now()
	s.scheduleAt("a", "x", now.Add(-2*time.Minute))
	s.sweep()
	require.Equal(t, []gwmodel.StreamID{"a"}, handled)

	s.scheduleAt("b", "x", now.Add(-3*time.Minute)) // older, but arrives after the cursor passed "a"
	s.sweep()

	assert.Equal(t, []gwmodel.StreamID{"a", "b"}, handled, "cursor advance must not re-invoke the handler for a")
}

func TestSweepLagCounterFiresPastDoubleLifetime(t *testing.T) {
	s, lagged, _ := newScheduler(t, Options{MaxStaleLifetime: time.Minute}, nil)

	now := time.Now()
	s.scheduleAt("very-stale", "x", now.Add(-3*time.Minute))
	s.sweep()

	assert.Equal(t, float64(1), testutil.ToFloat64(lagged))
}

func TestHandlerPanicIsSwallowed(t *testing.T) {
	s, _, swept := newScheduler(t, Options{MaxStaleLifetime: time.Minute}, func(e Event) {
		panic("boom")
	})

	now := time.Now()
	s.scheduleAt("a", "x", now.Add(-2*time.Minute))

	assert.NotPanics(t, func() { s.sweep() })
	assert.Equal(t, float64(1), testutil.ToFloat64(swept))
}

func TestCompactionDropsEntriesBeforeCursor(t *testing.T) {
	s, _, _ := newScheduler(t, Options{MaxStaleLifetime: time.Minute, CompactionThreshold: 0.4}, nil)

	now := time.Now()
	for i := 0; i < 4; i++ {
		s.scheduleAt(gwmodel.StreamID(string(rune('a'+i))), "x", now.Add(-2*time.Minute))
	}
	require.Equal(t, 4, s.Len())

	s.sweep()
	assert.Less(t, s.Len(), 4, "compaction should drop entries once the cursor passes the configured threshold")
}
