package transport

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/defai-digital/mlx-serving-sub005/pkg/gwerrors"
)

// RetryConfig parameterizes the exponential-backoff retry wrapper around
// Transport.Request (spec.md §4.2). Grounded on the teacher's
// controller/k8s/watcher.go use of wait.ExponentialBackoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryConfig is a conservative default: 3 attempts, 100ms base.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: true}
}

// Call is the shape of one attempt: it must report, via firstByte, whether
// any bytes of a streaming response were observed for this attempt, since a
// retry is forbidden once that has happened (spec.md §4.2, §7).
type Call func(ctx context.Context) (result any, firstByteObserved bool, err error)

// WithRetry wraps a single Call with RetryConfig's exponential backoff.
// Retries are attempted only for the closed retryable code set
// (gwerrors.Code.Retryable), never once firstByteObserved has been true on
// any attempt, and never after ctx or signal is done.
func WithRetry(ctx context.Context, cfg RetryConfig, signal <-chan struct{}, call Call) (any, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	l := log.WithField("component", "rpc-retry")

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, gwerrors.New(gwerrors.Cancelled, "the caller cancelled the request")
		case <-signal:
			return nil, gwerrors.New(gwerrors.Cancelled, "the caller cancelled the request")
		default:
		}

		result, firstByte, err := call(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		e := gwerrors.As(err)
		if firstByte || !e.Code.Retryable() || attempt == cfg.MaxAttempts {
			return nil, err
		}

		waitDur := delay
		if cfg.Jitter {
			waitDur = time.Duration(float64(delay) * (0.5 + rand.Float64()))
		}
		if waitDur > cfg.MaxDelay {
			waitDur = cfg.MaxDelay
		}
		l.WithError(err).WithField("attempt", attempt).Debug("retrying transient RPC failure")

		t := time.NewTimer(waitDur)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, gwerrors.New(gwerrors.Cancelled, "the caller cancelled the request")
		case <-signal:
			t.Stop()
			return nil, gwerrors.New(gwerrors.Cancelled, "the caller cancelled the request")
		case <-t.C:
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return nil, lastErr
}

// RetryableCodes is the closed enumeration of error codes C2 is permitted to
// retry, fixing the Open Question in spec.md §9.
var RetryableCodes = []gwerrors.Code{gwerrors.Timeout, gwerrors.WorkerUnavailable, gwerrors.WorkerFailed}

// Backoff exposes the teacher's wait.Backoff shape for components (worker
// supervisor restart loop) that need the same retry-until-ready idiom as
// controller/k8s/watcher.go without going through RPC retry semantics.
type Backoff = wait.Backoff
