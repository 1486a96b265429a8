package gwerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Timeout.Retryable())
	assert.True(t, WorkerUnavailable.Retryable())
	assert.True(t, WorkerFailed.Retryable())
	assert.False(t, InvalidArgument.Retryable())
	assert.False(t, Internal.Retryable())
}

func TestNewAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, "opening socket")
	assert.Equal(t, Internal, wrapped.Code)

	e := New(NotFound, "model not found")
	assert.Equal(t, "NotFound: model not found", e.Error())
	assert.Nil(t, e.Unwrap())
}

func TestAsSynthesizesInternal(t *testing.T) {
	plain := errors.New("unrelated")
	got := As(plain)
	assert.Equal(t, Internal, got.Code)

	gwErr := New(Timeout, "deadline exceeded")
	assert.Same(t, gwErr, As(gwErr))
}

func TestGRPCCodeMapping(t *testing.T) {
	assert.Equal(t, codes.InvalidArgument, InvalidArgument.GRPCCode())
	assert.Equal(t, codes.NotFound, NotFound.GRPCCode())
	assert.Equal(t, codes.ResourceExhausted, ResourceExhausted.GRPCCode())
	assert.Equal(t, codes.DeadlineExceeded, Timeout.GRPCCode())
	assert.Equal(t, codes.Canceled, Cancelled.GRPCCode())
}

func TestToGRPCStatus(t *testing.T) {
	grpcErr := ToGRPCStatus(New(AlreadyExists, "stream exists"))
	st := status.Convert(grpcErr)
	assert.Equal(t, codes.AlreadyExists, st.Code())
	assert.Equal(t, "stream exists", st.Message())
}

func TestCodeIs(t *testing.T) {
	e := New(Cancelled, "cancelled")
	assert.True(t, Cancelled.Is(e))
	assert.False(t, Timeout.Is(e))
	assert.False(t, Timeout.Is(errors.New("plain")))
}
