package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	calls   atomic.Int64
	results []error
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	n := int(b.calls.Add(1)) - 1
	if n < len(b.results) && b.results[n] != nil {
		return nil, b.results[n]
	}
	return &Response{Content: "ok"}, nil
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	b := &countingBackend{results: []error{
		Transient(fmt.Errorf("503")),
		Transient(fmt.Errorf("reset")),
		nil,
	}}
	resp, err := CompleteWithRetry(context.Background(), b, Request{}, 4)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int64(3), b.calls.Load())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	boom := fmt.Errorf("invalid api key")
	b := &countingBackend{results: []error{boom, nil}}
	_, err := CompleteWithRetry(context.Background(), b, Request{}, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), b.calls.Load())
}

func TestRetryBudgetExhausted(t *testing.T) {
	b := &countingBackend{results: []error{
		Transient(fmt.Errorf("503")),
		Transient(fmt.Errorf("503")),
		Transient(fmt.Errorf("503")),
	}}
	_, err := CompleteWithRetry(context.Background(), b, Request{}, 3)
	require.Error(t, err)
	assert.Equal(t, int64(3), b.calls.Load())
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &countingBackend{results: []error{Transient(fmt.Errorf("503"))}}
	_, err := CompleteWithRetry(ctx, b, Request{}, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransientUnwrap(t *testing.T) {
	inner := fmt.Errorf("inner")
	err := Transient(inner)
	assert.ErrorIs(t, err, inner)
	assert.True(t, isTransient(err))
	assert.False(t, isTransient(inner))
	assert.Nil(t, Transient(nil))
}
