package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/engine"
)

func TestStartRunSuccess(t *testing.T) {
	e, err := New(Options{Execute: func(_ context.Context, req engine.RunRequest) (map[string]any, error) {
		return map[string]any{"steps_total": 1}, nil
	}})
	require.NoError(t, err)

	h, err := e.StartRun(context.Background(), engine.RunRequest{RunID: "r1", TaskID: "t1"})
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Output["steps_total"])

	status, err := e.Status(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSuccess, status)
}

func TestStartRunFailure(t *testing.T) {
	e, err := New(Options{Execute: func(context.Context, engine.RunRequest) (map[string]any, error) {
		return nil, errors.New("boom")
	}})
	require.NoError(t, err)

	h, err := e.StartRun(context.Background(), engine.RunRequest{RunID: "r1"})
	require.NoError(t, err)

	result, waitErr := h.Wait(context.Background())
	require.Error(t, waitErr)
	assert.Equal(t, engine.StatusFailed, result.Status)
}

func TestStartRunDuplicate(t *testing.T) {
	e, err := New(Options{Execute: func(context.Context, engine.RunRequest) (map[string]any, error) {
		return nil, nil
	}})
	require.NoError(t, err)

	_, err = e.StartRun(context.Background(), engine.RunRequest{RunID: "r1"})
	require.NoError(t, err)
	_, err = e.StartRun(context.Background(), engine.RunRequest{RunID: "r1"})
	require.Error(t, err)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	e, err := New(Options{Execute: func(ctx context.Context, _ engine.RunRequest) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	require.NoError(t, err)

	h, err := e.StartRun(context.Background(), engine.RunRequest{RunID: "r1"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run did not start")
	}
	require.NoError(t, h.Cancel(context.Background()))

	result, _ := h.Wait(context.Background())
	assert.Equal(t, engine.StatusCanceled, result.Status)
}

func TestStatusUnknownRun(t *testing.T) {
	e, err := New(Options{Execute: func(context.Context, engine.RunRequest) (map[string]any, error) {
		return nil, nil
	}})
	require.NoError(t, err)

	status, err := e.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusUnknown, status)
}
