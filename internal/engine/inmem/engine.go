// Package inmem provides an in-memory engine.Engine suitable for local
// development, tests, and single-process runs. It is not durable; a process
// restart loses in-flight runs.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iNandix/denis/internal/engine"
)

// Execute is the work function the engine runs for each started run.
type Execute func(ctx context.Context, req engine.RunRequest) (map[string]any, error)

// Options configures the in-memory engine.
type Options struct {
	// Execute performs the run's work. Required.
	Execute Execute
}

// Engine implements engine.Engine with one goroutine per run.
type Engine struct {
	execute Execute

	mu       sync.RWMutex
	statuses map[string]engine.Status
	handles  map[string]*handle
}

type handle struct {
	runID  string
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	result engine.Result
	err    error
}

// New constructs the engine.
func New(opts Options) (*Engine, error) {
	if opts.Execute == nil {
		return nil, errors.New("inmem engine: Execute is required")
	}
	return &Engine{
		execute:  opts.Execute,
		statuses: make(map[string]engine.Status),
		handles:  make(map[string]*handle),
	}, nil
}

// StartRun implements engine.Engine.
func (e *Engine) StartRun(ctx context.Context, req engine.RunRequest) (engine.Handle, error) {
	if req.RunID == "" {
		return nil, errors.New("inmem engine: run id is required")
	}

	e.mu.Lock()
	if _, dup := e.handles[req.RunID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("inmem engine: run %q already started", req.RunID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{runID: req.RunID, done: make(chan struct{}), cancel: cancel}
	e.handles[req.RunID] = h
	e.statuses[req.RunID] = engine.StatusRunning
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		output, err := e.execute(runCtx, req)

		status := engine.StatusSuccess
		switch {
		case errors.Is(err, context.Canceled):
			status = engine.StatusCanceled
		case err != nil:
			status = engine.StatusFailed
		}

		h.mu.Lock()
		h.result = engine.Result{RunID: req.RunID, Status: status, Output: output}
		h.err = err
		h.mu.Unlock()

		e.mu.Lock()
		e.statuses[req.RunID] = status
		e.mu.Unlock()
	}()

	return h, nil
}

// Status implements engine.Engine.
func (e *Engine) Status(_ context.Context, runID string) (engine.Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[runID]
	if !ok {
		return engine.StatusUnknown, nil
	}
	return status, nil
}

func (h *handle) RunID() string { return h.runID }

func (h *handle) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}
