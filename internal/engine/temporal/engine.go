// Package temporal provides a Temporal-backed engine.Engine. Control-Room
// runs started through it survive process restarts and report their terminal
// status via the Temporal service.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"

	"github.com/iNandix/denis/internal/engine"
)

// Options configures the Temporal engine. Either a pre-configured Client or
// ClientOptions must be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client.
	Client client.Client
	// ClientOptions describe how to construct the client when Client is nil.
	ClientOptions *client.Options
	// TaskQueue names the queue control-room run workflows execute on.
	// Required.
	TaskQueue string
	// WorkflowType is the registered workflow type that executes a run.
	// Required; a worker registering this type must be deployed separately.
	WorkflowType string
	// DisableTracing opts out of the OTEL tracing interceptor that is
	// otherwise installed on lazily constructed clients.
	DisableTracing bool
	// StatusTimeout bounds DescribeWorkflowExecution calls (default 2s).
	StatusTimeout time.Duration
}

// Engine implements engine.Engine on Temporal workflows.
type Engine struct {
	client client.Client
	opts   Options
}

// New constructs the engine, building a lazy client from ClientOptions when
// no Client is supplied.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal engine: TaskQueue is required")
	}
	if opts.WorkflowType == "" {
		return nil, errors.New("temporal engine: WorkflowType is required")
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 2 * time.Second
	}

	cli := opts.Client
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: Client or ClientOptions is required")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal engine: build tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, []interceptor.ClientInterceptor{tracer}...)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: build client: %w", err)
		}
	}

	return &Engine{client: cli, opts: opts}, nil
}

// StartRun implements engine.Engine.
func (e *Engine) StartRun(ctx context.Context, req engine.RunRequest) (engine.Handle, error) {
	if req.RunID == "" {
		return nil, errors.New("temporal engine: run id is required")
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.RunID,
		TaskQueue: e.opts.TaskQueue,
	}, e.opts.WorkflowType, req)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start run %q: %w", req.RunID, err)
	}
	return &handle{engine: e, run: run}, nil
}

// Status implements engine.Engine by describing the workflow execution.
func (e *Engine) Status(ctx context.Context, runID string) (engine.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.StatusTimeout)
	defer cancel()

	desc, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return engine.StatusUnknown, fmt.Errorf("temporal engine: describe run %q: %w", runID, err)
	}
	info := desc.GetWorkflowExecutionInfo()
	if info == nil {
		return engine.StatusUnknown, nil
	}
	return statusFromTemporal(info.GetStatus()), nil
}

// Close releases the underlying client.
func (e *Engine) Close() {
	e.client.Close()
}

type handle struct {
	engine *Engine
	run    client.WorkflowRun
}

func (h *handle) RunID() string { return h.run.GetID() }

func (h *handle) Wait(ctx context.Context) (engine.Result, error) {
	var output map[string]any
	err := h.run.Get(ctx, &output)
	status := engine.StatusSuccess
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return engine.Result{}, err
	case err != nil:
		status = engine.StatusFailed
	}
	return engine.Result{RunID: h.run.GetID(), Status: status, Output: output}, err
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.engine.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

func statusFromTemporal(status enumspb.WorkflowExecutionStatus) engine.Status {
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.StatusSuccess
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.StatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.StatusCanceled
	default:
		return engine.StatusUnknown
	}
}
