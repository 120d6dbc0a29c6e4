package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/mcpflow/supervisor"
	"github.com/BaSui01/mcpflow/types"
)

// Step is one stage of a sequential pipeline.
type Step struct {
	// Name labels the step in errors and in the collected results.
	Name string
	// Request is the task to run.
	Request types.TaskRequest
	// PipePrev feeds the previous step's result in as inline input.
	PipePrev bool
}

// RunSequence executes steps in order, optionally piping each result into
// the next step's input. It stops at the first failure and returns the
// failing step's name alongside the structured error.
func (o *Orchestrator) RunSequence(ctx context.Context, steps []Step, opts ...SubmitOption) (map[string]types.TaskResponse, error) {
	results := make(map[string]types.TaskResponse, len(steps))
	var prev types.TaskResponse

	for i, step := range steps {
		req := step.Request
		if step.PipePrev && i > 0 {
			req.Input.Inline = prev.Result
		}
		resp, err := o.Submit(ctx, req, opts...)
		results[step.Name] = resp
		if err != nil {
			return results, types.NewError(types.GetErrorCode(err),
				"step "+step.Name+" failed").WithCause(err)
		}
		prev = resp
	}
	return results, nil
}

// RunParallel fans the labeled requests out concurrently and folds the
// responses per policy. Submission failures (routing, denial) become
// failed subtask responses so the policy decides their effect, the same
// as a worker-reported failure.
func (o *Orchestrator) RunParallel(ctx context.Context, requests map[string]types.TaskRequest, policy supervisor.AggregationPolicy, opts ...SubmitOption) (types.TaskResponse, error) {
	var mu sync.Mutex
	subs := make([]supervisor.SubResult, 0, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for label, req := range requests {
		g.Go(func() error {
			resp, err := o.Submit(gctx, req, opts...)
			if err != nil && resp.Status == "" {
				resp = types.TaskResponse{
					Status:       types.TaskFailed,
					ErrorCode:    types.GetErrorCode(err),
					ErrorMessage: err.Error(),
				}
			}
			mu.Lock()
			subs = append(subs, supervisor.SubResult{Label: label, Response: resp})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.TaskResponse{}, err
	}

	out := supervisor.Aggregate(policy, subs)
	if out.Status != types.TaskCompleted {
		return out, types.NewError(out.ErrorCode, out.ErrorMessage)
	}
	return out, nil
}
