package supervisor

import (
	"encoding/json"

	"github.com/BaSui01/mcpflow/types"
)

// AggregationPolicy selects how a fan-out of subtask responses folds into
// one response.
type AggregationPolicy string

const (
	// AllSucceed fails the aggregate on the first failed subtask.
	AllSucceed AggregationPolicy = "all_succeed"
	// BestEffort completes with whatever subset succeeded; failures are
	// reported alongside the partial results.
	BestEffort AggregationPolicy = "best_effort"
)

// SubResult pairs a subtask label with its terminal response.
type SubResult struct {
	Label    string             `json:"label"`
	Response types.TaskResponse `json:"response"`
}

// aggregatePayload is the merged result document.
type aggregatePayload struct {
	Results  map[string]json.RawMessage `json:"results"`
	Failures map[string]types.ErrorCode `json:"failures,omitempty"`
}

// Aggregate folds subtask responses per policy. Metrics are summed so the
// parent reservation settles against the true total cost.
func Aggregate(policy AggregationPolicy, subs []SubResult) types.TaskResponse {
	out := aggregatePayload{Results: make(map[string]json.RawMessage, len(subs))}
	var total types.TaskMetrics

	for _, sub := range subs {
		total.CostUnits += sub.Response.Metrics.CostUnits
		total.MemoryBytes += sub.Response.Metrics.MemoryBytes
		if d := sub.Response.Metrics.Duration; d > total.Duration {
			// Fan-out runs concurrently; wall time is the slowest leg.
			total.Duration = d
		}

		if sub.Response.Status == types.TaskCompleted {
			out.Results[sub.Label] = sub.Response.Result
			continue
		}
		if policy == AllSucceed {
			return types.TaskResponse{
				Status:       types.TaskFailed,
				Metrics:      total,
				ErrorCode:    sub.Response.ErrorCode,
				ErrorMessage: "subtask " + sub.Label + ": " + sub.Response.ErrorMessage,
			}
		}
		if out.Failures == nil {
			out.Failures = make(map[string]types.ErrorCode)
		}
		out.Failures[sub.Label] = sub.Response.ErrorCode
	}

	if policy == BestEffort && len(out.Results) == 0 && len(out.Failures) > 0 {
		return types.TaskResponse{
			Status:       types.TaskFailed,
			Metrics:      total,
			ErrorCode:    types.ErrInternal,
			ErrorMessage: "every subtask failed",
		}
	}

	merged, err := json.Marshal(out)
	if err != nil {
		return types.TaskResponse{
			Status:       types.TaskFailed,
			Metrics:      total,
			ErrorCode:    types.ErrInternal,
			ErrorMessage: "merge subtask results",
		}
	}
	return types.TaskResponse{Status: types.TaskCompleted, Result: merged, Metrics: total}
}
