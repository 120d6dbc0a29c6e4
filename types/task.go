package types

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state reported in a TaskResponse.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Constraints bound a single task's resource consumption. Zero values mean
// "use the supervisor default".
type Constraints struct {
	MaxExecutionTime time.Duration `json:"max_execution_time_ms,omitempty"`
	MaxMemoryBytes   int64         `json:"max_memory_bytes,omitempty"`
	MaxCostUnits     float64       `json:"max_cost_units,omitempty"`
}

// Preferences express caller hints that do not affect correctness.
type Preferences struct {
	QualityLevel string `json:"quality_level,omitempty"`
	OptimizeCost bool   `json:"optimize_cost,omitempty"`
	Streaming    bool   `json:"streaming,omitempty"`
}

// FileRef points at out-of-band input data.
type FileRef struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// TaskInput carries inline data and/or file references.
type TaskInput struct {
	Inline json.RawMessage `json:"inline,omitempty"`
	Files  []FileRef       `json:"files,omitempty"`
}

// TaskRequest is the TASK_REQUEST payload.
//
// Type is a dot-namespaced task type such as "vision.analyze_image"; the
// registry resolves it against registered prefixes.
type TaskRequest struct {
	Type        string            `json:"type"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Constraints Constraints       `json:"constraints,omitempty"`
	Input       TaskInput         `json:"input,omitempty"`
	Preferences Preferences       `json:"preferences,omitempty"`
}

// Validate checks the request payload shape.
func (r *TaskRequest) Validate() error {
	if r.Type == "" {
		return NewError(ErrMalformedMessage, "task request missing type")
	}
	if r.Constraints.MaxExecutionTime < 0 || r.Constraints.MaxMemoryBytes < 0 || r.Constraints.MaxCostUnits < 0 {
		return NewError(ErrConstraintInvalid, "negative constraint for task "+r.Type)
	}
	return nil
}

// TaskMetrics reports measured resource usage for reconciliation. Handlers
// must report these truthfully so reservations can be settled.
type TaskMetrics struct {
	Duration     time.Duration `json:"duration_ms"`
	MemoryBytes  int64         `json:"memory_bytes,omitempty"`
	CostUnits    float64       `json:"cost_units,omitempty"`
	QualityScore float64       `json:"quality_score,omitempty"`
}

// TaskResponse is the TASK_RESPONSE / TASK_ERROR payload.
type TaskResponse struct {
	Status       TaskStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Metrics      TaskMetrics     `json:"metrics,omitempty"`
	ErrorCode    ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ProgressUpdate is the TASK_PROGRESS payload (fire-and-forget).
type ProgressUpdate struct {
	Stage    string  `json:"stage,omitempty"`
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

// ResourceDenial is the RESOURCE_DENY payload.
type ResourceDenial struct {
	Reason  DenialReason `json:"reason"`
	Message string       `json:"message,omitempty"`
}

// DenialReason is the structured reason attached to a budget denial.
type DenialReason string

const (
	DenyBudgetExceeded    DenialReason = "budget_exceeded"
	DenyRateLimited       DenialReason = "rate_limited"
	DenyConstraintInvalid DenialReason = "constraint_invalid"
	DenyQueueFull         DenialReason = "queue_full"
)

// HeartbeatAnnounce is the HEARTBEAT payload a worker publishes so
// supervisors can hot-register it.
type HeartbeatAnnounce struct {
	Address      Address  `json:"address"`
	Prefixes     []string `json:"prefixes"`
	Capabilities []string `json:"capabilities,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
}
