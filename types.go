package dragonflow

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the possible states of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates the task is ready to be executed.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates the task is currently executing.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task has completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task has failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskDescriptor describes a unit of work submitted to the executor.
type TaskDescriptor struct {
	ID           string                 `json:"id" yaml:"id"`
	Type         string                 `json:"type" yaml:"type"`
	Agent        string                 `json:"agent,omitempty" yaml:"agent"`
	Input        map[string]interface{} `json:"input,omitempty" yaml:"input"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"depends_on"`
	Priority     int                    `json:"priority,omitempty" yaml:"priority"`

	// Timeout and MaxRetries override executor defaults when set.
	Timeout    time.Duration `json:"-" yaml:"timeout"`
	MaxRetries *int          `json:"-" yaml:"max_retries"`
}

// Envelope is the document written to a worker's stdin.
type Envelope struct {
	Task  TaskDescriptor         `json:"task"`
	Agent string                 `json:"agent"`
	Input map[string]interface{} `json:"input"`
}

// NewEnvelope builds the envelope for a task.
func NewEnvelope(task TaskDescriptor) Envelope {
	input := task.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	return Envelope{Task: task, Agent: task.Agent, Input: input}
}

// WorkerOutput is the document a worker writes to stdout on success.
type WorkerOutput struct {
	Output       interface{}            `json:"output"`
	Artifacts    []interface{}          `json:"artifacts,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Quality      float64                `json:"quality,omitempty"`
	Completeness float64                `json:"completeness,omitempty"`
	Accuracy     float64                `json:"accuracy,omitempty"`
}

// ResourceUsage is a point-in-time sample of a worker's consumption.
type ResourceUsage struct {
	MemoryBytes    uint64    `json:"memoryBytes"`
	CPUPercent     float64   `json:"cpuPercent"`
	DiskReadBytes  uint64    `json:"diskReadBytes"`
	DiskWriteBytes uint64    `json:"diskWriteBytes"`
	NetRxBytes     uint64    `json:"netRxBytes"`
	NetTxBytes     uint64    `json:"netTxBytes"`
	SampledAt      time.Time `json:"sampledAt"`
}

// Peak merges two samples keeping the higher value of each counter.
func (u ResourceUsage) Peak(other ResourceUsage) ResourceUsage {
	out := u
	if other.MemoryBytes > out.MemoryBytes {
		out.MemoryBytes = other.MemoryBytes
	}
	if other.CPUPercent > out.CPUPercent {
		out.CPUPercent = other.CPUPercent
	}
	if other.DiskReadBytes > out.DiskReadBytes {
		out.DiskReadBytes = other.DiskReadBytes
	}
	if other.DiskWriteBytes > out.DiskWriteBytes {
		out.DiskWriteBytes = other.DiskWriteBytes
	}
	if other.NetRxBytes > out.NetRxBytes {
		out.NetRxBytes = other.NetRxBytes
	}
	if other.NetTxBytes > out.NetTxBytes {
		out.NetTxBytes = other.NetTxBytes
	}
	if other.SampledAt.After(out.SampledAt) {
		out.SampledAt = other.SampledAt
	}
	return out
}

// AttemptRecord captures the outcome of a single attempt.
type AttemptRecord struct {
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    *TaskError    `json:"error,omitempty"`
}

// ExecutionResult is the terminal outcome of ExecuteTask.
type ExecutionResult struct {
	ExecutionID   string          `json:"executionId"`
	TaskID        string          `json:"taskId"`
	WorkerID      string          `json:"workerId"`
	Success       bool            `json:"success"`
	Output        *WorkerOutput   `json:"output,omitempty"`
	Error         *TaskError      `json:"error,omitempty"`
	ResourcesUsed ResourceUsage   `json:"resourcesUsed"`
	RetryCount    int             `json:"retryCount"`
	ExecutionTime time.Duration   `json:"-"`
	Attempts      []AttemptRecord `json:"attempts,omitempty"`
}

// ExecutionTimeMs returns the wall time in milliseconds.
func (r *ExecutionResult) ExecutionTimeMs() int64 {
	return r.ExecutionTime.Milliseconds()
}

type resultJSON ExecutionResult

// MarshalJSON adds executionTimeMs alongside the other fields.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		resultJSON
		ExecutionTimeMs int64 `json:"executionTimeMs"`
	}{resultJSON(r), r.ExecutionTime.Milliseconds()})
}

// UnmarshalJSON restores ExecutionTime from executionTimeMs.
func (r *ExecutionResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		resultJSON
		ExecutionTimeMs int64 `json:"executionTimeMs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ExecutionResult(raw.resultJSON)
	r.ExecutionTime = time.Duration(raw.ExecutionTimeMs) * time.Millisecond
	return nil
}

// Cancelled reports whether the result ended in cancellation.
func (r *ExecutionResult) Cancelled() bool {
	return r.Error != nil && r.Error.Code == ErrCodeCancelled
}
