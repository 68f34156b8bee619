// Package taskqueue provides the background queue for out-of-band
// upload transfers: paths where this server, not the client, must move
// the bytes to the managed backend. Jobs decouple the user-facing
// request from the potentially slow transfer and survive retries with
// exponential backoff.
//
// Backends:
//   - Redis - default, shared across processes
//   - In-memory - for testing only
package taskqueue

import (
	"encoding/json"
	"errors"
	"time"
)

// Default configuration values
const (
	DefaultPollInterval = time.Second
	DefaultConcurrency  = 5
	DefaultMaxRetries   = 3

	// Completed/failed jobs kept for diagnostics; older ones are pruned.
	KeepCompleted = 10
	KeepFailed    = 5
)

// Common errors
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrQueueClosed    = errors.New("task queue is closed")
	ErrInvalidPayload = errors.New("invalid task payload")
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

const (
	// TaskTypeTransfer moves upload bytes from a source location to the
	// managed video backend.
	TaskTypeTransfer TaskType = "remote_transfer"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusRunning    TaskStatus = "running"     // Currently being processed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusDeadLetter TaskStatus = "dead_letter" // Failed permanently
)

// Task represents a unit of work to be processed.
type Task struct {
	ID     string     `json:"id"`
	Type   TaskType   `json:"type"`
	Status TaskStatus `json:"status"`

	// Payload - JSON encoded task-specific data
	Payload json.RawMessage `json:"payload"`

	// Scheduling
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Retry handling
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty"`

	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// TransferPayload is the payload of a remote_transfer task.
type TransferPayload struct {
	UploadID       string `json:"uploadId"`
	PlaceholderKey string `json:"placeholderKey"`

	// SourceURL is where the bytes currently live (a staging object or
	// a remote pull source).
	SourceURL string `json:"sourceUrl"`

	BackendVideoID string `json:"backendVideoId,omitempty"`
	Title          string `json:"title,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
}

// Validate checks the payload carries the fields every transfer needs.
func (p *TransferPayload) Validate() error {
	if p.UploadID == "" || p.PlaceholderKey == "" {
		return ErrInvalidPayload
	}
	return nil
}

// TransferResult is the structured outcome of a transfer. The worker
// itself never mutates upload state; the result is handed to the
// caller-supplied hook and the state transition stays the caller's
// (or the webhook's) responsibility.
type TransferResult struct {
	UploadID       string `json:"uploadId"`
	BackendVideoID string `json:"backendVideoId,omitempty"`
	FileKey        string `json:"fileKey"`
	FileURL        string `json:"fileUrl,omitempty"`
}

// QueueStats provides queue metrics.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
