package taskqueue

import "context"

// Queue defines the interface for task queue operations.
type Queue interface {
	// Enqueue adds a task to the queue. Transfer payloads are
	// validated before the task is accepted.
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue retrieves the next available task for processing.
	// Returns nil if no tasks are ready.
	Dequeue(ctx context.Context, workerID string) (*Task, error)

	// Complete marks a task as successfully completed.
	Complete(ctx context.Context, taskID string) error

	// Fail marks a task as failed with an error message.
	// If retries remain, the task is requeued with exponential backoff.
	Fail(ctx context.Context, taskID string, err error) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)

	// Prune drops completed/dead-letter tasks beyond the diagnostic
	// retention window (KeepCompleted / KeepFailed).
	Prune(ctx context.Context) (int, error)

	// Close shuts down the queue.
	Close() error
}

// Handler processes tasks of a specific type.
type Handler interface {
	// Type returns the task type this handler processes.
	Type() TaskType

	// Handle processes the task and returns an error if it failed.
	Handle(ctx context.Context, task *Task) error
}
