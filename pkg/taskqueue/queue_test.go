package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferTask(t *testing.T, uploadID string) *Task {
	t.Helper()
	payload, err := MarshalPayload(TransferPayload{
		UploadID:       uploadID,
		PlaceholderKey: "ph-" + uploadID,
		SourceURL:      "https://source.example.com/v.mp4",
	})
	require.NoError(t, err)
	return &Task{Type: TaskTypeTransfer, Payload: payload}
}

// queueImpls runs the same assertions against both queue backends.
func queueImpls(t *testing.T) map[string]func(t *testing.T) Queue {
	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue {
			return NewMemoryQueue()
		},
		"redis": func(t *testing.T) Queue {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisQueue(client)
		},
	}
}

func TestEnqueueValidatesPayload(t *testing.T) {
	for name, newQueue := range queueImpls(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()

			payload, err := MarshalPayload(TransferPayload{UploadID: "up-1"})
			require.NoError(t, err)
			err = q.Enqueue(ctx, &Task{Type: TaskTypeTransfer, Payload: payload})
			assert.Error(t, err)

			err = q.Enqueue(ctx, &Task{Type: TaskTypeTransfer, Payload: []byte("{nope")})
			assert.ErrorIs(t, err, ErrInvalidPayload)

			require.NoError(t, q.Enqueue(ctx, transferTask(t, "up-1")))
		})
	}
}

func TestEnqueueDequeueComplete(t *testing.T) {
	for name, newQueue := range queueImpls(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()

			task := transferTask(t, "up-1")
			require.NoError(t, q.Enqueue(ctx, task))
			require.NotEmpty(t, task.ID)
			assert.Equal(t, DefaultMaxRetries, task.MaxRetries)

			got, err := q.Dequeue(ctx, "worker-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, task.ID, got.ID)
			assert.Equal(t, StatusRunning, got.Status)
			assert.Equal(t, "worker-1", got.WorkerID)

			// Nothing else is ready.
			empty, err := q.Dequeue(ctx, "worker-1")
			require.NoError(t, err)
			assert.Nil(t, empty)

			require.NoError(t, q.Complete(ctx, task.ID))
			done, err := q.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			require.NotNil(t, done.CompletedAt)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Completed)
			assert.Zero(t, stats.Pending)
			assert.Zero(t, stats.Running)
		})
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	for name, newQueue := range queueImpls(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()

			task := transferTask(t, "up-1")
			require.NoError(t, q.Enqueue(ctx, task))

			got, err := q.Dequeue(ctx, "worker-1")
			require.NoError(t, err)
			require.NotNil(t, got)

			require.NoError(t, q.Fail(ctx, task.ID, errors.New("backend timeout")))

			failed, err := q.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, failed.Status)
			assert.Equal(t, 1, failed.Attempts)
			assert.Equal(t, "backend timeout", failed.LastError)

			// First retry backs off one second.
			delay := time.Until(failed.RetryAfter)
			assert.Greater(t, delay, 500*time.Millisecond)
			assert.LessOrEqual(t, delay, time.Second)

			// Not visible until the backoff elapses.
			invisible, err := q.Dequeue(ctx, "worker-1")
			require.NoError(t, err)
			assert.Nil(t, invisible)
		})
	}
}

func TestFailDeadLettersAfterMaxRetries(t *testing.T) {
	for name, newQueue := range queueImpls(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()

			task := transferTask(t, "up-1")
			task.MaxRetries = 1
			require.NoError(t, q.Enqueue(ctx, task))

			_, err := q.Dequeue(ctx, "worker-1")
			require.NoError(t, err)
			require.NoError(t, q.Fail(ctx, task.ID, errors.New("permanent")))

			dead, err := q.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusDeadLetter, dead.Status)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.DeadLetter)
		})
	}
}

func TestPruneRetention(t *testing.T) {
	for name, newQueue := range queueImpls(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()

			for i := 0; i < KeepCompleted+4; i++ {
				task := transferTask(t, fmt.Sprintf("done-%d", i))
				require.NoError(t, q.Enqueue(ctx, task))
				_, err := q.Dequeue(ctx, "worker-1")
				require.NoError(t, err)
				require.NoError(t, q.Complete(ctx, task.ID))
			}
			for i := 0; i < KeepFailed+2; i++ {
				task := transferTask(t, fmt.Sprintf("dead-%d", i))
				task.MaxRetries = 1
				require.NoError(t, q.Enqueue(ctx, task))
				_, err := q.Dequeue(ctx, "worker-1")
				require.NoError(t, err)
				require.NoError(t, q.Fail(ctx, task.ID, errors.New("boom")))
			}

			pruned, err := q.Prune(ctx)
			require.NoError(t, err)
			assert.Equal(t, 6, pruned)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(KeepCompleted), stats.Completed)
			assert.Equal(t, int64(KeepFailed), stats.DeadLetter)
		})
	}
}

func TestClosedMemoryQueueRejectsWork(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), transferTask(t, "up-1"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}
