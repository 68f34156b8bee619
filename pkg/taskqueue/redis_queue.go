package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface verification
var _ Queue = (*RedisQueue)(nil)

// Key layout under the queue prefix.
const (
	taskKeyPrefix = "transferq:task:"
	scheduledKey  = "transferq:scheduled" // ZSET taskID -> ready time (unix ms)
	runningKey    = "transferq:running"   // SET of in-flight task ids
	completedKey  = "transferq:completed" // LIST, most recent first
	deadKey       = "transferq:dead"      // LIST, most recent first
)

// taskTTL bounds how long a task record can outlive the queue's own
// bookkeeping (crashed workers, interrupted prunes).
const taskTTL = 7 * 24 * time.Hour

// dequeueScript atomically pops the first ready task id from the
// scheduled set and marks it in-flight.
var dequeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
    return false
end
redis.call("ZREM", KEYS[1], ids[1])
redis.call("SADD", KEYS[2], ids[1])
return ids[1]
`)

// RedisQueue is the shared, cross-process queue implementation.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a queue backed by the given redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func taskKey(id string) string { return taskKeyPrefix + id }

func (q *RedisQueue) saveTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal task: %w", err)
	}
	return q.client.Set(ctx, taskKey(task.ID), data, taskTTL).Err()
}

func (q *RedisQueue) loadTask(ctx context.Context, taskID string) (*Task, error) {
	raw, err := q.client.Get(ctx, taskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("taskqueue: corrupt task %s: %w", taskID, err)
	}
	return &task, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.Type == TaskTypeTransfer {
		payload, err := UnmarshalPayload[TransferPayload](task.Payload)
		if err != nil {
			return ErrInvalidPayload
		}
		if err := payload.Validate(); err != nil {
			return err
		}
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	now := time.Now()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	if err := q.saveTask(ctx, task); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(task.ScheduledAt.UnixMilli()),
		Member: task.ID,
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := dequeueScript.Run(ctx, q.client, []string{scheduledKey, runningKey}, now).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	taskID, ok := res.(string)
	if !ok || taskID == "" {
		return nil, nil
	}

	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		// Bookkeeping entry without a record; drop it.
		q.client.SRem(ctx, runningKey, taskID)
		return nil, err
	}

	now2 := time.Now()
	task.Status = StatusRunning
	task.WorkerID = workerID
	task.StartedAt = &now2
	if err := q.saveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (q *RedisQueue) Complete(ctx context.Context, taskID string) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	if err := q.saveTask(ctx, task); err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.SRem(ctx, runningKey, taskID)
	pipe.LPush(ctx, completedKey, taskID)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.Attempts++
	task.LastError = taskErr.Error()

	if task.Attempts >= task.MaxRetries {
		now := time.Now()
		task.Status = StatusDeadLetter
		task.CompletedAt = &now
		if err := q.saveTask(ctx, task); err != nil {
			return err
		}
		pipe := q.client.Pipeline()
		pipe.SRem(ctx, runningKey, taskID)
		pipe.LPush(ctx, deadKey, taskID)
		_, err = pipe.Exec(ctx)
		return err
	}

	// Exponential backoff: 1s, 2s, 4s...
	backoff := time.Duration(1<<(task.Attempts-1)) * time.Second
	task.RetryAfter = time.Now().Add(backoff)
	task.Status = StatusPending
	task.WorkerID = ""
	if err := q.saveTask(ctx, task); err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.SRem(ctx, runningKey, taskID)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(task.RetryAfter.UnixMilli()),
		Member: task.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	return q.loadTask(ctx, taskID)
}

func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, scheduledKey)
	running := pipe.SCard(ctx, runningKey)
	completed := pipe.LLen(ctx, completedKey)
	dead := pipe.LLen(ctx, deadKey)
	oldest := pipe.ZRangeWithScores(ctx, scheduledKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:    pending.Val(),
		Running:    running.Val(),
		Completed:  completed.Val(),
		DeadLetter: dead.Val(),
	}
	if zs := oldest.Val(); len(zs) > 0 {
		t := time.UnixMilli(int64(zs[0].Score))
		stats.OldestPending = &t
	}
	return stats, nil
}

func (q *RedisQueue) Prune(ctx context.Context) (int, error) {
	pruned, err := q.pruneList(ctx, completedKey, KeepCompleted)
	if err != nil {
		return pruned, err
	}
	n, err := q.pruneList(ctx, deadKey, KeepFailed)
	return pruned + n, err
}

// pruneList pops task ids beyond the retention window off the tail of
// the list and deletes their records.
func (q *RedisQueue) pruneList(ctx context.Context, key string, keep int) (int, error) {
	pruned := 0
	for {
		length, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			return pruned, err
		}
		if length <= int64(keep) {
			return pruned, nil
		}
		taskID, err := q.client.RPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return pruned, nil
		}
		if err != nil {
			return pruned, err
		}
		if err := q.client.Del(ctx, taskKey(taskID)).Err(); err != nil {
			return pruned, err
		}
		pruned++
	}
}

func (q *RedisQueue) Close() error {
	// The redis client is shared; owners close it.
	return nil
}
