package taskqueue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingHandler completes or fails tasks on demand.
type countingHandler struct {
	taskType TaskType
	handled  atomic.Int64
	fail     atomic.Bool
}

func (h *countingHandler) Type() TaskType { return h.taskType }

func (h *countingHandler) Handle(context.Context, *Task) error {
	h.handled.Add(1)
	if h.fail.Load() {
		return errors.New("handler failure")
	}
	return nil
}

func TestWorkerProcessesTasks(t *testing.T) {
	q := NewMemoryQueue()
	handler := &countingHandler{taskType: TaskTypeTransfer}

	w := NewWorker(WorkerConfig{
		ID:           "test-worker",
		Queue:        q,
		PollInterval: 5 * time.Millisecond,
		Concurrency:  2,
	})
	w.RegisterHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	task := transferTask(t, "up-1")
	require.NoError(t, q.Enqueue(ctx, task))

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, task.ID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, handler.handled.Load(), int64(1))
}

func TestWorkerFailsTasksToRetry(t *testing.T) {
	q := NewMemoryQueue()
	handler := &countingHandler{taskType: TaskTypeTransfer}
	handler.fail.Store(true)

	w := NewWorker(WorkerConfig{
		ID:           "test-worker",
		Queue:        q,
		PollInterval: 5 * time.Millisecond,
	})
	w.RegisterHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	task := transferTask(t, "up-1")
	require.NoError(t, q.Enqueue(ctx, task))

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, task.ID)
		return err == nil && got.Attempts >= 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "handler failure", got.LastError)
}

func TestTransferHandlerPushesToManagedBackend(t *testing.T) {
	// Source server holding the bytes to move.
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	}))
	defer source.Close()

	// Managed backend accepting the server-side push.
	var mu sync.Mutex
	var pushedPaths []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			mu.Lock()
			pushedPaths = append(pushedPaths, r.URL.Path)
			mu.Unlock()
		}
		w.Write([]byte(`{"guid":"vid-new"}`))
	}))
	defer backend.Close()

	managed := provider.NewManaged(provider.ManagedConfig{
		Enabled:   true,
		APIURL:    backend.URL,
		LibraryID: "lib-1",
		APIKey:    "key-1",
	})

	var results []TransferResult
	h := NewTransferHandler(managed, func(_ context.Context, res TransferResult) {
		results = append(results, res)
	})

	payload, err := MarshalPayload(TransferPayload{
		UploadID:       "up-1",
		PlaceholderKey: "ph-1",
		SourceURL:      source.URL + "/v.mp4",
		BackendVideoID: "vid-1",
	})
	require.NoError(t, err)

	err = h.Handle(context.Background(), &Task{Type: TaskTypeTransfer, Payload: payload})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushedPaths, 1)
	assert.Contains(t, pushedPaths[0], "vid-1")

	require.Len(t, results, 1)
	assert.Equal(t, "up-1", results[0].UploadID)
	assert.Equal(t, "managed-vid-1", results[0].FileKey)
}

func TestTransferHandlerRejectsBadPayload(t *testing.T) {
	h := NewTransferHandler(nil, nil)

	err := h.Handle(context.Background(), &Task{Type: TaskTypeTransfer, Payload: []byte("{")})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	payload, err := MarshalPayload(TransferPayload{UploadID: "up-1", PlaceholderKey: "ph-1"})
	require.NoError(t, err)
	err = h.Handle(context.Background(), &Task{Type: TaskTypeTransfer, Payload: payload})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
