package statestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []*upload.StatusEvent
}

func (p *capturePublisher) Publish(_ context.Context, event *upload.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) all() []*upload.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*upload.StatusEvent(nil), p.events...)
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *capturePublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pub := &capturePublisher{}
	store := NewWithClient(client, Config{RetryBackoff: time.Millisecond}, pub)
	return store, mr, pub
}

func TestInitializeAndGet(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	st, err := store.Initialize(ctx, InitParams{
		UploadID:       "up-1",
		PlaceholderKey: "ph-1",
		FileType:       "video/mp4",
		UserID:         "user-1",
		Provider:       upload.ProviderManaged,
		BackendVideoID: "vid-1",
		FileKey:        "managed-vid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, upload.StatusQueued, st.Status)

	got := store.Get(ctx, "up-1")
	require.NotNil(t, got)
	assert.Equal(t, "ph-1", got.PlaceholderKey)
	assert.Equal(t, upload.ProviderManaged, got.Provider)
	assert.Equal(t, "user-1", got.UserID)

	// Primary record and secondary index both land with their TTLs.
	assert.Equal(t, 4*time.Hour, mr.TTL("upload:up-1"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("video:vid-1"))

	uploadID, err := store.LookupVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "up-1", uploadID)
}

func TestGetUnknownReturnsNil(t *testing.T) {
	store, _, _ := newTestStore(t)
	assert.Nil(t, store.Get(context.Background(), "nope"))
}

func TestLookupVideoUnknown(t *testing.T) {
	store, _, _ := newTestStore(t)
	uploadID, err := store.LookupVideo(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, uploadID)
}

func TestMarkUploaded(t *testing.T) {
	store, _, pub := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, InitParams{
		UploadID: "up-1",
		UserID:   "user-1",
		Provider: upload.ProviderObjectStore,
	})
	require.NoError(t, err)

	st, err := store.MarkUploaded(ctx, "up-1", UploadedFields{
		FileKey:        "videos/a.mp4",
		FileURL:        "https://cdn.example.com/videos/a.mp4",
		BackendVideoID: "vid-9",
	})
	require.NoError(t, err)
	assert.Equal(t, upload.StatusUploaded, st.Status)
	assert.Equal(t, "videos/a.mp4", st.FileKey)

	// The transition writes the index so a later callback can resolve.
	uploadID, err := store.LookupVideo(ctx, "vid-9")
	require.NoError(t, err)
	assert.Equal(t, "up-1", uploadID)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, upload.StatusUploaded, events[0].Status)
	assert.Equal(t, "user-1", events[0].UserID)
}

func TestMarkUploadedUnknownUpload(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.MarkUploaded(context.Background(), "nope", UploadedFields{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkUploadedNeverRegresses(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, InitParams{UploadID: "up-1", BackendVideoID: "vid-1"})
	require.NoError(t, err)
	_, err = store.MarkUploaded(ctx, "up-1", UploadedFields{FileKey: "k"})
	require.NoError(t, err)
	_, err = store.MarkProcessed(ctx, "vid-1", "")
	require.NoError(t, err)

	st, err := store.MarkUploaded(ctx, "up-1", UploadedFields{FileKey: "other"})
	assert.ErrorIs(t, err, ErrNoTransition)
	assert.Equal(t, upload.StatusProcessed, st.Status)
	assert.Equal(t, "k", st.FileKey)
}

func TestMarkProcessed(t *testing.T) {
	store, _, pub := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, InitParams{
		UploadID:       "up-1",
		UserID:         "user-1",
		BackendVideoID: "vid-1",
	})
	require.NoError(t, err)

	st, err := store.MarkProcessed(ctx, "vid-1", "https://cdn.example.com/v.mp4")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, upload.StatusProcessed, st.Status)
	assert.Equal(t, "https://cdn.example.com/v.mp4", st.FileURL)
	require.Len(t, pub.all(), 1)

	// Redelivery reconfirms without publishing again.
	again, err := store.MarkProcessed(ctx, "vid-1", "")
	require.NoError(t, err)
	assert.Equal(t, upload.StatusProcessed, again.Status)
	assert.Len(t, pub.all(), 1)
}

func TestMarkProcessedUnindexed(t *testing.T) {
	store, _, _ := newTestStore(t)
	st, err := store.MarkProcessed(context.Background(), "never-seen", "")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestMarkProcessedAfterFailure(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, InitParams{UploadID: "up-1", BackendVideoID: "vid-1"})
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "up-1", "", "backend exploded")
	require.NoError(t, err)

	st, err := store.MarkProcessed(ctx, "vid-1", "")
	assert.ErrorIs(t, err, ErrNoTransition)
	assert.Equal(t, upload.StatusFailed, st.Status)
}

func TestMarkFailedCreatesRecord(t *testing.T) {
	store, _, pub := newTestStore(t)
	ctx := context.Background()

	st, err := store.MarkFailed(ctx, "up-gone", "ph-1", "init blew up")
	require.NoError(t, err)
	assert.Equal(t, upload.StatusFailed, st.Status)
	assert.Equal(t, "init blew up", st.Error)
	assert.Equal(t, "ph-1", st.PlaceholderKey)

	got := store.Get(ctx, "up-gone")
	require.NotNil(t, got)
	assert.Equal(t, upload.StatusFailed, got.Status)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, "init blew up", pub.all()[0].Error)
}

func TestAssociateLesson(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, InitParams{UploadID: "up-1"})
	require.NoError(t, err)

	require.NoError(t, store.AssociateLesson(ctx, "up-1", "lesson-7"))
	assert.Equal(t, "lesson-7", store.Get(ctx, "up-1").LessonID)

	// Unknown uploads are ignored, not errors.
	require.NoError(t, store.AssociateLesson(ctx, "nope", "lesson-7"))
}

func TestSessionLifecycle(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSession(ctx, "up-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess := &upload.Session{
		UploadID:          "up-1",
		UploadLength:      100,
		FileKey:           "videos/a.mp4",
		MultipartUploadID: "mp-1",
		UserID:            "user-1",
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(ctx, sess))
	assert.Equal(t, 4*time.Hour, mr.TTL("tus-upload:up-1"))

	got, err := store.GetSession(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.UploadLength)
	assert.Equal(t, "mp-1", got.MultipartUploadID)

	got.Offset = 50
	got.Parts = append(got.Parts, upload.Part{Number: 1, ETag: "e1"})
	require.NoError(t, store.SaveSession(ctx, got))

	reloaded, err := store.GetSession(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), reloaded.Offset)
	require.Len(t, reloaded.Parts, 1)

	require.NoError(t, store.DeleteSession(ctx, "up-1"))
	_, err = store.GetSession(ctx, "up-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewWithClient(client, Config{RetryBackoff: 25 * time.Millisecond}, nil)
	ctx := context.Background()

	_, err := store.Initialize(ctx, InitParams{UploadID: "up-1"})
	require.NoError(t, err)

	// A briefly failing server is retried within the attempt budget.
	mr.SetError("connection reset")
	go func() {
		time.Sleep(40 * time.Millisecond)
		mr.SetError("")
	}()

	st, err := store.MarkUploaded(ctx, "up-1", UploadedFields{FileKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, upload.StatusUploaded, st.Status)
}
