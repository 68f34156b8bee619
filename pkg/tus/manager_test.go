package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/provider"
	"github.com/openlearnhq/coursemedia/pkg/statestore"
	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records multipart calls in memory.
type fakeS3 struct {
	mu          sync.Mutex
	parts       []int32
	partSizes   []int
	completed   bool
	aborted     bool
	completeErr error
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mp-1")}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := aws.ToInt32(in.PartNumber)
	f.parts = append(f.parts, n)

	data, _ := io.ReadAll(in.Body)
	f.partSizes = append(f.partSizes, len(data))
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.completed = true
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) partCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.parts)
}

func newTestManager(t *testing.T) (*Manager, *statestore.Store, *fakeS3) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := statestore.NewWithClient(client, statestore.Config{RetryBackoff: time.Millisecond}, nil)
	fake := &fakeS3{}
	objects := provider.NewObjectStore(fake, provider.ObjectStoreConfig{
		Bucket:        "media",
		PublicBaseURL: "https://cdn.example.com",
	})
	return NewManager(store, objects), store, fake
}

func initObjectStoreUpload(t *testing.T, store *statestore.Store, uploadID, userID string) {
	t.Helper()
	_, err := store.Initialize(context.Background(), statestore.InitParams{
		UploadID:          uploadID,
		PlaceholderKey:    "ph-" + uploadID,
		UserID:            userID,
		Provider:          upload.ProviderObjectStore,
		MultipartUploadID: "mp-1",
		FileKey:           "videos/a.mp4",
	})
	require.NoError(t, err)
}

// mp4Chunk builds a chunk of the given size whose leading bytes carry
// the mp4 ftyp box signature.
func mp4Chunk(size int) []byte {
	chunk := make([]byte, size)
	copy(chunk[4:], "ftyp")
	return chunk
}

// tsChunk builds two packet-aligned transport stream sync bytes.
func tsChunk() []byte {
	chunk := make([]byte, 2*tsPacketSize)
	chunk[0] = 0x47
	chunk[tsPacketSize] = 0x47
	return chunk
}

func TestCreateSessionRequiresInitializedUpload(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "never-initialized", 100, "")
	assert.ErrorIs(t, err, ErrNotInitialized)

	// A managed-backend upload has no multipart session to resume.
	_, err = store.Initialize(ctx, statestore.InitParams{
		UploadID: "managed-up",
		Provider: upload.ProviderManaged,
	})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "managed-up", 100, "")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCreateSessionLengthBounds(t *testing.T) {
	m, store, _ := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "")

	_, err := m.CreateSession(context.Background(), "up-1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = m.CreateSession(context.Background(), "up-1", MaxUploadSize+1, "")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCreateSessionOwnership(t *testing.T) {
	m, store, _ := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "user-1")
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "up-1", 100, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)

	// Unauthenticated callers pass; the check needs both sides known.
	sess, err := m.CreateSession(ctx, "up-1", 100, "")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
}

func TestCreateSessionIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "user-1")
	ctx := context.Background()

	first, err := m.CreateSession(ctx, "up-1", 15*1024*1024, "user-1")
	require.NoError(t, err)

	_, err = m.HandlePatch(ctx, "up-1", 0, mp4Chunk(10*1024*1024), "user-1")
	require.NoError(t, err)

	// Re-creating returns the live session with its current offset.
	second, err := m.CreateSession(ctx, "up-1", 15*1024*1024, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.UploadID, second.UploadID)
	assert.Equal(t, int64(10*1024*1024), second.Offset)
}

func TestHappyPathChunkedUpload(t *testing.T) {
	m, store, fake := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "user-1")
	ctx := context.Background()

	const total = 25 * 1024 * 1024
	_, err := m.CreateSession(ctx, "up-1", total, "user-1")
	require.NoError(t, err)

	res, err := m.HandlePatch(ctx, "up-1", 0, mp4Chunk(10*1024*1024), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024*1024), res.Offset)
	assert.False(t, res.Completed)

	res, err = m.HandlePatch(ctx, "up-1", 10*1024*1024, make([]byte, 10*1024*1024), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20*1024*1024), res.Offset)

	// The final chunk may be below the minimum part size.
	res, err = m.HandlePatch(ctx, "up-1", 20*1024*1024, make([]byte, 5*1024*1024), "user-1")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, int64(total), res.Offset)
	assert.Equal(t, "videos/a.mp4", res.FileKey)
	assert.Equal(t, "https://cdn.example.com/videos/a.mp4", res.FileURL)

	assert.Equal(t, []int32{1, 2, 3}, fake.parts)
	assert.True(t, fake.completed)

	st := store.Get(ctx, "up-1")
	require.NotNil(t, st)
	assert.Equal(t, upload.StatusUploaded, st.Status)
	assert.Equal(t, "https://cdn.example.com/videos/a.mp4", st.FileURL)

	// The session is gone once the upload completes.
	_, err = store.GetSession(ctx, "up-1")
	assert.ErrorIs(t, err, statestore.ErrSessionNotFound)
}

func TestOffsetConflictReturnsTrueOffset(t *testing.T) {
	m, store, fake := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "")
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "up-1", 20*1024*1024, "")
	require.NoError(t, err)

	_, err = m.HandlePatch(ctx, "up-1", 0, mp4Chunk(10*1024*1024), "")
	require.NoError(t, err)
	uploaded := fake.partCount()

	// Replay of the first chunk: no error, no mutation, true offset back.
	res, err := m.HandlePatch(ctx, "up-1", 0, mp4Chunk(10*1024*1024), "")
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.Equal(t, int64(10*1024*1024), res.Offset)
	assert.Equal(t, uploaded, fake.partCount())

	// The session still accepts the correct continuation.
	res, err = m.HandlePatch(ctx, "up-1", 10*1024*1024, make([]byte, 10*1024*1024), "")
	require.NoError(t, err)
	assert.True(t, res.Completed)
}

func TestFinalizeFailureLeavesResumableSession(t *testing.T) {
	m, store, fake := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "")
	ctx := context.Background()

	const total = 10 * 1024 * 1024
	_, err := m.CreateSession(ctx, "up-1", total, "")
	require.NoError(t, err)

	fake.completeErr = errors.New("backend unavailable")
	_, err = m.HandlePatch(ctx, "up-1", 0, mp4Chunk(total), "")
	require.Error(t, err)

	// The accepted part and final offset outlived the failed finalize.
	sess, err := store.GetSession(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, int64(total), sess.Offset)
	assert.Len(t, sess.Parts, 1)

	// A retried final chunk resumes at the finalize step; nothing is
	// re-appended against the multipart upload.
	fake.completeErr = nil
	res, err := m.HandlePatch(ctx, "up-1", 0, mp4Chunk(total), "")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, fake.partCount())
	assert.True(t, fake.completed)

	st := store.Get(ctx, "up-1")
	require.NotNil(t, st)
	assert.Equal(t, upload.StatusUploaded, st.Status)

	_, err = store.GetSession(ctx, "up-1")
	assert.ErrorIs(t, err, statestore.ErrSessionNotFound)
}

func TestPatchValidation(t *testing.T) {
	m, store, fake := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "")
	ctx := context.Background()

	_, err := m.HandlePatch(ctx, "no-session", 0, mp4Chunk(MinPartSize), "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.CreateSession(ctx, "up-1", 20*1024*1024, "")
	require.NoError(t, err)

	_, err = m.HandlePatch(ctx, "up-1", 0, nil, "")
	assert.ErrorIs(t, err, ErrEmptyChunk)

	_, err = m.HandlePatch(ctx, "up-1", 0, mp4Chunk(21*1024*1024), "")
	assert.ErrorIs(t, err, ErrOverrun)

	// A non-final chunk below the part-size floor is rejected.
	_, err = m.HandlePatch(ctx, "up-1", 0, mp4Chunk(MinPartSize-1), "")
	assert.ErrorIs(t, err, ErrPartTooSmall)

	assert.Zero(t, fake.partCount())
}

func TestSpoofedContentTypeRejected(t *testing.T) {
	m, store, fake := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "")
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "up-1", 10*1024*1024, "")
	require.NoError(t, err)

	// Declared video/mp4 at init time, but the bytes are a zip archive.
	chunk := make([]byte, 10*1024*1024)
	copy(chunk, "PK\x03\x04")
	_, err = m.HandlePatch(ctx, "up-1", 0, chunk, "")
	assert.ErrorIs(t, err, ErrNotVideo)
	assert.Zero(t, fake.partCount())

	// The session survives for a corrected retry.
	sess, err := store.GetSession(ctx, "up-1")
	require.NoError(t, err)
	assert.Zero(t, sess.Offset)
}

func TestPatchOwnership(t *testing.T) {
	m, store, _ := newTestManager(t)
	initObjectStoreUpload(t, store, "up-1", "user-1")
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "up-1", 10*1024*1024, "user-1")
	require.NoError(t, err)

	_, err = m.HandlePatch(ctx, "up-1", 0, mp4Chunk(10*1024*1024), "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestSniffFormats(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want string
	}{
		{"mp4", mp4Chunk(16), "mp4"},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00}, "webm"},
		{"avi", []byte("RIFF....AVI "), "avi"},
		{"flv", []byte("FLV\x01"), "flv"},
		{"wmv", []byte{0x30, 0x26, 0xB2, 0x75}, "wmv"},
		{"mpeg", []byte{0x00, 0x00, 0x01, 0xBA}, "mpeg"},
		{"mpeg-ts", tsChunk(), "mpeg-ts"},
		{"zip", []byte("PK\x03\x04"), ""},
		{"text", []byte("hello world"), ""},
		{"too short", []byte{0x00}, ""},
		{"gif leads with the ts sync byte", []byte("GIF89a......"), ""},
		{"gzip behind the ts sync byte", []byte{0x47, 0x1F, 0x8B, 0x08}, ""},
		{"ts sync byte without packet alignment", []byte{0x47, 0x40, 0x00}, ""},
		{"wav under riff", []byte("RIFF....WAVEfmt "), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sniffVideo(tt.head))
		})
	}
}
