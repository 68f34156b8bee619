// Package tus implements the resumable chunked-upload protocol for the
// object-store path: a strict ordered-append session against an open
// multipart upload. Out-of-order or duplicate-offset writes are
// rejected with the session's true offset, never merged; the protocol
// itself is the concurrency control, so no locking is needed around a
// session.
package tus

import (
	"context"
	"errors"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/provider"
	"github.com/openlearnhq/coursemedia/pkg/statestore"
	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/dustin/go-humanize"
)

const (
	// MinPartSize is the object store's minimum multipart part size.
	// Only the final chunk of a session may be smaller.
	MinPartSize = 5 * 1024 * 1024 // 5 MiB

	// MaxUploadSize caps the declared upload length.
	MaxUploadSize = 5 * 1024 * 1024 * 1024 // 5 GiB
)

var (
	// ErrNotInitialized: no upload state, wrong provider, or no open
	// multipart upload behind the id.
	ErrNotInitialized = errors.New("upload not initialized for chunked transfer")

	// ErrNotOwner: the requesting user does not own the upload.
	// Distinct from not-found so clients can tell "not yours" from
	// "try elsewhere".
	ErrNotOwner = errors.New("upload belongs to another user")

	// ErrSessionNotFound: no session exists for the upload id.
	ErrSessionNotFound = errors.New("no chunk session for upload")

	ErrInvalidLength = errors.New("upload length must be positive")
	ErrTooLarge      = errors.New("declared upload length exceeds maximum")
	ErrEmptyChunk    = errors.New("empty chunk")
	ErrOverrun       = errors.New("chunk exceeds declared upload length")
	ErrPartTooSmall  = errors.New("non-final chunk below minimum part size")
	ErrNotVideo      = errors.New("leading bytes do not match an allowed video format")
)

// Manager drives chunk sessions: it validates protocol rules, appends
// accepted chunks as multipart parts, and finalizes the upload when the
// declared length is reached.
type Manager struct {
	store   *statestore.Store
	objects *provider.ObjectStore
}

// NewManager creates a session manager.
func NewManager(store *statestore.Store, objects *provider.ObjectStore) *Manager {
	return &Manager{store: store, objects: objects}
}

// PatchResult reports the session state after a chunk request.
type PatchResult struct {
	Offset    int64  `json:"offset"`
	Completed bool   `json:"completed,omitempty"`
	Conflict  bool   `json:"conflict,omitempty"`
	FileKey   string `json:"fileKey,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
}

// CreateSession opens (or returns the existing) chunk session for an
// initialized object-store upload. Idempotent: a repeated create for
// the same id returns the current session rather than erroring.
func (m *Manager) CreateSession(ctx context.Context, uploadID string, uploadLength int64, userID string) (*upload.Session, error) {
	if existing, err := m.store.GetSession(ctx, uploadID); err == nil {
		if err := checkOwner(existing.UserID, userID); err != nil {
			return nil, err
		}
		return existing, nil
	}

	st := m.store.Get(ctx, uploadID)
	if st == nil || st.Provider != upload.ProviderObjectStore || st.MultipartUploadID == "" {
		return nil, ErrNotInitialized
	}
	if err := checkOwner(st.UserID, userID); err != nil {
		return nil, err
	}
	if uploadLength <= 0 {
		return nil, ErrInvalidLength
	}
	if uploadLength > MaxUploadSize {
		return nil, ErrTooLarge
	}

	sess := &upload.Session{
		UploadID:          uploadID,
		UploadLength:      uploadLength,
		FileKey:           st.FileKey,
		MultipartUploadID: st.MultipartUploadID,
		UserID:            st.UserID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	logger.Info().
		Str("upload_id", uploadID).
		Str("key", st.FileKey).
		Str("length", humanize.IBytes(uint64(uploadLength))).
		Msg("tus: session created")

	return sess, nil
}

// HandlePatch accepts one byte-range write against the session.
//
// An offset mismatch is not an error: the response carries the
// session's true offset and a conflict flag, and a client that lost
// its connection resumes from there.
func (m *Manager) HandlePatch(ctx context.Context, uploadID string, offset int64, chunk []byte, userID string) (*PatchResult, error) {
	sess, err := m.store.GetSession(ctx, uploadID)
	if err != nil {
		if errors.Is(err, statestore.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if err := checkOwner(sess.UserID, userID); err != nil {
		return nil, err
	}

	// Every byte is in but a previous finalize attempt did not commit;
	// resume there instead of treating the retry as a stale offset.
	if sess.Offset == sess.UploadLength {
		return m.complete(ctx, sess)
	}

	if offset != sess.Offset {
		ConflictsTotal.Inc()
		return &PatchResult{Offset: sess.Offset, Conflict: true}, nil
	}

	size := int64(len(chunk))
	if size == 0 {
		return nil, ErrEmptyChunk
	}
	if sess.Offset+size > sess.UploadLength {
		return nil, ErrOverrun
	}

	final := sess.Offset+size == sess.UploadLength
	if !final && size < MinPartSize {
		return nil, ErrPartTooSmall
	}

	// First chunk: the declared MIME type may have looked valid on the
	// init call, the magic number decides.
	if sess.Offset == 0 {
		if format := sniffVideo(chunk); format == "" {
			return nil, ErrNotVideo
		}
	}

	partNumber := sess.NextPartNumber()
	etag, err := m.objects.UploadChunk(ctx, sess.FileKey, sess.MultipartUploadID, partNumber, chunk)
	if err != nil {
		return nil, err
	}

	sess.Parts = append(sess.Parts, upload.Part{Number: partNumber, ETag: etag})
	sess.Offset += size
	ChunkBytesTotal.Add(float64(size))

	logger.Debug().
		Str("upload_id", uploadID).
		Int32("part", partNumber).
		Str("size", humanize.IBytes(uint64(size))).
		Int64("offset", sess.Offset).
		Msg("tus: chunk accepted")

	// Persist before finalizing so a failure between the part upload
	// and the multipart complete leaves a session a retry can resume,
	// not a stranded multipart upload.
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	if !final {
		return &PatchResult{Offset: sess.Offset}, nil
	}

	return m.complete(ctx, sess)
}

// complete finalizes the multipart upload, marks the state uploaded,
// and deletes the session.
func (m *Manager) complete(ctx context.Context, sess *upload.Session) (*PatchResult, error) {
	url, err := m.objects.CompleteUpload(ctx, sess.FileKey, sess.MultipartUploadID, sess.Parts)
	if err != nil {
		return nil, err
	}

	if _, err := m.store.MarkUploaded(ctx, sess.UploadID, statestore.UploadedFields{
		FileKey:  sess.FileKey,
		FileURL:  url,
		Provider: upload.ProviderObjectStore,
	}); err != nil && !errors.Is(err, statestore.ErrNoTransition) {
		return nil, err
	}

	if err := m.store.DeleteSession(ctx, sess.UploadID); err != nil {
		// The multipart upload is already complete; a leftover session
		// record only costs its TTL.
		logger.Warn().Err(err).Str("upload_id", sess.UploadID).Msg("tus: session cleanup failed")
	}

	CompletionsTotal.Inc()
	logger.Info().
		Str("upload_id", sess.UploadID).
		Str("key", sess.FileKey).
		Int("parts", len(sess.Parts)).
		Str("size", humanize.IBytes(uint64(sess.UploadLength))).
		Msg("tus: upload completed")

	return &PatchResult{
		Offset:    sess.Offset,
		Completed: true,
		FileKey:   sess.FileKey,
		FileURL:   url,
	}, nil
}

// checkOwner enforces ownership only when both sides are known.
func checkOwner(owner, requester string) error {
	if owner != "" && requester != "" && owner != requester {
		return ErrNotOwner
	}
	return nil
}
