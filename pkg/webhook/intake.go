// Package webhook accepts processing callbacks from the managed video
// backend. Different backend versions spell the same fields differently,
// so extraction walks an ordered list of aliases instead of binding the
// payload to a struct.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openlearnhq/coursemedia/pkg/lessons"
	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/statestore"
	"github.com/openlearnhq/coursemedia/pkg/upload"
)

// StatusReady is the backend's code for a fully processed video.
const StatusReady = 3

var (
	// ErrMissingVideoID means no known alias carried a video id.
	ErrMissingVideoID = errors.New("webhook: payload has no video id")

	// ErrUnknownVideo means the video id resolves to no tracked upload.
	ErrUnknownVideo = errors.New("webhook: video is not tracked")
)

var videoIDAliases = []string{"videoId", "VideoId", "videoGuid", "VideoGuid", "guid", "Guid"}

var statusAliases = []string{"status", "Status"}

// Result reports what the intake did with a callback.
type Result struct {
	// Ignored is set for callbacks that carry a non-ready status or no
	// status at all. They are acknowledged without side effects.
	Ignored bool

	UploadID string
	Status   int
}

// Intake processes backend callbacks: it marks the upload processed,
// pushes the completion notification, and writes the asset reference
// back to the owning lesson.
type Intake struct {
	store   *statestore.Store
	pub     statestore.Publisher
	lessons lessons.Store
}

// NewIntake wires the intake to its collaborators. pub may be nil when
// no fanout channel is configured.
func NewIntake(store *statestore.Store, pub statestore.Publisher, ls lessons.Store) *Intake {
	if ls == nil {
		ls = lessons.Noop{}
	}
	return &Intake{store: store, pub: pub, lessons: ls}
}

// Handle processes one raw callback body.
func (in *Intake) Handle(ctx context.Context, body []byte) (*Result, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}

	videoID, ok := firstString(payload, videoIDAliases)
	if !ok {
		ReceivedTotal.WithLabelValues("missing_id").Inc()
		return nil, ErrMissingVideoID
	}

	status, ok := firstNumber(payload, statusAliases)
	if !ok || status != StatusReady {
		ReceivedTotal.WithLabelValues("ignored").Inc()
		logger.Debug().
			Str("video_id", videoID).
			Int("status", status).
			Msg("webhook: ignoring non-ready callback")
		return &Result{Ignored: true, Status: status}, nil
	}

	uploadID, err := in.store.LookupVideo(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("webhook: resolve video: %w", err)
	}
	if uploadID == "" {
		ReceivedTotal.WithLabelValues("unknown").Inc()
		return nil, ErrUnknownVideo
	}

	st := in.store.Get(ctx, uploadID)
	if st == nil {
		// Index entry outlived the primary record.
		ReceivedTotal.WithLabelValues("unknown").Inc()
		return nil, ErrUnknownVideo
	}

	// Push the completion directly: the user-facing channel must see it
	// even if the state mutation below cannot publish.
	in.push(ctx, st)

	if _, err := in.store.MarkProcessed(ctx, videoID, st.FileURL); err != nil {
		if errors.Is(err, statestore.ErrNoTransition) {
			logger.Warn().
				Str("upload_id", uploadID).
				Msg("webhook: callback for a failed upload, leaving state alone")
		} else {
			return nil, fmt.Errorf("webhook: mark processed: %w", err)
		}
	}

	in.attachLesson(ctx, st)

	ReceivedTotal.WithLabelValues("processed").Inc()
	return &Result{UploadID: uploadID, Status: status}, nil
}

// push publishes the completion event. Failures are logged, never
// propagated: the callback must still be acknowledged so the backend
// does not retry forever.
func (in *Intake) push(ctx context.Context, st *upload.State) {
	if in.pub == nil {
		return
	}
	event := &upload.StatusEvent{
		UploadID: st.UploadID,
		UserID:   st.UserID,
		Status:   upload.StatusProcessed,
		FileKey:  st.FileKey,
		FileURL:  st.FileURL,
	}
	if err := in.pub.Publish(ctx, event); err != nil {
		logger.Error().Err(err).
			Str("upload_id", st.UploadID).
			Msg("webhook: publish completion")
	}
}

// attachLesson writes the asset reference back to the lesson, trying
// the direct association first, then the placeholder key, then the
// final file key. Write-back failures are logged only; the upload state
// is already correct and a retry of the callback repairs the lesson.
func (in *Intake) attachLesson(ctx context.Context, st *upload.State) {
	if st.LessonID != "" {
		err := in.lessons.AttachAsset(ctx, st.LessonID, st.FileKey, st.FileURL)
		if err == nil {
			return
		}
		logger.Warn().Err(err).
			Str("lesson_id", st.LessonID).
			Msg("webhook: direct lesson attach failed, falling back")
	}

	if st.PlaceholderKey != "" {
		n, err := in.lessons.AttachAssetByPlaceholder(ctx, st.PlaceholderKey, st.FileKey, st.FileURL)
		if err != nil {
			logger.Warn().Err(err).
				Str("placeholder_key", st.PlaceholderKey).
				Msg("webhook: placeholder lesson attach failed")
		} else if n > 0 {
			return
		}
	}

	if st.FileKey != "" {
		n, err := in.lessons.AttachAssetByFileKey(ctx, st.FileKey, st.FileURL)
		if err != nil {
			logger.Warn().Err(err).
				Str("file_key", st.FileKey).
				Msg("webhook: file key lesson attach failed")
		} else if n > 0 {
			return
		}
	}

	logger.Info().
		Str("upload_id", st.UploadID).
		Msg("webhook: no lesson references this upload yet")
}

// firstString returns the first alias present with a non-empty string
// value.
func firstString(payload map[string]any, aliases []string) (string, bool) {
	for _, key := range aliases {
		if v, ok := payload[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// firstNumber returns the first alias present with a numeric value.
// JSON numbers decode as float64; integer strings are tolerated too
// since some backend versions quote the status.
func firstNumber(payload map[string]any, aliases []string) (int, bool) {
	for _, key := range aliases {
		switch v := payload[key].(type) {
		case float64:
			return int(v), true
		case string:
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
