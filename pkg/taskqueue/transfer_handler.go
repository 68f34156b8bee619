package taskqueue

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/provider"
)

// Compile-time interface verification
var _ Handler = (*TransferHandler)(nil)

// TransferHandler moves upload bytes from their source location to the
// managed video backend. It is deliberately stateless: on success it
// hands a TransferResult to the caller-supplied hook and leaves the
// upload-state transition to that hook (or to the backend's webhook),
// which keeps the worker restart-safe.
type TransferHandler struct {
	managed  *provider.Managed
	client   *http.Client
	onResult func(ctx context.Context, res TransferResult)
}

// NewTransferHandler creates the transfer handler. onResult may be nil
// when the webhook alone drives the state transition.
func NewTransferHandler(managed *provider.Managed, onResult func(ctx context.Context, res TransferResult)) *TransferHandler {
	return &TransferHandler{
		managed:  managed,
		client:   &http.Client{},
		onResult: onResult,
	}
}

// Type returns the task type this handler processes.
func (h *TransferHandler) Type() TaskType {
	return TaskTypeTransfer
}

// Handle streams the source bytes into the managed backend.
func (h *TransferHandler) Handle(ctx context.Context, task *Task) error {
	payload, err := UnmarshalPayload[TransferPayload](task.Payload)
	if err != nil {
		return ErrInvalidPayload
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if payload.SourceURL == "" {
		return fmt.Errorf("%w: missing source url", ErrInvalidPayload)
	}

	videoID := payload.BackendVideoID
	if videoID == "" {
		// The remote video object was not created at init time.
		res, err := h.managed.InitUpload(ctx, provider.InitRequest{
			Filename: payload.Title,
			MimeType: payload.MimeType,
			Title:    payload.Title,
		})
		if err != nil {
			return fmt.Errorf("create remote video: %w", err)
		}
		videoID = res.BackendVideoID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.SourceURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch source: unexpected status %d", resp.StatusCode)
	}

	if err := h.managed.UploadVideo(ctx, videoID, resp.Body); err != nil {
		return err
	}

	logger.Info().
		Str("upload_id", payload.UploadID).
		Str("video_id", videoID).
		Msg("taskqueue: transfer finished")

	if h.onResult != nil {
		h.onResult(ctx, TransferResult{
			UploadID:       payload.UploadID,
			BackendVideoID: videoID,
			FileKey:        "managed-" + videoID,
		})
	}
	return nil
}
