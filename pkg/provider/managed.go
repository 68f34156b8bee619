package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/upload"
)

// ManagedConfig configures the managed video backend.
type ManagedConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIURL    string `mapstructure:"api_url"`
	LibraryID string `mapstructure:"library_id"`
	APIKey    string `mapstructure:"api_key"`

	// UploadExpiry bounds the client's direct-upload window.
	UploadExpiry time.Duration `mapstructure:"upload_expiry"`

	// Timeout applies to backend API calls.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultManagedConfig returns sensible defaults.
func DefaultManagedConfig() ManagedConfig {
	return ManagedConfig{
		APIURL:       "https://video.bunnycdn.com",
		UploadExpiry: time.Hour,
		Timeout:      10 * time.Second,
	}
}

// Managed initializes uploads against the managed video backend. The
// backend owns transcoding and delivery; after the client's direct
// upload finishes, processing completion arrives via webhook.
type Managed struct {
	cfg    ManagedConfig
	client *http.Client
}

var _ Provider = (*Managed)(nil)

// NewManaged creates the managed-backend provider.
func NewManaged(cfg ManagedConfig) *Managed {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UploadExpiry <= 0 {
		cfg.UploadExpiry = time.Hour
	}
	return &Managed{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (m *Managed) Kind() upload.ProviderKind {
	return upload.ProviderManaged
}

// IsAvailable checks configuration and backend reachability.
func (m *Managed) IsAvailable(ctx context.Context) bool {
	if !m.cfg.Enabled || m.cfg.APIKey == "" || m.cfg.LibraryID == "" {
		return false
	}

	url := fmt.Sprintf("%s/library/%s/videos?page=1&itemsPerPage=1", m.cfg.APIURL, m.cfg.LibraryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("AccessKey", m.cfg.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		logger.Debug().Err(err).Msg("provider: managed backend unreachable")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type createVideoRequest struct {
	Title string `json:"title"`
}

type createVideoResponse struct {
	GUID string `json:"guid"`
}

// InitUpload creates a remote video object and returns a time-boxed
// direct-upload endpoint so the client pushes the bulk bytes straight
// to the backend.
func (m *Managed) InitUpload(ctx context.Context, req InitRequest) (*InitResult, error) {
	title := req.Title
	if title == "" {
		title = req.Filename
	}

	body, err := json.Marshal(createVideoRequest{Title: title})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/library/%s/videos", m.cfg.APIURL, m.cfg.LibraryID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("AccessKey", m.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("managed create video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("managed create video: unexpected status %d", resp.StatusCode)
	}

	var created createVideoResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("managed create video: decode response: %w", err)
	}
	if created.GUID == "" {
		return nil, fmt.Errorf("managed create video: response missing guid")
	}

	expires := time.Now().Add(m.cfg.UploadExpiry).UnixMilli()

	logger.Debug().
		Str("video_id", created.GUID).
		Str("title", title).
		Msg("provider: created managed video object")

	return &InitResult{
		Provider:        upload.ProviderManaged,
		FileKey:         "managed-" + created.GUID,
		BackendVideoID:  created.GUID,
		UploadEndpoint:  fmt.Sprintf("%s/library/%s/videos/%s", m.cfg.APIURL, m.cfg.LibraryID, created.GUID),
		UploadSignature: m.uploadSignature(created.GUID, expires),
		UploadExpires:   expires,
	}, nil
}

// UploadVideo pushes bytes for an existing video object from this
// server (the out-of-band transfer path). The client-facing path
// bypasses this entirely via the presigned direct-upload endpoint.
func (m *Managed) UploadVideo(ctx context.Context, videoID string, body io.Reader) error {
	url := fmt.Sprintf("%s/library/%s/videos/%s", m.cfg.APIURL, m.cfg.LibraryID, videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	// Transfers can be large; the API timeout does not apply.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("managed upload video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("managed upload video: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// uploadSignature derives the presigned-upload signature the backend
// expects: sha256(libraryId + apiKey + expiry + videoId).
func (m *Managed) uploadSignature(videoID string, expires int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s%s%d%s", m.cfg.LibraryID, m.cfg.APIKey, expires, videoID))
	return hex.EncodeToString(sum[:])
}
