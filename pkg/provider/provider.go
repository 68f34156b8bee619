// Package provider abstracts the two storage backends an upload can be
// routed to: a managed video-streaming service that owns transcoding
// and delivery, and a generic object store for which this system runs
// the multipart upload mechanics itself.
//
// The provider set is closed. Selection policy (prefer managed, fall
// back to the object store) is the caller's responsibility; a provider
// only answers availability and performs the single initialization
// call. No retry logic lives here.
package provider

import (
	"context"

	"github.com/openlearnhq/coursemedia/pkg/upload"
)

// InitRequest describes the upload being initiated.
type InitRequest struct {
	Filename       string
	MimeType       string
	Title          string
	ResourceFolder string
}

// InitResult is the backend-specific initialization data returned to
// the client. Exactly one of the managed / object-store field groups is
// populated, matching Provider.
type InitResult struct {
	Provider upload.ProviderKind `json:"provider"`
	FileKey  string              `json:"fileKey"`

	// Managed backend: the client pushes bytes directly to the backend
	// using a time-boxed endpoint and signature, bypassing this server.
	BackendVideoID  string `json:"backendVideoId,omitempty"`
	UploadEndpoint  string `json:"uploadEndpoint,omitempty"`
	UploadSignature string `json:"uploadSignature,omitempty"`
	UploadExpires   int64  `json:"uploadExpires,omitempty"`

	// Object-store backend: the client streams chunks through the
	// resumable-session endpoints against this multipart upload.
	MultipartUploadID string `json:"multipartUploadId,omitempty"`
	PartSize          int64  `json:"partSize,omitempty"`
}

// Provider initializes uploads against one backend.
type Provider interface {
	Kind() upload.ProviderKind

	// IsAvailable reports whether the backend is configured and
	// reachable. Callers use it for selection, not health monitoring.
	IsAvailable(ctx context.Context) bool

	// InitUpload performs the single backend initialization call.
	InitUpload(ctx context.Context, req InitRequest) (*InitResult, error)
}
