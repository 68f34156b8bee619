// Package upload defines the core data model for the video ingestion
// pipeline: the per-upload state record tracked across requests and
// processes, the transient chunk-upload session, and the status-change
// event fanned out to connected clients.
package upload

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an upload.
// Transitions are monotonic: queued -> uploaded -> processed, with
// failed reachable from any non-terminal state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploaded  Status = "uploaded"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// rank orders statuses for the monotonic-transition check.
// failed is terminal and handled separately.
var rank = map[Status]int{
	StatusQueued:    0,
	StatusUploaded:  1,
	StatusProcessed: 2,
}

// CanTransition reports whether moving from -> to is a legal status
// change. failed is terminal from any state; processed never regresses.
// Same-status transitions are allowed so redelivered callbacks stay
// idempotent.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusFailed:
		return false
	case StatusProcessed:
		return to == StatusProcessed
	}
	if to == StatusFailed {
		return true
	}
	fr, ok := rank[from]
	if !ok {
		return false
	}
	tr, ok := rank[to]
	if !ok {
		return false
	}
	return tr >= fr
}

// ProviderKind identifies which storage backend owns an upload.
// The set is closed: there is no provider plugin registry.
type ProviderKind string

const (
	ProviderManaged     ProviderKind = "managed"
	ProviderObjectStore ProviderKind = "object-store"
)

// State is the durable record of one upload attempt. It lives in the
// shared state store under upload:<UploadID> and is the single source
// of truth for the upload's progress. For managed-backend uploads a
// secondary index video:<BackendVideoID> -> UploadID lets webhook
// callbacks find it.
type State struct {
	UploadID       string       `json:"uploadId"`
	PlaceholderKey string       `json:"placeholderKey"`
	Status         Status       `json:"status"`
	Provider       ProviderKind `json:"provider,omitempty"`

	// Resolved once the asset is durably stored.
	FileKey string `json:"fileKey,omitempty"`
	FileURL string `json:"fileUrl,omitempty"`

	// Managed-backend path only.
	BackendVideoID string `json:"backendVideoId,omitempty"`

	// Object-store path only.
	MultipartUploadID string `json:"multipartUploadId,omitempty"`
	PartSize          int64  `json:"partSize,omitempty"`

	// Association / context.
	FileType string `json:"fileType,omitempty"`
	LessonID string `json:"lessonId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Error    string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Part is one completed multipart part of a chunked upload.
type Part struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
}

// Session is the transient chunk-upload session for the object-store
// path. It carries everything needed to resume without re-reading the
// upload State and is deleted when the upload completes; abandoned
// sessions expire by TTL.
type Session struct {
	UploadID     string `json:"uploadId"`
	Offset       int64  `json:"offset"`
	UploadLength int64  `json:"uploadLength"`
	Parts        []Part `json:"parts,omitempty"`

	// Copied from State at session creation.
	FileKey           string `json:"fileKey"`
	MultipartUploadID string `json:"multipartUploadId"`
	UserID            string `json:"userId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// NextPartNumber returns the S3 part number for the next chunk.
// Part numbers are 1-based and strictly sequential.
func (s *Session) NextPartNumber() int32 {
	return int32(len(s.Parts)) + 1
}

// StatusEvent is the upload-status-change message published on the
// shared fanout channel and relayed to the owning user's sockets.
type StatusEvent struct {
	UploadID string `json:"uploadId"`
	UserID   string `json:"userId,omitempty"`
	Status   Status `json:"status"`
	FileKey  string `json:"fileKey,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Marshal encodes the event for the wire.
func (e *StatusEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
