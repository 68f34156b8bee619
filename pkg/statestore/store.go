// Package statestore is the single source of truth for upload state.
//
// State lives in a shared redis instance so that every API process and
// worker sees the same record for a given upload id. Three key
// namespaces are used:
//
//	upload:<uploadId>      primary record (TTL 4h)
//	video:<backendVideoId> secondary index -> uploadId (TTL 7d)
//	tus-upload:<uploadId>  transient chunk-upload session (TTL 4h)
//
// Redis is a remote dependency whose transient failures must not
// corrupt state or silently drop transitions, so every operation runs
// under a bounded retry (3 attempts, linear backoff starting at 1s).
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound     = errors.New("upload state not found")
	ErrNoTransition = errors.New("illegal status transition")
)

// Publisher is the best-effort notification hook invoked after a state
// transition commits. Implementations must not block for long; failures
// are logged by the store and never propagated to callers.
type Publisher interface {
	Publish(ctx context.Context, event *upload.StatusEvent) error
}

// Config configures the state store.
type Config struct {
	// StateTTL bounds in-flight and completed upload records.
	StateTTL time.Duration `mapstructure:"state_ttl"`

	// IndexTTL bounds the backendVideoId -> uploadId mapping. Longer
	// than StateTTL because the managed backend may call back well
	// after the upload itself finished.
	IndexTTL time.Duration `mapstructure:"index_ttl"`

	// SessionTTL bounds chunk-upload sessions. Abandoned sessions
	// simply expire; the orphaned multipart upload is reconciled out
	// of band.
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	// Retry budget for redis operations.
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StateTTL:      4 * time.Hour,
		IndexTTL:      7 * 24 * time.Hour,
		SessionTTL:    4 * time.Hour,
		RetryAttempts: 3,
		RetryBackoff:  time.Second,
	}
}

// Store is the redis-backed upload state store.
type Store struct {
	client *redis.Client
	cfg    Config
	pub    Publisher
}

// NewWithClient creates a state store over a shared redis client. The
// caller owns the client's lifecycle; serve wires one client through
// the store, the queue, and the notification channel.
func NewWithClient(client *redis.Client, cfg Config, pub Publisher) *Store {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 4 * time.Hour
	}
	if cfg.IndexTTL <= 0 {
		cfg.IndexTTL = 7 * 24 * time.Hour
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = cfg.StateTTL
	}
	return &Store{client: client, cfg: cfg, pub: pub}
}

func stateKey(uploadID string) string   { return "upload:" + uploadID }
func indexKey(videoID string) string    { return "video:" + videoID }
func sessionKey(uploadID string) string { return "tus-upload:" + uploadID }

// withRetry runs fn up to the configured attempt budget with linear
// backoff (1s, 2s, ...). redis.Nil is a definitive answer, not a
// transient failure, and is returned immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}

		RetriesTotal.WithLabelValues(op).Inc()
		logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("statestore: redis operation failed")

		if attempt == s.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.cfg.RetryBackoff):
		}
	}
	FailuresTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("statestore %s: %w", op, err)
}

func (s *Store) getState(ctx context.Context, uploadID string) (*upload.State, error) {
	var raw string
	err := s.withRetry(ctx, "get", func() error {
		var err error
		raw, err = s.client.Get(ctx, stateKey(uploadID)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var st upload.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("statestore: corrupt state for %s: %w", uploadID, err)
	}
	return &st, nil
}

func (s *Store) putState(ctx context.Context, st *upload.State) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statestore: marshal state: %w", err)
	}
	return s.withRetry(ctx, "set", func() error {
		return s.client.Set(ctx, stateKey(st.UploadID), data, s.cfg.StateTTL).Err()
	})
}

func (s *Store) putIndex(ctx context.Context, videoID, uploadID string) error {
	return s.withRetry(ctx, "index_set", func() error {
		return s.client.Set(ctx, indexKey(videoID), uploadID, s.cfg.IndexTTL).Err()
	})
}

// InitParams carries everything known about an upload at initiation.
// Provider-specific fields are optional hints filled by the init call.
type InitParams struct {
	UploadID       string
	PlaceholderKey string
	FileType       string
	UserID         string

	Provider          upload.ProviderKind
	BackendVideoID    string
	MultipartUploadID string
	PartSize          int64
	FileKey           string
}

// Initialize creates the upload record with status queued. A failure
// here (after retries) is fatal for the upload attempt and propagates.
func (s *Store) Initialize(ctx context.Context, p InitParams) (*upload.State, error) {
	now := time.Now().UTC()
	st := &upload.State{
		UploadID:          p.UploadID,
		PlaceholderKey:    p.PlaceholderKey,
		Status:            upload.StatusQueued,
		Provider:          p.Provider,
		BackendVideoID:    p.BackendVideoID,
		MultipartUploadID: p.MultipartUploadID,
		PartSize:          p.PartSize,
		FileKey:           p.FileKey,
		FileType:          p.FileType,
		UserID:            p.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.putState(ctx, st); err != nil {
		return nil, err
	}

	// Secondary index is an independent, idempotent write; replaying
	// it on retry is safe.
	if p.BackendVideoID != "" {
		if err := s.putIndex(ctx, p.BackendVideoID, p.UploadID); err != nil {
			return nil, err
		}
	}

	TransitionsTotal.WithLabelValues(string(upload.StatusQueued)).Inc()
	return st, nil
}

// Get returns the current state, or nil when the upload is unknown.
// Retry exhaustion is logged and reported as not-found so read-only
// callers (status queries, webhook handlers) degrade instead of
// crashing.
func (s *Store) Get(ctx context.Context, uploadID string) *upload.State {
	st, err := s.getState(ctx, uploadID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Error().Err(err).Str("upload_id", uploadID).Msg("statestore: get failed, treating as not found")
		}
		return nil
	}
	return st
}

// UploadedFields are the values resolved when the asset became durable.
type UploadedFields struct {
	FileKey        string
	FileURL        string
	BackendVideoID string
	Provider       upload.ProviderKind
}

// MarkUploaded advances the upload to uploaded and fills the resolved
// asset fields. The transition never regresses a processed or failed
// record. A notification is published best-effort after the write
// commits.
func (s *Store) MarkUploaded(ctx context.Context, uploadID string, f UploadedFields) (*upload.State, error) {
	st, err := s.getState(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if !upload.CanTransition(st.Status, upload.StatusUploaded) {
		logger.Warn().
			Str("upload_id", uploadID).
			Str("from", string(st.Status)).
			Msg("statestore: refusing status regression to uploaded")
		return st, ErrNoTransition
	}

	st.Status = upload.StatusUploaded
	st.FileKey = f.FileKey
	st.FileURL = f.FileURL
	if f.Provider != "" {
		st.Provider = f.Provider
	}
	if f.BackendVideoID != "" {
		st.BackendVideoID = f.BackendVideoID
	}

	if err := s.putState(ctx, st); err != nil {
		return nil, err
	}
	if st.BackendVideoID != "" {
		if err := s.putIndex(ctx, st.BackendVideoID, st.UploadID); err != nil {
			return nil, err
		}
	}

	TransitionsTotal.WithLabelValues(string(upload.StatusUploaded)).Inc()
	s.notify(ctx, st)
	return st, nil
}

// LookupVideo resolves a backend video id to its upload id through the
// secondary index. Returns "" when the index has no entry.
func (s *Store) LookupVideo(ctx context.Context, backendVideoID string) (string, error) {
	var uploadID string
	err := s.withRetry(ctx, "index_get", func() error {
		var err error
		uploadID, err = s.client.Get(ctx, indexKey(backendVideoID)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return uploadID, nil
}

// MarkProcessed resolves the upload through the secondary index and
// advances it to processed. Returns nil (no error) when the index has
// no entry: a callback for an upload this deployment never tracked is
// the caller's problem to report, not a store failure.
func (s *Store) MarkProcessed(ctx context.Context, backendVideoID, fileURL string) (*upload.State, error) {
	var uploadID string
	err := s.withRetry(ctx, "index_get", func() error {
		var err error
		uploadID, err = s.client.Get(ctx, indexKey(backendVideoID)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st, err := s.getState(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Index outlived the primary record.
			return nil, nil
		}
		return nil, err
	}

	if !upload.CanTransition(st.Status, upload.StatusProcessed) {
		// Already failed; leave the terminal state alone.
		return st, ErrNoTransition
	}
	if st.Status == upload.StatusProcessed {
		// Redelivered callback; reconfirm without re-publishing.
		return st, nil
	}

	st.Status = upload.StatusProcessed
	if fileURL != "" {
		st.FileURL = fileURL
	}
	if err := s.putState(ctx, st); err != nil {
		return nil, err
	}

	TransitionsTotal.WithLabelValues(string(upload.StatusProcessed)).Inc()
	s.notify(ctx, st)
	return st, nil
}

// MarkFailed records the terminal failure state. The record is created
// if it does not exist so that a failure during initialization is still
// visible to status polls.
func (s *Store) MarkFailed(ctx context.Context, uploadID, placeholderKey, errMsg string) (*upload.State, error) {
	st, err := s.getState(ctx, uploadID)
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		st = &upload.State{
			UploadID:       uploadID,
			PlaceholderKey: placeholderKey,
			CreatedAt:      now,
		}
	} else if err != nil {
		return nil, err
	}

	if !upload.CanTransition(st.Status, upload.StatusFailed) && st.Status != "" {
		return st, nil
	}

	st.Status = upload.StatusFailed
	st.Error = errMsg
	if err := s.putState(ctx, st); err != nil {
		return nil, err
	}

	TransitionsTotal.WithLabelValues(string(upload.StatusFailed)).Inc()
	s.notify(ctx, st)
	return st, nil
}

// AssociateLesson attaches a lesson reference after the fact. Unknown
// uploads are a no-op: the lesson may reference an upload that already
// expired.
func (s *Store) AssociateLesson(ctx context.Context, uploadID, lessonID string) error {
	st, err := s.getState(ctx, uploadID)
	if errors.Is(err, ErrNotFound) {
		logger.Debug().Str("upload_id", uploadID).Msg("statestore: associate for unknown upload, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	st.LessonID = lessonID
	return s.putState(ctx, st)
}

// notify publishes a status-change event after a committed transition.
// Losing a push notification must not fail the upload, so errors are
// logged and swallowed; clients recover by polling.
func (s *Store) notify(ctx context.Context, st *upload.State) {
	if s.pub == nil {
		return
	}
	event := &upload.StatusEvent{
		UploadID: st.UploadID,
		UserID:   st.UserID,
		Status:   st.Status,
		FileKey:  st.FileKey,
		FileURL:  st.FileURL,
		Error:    st.Error,
	}
	if err := s.pub.Publish(ctx, event); err != nil {
		NotifyFailuresTotal.Inc()
		logger.Warn().
			Err(err).
			Str("upload_id", st.UploadID).
			Str("status", string(st.Status)).
			Msg("statestore: status notification dropped")
	}
}
