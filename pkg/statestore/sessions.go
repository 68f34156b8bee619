package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when no chunk-upload session exists
// for the upload id.
var ErrSessionNotFound = errors.New("upload session not found")

// CreateSession persists a new chunk-upload session. The session TTL
// restarts on every save, so a session only expires after the client
// has been silent for the full window.
func (s *Store) CreateSession(ctx context.Context, sess *upload.Session) error {
	return s.SaveSession(ctx, sess)
}

// GetSession loads the chunk-upload session for the upload id.
func (s *Store) GetSession(ctx context.Context, uploadID string) (*upload.Session, error) {
	var raw string
	err := s.withRetry(ctx, "session_get", func() error {
		var err error
		raw, err = s.client.Get(ctx, sessionKey(uploadID)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess upload.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("statestore: corrupt session for %s: %w", uploadID, err)
	}
	return &sess, nil
}

// SaveSession persists the session after a chunk was accepted.
func (s *Store) SaveSession(ctx context.Context, sess *upload.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("statestore: marshal session: %w", err)
	}
	return s.withRetry(ctx, "session_set", func() error {
		return s.client.Set(ctx, sessionKey(sess.UploadID), data, s.cfg.SessionTTL).Err()
	})
}

// DeleteSession removes the session once the upload completed. The
// backing multipart upload of an expired (never deleted) session is
// garbage-collected out of band.
func (s *Store) DeleteSession(ctx context.Context, uploadID string) error {
	return s.withRetry(ctx, "session_del", func() error {
		return s.client.Del(ctx, sessionKey(uploadID)).Err()
	})
}
