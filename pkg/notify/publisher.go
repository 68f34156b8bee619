// Package notify fans upload status changes out to connected clients.
//
// Every API process holds one publisher and one subscriber connection
// to a single shared redis channel. Events published anywhere in the
// deployment reach every process; each process relays the events it
// receives to the websocket connections it holds, scoped to the owning
// user. Delivery is at-least-once to live connections only; a missed
// event is recoverable by polling the state store.
package notify

import (
	"context"
	"fmt"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the shared pub/sub channel name.
const DefaultChannel = "coursemedia:upload-status"

// Publisher publishes status events to the shared channel.
// Publishing is fire-and-forget from the caller's perspective: the
// state store logs and swallows errors returned from here.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisherWithClient creates a publisher over a shared redis
// client; the caller owns the client's lifecycle.
func NewPublisherWithClient(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish sends one status event to the shared channel.
func (p *Publisher) Publish(ctx context.Context, event *upload.StatusEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	result := p.client.Publish(ctx, p.channel, data)
	if err := result.Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}

	PublishedTotal.Inc()
	logger.Debug().
		Str("upload_id", event.UploadID).
		Str("status", string(event.Status)).
		Int64("subscribers", result.Val()).
		Msg("notify: published status event")
	return nil
}
