package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/redis/go-redis/v9"
)

// Relay receives events the subscriber accepted for local delivery.
type Relay interface {
	Relay(event *upload.StatusEvent)
}

// Subscriber runs one long-lived listener per process on the shared
// channel and relays routable events to the local hub.
type Subscriber struct {
	client  *redis.Client
	channel string
	relay   Relay

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewSubscriber creates a subscriber over an existing redis client.
func NewSubscriber(client *redis.Client, channel string, relay Relay) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{client: client, channel: channel, relay: relay}
}

// Start begins the listener loop. The loop never crashes on bad input:
// malformed messages are logged and dropped.
func (s *Subscriber) Start(ctx context.Context) {
	s.pubsub = s.client.Subscribe(ctx, s.channel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch := s.pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.handle(msg.Payload)
			}
		}
	}()

	logger.Info().Str("channel", s.channel).Msg("notify: subscriber listening")
}

func (s *Subscriber) handle(payload string) {
	var event upload.StatusEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		DroppedTotal.WithLabelValues("malformed").Inc()
		logger.Warn().Err(err).Msg("notify: dropping malformed event")
		return
	}

	// Without a target user there is no way to route the event.
	if event.UserID == "" {
		DroppedTotal.WithLabelValues("no_user").Inc()
		logger.Warn().
			Str("upload_id", event.UploadID).
			Msg("notify: dropping event without target user")
		return
	}

	ReceivedTotal.Inc()
	s.relay.Relay(&event)
}

// Stop closes the subscription and waits for the loop to exit.
func (s *Subscriber) Stop() {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	s.wg.Wait()
}
