package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/event"
)

// Publisher writes events to broker pub/sub channels. Delivery is
// at-most-once, fire-and-forget: the broker fans out to whoever is subscribed
// right now and nothing is retained for absent subscribers.
type Publisher struct {
	rdb       *redis.Client
	namespace string
	log       *zerolog.Logger
}

// NewPublisher builds a publisher over an existing broker client.
func NewPublisher(rdb *redis.Client, namespace string, logger *zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, namespace: namespace, log: logger}
}

// Publish writes the event to its derived channel and returns the number of
// subscribers the broker delivered it to. The count is for observability
// only; zero is not an error. Broker failures are returned to the caller so
// it can retry with back-off.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	payload, err := ev.Encode()
	if err != nil {
		return 0, err
	}

	channel := event.ChannelFor(p.namespace, ev)
	n, err := p.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}

	p.log.Debug().
		Str("channel", channel).
		Str("type", string(ev.Type)).
		Int64("receivers", n).
		Msg("event published")

	return n, nil
}

// PublishTo writes an already-encoded payload to an explicit channel. Used
// for conversation-scoped fan-out where the channel is not derived from the
// event type.
func (p *Publisher) PublishTo(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := p.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}
