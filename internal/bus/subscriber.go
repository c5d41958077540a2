package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/event"
)

// Handler processes one event matched by a subscription pattern.
type Handler func(ctx context.Context, ev event.Event) error

// Subscriber receives events from broker pattern subscriptions and dispatches
// them to registered handlers. One subscriber owns one broker PubSub
// connection; Close releases it.
type Subscriber struct {
	pubsub *redis.PubSub
	log    *zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewSubscriber builds a subscriber over an existing broker client.
func NewSubscriber(rdb *redis.Client, logger *zerolog.Logger) *Subscriber {
	return &Subscriber{
		pubsub:   rdb.Subscribe(context.Background()),
		log:      logger,
		handlers: make(map[string][]Handler),
	}
}

// Subscribe adds pattern subscriptions on the broker connection.
func (s *Subscriber) Subscribe(ctx context.Context, patterns ...string) error {
	if err := s.pubsub.PSubscribe(ctx, patterns...); err != nil {
		return fmt.Errorf("psubscribe %v: %w", patterns, err)
	}
	return nil
}

// Unsubscribe removes pattern subscriptions.
func (s *Subscriber) Unsubscribe(ctx context.Context, patterns ...string) error {
	if err := s.pubsub.PUnsubscribe(ctx, patterns...); err != nil {
		return fmt.Errorf("punsubscribe %v: %w", patterns, err)
	}
	return nil
}

// AddHandler registers a handler invoked for every received event whose
// channel matches the pattern. Multiple handlers per pattern all run. The
// pattern must also be subscribed on the broker for events to arrive.
func (s *Subscriber) AddHandler(pattern string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pattern] = append(s.handlers[pattern], h)
}

// Listen yields validated events from the subscription until ctx is done or
// the subscriber is closed. Payloads that do not parse into the event shape
// are dropped: the event stream is a notification mechanism, canonical data
// lives in the persisted records.
func (s *Subscriber) Listen(ctx context.Context) <-chan event.Event {
	out := make(chan event.Event)

	go func() {
		defer close(out)
		msgs := s.pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := event.Decode([]byte(msg.Payload))
				if err != nil {
					s.log.Debug().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Run consumes the subscription and dispatches events to handlers until ctx
// is done. A failing handler is logged and never stops dispatch to the
// remaining handlers or terminates the loop.
func (s *Subscriber) Run(ctx context.Context) {
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := event.Decode([]byte(msg.Payload))
			if err != nil {
				s.log.Debug().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			s.dispatch(ctx, msg.Channel, ev)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, channel string, ev event.Event) {
	s.mu.RLock()
	var matched []Handler
	for pattern, hs := range s.handlers {
		if event.Match(pattern, channel) {
			matched = append(matched, hs...)
		}
	}
	s.mu.RUnlock()

	for _, h := range matched {
		s.invoke(ctx, h, ev)
	}
}

func (s *Subscriber) invoke(ctx context.Context, h Handler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("type", string(ev.Type)).
				Msg("event handler panicked")
		}
	}()

	if err := h(ctx, ev); err != nil {
		s.log.Error().
			Err(err).
			Str("type", string(ev.Type)).
			Str("tenant_id", ev.TenantID.String()).
			Msg("event handler failed")
	}
}

// Close releases the broker subscription connection.
func (s *Subscriber) Close() error {
	return s.pubsub.Close()
}
