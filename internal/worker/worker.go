// Package worker implements the background worker contract: blocking
// consumption from durable queues, pattern subscription to the event bus,
// and cooperative shutdown.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/event"
)

// State is a worker's lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker is one background worker. Init acquires resources (a failure there
// is fatal to the run), Process blocks until ctx is canceled, Close releases
// resources.
type Worker interface {
	Name() string
	Init(ctx context.Context) error
	Process(ctx context.Context) error
	Close() error
}

// stateful is implemented by Base so the runner can drive transitions.
type stateful interface {
	transition(State)
	State() State
}

// Base carries the shared worker machinery: the lifecycle state and the two
// consumption primitives. Embed it and set Log/Queue before running.
type Base struct {
	Log   *zerolog.Logger
	Queue *bus.Queue

	state atomic.Int32
}

// State returns the worker's current lifecycle phase.
func (b *Base) State() State { return State(b.state.Load()) }

func (b *Base) transition(s State) { b.state.Store(int32(s)) }

// ConsumeQueue pops items from the named queue and hands each to handle
// until ctx is canceled. The pop itself runs with a detached context bounded
// by popTimeout, so cancellation never abandons an item the broker already
// handed over: an in-flight pop completes, its item is processed, and only
// then does the loop decline further work.
func (b *Base) ConsumeQueue(ctx context.Context, name string, popTimeout time.Duration, handle func(ctx context.Context, item []byte) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		item, err := b.Queue.Pop(context.WithoutCancel(ctx), name, popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			b.Log.Error().Err(err).Str("queue", name).Msg("queue pop failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if item == nil {
			// Pop timed out with nothing queued; loop so shutdown is
			// noticed between waits.
			continue
		}

		if err := handle(context.WithoutCancel(ctx), item); err != nil {
			b.Log.Error().Err(err).Str("queue", name).Msg("queue item processing failed")
		}
	}
}

// ConsumeEvents subscribes to the given channel patterns and hands each
// matching event to handle until ctx is canceled.
func (b *Base) ConsumeEvents(ctx context.Context, sub *bus.Subscriber, patterns []string, handle func(ctx context.Context, ev event.Event) error) error {
	if err := sub.Subscribe(ctx, patterns...); err != nil {
		return err
	}

	for ev := range sub.Listen(ctx) {
		if err := handle(ctx, ev); err != nil {
			b.Log.Error().Err(err).Str("type", string(ev.Type)).Msg("event processing failed")
		}
	}
	return nil
}
