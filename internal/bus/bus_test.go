package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/event"
)

const testNamespace = "omnisupport"

func testClient(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// publishDelivered publishes until the broker reports at least one receiver,
// so tests do not race subscription establishment.
func publishDelivered(t *testing.T, p *Publisher, ev event.Event) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := p.Publish(context.Background(), ev)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("event never delivered to any subscriber")
}

func waitEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestPublishReachesTenantSubscribers(t *testing.T) {
	rdb := testClient(t)
	nop := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenant := uuid.New()
	sub := NewSubscriber(rdb, &nop)
	defer sub.Close()
	if err := sub.Subscribe(ctx, event.TenantPattern(testNamespace, tenant)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	events := sub.Listen(ctx)

	pub := NewPublisher(rdb, testNamespace, &nop)
	publishDelivered(t, pub, event.New(event.TypeMessageReceived, tenant, map[string]any{"text": "hi"}))

	got := waitEvent(t, events)
	if got.Type != event.TypeMessageReceived || got.TenantID != tenant {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestTenantIsolation(t *testing.T) {
	rdb := testClient(t)
	nop := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acme, beta := uuid.New(), uuid.New()

	betaSub := NewSubscriber(rdb, &nop)
	defer betaSub.Close()
	if err := betaSub.Subscribe(ctx, event.TenantPattern(testNamespace, beta)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	betaEvents := betaSub.Listen(ctx)

	// A subscriber on acme's pattern guarantees the publish is observable.
	acmeSub := NewSubscriber(rdb, &nop)
	defer acmeSub.Close()
	if err := acmeSub.Subscribe(ctx, event.TenantPattern(testNamespace, acme)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	acmeEvents := acmeSub.Listen(ctx)

	pub := NewPublisher(rdb, testNamespace, &nop)
	publishDelivered(t, pub, event.New(event.TypeConversationCreated, acme, nil))
	waitEvent(t, acmeEvents)

	select {
	case ev := <-betaEvents:
		t.Fatalf("tenant %s received event for tenant %s: %+v", beta, acme, ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestListenSkipsMalformedPayloads(t *testing.T) {
	rdb := testClient(t)
	nop := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenant := uuid.New()
	sub := NewSubscriber(rdb, &nop)
	defer sub.Close()
	if err := sub.Subscribe(ctx, event.TenantPattern(testNamespace, tenant)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	events := sub.Listen(ctx)

	pub := NewPublisher(rdb, testNamespace, &nop)
	channel := event.Channel(testNamespace, tenant, event.TypeMessageReceived)

	// Publish garbage until the subscription is live, then a valid event.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := pub.PublishTo(ctx, channel, []byte("{not valid json"))
		if err != nil {
			t.Fatalf("publish raw: %v", err)
		}
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := pub.Publish(ctx, event.New(event.TypeMessageReceived, tenant, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := waitEvent(t, events)
	if got.Type != event.TypeMessageReceived {
		t.Fatalf("expected the valid event after the malformed one, got %+v", got)
	}
}

func TestHandlerFailureDoesNotStopDispatch(t *testing.T) {
	rdb := testClient(t)
	nop := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenant := uuid.New()
	sub := NewSubscriber(rdb, &nop)
	defer sub.Close()
	if err := sub.Subscribe(ctx, event.TenantPattern(testNamespace, tenant)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pattern := event.TenantPattern(testNamespace, tenant)
	handled := make(chan event.Event, 1)
	sub.AddHandler(pattern, func(context.Context, event.Event) error {
		panic("first handler blows up")
	})
	sub.AddHandler(pattern, func(_ context.Context, ev event.Event) error {
		handled <- ev
		return nil
	})

	go sub.Run(ctx)

	pub := NewPublisher(rdb, testNamespace, &nop)
	publishDelivered(t, pub, event.New(event.TypeConversationAssigned, tenant, nil))

	got := waitEvent(t, handled)
	if got.Type != event.TypeConversationAssigned {
		t.Fatalf("second handler saw wrong event: %+v", got)
	}
}

func TestQueuePushPopOrder(t *testing.T) {
	rdb := testClient(t)
	q := NewQueue(rdb)
	ctx := context.Background()

	if err := q.Push(ctx, "queue:test", map[string]any{"seq": 1}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(ctx, "queue:test", map[string]any{"seq": 2}); err != nil {
		t.Fatalf("push: %v", err)
	}

	first, err := q.Pop(ctx, "queue:test", time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	second, err := q.Pop(ctx, "queue:test", time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if string(first) != `{"seq":1}` || string(second) != `{"seq":2}` {
		t.Fatalf("queue not FIFO: %s then %s", first, second)
	}
}

func TestQueuePopTimeoutReturnsNoItem(t *testing.T) {
	rdb := testClient(t)
	q := NewQueue(rdb)

	start := time.Now()
	item, err := q.Pop(context.Background(), "queue:empty", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if item != nil {
		t.Fatalf("expected no item, got %s", item)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("pop blocked far past its timeout")
	}
}
