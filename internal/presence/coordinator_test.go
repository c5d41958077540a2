package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/event"
	"github.com/omnisupport/omnisupport-server/internal/registry"
)

const testNamespace = "omnisupport"

type chanSocket struct {
	frames chan map[string]any
	closed chan string
}

func newChanSocket() *chanSocket {
	return &chanSocket{
		frames: make(chan map[string]any, 16),
		closed: make(chan string, 1),
	}
}

func (s *chanSocket) Send(_ context.Context, payload any) error {
	s.frames <- payload.(map[string]any)
	return nil
}

func (s *chanSocket) Close(reason string) error {
	s.closed <- reason
	return nil
}

func (s *chanSocket) waitFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket frame")
		return nil
	}
}

func (s *chanSocket) expectNone(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected frame: %v", f)
	case <-time.After(200 * time.Millisecond):
	}
}

type fixture struct {
	coord *Coordinator
	pub   *bus.Publisher
	reg   *registry.Registry
}

func newFixture(t *testing.T, ctx context.Context) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	nop := zerolog.Nop()
	reg := registry.New(&nop)
	pub := bus.NewPublisher(rdb, testNamespace, &nop)
	sub := bus.NewSubscriber(rdb, &nop)
	t.Cleanup(func() { _ = sub.Close() })

	coord := New(reg, pub, sub, testNamespace, &nop)
	go coord.Run(ctx)

	return &fixture{coord: coord, pub: pub, reg: reg}
}

// publishDelivered retries until the broker reports a receiver, so tests do
// not race PSUBSCRIBE establishment.
func (f *fixture) publishDelivered(t *testing.T, ev event.Event) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := f.pub.Publish(context.Background(), ev)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("event never delivered")
}

func TestTenantFanOutReachesAllLocalUsersOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx)

	acme, beta := uuid.New(), uuid.New()
	u1, u2, b1 := uuid.New(), uuid.New(), uuid.New()

	s1, s2, sb := newChanSocket(), newChanSocket(), newChanSocket()
	if _, err := f.coord.HandleConnect(ctx, s1, u1, acme); err != nil {
		t.Fatalf("connect u1: %v", err)
	}
	if _, err := f.coord.HandleConnect(ctx, s2, u2, acme); err != nil {
		t.Fatalf("connect u2: %v", err)
	}
	if _, err := f.coord.HandleConnect(ctx, sb, b1, beta); err != nil {
		t.Fatalf("connect b1: %v", err)
	}

	// u1 sees u2's presence announcement, b1 sees nothing from acme.
	pf := s1.waitFrame(t)
	if pf["type"] != string(event.TypeOperatorConnected) || pf["user_id"] != u2.String() {
		t.Fatalf("unexpected presence frame: %v", pf)
	}

	f.publishDelivered(t, event.New(event.TypeMessageReceived, acme, map[string]any{"text": "hello"}))

	for _, s := range []*chanSocket{s1, s2} {
		frame := s.waitFrame(t)
		if frame["type"] != string(event.TypeMessageReceived) {
			t.Fatalf("unexpected frame: %v", frame)
		}
	}
	s1.expectNone(t)
	s2.expectNone(t)
	sb.expectNone(t)
}

func TestHandleConnectReturnsLocalOnlineSet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx)

	tenant := uuid.New()
	u1, u2 := uuid.New(), uuid.New()

	if _, err := f.coord.HandleConnect(ctx, newChanSocket(), u1, tenant); err != nil {
		t.Fatalf("connect: %v", err)
	}
	online, err := f.coord.HandleConnect(ctx, newChanSocket(), u2, tenant)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if len(online) != 2 {
		t.Fatalf("online set = %v, want both users", online)
	}
	seen := map[uuid.UUID]bool{}
	for _, id := range online {
		seen[id] = true
	}
	if !seen[u1] || !seen[u2] {
		t.Fatalf("online set %v missing a user", online)
	}
}

func TestSupersededConnectionIsClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx)

	tenant := uuid.New()
	user := uuid.New()

	old := newChanSocket()
	if _, err := f.coord.HandleConnect(ctx, old, user, tenant); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := f.coord.HandleConnect(ctx, newChanSocket(), user, tenant); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	select {
	case reason := <-old.closed:
		if reason != "superseded" {
			t.Fatalf("close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded socket was never closed")
	}
	if got := f.reg.OnlineUsers(tenant); len(got) != 1 {
		t.Fatalf("expected one entry after reconnect, got %v", got)
	}
}

func TestBroadcastTenantHonorsExclude(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx)

	tenant := uuid.New()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	s1, s2, s3 := newChanSocket(), newChanSocket(), newChanSocket()

	for _, c := range []struct {
		s *chanSocket
		u uuid.UUID
	}{{s1, u1}, {s2, u2}, {s3, u3}} {
		if _, err := f.coord.HandleConnect(ctx, c.s, c.u, tenant); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	// Drain presence frames from the connects.
	s1.waitFrame(t)
	s1.waitFrame(t)
	s2.waitFrame(t)

	if err := f.coord.BroadcastTenant(ctx, tenant, event.TypeOperatorStatusChanged, map[string]any{"status": "away"}, &u1); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, s := range []*chanSocket{s2, s3} {
		frame := s.waitFrame(t)
		if frame["type"] != string(event.TypeOperatorStatusChanged) {
			t.Fatalf("unexpected frame: %v", frame)
		}
		if _, leaked := frame["data"].(map[string]any)[dataKeyExclude]; leaked {
			t.Fatalf("exclusion marker leaked into delivered frame: %v", frame)
		}
	}
	s1.expectNone(t)
}

func TestConversationFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx)

	tenant := uuid.New()
	conv := uuid.New()
	member, outsider := uuid.New(), uuid.New()
	sm, so := newChanSocket(), newChanSocket()

	if _, err := f.coord.HandleConnect(ctx, sm, member, tenant); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := f.coord.HandleConnect(ctx, so, outsider, tenant); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sm.waitFrame(t) // outsider's presence frame

	f.reg.SubscribeConversation(member, conv)

	if err := f.coord.BroadcastConversation(ctx, tenant, conv, event.TypeOperatorTyping, map[string]any{"is_typing": true}, nil); err != nil {
		t.Fatalf("broadcast conversation: %v", err)
	}

	frame := sm.waitFrame(t)
	if frame["type"] != string(event.TypeOperatorTyping) || frame["conversation_id"] != conv.String() {
		t.Fatalf("unexpected frame: %v", frame)
	}
	so.expectNone(t)
}
