package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/auth"
	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/channel"
	"github.com/omnisupport/omnisupport-server/internal/config"
	"github.com/omnisupport/omnisupport-server/internal/presence"
	"github.com/omnisupport/omnisupport-server/internal/registry"
)

type edgeFixture struct {
	srv   *httptest.Server
	rdb   *redis.Client
	queue *bus.Queue
	jwt   *auth.JWTConfig
}

func newEdgeFixture(t *testing.T) *edgeFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	nop := zerolog.Nop()
	cfg := config.Default()
	cfg.WebhookVerifyToken = "probe-token"

	reg := registry.New(&nop)
	pub := bus.NewPublisher(rdb, cfg.Namespace, &nop)
	sub := bus.NewSubscriber(rdb, &nop)
	coord := presence.New(reg, pub, sub, cfg.Namespace, &nop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go coord.Run(ctx)

	adapters := channel.NewRegistry()
	adapters.Register(channel.NewWidget())

	jwtCfg := &auth.JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	}

	server := NewServer(cfg, Deps{
		Coordinator: coord,
		Registry:    reg,
		Adapters:    adapters,
		Publisher:   pub,
		Queue:       bus.NewQueue(rdb),
		JWT:         jwtCfg,
	}, &nop)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &edgeFixture{srv: ts, rdb: rdb, queue: bus.NewQueue(rdb), jwt: jwtCfg}
}

func (f *edgeFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *edgeFixture) dial(t *testing.T, userID, tenantID uuid.UUID) *websocket.Conn {
	t.Helper()

	token, err := auth.GenerateToken(f.jwt, userID, tenantID, "operator")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWSRejectsInvalidToken(t *testing.T) {
	f := newEdgeFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/ws?token=garbage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWSHandshakeFrame(t *testing.T) {
	f := newEdgeFixture(t)
	userID := uuid.New()

	conn := f.dial(t, userID, uuid.New())

	frame := readFrame(t, conn)
	if frame["type"] != "connected" {
		t.Fatalf("handshake type = %v", frame["type"])
	}
	if frame["user_id"] != userID.String() {
		t.Fatalf("handshake user_id = %v", frame["user_id"])
	}
	online, ok := frame["online_users"].([]any)
	if !ok || len(online) != 1 || online[0] != userID.String() {
		t.Fatalf("handshake online_users = %v", frame["online_users"])
	}
}

func TestWSPingPong(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, uuid.New(), uuid.New())
	readFrame(t, conn) // handshake

	writeFrame(t, conn, map[string]any{"type": "ping"})
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("reply = %v, want pong", frame)
	}
}

func TestWSJoinConversationAndTyping(t *testing.T) {
	f := newEdgeFixture(t)
	tenantID := uuid.New()
	convID := uuid.New()

	alice := f.dial(t, uuid.New(), tenantID)
	readFrame(t, alice)

	bob := f.dial(t, uuid.New(), tenantID)
	readFrame(t, bob)

	// Alice sees bob arrive before anything else happens.
	arrival := readFrame(t, alice)
	if arrival["type"] != "operator.connected" {
		t.Fatalf("expected presence frame, got %v", arrival)
	}

	writeFrame(t, alice, map[string]any{"type": "join_conversation", "data": map[string]any{"conversation_id": convID.String()}})
	if frame := readFrame(t, alice); frame["type"] != "joined_conversation" {
		t.Fatalf("join reply = %v", frame)
	}

	// Bob types in the conversation; only subscribed members receive it,
	// and bob himself is excluded.
	writeFrame(t, bob, map[string]any{"type": "typing_start", "data": map[string]any{"conversation_id": convID.String()}})

	frame := readFrame(t, alice)
	if frame["type"] != "operator.typing" {
		t.Fatalf("expected typing frame, got %v", frame)
	}
	data, _ := frame["data"].(map[string]any)
	if data["is_typing"] != true {
		t.Fatalf("typing data = %v", data)
	}
}

func TestWSUnknownFrameType(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, uuid.New(), uuid.New())
	readFrame(t, conn)

	writeFrame(t, conn, map[string]any{"type": "bogus"})
	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("reply = %v, want error frame", frame)
	}
}

func TestWebhookIngestionAcceptsWidgetMessage(t *testing.T) {
	f := newEdgeFixture(t)
	tenantID := uuid.New()

	payload := `{"message_id":"m-1","visitor_id":"v-1","content":{"text":"hello"}}`
	resp, err := f.srv.Client().Post(
		f.srv.URL+"/webhooks/web/"+tenantID.String(),
		"application/json",
		strings.NewReader(payload),
	)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	n, err := f.queue.Len(context.Background(), queueInboundMessages)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("inbound queue has %d items, want 1", n)
	}

	item, err := f.queue.Pop(context.Background(), queueInboundMessages, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	var handoff struct {
		TenantID string `json:"tenant_id"`
		Message  struct {
			Channel          string `json:"channel"`
			ChannelMessageID string `json:"channel_message_id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(item, &handoff); err != nil {
		t.Fatalf("decode handoff: %v", err)
	}
	if handoff.TenantID != tenantID.String() || handoff.Message.ChannelMessageID != "m-1" {
		t.Fatalf("unexpected handoff: %+v", handoff)
	}
}

func TestWebhookUnknownChannel(t *testing.T) {
	f := newEdgeFixture(t)

	resp, err := f.srv.Client().Post(
		f.srv.URL+"/webhooks/pigeon/"+uuid.NewString(),
		"application/json",
		strings.NewReader("{}"),
	)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookVerifyChallenge(t *testing.T) {
	f := newEdgeFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/webhooks/web/" + uuid.NewString() +
		"?hub.mode=subscribe&hub.verify_token=probe-token&hub.challenge=12345")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var buf [16]byte
	n, _ := resp.Body.Read(buf[:])
	if got := string(buf[:n]); got != "12345" {
		t.Fatalf("challenge echo = %q", got)
	}

	bad, err := f.srv.Client().Get(f.srv.URL + "/webhooks/web/" + uuid.NewString() +
		"?hub.verify_token=wrong&hub.challenge=12345")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", bad.StatusCode)
	}
}
