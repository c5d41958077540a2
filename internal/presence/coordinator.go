// Package presence bridges this process's connection registry with the
// fleet-wide event bus. Every process runs one coordinator; each one receives
// tenant-scoped events from the broker and fans them out to its own sockets,
// which yields fleet-wide delivery without a central router.
package presence

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/event"
	"github.com/omnisupport/omnisupport-server/internal/registry"
)

// dataKeyExclude carries an excluded user through the broker so every
// process's fan-out honors it, not just the publishing one.
const dataKeyExclude = "exclude_user_id"

// Coordinator combines the local registry with the event bus.
type Coordinator struct {
	reg       *registry.Registry
	pub       *bus.Publisher
	sub       *bus.Subscriber
	namespace string
	log       *zerolog.Logger

	mu      sync.Mutex
	watched map[uuid.UUID]int
}

// New builds a coordinator. The subscriber must be dedicated to the
// coordinator; Run consumes it.
func New(reg *registry.Registry, pub *bus.Publisher, sub *bus.Subscriber, namespace string, logger *zerolog.Logger) *Coordinator {
	return &Coordinator{
		reg:       reg,
		pub:       pub,
		sub:       sub,
		namespace: namespace,
		log:       logger,
		watched:   make(map[uuid.UUID]int),
	}
}

// HandleConnect registers the socket, announces the operator to the tenant
// and returns the locally known online set for the handshake frame. The
// snapshot is an approximation: it covers this process only, and the
// externally persisted user status remains the authoritative presence ledger.
//
// A previous connection for the same user is superseded and its socket is
// closed with a "superseded" reason; keeping it half-alive would leak the
// descriptor and let a stale client observe frames meant for the new session.
// The superseded session's transport must NOT call HandleDisconnect: the new
// connection inherits the tenant watch the old one held, and the user never
// went offline.
func (c *Coordinator) HandleConnect(ctx context.Context, sock registry.Socket, userID, tenantID uuid.UUID) ([]uuid.UUID, error) {
	_, superseded := c.reg.Connect(sock, userID, tenantID)
	if superseded != nil {
		if err := superseded.Socket.Close("superseded"); err != nil {
			c.log.Debug().Err(err).Str("user_id", userID.String()).Msg("closing superseded socket")
		}
	}

	if superseded == nil {
		if err := c.watchTenant(ctx, tenantID); err != nil {
			c.reg.Disconnect(userID)
			return nil, err
		}
	}

	online := c.reg.OnlineUsers(tenantID)

	ev := event.New(event.TypeOperatorConnected, tenantID, nil)
	ev.UserID = &userID
	if _, err := c.pub.Publish(ctx, ev); err != nil {
		// The connection stays up; a missed presence broadcast self-heals on
		// the next reconnect-driven snapshot.
		c.log.Warn().Err(err).Str("user_id", userID.String()).Msg("publish operator.connected failed")
	}

	return online, nil
}

// HandleDisconnect removes the connection and announces the departure.
// Idempotent, and must run even on abnormal socket termination.
func (c *Coordinator) HandleDisconnect(ctx context.Context, userID, tenantID uuid.UUID) {
	c.reg.Disconnect(userID)
	c.unwatchTenant(tenantID)

	ev := event.New(event.TypeOperatorDisconnected, tenantID, nil)
	ev.UserID = &userID
	if _, err := c.pub.Publish(ctx, ev); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID.String()).Msg("publish operator.disconnected failed")
	}
}

// BroadcastTenant publishes a payload event for every connection of the
// tenant across the fleet. The excluded user is skipped by every process.
func (c *Coordinator) BroadcastTenant(ctx context.Context, tenantID uuid.UUID, t event.Type, data map[string]any, exclude *uuid.UUID) error {
	ev := event.New(t, tenantID, data)
	if exclude != nil {
		ev.Data[dataKeyExclude] = exclude.String()
	}
	if _, err := c.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("broadcast tenant %s: %w", tenantID, err)
	}
	return nil
}

// BroadcastConversation publishes a payload event for every connection
// subscribed to the conversation across the fleet.
func (c *Coordinator) BroadcastConversation(ctx context.Context, tenantID, conversationID uuid.UUID, t event.Type, data map[string]any, exclude *uuid.UUID) error {
	ev := event.New(t, tenantID, data)
	ev.ConversationID = &conversationID
	if exclude != nil {
		ev.Data[dataKeyExclude] = exclude.String()
	}

	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	channel := event.ConversationChannel(c.namespace, tenantID, conversationID)
	if _, err := c.pub.PublishTo(ctx, channel, payload); err != nil {
		return fmt.Errorf("broadcast conversation %s: %w", conversationID, err)
	}
	return nil
}

// Run consumes the tenant subscriptions and fans received events out to
// local sockets until ctx is done. Delivery is at-most-once: an event whose
// target has no local connection is dropped here, another process may hold
// the socket.
func (c *Coordinator) Run(ctx context.Context) {
	for ev := range c.sub.Listen(ctx) {
		c.route(ctx, ev)
	}
}

func (c *Coordinator) route(ctx context.Context, ev event.Event) {
	exclude := popExcluded(ev.Data)

	switch {
	case ev.Type == event.TypeOperatorConnected || ev.Type == event.TypeOperatorDisconnected:
		// Presence changes go to everyone in the tenant except the operator
		// they describe.
		c.fanOutTenant(ctx, ev, ev.UserID)

	case ev.ConversationID != nil:
		c.fanOutConversation(ctx, ev, exclude)

	case ev.UserID != nil:
		c.reg.SendToUser(ctx, *ev.UserID, eventFrame(ev))

	default:
		c.fanOutTenant(ctx, ev, exclude)
	}
}

// fanOutTenant delivers the event to every locally registered user of the
// tenant. A write failure drops only the offending connection; delivery to
// the remaining sockets continues.
func (c *Coordinator) fanOutTenant(ctx context.Context, ev event.Event, exclude *uuid.UUID) {
	frame := eventFrame(ev)
	for _, userID := range c.reg.OnlineUsers(ev.TenantID) {
		if exclude != nil && userID == *exclude {
			continue
		}
		c.reg.SendToUser(ctx, userID, frame)
	}
}

func (c *Coordinator) fanOutConversation(ctx context.Context, ev event.Event, exclude *uuid.UUID) {
	frame := eventFrame(ev)
	for _, userID := range c.reg.ConversationUsers(*ev.ConversationID) {
		if exclude != nil && userID == *exclude {
			continue
		}
		c.reg.SendToUser(ctx, userID, frame)
	}
}

// watchTenant subscribes this process to the tenant's channels when its first
// connection arrives; unwatchTenant drops the subscription with the last one.
func (c *Coordinator) watchTenant(ctx context.Context, tenantID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.watched[tenantID]++
	if c.watched[tenantID] > 1 {
		return nil
	}
	if err := c.sub.Subscribe(ctx, event.TenantPattern(c.namespace, tenantID)); err != nil {
		c.watched[tenantID]--
		return fmt.Errorf("watch tenant %s: %w", tenantID, err)
	}
	return nil
}

func (c *Coordinator) unwatchTenant(tenantID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watched[tenantID] == 0 {
		return
	}
	c.watched[tenantID]--
	if c.watched[tenantID] > 0 {
		return
	}
	delete(c.watched, tenantID)
	if err := c.sub.Unsubscribe(context.Background(), event.TenantPattern(c.namespace, tenantID)); err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("unwatch tenant failed")
	}
}

func popExcluded(data map[string]any) *uuid.UUID {
	raw, ok := data[dataKeyExclude].(string)
	if !ok {
		return nil
	}
	delete(data, dataKeyExclude)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

// eventFrame is the JSON object pushed to operator sockets for a bus event.
func eventFrame(ev event.Event) map[string]any {
	frame := map[string]any{
		"type":      string(ev.Type),
		"data":      ev.Data,
		"timestamp": ev.Timestamp,
	}
	if ev.ConversationID != nil {
		frame["conversation_id"] = ev.ConversationID.String()
	}
	if ev.CustomerID != nil {
		frame["customer_id"] = ev.CustomerID.String()
	}
	if ev.UserID != nil {
		frame["user_id"] = ev.UserID.String()
	}
	return frame
}
