package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/event"
)

// Operator is an assignment candidate as seen by the router.
type Operator struct {
	ID                  uuid.UUID
	ActiveConversations int
}

// OperatorDirectory is the external collaborator holding operator state.
// Only online, active operators of the tenant are returned.
type OperatorDirectory interface {
	AvailableOperators(ctx context.Context, tenantID uuid.UUID) ([]Operator, error)
	Assign(ctx context.Context, tenantID, conversationID, operatorID uuid.UUID) error
}

// Router assigns new conversations to the least-loaded online operator.
// It consumes conversation.created over pub/sub: best-effort is acceptable
// because unrouted conversations are re-offered by the pending-queue sweep
// in the core service.
type Router struct {
	Base

	sub       *bus.Subscriber
	pub       *bus.Publisher
	dir       OperatorDirectory
	namespace string
}

// NewRouter builds the routing worker.
func NewRouter(sub *bus.Subscriber, pub *bus.Publisher, queue *bus.Queue, dir OperatorDirectory, namespace string, logger *zerolog.Logger) *Router {
	r := &Router{sub: sub, pub: pub, dir: dir, namespace: namespace}
	r.Log = logger
	r.Queue = queue
	return r
}

func (r *Router) Name() string { return "router" }

func (r *Router) Init(ctx context.Context) error {
	if r.dir == nil {
		return fmt.Errorf("router requires an operator directory")
	}
	return nil
}

func (r *Router) Process(ctx context.Context) error {
	pattern := r.namespace + ":*:" + string(event.TypeConversationCreated)
	return r.ConsumeEvents(ctx, r.sub, []string{pattern}, r.route)
}

func (r *Router) Close() error { return r.sub.Close() }

func (r *Router) route(ctx context.Context, ev event.Event) error {
	if ev.ConversationID == nil {
		return fmt.Errorf("conversation.created without conversation_id")
	}

	candidates, err := r.dir.AvailableOperators(ctx, ev.TenantID)
	if err != nil {
		return fmt.Errorf("list operators: %w", err)
	}
	if len(candidates) == 0 {
		r.Log.Info().
			Str("conversation_id", ev.ConversationID.String()).
			Str("tenant_id", ev.TenantID.String()).
			Msg("no available operator")
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveConversations < best.ActiveConversations {
			best = c
		}
	}

	if err := r.dir.Assign(ctx, ev.TenantID, *ev.ConversationID, best.ID); err != nil {
		return fmt.Errorf("assign conversation: %w", err)
	}

	assigned := event.New(event.TypeConversationAssigned, ev.TenantID, map[string]any{
		"operator_id": best.ID.String(),
	})
	assigned.ConversationID = ev.ConversationID
	if _, err := r.pub.Publish(ctx, assigned); err != nil {
		return fmt.Errorf("publish assignment: %w", err)
	}

	r.Log.Info().
		Str("conversation_id", ev.ConversationID.String()).
		Str("operator_id", best.ID.String()).
		Msg("conversation assigned")
	return nil
}
