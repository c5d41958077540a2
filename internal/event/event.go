package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a domain event kind.
type Type string

const (
	// Conversation events
	TypeConversationCreated     Type = "conversation.created"
	TypeConversationAssigned    Type = "conversation.assigned"
	TypeConversationTransferred Type = "conversation.transferred"
	TypeConversationResolved    Type = "conversation.resolved"
	TypeConversationClosed      Type = "conversation.closed"
	TypeConversationReopened    Type = "conversation.reopened"

	// Message events
	TypeMessageReceived Type = "message.received"
	TypeMessageSent     Type = "message.sent"
	TypeMessageRead     Type = "message.read"

	// Typing events
	TypeCustomerTyping Type = "customer.typing"
	TypeOperatorTyping Type = "operator.typing"

	// Customer events
	TypeCustomerCreated Type = "customer.created"
	TypeCustomerUpdated Type = "customer.updated"
	TypeCustomerMerged  Type = "customer.merged"

	// Operator events
	TypeOperatorStatusChanged Type = "operator.status_changed"
	TypeOperatorConnected     Type = "operator.connected"
	TypeOperatorDisconnected  Type = "operator.disconnected"

	// AI events
	TypeAISuggestionReady Type = "ai.suggestion_ready"
	TypeAISummaryReady    Type = "ai.summary_ready"

	// Knowledge events
	TypeKnowledgeDocumentIndexed Type = "knowledge.document_indexed"
	TypeKnowledgeDocumentError   Type = "knowledge.document_error"

	// System events
	TypeWebhookTriggered  Type = "webhook.triggered"
	TypeScenarioTriggered Type = "scenario.triggered"
)

// Event is an immutable record published to the broker. Every event carries
// the tenant it belongs to; the channel it is published on embeds that tenant
// id, so cross-tenant delivery cannot happen by construction.
type Event struct {
	Type      Type           `json:"type"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`

	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	CustomerID     *uuid.UUID `json:"customer_id,omitempty"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
}

// New builds an event stamped with the current UTC time.
func New(t Type, tenantID uuid.UUID, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:      t,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Validate reports whether the event is complete enough to dispatch.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event missing type")
	}
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("event missing tenant_id")
	}
	return nil
}

// Decode parses a wire payload into an Event. Unknown fields are ignored so
// newer producers can add fields without breaking older consumers.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Encode serializes the event to its wire shape.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}
