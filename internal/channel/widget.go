package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Widget adapts the embedded web chat widget. Widget messages arrive through
// the REST edge rather than a third-party webhook, and outbound delivery is
// a socket push handled by the presence layer, so SendMessage only mints the
// message id the caller records.
type Widget struct {
	NopWebhook
}

// NewWidget builds the widget adapter.
func NewWidget() *Widget { return &Widget{} }

func (w *Widget) Type() string { return "web" }

func (w *Widget) SendMessage(ctx context.Context, userRef, contentType string, content map[string]any) (string, error) {
	return uuid.NewString(), nil
}

type widgetPayload struct {
	MessageID   string         `json:"message_id"`
	VisitorID   string         `json:"visitor_id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	ContentType string         `json:"content_type"`
	Content     map[string]any `json:"content"`
	Metadata    map[string]any `json:"metadata"`
}

// ParseInbound normalizes a widget REST payload. The widget client supplies
// its own message id so retried submissions stay idempotent.
func (w *Widget) ParseInbound(payload []byte) (*UnifiedMessage, error) {
	var p widgetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("widget payload: %w", err)
	}
	if p.MessageID == "" || p.VisitorID == "" {
		return nil, fmt.Errorf("widget payload missing message_id or visitor_id")
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = ContentText
	}
	content := p.Content
	if content == nil {
		content = map[string]any{}
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return &UnifiedMessage{
		Channel:          "web",
		ChannelMessageID: p.MessageID,
		ChannelUserID:    p.VisitorID,
		ChannelName:      p.Name,
		Email:            p.Email,
		ContentType:      contentType,
		Content:          content,
		Timestamp:        time.Now().UTC(),
		Metadata:         metadata,
	}, nil
}

// ValidateCredentials always succeeds: the widget has no external
// credentials to verify.
func (w *Widget) ValidateCredentials(context.Context, map[string]string) bool { return true }
