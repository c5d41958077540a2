// Package channel normalizes heterogeneous messaging channels (web widget,
// Telegram, WhatsApp) into one message shape and one capability surface.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Content types of a unified message.
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentFile     = "file"
	ContentAudio    = "audio"
	ContentVideo    = "video"
	ContentLocation = "location"
	ContentContact  = "contact"
	ContentSticker  = "sticker"
)

// UnifiedMessage is the normalized form of an inbound channel message.
// Channel plus ChannelMessageID is the idempotency key for a tenant: the
// normalizer must populate both deterministically so webhook redelivery
// never produces a second distinct message downstream.
type UnifiedMessage struct {
	Channel          string `json:"channel"`
	ChannelMessageID string `json:"channel_message_id"`
	ChannelUserID    string `json:"channel_user_id"`

	ChannelUsername  string `json:"channel_username,omitempty"`
	ChannelName      string `json:"channel_name,omitempty"`
	ChannelAvatarURL string `json:"channel_avatar_url,omitempty"`

	ContentType string         `json:"content_type"`
	Content     map[string]any `json:"content"`

	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`

	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Adapter is the capability surface every channel implements. Dispatch is by
// the Type discriminator, not by concrete type.
type Adapter interface {
	// Type returns the channel discriminator ("web", "telegram", "whatsapp").
	Type() string

	// SendMessage delivers content to a channel user and returns the
	// channel-side message id.
	SendMessage(ctx context.Context, userRef, contentType string, content map[string]any) (string, error)

	// ParseInbound normalizes a raw channel payload. (nil, nil) means the
	// payload is valid but carries nothing to ingest (status callbacks,
	// edits of unsupported kinds) and must be ignored.
	ParseInbound(payload []byte) (*UnifiedMessage, error)

	// ValidateCredentials checks channel credentials against the channel's
	// own API.
	ValidateCredentials(ctx context.Context, credentials map[string]string) bool

	// SetupWebhook and RemoveWebhook manage the channel-side webhook
	// registration. Channels without webhooks embed NopWebhook.
	SetupWebhook(ctx context.Context, webhookURL string, credentials map[string]string) error
	RemoveWebhook(ctx context.Context, credentials map[string]string) error
}

// NopWebhook provides no-op webhook management for channels that do not use
// webhooks or manage them out of band.
type NopWebhook struct{}

func (NopWebhook) SetupWebhook(context.Context, string, map[string]string) error { return nil }
func (NopWebhook) RemoveWebhook(context.Context, map[string]string) error        { return nil }

// Registry holds the configured adapters keyed by channel discriminator.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter; the last registration for a discriminator wins.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for the channel discriminator.
func (r *Registry) Get(channel string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
	return a, nil
}
