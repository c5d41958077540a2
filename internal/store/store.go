// Package store defines the persistence interfaces the realtime layer
// consumes. Business entities live behind external services; the only local
// persistence is the webhook delivery audit log.
package store

import (
	"context"
	"time"
)

// WebhookDelivery records one delivery attempt of one webhook.
type WebhookDelivery struct {
	ID         int64
	WebhookID  string
	TenantID   string
	EventType  string
	URL        string
	Attempt    int
	StatusCode int
	Success    bool
	Error      string
	CreatedAt  time.Time
}

// DeliveryStore persists webhook delivery attempts.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, d *WebhookDelivery) error
	RecentDeliveries(ctx context.Context, webhookID string, limit int) ([]WebhookDelivery, error)
	Close() error
}
