package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/store"
)

const (
	queueWebhooks   = "queue:webhooks"
	delayedWebhooks = "delayed:webhooks"

	webhookMaxRetries = 5
	webhookUserAgent  = "OmniSupport-Webhook/1.0"
)

// Backoff per failed attempt: 1m, 5m, 15m, 1h, 2h.
var webhookRetryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

// WebhookEndpoint is one configured outbound webhook. Events, when set,
// restricts delivery to the listed event types.
type WebhookEndpoint struct {
	ID       string
	TenantID string
	URL      string
	Secret   string
	Events   []string
	Active   bool
}

// WebhookDirectory resolves webhook configuration, which is owned by the
// core service. A nil endpoint with a nil error means the webhook no longer
// exists.
type WebhookDirectory interface {
	Webhook(ctx context.Context, id string) (*WebhookEndpoint, error)
}

type webhookJob struct {
	WebhookID string         `json:"webhook_id"`
	TenantID  string         `json:"tenant_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Attempt   int            `json:"attempt"`
}

// WebhookWorker delivers queued webhooks to external endpoints, records
// each attempt in the delivery log, and schedules failed deliveries for
// retry on a delayed sorted set it sweeps itself.
type WebhookWorker struct {
	Base

	rdb        *redis.Client
	dir        WebhookDirectory
	deliveries store.DeliveryStore
	client     *http.Client
	popTimeout time.Duration
}

// NewWebhookWorker builds the webhook delivery worker.
func NewWebhookWorker(rdb *redis.Client, queue *bus.Queue, dir WebhookDirectory, deliveries store.DeliveryStore, logger *zerolog.Logger) *WebhookWorker {
	w := &WebhookWorker{
		rdb:        rdb,
		dir:        dir,
		deliveries: deliveries,
		client:     &http.Client{Timeout: 30 * time.Second},
		popTimeout: 5 * time.Second,
	}
	w.Log = logger
	w.Queue = queue
	return w
}

func (w *WebhookWorker) Name() string { return "webhook" }

func (w *WebhookWorker) Init(ctx context.Context) error {
	if w.dir == nil {
		return fmt.Errorf("webhook worker requires a webhook directory")
	}
	if w.deliveries == nil {
		return fmt.Errorf("webhook worker requires a delivery store")
	}
	return nil
}

func (w *WebhookWorker) Process(ctx context.Context) error {
	go w.sweepDelayed(ctx)
	return w.ConsumeQueue(ctx, queueWebhooks, w.popTimeout, w.deliver)
}

func (w *WebhookWorker) Close() error { return nil }

func (w *WebhookWorker) deliver(ctx context.Context, item []byte) error {
	var job webhookJob
	if err := json.Unmarshal(item, &job); err != nil {
		return fmt.Errorf("decode webhook job: %w", err)
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	endpoint, err := w.dir.Webhook(ctx, job.WebhookID)
	if err != nil {
		return fmt.Errorf("resolve webhook %s: %w", job.WebhookID, err)
	}
	if endpoint == nil || !endpoint.Active {
		w.Log.Warn().Str("webhook_id", job.WebhookID).Msg("webhook not found or inactive, dropping")
		return nil
	}
	if len(endpoint.Events) > 0 && !slices.Contains(endpoint.Events, job.EventType) {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"event":     job.EventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      job.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	delivery := &store.WebhookDelivery{
		WebhookID: endpoint.ID,
		TenantID:  endpoint.TenantID,
		EventType: job.EventType,
		URL:       endpoint.URL,
		Attempt:   job.Attempt,
	}

	status, err := w.post(ctx, endpoint, body, job.EventType)
	delivery.StatusCode = status
	delivery.Success = status >= 200 && status < 300
	if err != nil {
		delivery.Error = err.Error()
	}

	if recErr := w.deliveries.RecordDelivery(ctx, delivery); recErr != nil {
		w.Log.Error().Err(recErr).Str("webhook_id", endpoint.ID).Msg("failed to record delivery")
	}

	if delivery.Success {
		w.Log.Info().
			Str("webhook_id", endpoint.ID).
			Int("status", status).
			Int("attempt", job.Attempt).
			Msg("webhook delivered")
		return nil
	}

	w.Log.Warn().
		Str("webhook_id", endpoint.ID).
		Int("status", status).
		Int("attempt", job.Attempt).
		Err(err).
		Msg("webhook delivery failed")

	if job.Attempt < webhookMaxRetries {
		return w.scheduleRetry(ctx, job)
	}
	return nil
}

func (w *WebhookWorker) post(ctx context.Context, endpoint *WebhookEndpoint, body []byte, eventType string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set("X-Webhook-Event", eventType)
	if endpoint.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+signBody(endpoint.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// scheduleRetry parks the job on a sorted set scored by its due time.
func (w *WebhookWorker) scheduleRetry(ctx context.Context, job webhookJob) error {
	delay := webhookRetryDelays[job.Attempt-1]
	job.Attempt++

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode retry job: %w", err)
	}
	due := float64(time.Now().Add(delay).Unix())
	if err := w.rdb.ZAdd(ctx, delayedWebhooks, redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	w.Log.Info().
		Str("webhook_id", job.WebhookID).
		Dur("delay", delay).
		Int("attempt", job.Attempt).
		Msg("webhook retry scheduled")
	return nil
}

// sweepDelayed periodically moves due retries back onto the work queue.
func (w *WebhookWorker) sweepDelayed(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.requeueDue(ctx); err != nil {
				w.Log.Error().Err(err).Msg("delayed webhook sweep failed")
			}
		}
	}
}

func (w *WebhookWorker) requeueDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().Unix())
	due, err := w.rdb.ZRangeByScore(ctx, delayedWebhooks, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		// ZRem first: whoever removes the member owns the requeue, so
		// concurrent sweepers never duplicate a job.
		removed, err := w.rdb.ZRem(ctx, delayedWebhooks, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := w.rdb.RPush(ctx, queueWebhooks, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
