package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/channel"
	"github.com/omnisupport/omnisupport-server/internal/event"
)

// queueInboundMessages hands normalized messages to the core service for
// persistence; realtime delivery rides the bus in parallel.
const queueInboundMessages = "queue:messages:inbound"

const maxWebhookBody = 1 << 20

// WebhookHandlers ingests channel platform callbacks: normalize, publish,
// enqueue.
type WebhookHandlers struct {
	adapters *channel.Registry
	pub      *bus.Publisher
	queue    *bus.Queue
	limiter  *rateLimiter
	log      *zerolog.Logger

	// verifyToken answers channel subscription probes; appSecret checks
	// WhatsApp payload signatures. Either may be empty.
	verifyToken string
	appSecret   string
}

// NewWebhookHandlers creates the webhook ingestion handlers.
func NewWebhookHandlers(adapters *channel.Registry, pub *bus.Publisher, queue *bus.Queue, limiter *rateLimiter, verifyToken, appSecret string, logger *zerolog.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		adapters:    adapters,
		pub:         pub,
		queue:       queue,
		limiter:     limiter,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		log:         logger,
	}
}

// HandleInbound handles POST /webhooks/:channel/:tenant_id.
func (h *WebhookHandlers) HandleInbound(c *gin.Context) {
	if !h.limiter.allow() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	channelType := c.Param("channel")
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid tenant id"})
		return
	}

	adapter, err := h.adapters.Get(channelType)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown channel"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable body"})
		return
	}

	if channelType == "whatsapp" && h.appSecret != "" {
		if !channel.VerifyWhatsAppSignature(h.appSecret, body, c.GetHeader("X-Hub-Signature-256")) {
			h.log.Warn().Str("tenant_id", tenantID.String()).Msg("webhook signature mismatch")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
			return
		}
	}

	msg, err := adapter.ParseInbound(body)
	if err != nil {
		h.log.Debug().Err(err).Str("channel", channelType).Msg("unparsable webhook payload")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload"})
		return
	}
	if msg == nil {
		// Valid but nothing to ingest (status callbacks and the like).
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx := c.Request.Context()

	ev := event.New(event.TypeMessageReceived, tenantID, map[string]any{
		"channel": msg.Channel,
		"message": msg,
	})
	if _, err := h.pub.Publish(ctx, ev); err != nil {
		h.log.Error().Err(err).Str("channel", channelType).Msg("publish inbound message failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	if err := h.queue.Push(ctx, queueInboundMessages, map[string]any{
		"tenant_id": tenantID.String(),
		"message":   msg,
	}); err != nil {
		// The event already reached the bus; the durable handoff is what
		// failed, so surface it.
		h.log.Error().Err(err).Str("channel", channelType).Msg("enqueue inbound message failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	h.log.Info().
		Str("channel", msg.Channel).
		Str("tenant_id", tenantID.String()).
		Str("channel_message_id", msg.ChannelMessageID).
		Msg("inbound message ingested")
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// HandleVerify answers GET subscription probes the way Meta-style platforms
// expect: echo hub.challenge when the verify token matches.
func (h *WebhookHandlers) HandleVerify(c *gin.Context) {
	if h.verifyToken == "" || c.Query("hub.verify_token") != h.verifyToken {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "verification failed"})
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}
