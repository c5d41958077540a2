package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
)

const queueNotificationsEmail = "queue:notifications:email"

// EmailMessage is one outbound email. At least one body variant is set.
type EmailMessage struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text"`
}

// EmailSender delivers email. SMTP details live behind this interface.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// NotificationWorker consumes queued email notifications and hands them to
// the configured sender. Malformed items are dropped with a warning so one
// bad payload cannot wedge the queue.
type NotificationWorker struct {
	Base

	sender     EmailSender
	popTimeout time.Duration
}

// NewNotificationWorker builds the notification worker.
func NewNotificationWorker(queue *bus.Queue, sender EmailSender, logger *zerolog.Logger) *NotificationWorker {
	w := &NotificationWorker{sender: sender, popTimeout: 5 * time.Second}
	w.Log = logger
	w.Queue = queue
	return w
}

func (w *NotificationWorker) Name() string { return "notification" }

func (w *NotificationWorker) Init(ctx context.Context) error {
	if w.sender == nil {
		return fmt.Errorf("notification worker requires an email sender")
	}
	return nil
}

func (w *NotificationWorker) Process(ctx context.Context) error {
	return w.ConsumeQueue(ctx, queueNotificationsEmail, w.popTimeout, w.sendEmail)
}

func (w *NotificationWorker) Close() error { return nil }

func (w *NotificationWorker) sendEmail(ctx context.Context, item []byte) error {
	var msg EmailMessage
	if err := json.Unmarshal(item, &msg); err != nil {
		return fmt.Errorf("decode email job: %w", err)
	}
	if msg.To == "" || msg.Subject == "" {
		w.Log.Warn().Msg("email job missing recipient or subject, dropping")
		return nil
	}
	if msg.BodyHTML == "" && msg.BodyText == "" {
		w.Log.Warn().Str("to", msg.To).Msg("email job has no body, dropping")
		return nil
	}

	if err := w.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, err)
	}

	w.Log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email sent")
	return nil
}
