package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// queueAssignments hands router decisions to the core service, which owns
// the conversation records.
const queueAssignments = "queue:assignments"

// RedisOperatorDirectory reads the operator availability table the core
// service maintains on the broker: one hash per tenant keyed
// "operators:<tenant>", field operator id, value active conversation count.
type RedisOperatorDirectory struct {
	rdb *redis.Client
}

// NewRedisOperatorDirectory builds a directory over the broker client.
func NewRedisOperatorDirectory(rdb *redis.Client) *RedisOperatorDirectory {
	return &RedisOperatorDirectory{rdb: rdb}
}

func operatorsKey(tenantID uuid.UUID) string {
	return "operators:" + tenantID.String()
}

func (d *RedisOperatorDirectory) AvailableOperators(ctx context.Context, tenantID uuid.UUID) ([]Operator, error) {
	fields, err := d.rdb.HGetAll(ctx, operatorsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read operator table: %w", err)
	}

	ops := make([]Operator, 0, len(fields))
	for id, load := range fields {
		opID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(load)
		if err != nil {
			n = 0
		}
		ops = append(ops, Operator{ID: opID, ActiveConversations: n})
	}
	return ops, nil
}

// Assign bumps the operator's load and queues the assignment for the core
// service to persist.
func (d *RedisOperatorDirectory) Assign(ctx context.Context, tenantID, conversationID, operatorID uuid.UUID) error {
	if err := d.rdb.HIncrBy(ctx, operatorsKey(tenantID), operatorID.String(), 1).Err(); err != nil {
		return fmt.Errorf("bump operator load: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"tenant_id":       tenantID.String(),
		"conversation_id": conversationID.String(),
		"operator_id":     operatorID.String(),
	})
	if err != nil {
		return err
	}
	if err := d.rdb.RPush(ctx, queueAssignments, payload).Err(); err != nil {
		return fmt.Errorf("queue assignment: %w", err)
	}
	return nil
}

// RedisWebhookDirectory reads webhook configuration the core service keeps
// at "webhook:<id>" hashes (url, secret, tenant_id, events, active).
type RedisWebhookDirectory struct {
	rdb *redis.Client
}

// NewRedisWebhookDirectory builds a webhook directory over the broker client.
func NewRedisWebhookDirectory(rdb *redis.Client) *RedisWebhookDirectory {
	return &RedisWebhookDirectory{rdb: rdb}
}

func (d *RedisWebhookDirectory) Webhook(ctx context.Context, id string) (*WebhookEndpoint, error) {
	fields, err := d.rdb.HGetAll(ctx, "webhook:"+id).Result()
	if err != nil {
		return nil, fmt.Errorf("read webhook config: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	var events []string
	if raw := fields["events"]; raw != "" {
		events = strings.Split(raw, ",")
	}
	return &WebhookEndpoint{
		ID:       id,
		TenantID: fields["tenant_id"],
		URL:      fields["url"],
		Secret:   fields["secret"],
		Events:   events,
		Active:   fields["active"] == "1",
	}, nil
}

// HTTPSuggester delegates suggestion and summarization requests to the
// AI service over HTTP.
type HTTPSuggester struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSuggester builds a suggester pointing at the AI service.
func NewHTTPSuggester(baseURL string) *HTTPSuggester {
	return &HTTPSuggester{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPSuggester) Suggest(ctx context.Context, tenantID, conversationID uuid.UUID) ([]string, error) {
	var out struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := s.call(ctx, "/suggest", tenantID, conversationID, &out); err != nil {
		return nil, err
	}
	return out.Suggestions, nil
}

func (s *HTTPSuggester) Summarize(ctx context.Context, tenantID, conversationID uuid.UUID) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := s.call(ctx, "/summarize", tenantID, conversationID, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

func (s *HTTPSuggester) call(ctx context.Context, path string, tenantID, conversationID uuid.UUID, out any) error {
	body, err := json.Marshal(map[string]string{
		"tenant_id":       tenantID.String(),
		"conversation_id": conversationID.String(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ai service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ai service returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SMTPEmailSender delivers email through a plain SMTP relay.
type SMTPEmailSender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func (s *SMTPEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	from := s.From
	if from == "" {
		from = s.User
	}

	payload, err := buildMIMEMessage(from, msg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	var a smtp.Auth
	if s.User != "" {
		a = smtp.PlainAuth("", s.User, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, a, from, []string{msg.To}, payload); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// buildMIMEMessage renders a multipart/alternative message with whichever
// body variants are present.
func buildMIMEMessage(from string, msg EmailMessage) ([]byte, error) {
	var buf bytes.Buffer
	boundary := fmt.Sprintf("part-%016x", rand.Uint64())

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, err
	}

	writePart := func(contentType, body string) error {
		if body == "" {
			return nil
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", contentType+"; charset=utf-8")
		part, err := w.CreatePart(h)
		if err != nil {
			return err
		}
		_, err = part.Write([]byte(body))
		return err
	}

	if err := writePart("text/plain", msg.BodyText); err != nil {
		return nil, err
	}
	if err := writePart("text/html", msg.BodyHTML); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
