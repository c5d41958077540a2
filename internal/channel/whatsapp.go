package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultWhatsAppAPI = "https://graph.facebook.com/v21.0"

// WhatsApp adapts the WhatsApp Business Cloud API over plain HTTP.
type WhatsApp struct {
	apiURL        string
	apiToken      string
	phoneNumberID string
	client        *http.Client
}

// NewWhatsApp builds the adapter. apiURL may be empty for the default Graph
// API endpoint.
func NewWhatsApp(apiURL, apiToken, phoneNumberID string) *WhatsApp {
	if apiURL == "" {
		apiURL = defaultWhatsAppAPI
	}
	return &WhatsApp{
		apiURL:        strings.TrimRight(apiURL, "/"),
		apiToken:      apiToken,
		phoneNumberID: phoneNumberID,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WhatsApp) Type() string { return "whatsapp" }

// SendMessage sends content to a WhatsApp user. userRef is the recipient
// phone number in international format.
func (w *WhatsApp) SendMessage(ctx context.Context, userRef, contentType string, content map[string]any) (string, error) {
	var body map[string]any
	switch contentType {
	case ContentText:
		body = map[string]any{
			"messaging_product": "whatsapp",
			"to":                userRef,
			"type":              "text",
			"text":              map[string]any{"body": stringValue(content, "text")},
		}
	case ContentImage:
		body = map[string]any{
			"messaging_product": "whatsapp",
			"to":                userRef,
			"type":              "image",
			"image": map[string]any{
				"link":    stringValue(content, "url"),
				"caption": stringValue(content, "caption"),
			},
		}
	case ContentFile:
		body = map[string]any{
			"messaging_product": "whatsapp",
			"to":                userRef,
			"type":              "document",
			"document": map[string]any{
				"link":     stringValue(content, "url"),
				"filename": stringValue(content, "filename"),
			},
		}
	default:
		return "", fmt.Errorf("whatsapp cannot send content type %q", contentType)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("whatsapp payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.apiURL, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whatsapp send: status %d", resp.StatusCode)
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whatsapp response: %w", err)
	}
	if len(result.Messages) == 0 {
		return "", fmt.Errorf("whatsapp send: no message id in response")
	}
	return result.Messages[0].ID, nil
}

// whatsAppWebhook mirrors the Cloud API webhook envelope.
type whatsAppWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []whatsAppMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsAppMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *whatsAppMedia `json:"image"`
	Document *whatsAppMedia `json:"document"`
	Audio    *whatsAppMedia `json:"audio"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

type whatsAppMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// ParseInbound normalizes a Cloud API webhook payload. Status callbacks and
// other message-less notifications are ignored.
func (w *WhatsApp) ParseInbound(payload []byte) (*UnifiedMessage, error) {
	var hook whatsAppWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("whatsapp webhook: %w", err)
	}
	if len(hook.Entry) == 0 || len(hook.Entry[0].Changes) == 0 {
		return nil, nil
	}
	value := hook.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return nil, nil
	}

	msg := value.Messages[0]
	contentType, content := whatsAppContent(msg)

	unified := &UnifiedMessage{
		Channel:          "whatsapp",
		ChannelMessageID: msg.ID,
		ChannelUserID:    msg.From,
		Phone:            msg.From,
		ContentType:      contentType,
		Content:          content,
		Timestamp:        whatsAppTime(msg.Timestamp),
		Metadata:         map[string]any{},
	}
	if len(value.Contacts) > 0 {
		unified.ChannelName = value.Contacts[0].Profile.Name
	}
	return unified, nil
}

func whatsAppContent(msg whatsAppMessage) (string, map[string]any) {
	switch msg.Type {
	case "text":
		body := ""
		if msg.Text != nil {
			body = msg.Text.Body
		}
		return ContentText, map[string]any{"text": body}
	case "image":
		if msg.Image != nil {
			return ContentImage, map[string]any{
				"media_id":  msg.Image.ID,
				"mime_type": msg.Image.MimeType,
				"caption":   msg.Image.Caption,
			}
		}
	case "document":
		if msg.Document != nil {
			return ContentFile, map[string]any{
				"media_id":  msg.Document.ID,
				"filename":  msg.Document.Filename,
				"mime_type": msg.Document.MimeType,
			}
		}
	case "audio":
		if msg.Audio != nil {
			return ContentAudio, map[string]any{
				"media_id":  msg.Audio.ID,
				"mime_type": msg.Audio.MimeType,
			}
		}
	case "location":
		if msg.Location != nil {
			return ContentLocation, map[string]any{
				"latitude":  msg.Location.Latitude,
				"longitude": msg.Location.Longitude,
			}
		}
	}
	return ContentText, map[string]any{"text": ""}
}

func whatsAppTime(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// ValidateCredentials checks the token by fetching the phone number object.
func (w *WhatsApp) ValidateCredentials(ctx context.Context, credentials map[string]string) bool {
	token := credentials["api_token"]
	phoneID := credentials["phone_number_id"]
	if token == "" || phoneID == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", w.apiURL, phoneID), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Webhook registration for WhatsApp happens in the Meta app dashboard, not
// through the messaging API.
func (w *WhatsApp) SetupWebhook(context.Context, string, map[string]string) error { return nil }
func (w *WhatsApp) RemoveWebhook(context.Context, map[string]string) error        { return nil }

// VerifyWhatsAppSignature checks the X-Hub-Signature-256 header against the
// raw request body.
func VerifyWhatsAppSignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
