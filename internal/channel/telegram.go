package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram adapts the Telegram Bot API. Inbound updates arrive as webhook
// payloads; outbound messages go through the bot API client.
type Telegram struct {
	token string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram builds the adapter for one bot token. The API client is
// created lazily on first outbound call so inbound parsing never needs the
// network.
func NewTelegram(token string) *Telegram {
	return &Telegram{token: token}
}

func (t *Telegram) Type() string { return "telegram" }

func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// SendMessage sends content to a Telegram chat. userRef is the numeric chat
// id as a string.
func (t *Telegram) SendMessage(ctx context.Context, userRef, contentType string, content map[string]any) (string, error) {
	chatID, err := strconv.ParseInt(userRef, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", userRef, err)
	}

	bot, err := t.api()
	if err != nil {
		return "", err
	}

	var msg tgbotapi.Chattable
	switch contentType {
	case ContentText:
		m := tgbotapi.NewMessage(chatID, stringValue(content, "text"))
		m.ParseMode = tgbotapi.ModeHTML
		msg = m
	case ContentImage:
		m := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(stringValue(content, "url")))
		m.Caption = stringValue(content, "caption")
		msg = m
	case ContentFile:
		m := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(stringValue(content, "url")))
		m.Caption = stringValue(content, "caption")
		msg = m
	default:
		return "", fmt.Errorf("telegram cannot send content type %q", contentType)
	}

	sent, err := bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// ParseInbound normalizes a Telegram webhook update. Updates that carry no
// message are ignored.
func (t *Telegram) ParseInbound(payload []byte) (*UnifiedMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, fmt.Errorf("telegram update: %w", err)
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return nil, nil
	}

	contentType, content := telegramContent(msg)

	unified := &UnifiedMessage{
		Channel:          "telegram",
		ChannelMessageID: strconv.Itoa(msg.MessageID),
		ChannelUserID:    strconv.FormatInt(msg.Chat.ID, 10),
		ContentType:      contentType,
		Content:          content,
		Timestamp:        time.Unix(int64(msg.Date), 0).UTC(),
		Metadata:         map[string]any{"chat_type": msg.Chat.Type},
	}
	if from := msg.From; from != nil {
		unified.ChannelUsername = from.UserName
		unified.ChannelName = strings.TrimSpace(from.FirstName + " " + from.LastName)
		if from.LanguageCode != "" {
			unified.Metadata["language_code"] = from.LanguageCode
		}
	}
	return unified, nil
}

func telegramContent(msg *tgbotapi.Message) (string, map[string]any) {
	switch {
	case msg.Text != "":
		return ContentText, map[string]any{"text": msg.Text}
	case len(msg.Photo) > 0:
		// Telegram sends multiple sizes; keep the largest.
		photo := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.FileSize > photo.FileSize {
				photo = p
			}
		}
		return ContentImage, map[string]any{"file_id": photo.FileID, "caption": msg.Caption}
	case msg.Document != nil:
		return ContentFile, map[string]any{
			"file_id":   msg.Document.FileID,
			"filename":  msg.Document.FileName,
			"mime_type": msg.Document.MimeType,
			"file_size": msg.Document.FileSize,
		}
	case msg.Voice != nil:
		return ContentAudio, map[string]any{"file_id": msg.Voice.FileID, "duration": msg.Voice.Duration}
	case msg.Sticker != nil:
		return ContentSticker, map[string]any{"file_id": msg.Sticker.FileID, "emoji": msg.Sticker.Emoji}
	case msg.Location != nil:
		return ContentLocation, map[string]any{
			"latitude":  msg.Location.Latitude,
			"longitude": msg.Location.Longitude,
		}
	case msg.Contact != nil:
		return ContentContact, map[string]any{
			"phone": msg.Contact.PhoneNumber,
			"name":  strings.TrimSpace(msg.Contact.FirstName + " " + msg.Contact.LastName),
		}
	default:
		return ContentText, map[string]any{"text": ""}
	}
}

// ValidateCredentials verifies the bot token with a getMe call.
func (t *Telegram) ValidateCredentials(ctx context.Context, credentials map[string]string) bool {
	token := credentials["bot_token"]
	if token == "" {
		return false
	}
	_, err := tgbotapi.NewBotAPI(token)
	return err == nil
}

// SetupWebhook points the bot's webhook at webhookURL.
func (t *Telegram) SetupWebhook(ctx context.Context, webhookURL string, credentials map[string]string) error {
	bot, err := t.api()
	if err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return fmt.Errorf("telegram webhook url: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "edited_message"}
	if _, err := bot.Request(wh); err != nil {
		return fmt.Errorf("telegram set webhook: %w", err)
	}
	return nil
}

// RemoveWebhook deletes the bot's webhook registration.
func (t *Telegram) RemoveWebhook(ctx context.Context, credentials map[string]string) error {
	bot, err := t.api()
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram delete webhook: %w", err)
	}
	return nil
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
