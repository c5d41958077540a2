package channel

import (
	"testing"
)

const telegramTextUpdate = `{
	"update_id": 873412,
	"message": {
		"message_id": 57,
		"from": {"id": 1001, "first_name": "Ada", "last_name": "Lovelace", "username": "ada", "language_code": "en"},
		"chat": {"id": 1001, "type": "private"},
		"date": 1735732800,
		"text": "my order never arrived"
	}
}`

const telegramPhotoUpdate = `{
	"update_id": 873413,
	"message": {
		"message_id": 58,
		"from": {"id": 1001, "first_name": "Ada", "username": "ada"},
		"chat": {"id": 1001, "type": "private"},
		"date": 1735732900,
		"caption": "receipt",
		"photo": [
			{"file_id": "small", "file_size": 120, "width": 90, "height": 90},
			{"file_id": "big", "file_size": 4096, "width": 800, "height": 800}
		]
	}
}`

func TestTelegramParseTextMessage(t *testing.T) {
	adapter := NewTelegram("test-token")

	msg, err := adapter.ParseInbound([]byte(telegramTextUpdate))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a unified message")
	}

	if msg.Channel != "telegram" || msg.ChannelMessageID != "57" || msg.ChannelUserID != "1001" {
		t.Fatalf("identity fields wrong: %+v", msg)
	}
	if msg.ContentType != ContentText || msg.Content["text"] != "my order never arrived" {
		t.Fatalf("content wrong: %s %v", msg.ContentType, msg.Content)
	}
	if msg.ChannelUsername != "ada" || msg.ChannelName != "Ada Lovelace" {
		t.Fatalf("profile fields wrong: %+v", msg)
	}
	if msg.Timestamp.Unix() != 1735732800 {
		t.Fatalf("timestamp wrong: %v", msg.Timestamp)
	}
}

func TestTelegramParseIsDeterministic(t *testing.T) {
	adapter := NewTelegram("test-token")

	first, err := adapter.ParseInbound([]byte(telegramTextUpdate))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	second, err := adapter.ParseInbound([]byte(telegramTextUpdate))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	// Channel + channel_message_id is the idempotency key; redelivery must
	// reproduce it exactly.
	if first.ChannelMessageID != second.ChannelMessageID || first.ChannelUserID != second.ChannelUserID {
		t.Fatalf("redelivered webhook produced different keys: %+v vs %+v", first, second)
	}
}

func TestTelegramParsePhotoPicksLargest(t *testing.T) {
	adapter := NewTelegram("test-token")

	msg, err := adapter.ParseInbound([]byte(telegramPhotoUpdate))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ContentType != ContentImage {
		t.Fatalf("content type = %s", msg.ContentType)
	}
	if msg.Content["file_id"] != "big" || msg.Content["caption"] != "receipt" {
		t.Fatalf("content = %v", msg.Content)
	}
}

func TestTelegramIgnoresMessagelessUpdates(t *testing.T) {
	adapter := NewTelegram("test-token")

	msg, err := adapter.ParseInbound([]byte(`{"update_id": 873414, "channel_post": {"message_id": 1}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg != nil {
		t.Fatalf("channel posts should be ignored, got %+v", msg)
	}
}
