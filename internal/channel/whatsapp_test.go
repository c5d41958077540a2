package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

const whatsAppTextWebhook = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "123",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"contacts": [{"wa_id": "15551234567", "profile": {"name": "Grace"}}],
				"messages": [{
					"id": "wamid.abc123",
					"from": "15551234567",
					"timestamp": "1735732800",
					"type": "text",
					"text": {"body": "refund please"}
				}]
			}
		}]
	}]
}`

const whatsAppStatusWebhook = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "123",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"statuses": [{"id": "wamid.abc123", "status": "delivered"}]
			}
		}]
	}]
}`

func TestWhatsAppParseTextMessage(t *testing.T) {
	adapter := NewWhatsApp("", "token", "phone-id")

	msg, err := adapter.ParseInbound([]byte(whatsAppTextWebhook))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a unified message")
	}

	if msg.Channel != "whatsapp" || msg.ChannelMessageID != "wamid.abc123" {
		t.Fatalf("identity fields wrong: %+v", msg)
	}
	if msg.ChannelUserID != "15551234567" || msg.Phone != "15551234567" {
		t.Fatalf("user fields wrong: %+v", msg)
	}
	if msg.ChannelName != "Grace" {
		t.Fatalf("profile name wrong: %+v", msg)
	}
	if msg.ContentType != ContentText || msg.Content["text"] != "refund please" {
		t.Fatalf("content wrong: %s %v", msg.ContentType, msg.Content)
	}
	if msg.Timestamp.Unix() != 1735732800 {
		t.Fatalf("timestamp wrong: %v", msg.Timestamp)
	}
}

func TestWhatsAppIgnoresStatusCallbacks(t *testing.T) {
	adapter := NewWhatsApp("", "token", "phone-id")

	msg, err := adapter.ParseInbound([]byte(whatsAppStatusWebhook))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg != nil {
		t.Fatalf("status callback should be ignored, got %+v", msg)
	}
}

func TestVerifyWhatsAppSignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	secret := "app-secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !VerifyWhatsAppSignature(secret, body, header) {
		t.Fatal("valid signature rejected")
	}
	if VerifyWhatsAppSignature(secret, []byte(`tampered`), header) {
		t.Fatal("signature over tampered body accepted")
	}
	if VerifyWhatsAppSignature(secret, body, "sha256=deadbeef") {
		t.Fatal("wrong signature accepted")
	}
	if VerifyWhatsAppSignature(secret, body, "md5=abc") {
		t.Fatal("wrong scheme accepted")
	}
}

func TestWidgetParse(t *testing.T) {
	adapter := NewWidget()

	msg, err := adapter.ParseInbound([]byte(`{
		"message_id": "m-1",
		"visitor_id": "v-9",
		"name": "Visitor",
		"email": "v@example.com",
		"content": {"text": "hi"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Channel != "web" || msg.ChannelMessageID != "m-1" || msg.ChannelUserID != "v-9" {
		t.Fatalf("identity fields wrong: %+v", msg)
	}
	if msg.ContentType != ContentText || msg.Email != "v@example.com" {
		t.Fatalf("fields wrong: %+v", msg)
	}

	if _, err := adapter.ParseInbound([]byte(`{"visitor_id": "v-9"}`)); err == nil {
		t.Fatal("payload without message_id should be rejected")
	}
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewWidget())
	reg.Register(NewTelegram("token"))

	a, err := reg.Get("telegram")
	if err != nil || a.Type() != "telegram" {
		t.Fatalf("get telegram: %v %v", a, err)
	}
	if _, err := reg.Get("carrier-pigeon"); err == nil {
		t.Fatal("unknown channel should error")
	}
}
