package senders

import (
	"errors"
	"strings"

	"github.com/fiffu/campwatch/config"
	"github.com/mailgun/mailgun-go/v4"
)

var ErrUnverifiedWebhook = errors.New("webhook signature could not be verified")

// WebhookVerifier checks Mailgun event signatures.
type WebhookVerifier struct {
	mg      *mailgun.MailgunImpl
	enabled bool
}

func NewWebhookVerifier(cfg *config.Config) *WebhookVerifier {
	mg := mailgun.NewMailgun(cfg.Mailgun.Domain, cfg.Mailgun.APIKey)
	mg.SetWebhookSigningKey(cfg.Mailgun.WebhookSigningKey)
	return &WebhookVerifier{mg, cfg.Mailgun.WebhookSigningKey != ""}
}

func (v *WebhookVerifier) Verify(sig mailgun.Signature) error {
	if !v.enabled {
		return ErrUnverifiedWebhook
	}
	ok, err := v.mg.VerifyWebhookSignature(sig)
	if err != nil || !ok {
		return ErrUnverifiedWebhook
	}
	return nil
}

// DeliveryEvent is the part of a Mailgun event we act on.
type DeliveryEvent struct {
	Event     string
	MessageID string
}

func ParseDeliveryEvent(payload mailgun.WebhookPayload) DeliveryEvent {
	evt := DeliveryEvent{}
	evt.Event, _ = payload.EventData["event"].(string)

	message, _ := payload.EventData["message"].(map[string]any)
	headers, _ := message["headers"].(map[string]any)
	id, _ := headers["message-id"].(string)
	evt.MessageID = strings.Trim(id, "<>")
	return evt
}
