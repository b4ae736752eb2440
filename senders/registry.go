package senders

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib/models"
	"go.uber.org/zap"
)

// Message is a rendered notification. Body is HTML for email and plain text for SMS.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Sender delivers one message and returns the provider's id for it.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

type Registry map[models.Channel]Sender

func NewSenderRegistry(log *zap.Logger, cfg *config.Config, transport http.RoundTripper) Registry {
	if !cfg.MailgunEnabled() {
		log.Sugar().Warn("Mailgun is not configured, notifications will only be logged")
		return map[models.Channel]Sender{
			models.ChannelEmail: &logSender{log, models.ChannelEmail},
			models.ChannelSMS:   &logSender{log, models.ChannelSMS},
		}
	}

	base := base{log, cfg, transport}
	return map[models.Channel]Sender{
		models.ChannelEmail: &mailgunSender{base},
		models.ChannelSMS:   &smsGatewaySender{base},
	}
}

type base struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}

// SMSAddress builds the carrier email-to-SMS address for a phone number.
func SMSAddress(phone, gateway string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	return digits + "@" + strings.TrimPrefix(gateway, "@")
}
