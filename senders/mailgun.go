package senders

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

func (b base) client() *mailgun.MailgunImpl {
	mg := mailgun.NewMailgun(b.cfg.Mailgun.Domain, b.cfg.Mailgun.APIKey)
	if b.cfg.Mailgun.APIBase != "" {
		mg.SetAPIBase(b.cfg.Mailgun.APIBase)
	}
	mg.SetClient(&http.Client{Transport: b.transport})
	return mg
}

func (b base) send(ctx context.Context, mg *mailgun.MailgunImpl, message *mailgun.Message) (string, error) {
	timeout := time.Duration(b.cfg.Mailgun.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, id, err := mg.Send(ctx, message)
	return strings.Trim(id, "<>"), err
}

type mailgunSender struct {
	base
}

func (e *mailgunSender) Send(ctx context.Context, msg Message) (string, error) {
	mg := e.client()

	// Text part first, then SetHtml so the MIME type is multipart/alternative.
	message := mg.NewMessage(e.cfg.Mailgun.SenderFrom, msg.Subject, PlainText(msg.Body), msg.Recipient)
	message.SetHtml(msg.Body)

	return e.send(ctx, mg, message)
}

// smsGatewaySender mails plain text to the carrier's email-to-SMS gateway.
type smsGatewaySender struct {
	base
}

func (s *smsGatewaySender) Send(ctx context.Context, msg Message) (string, error) {
	mg := s.client()
	message := mg.NewMessage(s.cfg.Mailgun.SenderFrom, msg.Subject, msg.Body, msg.Recipient)
	return s.send(ctx, mg, message)
}
