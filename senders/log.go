package senders

import (
	"context"
	"fmt"

	"github.com/fiffu/campwatch/lib/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// logSender stands in for a real channel in development.
type logSender struct {
	log     *zap.Logger
	channel models.Channel
}

func (l *logSender) Send(ctx context.Context, msg Message) (string, error) {
	id := fmt.Sprintf("mock-%s-%s", l.channel, uuid.NewString())
	l.log.Sugar().Infow("Notification not sent, no transport configured",
		"channel", l.channel,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
		"external_id", id,
	)
	return id, nil
}
