package auth

import (
	"context"

	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
)

type Mailer interface {
	SendVerificationCode(ctx context.Context, email, name, code string) error
}

// LogMailer writes outgoing mail to the log instead of delivering it.
type LogMailer struct{}

func (LogMailer) SendVerificationCode(ctx context.Context, email, name, code string) error {
	logger.Info("Verification code issued", logger.Fields{"email": email, "name": name, "code": code})
	return nil
}
