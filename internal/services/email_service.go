package services

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/pkg/logger"
)

// LockoutNotifier tells an account owner that their account was locked.
type LockoutNotifier interface {
	SendLockoutAlert(ctx context.Context, user *models.User, ipAddress string, until time.Time) error
}

// SESAPI is the subset of the SES client used for alerts.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESLockoutNotifier sends lockout alerts through AWS SES.
type SESLockoutNotifier struct {
	client      SESAPI
	fromAddress string
	logger      *slog.Logger
}

// NewSESLockoutNotifier loads the default AWS credential chain for region.
func NewSESLockoutNotifier(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESLockoutNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESLockoutNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

func NewSESLockoutNotifierWithClient(client SESAPI, fromAddress string, logger *slog.Logger) *SESLockoutNotifier {
	return &SESLockoutNotifier{client: client, fromAddress: fromAddress, logger: logger}
}

func (s *SESLockoutNotifier) SendLockoutAlert(ctx context.Context, user *models.User, ipAddress string, until time.Time) error {
	if user == nil || user.Email == "" {
		return nil
	}
	untilText := until.UTC().Format("2006-01-02 15:04 MST")

	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <h2>Admin account temporarily locked</h2>
    <p>Hello %s,</p>
    <p>Your site administration account was locked after repeated failed sign-in attempts from <code>%s</code>.</p>
    <p>You can sign in again after <strong>%s</strong>.</p>
    <p>If this was not you, contact your site owner and consider changing your password once the lock expires.</p>
    <p style="color: #666; font-size: 12px;">This is an automated message. Please do not reply.</p>
</body>
</html>
`, html.EscapeString(user.Username), html.EscapeString(ipAddress), untilText)

	textBody := fmt.Sprintf(`Admin account temporarily locked

Hello %s,

Your site administration account was locked after repeated failed sign-in attempts from %s.

You can sign in again after %s.

If this was not you, contact your site owner and consider changing your password once the lock expires.

This is an automated message. Please do not reply.
`, user.Username, ipAddress, untilText)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{user.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Your admin account has been locked"),
			},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(htmlBody)},
				Text: &types.Content{Data: aws.String(textBody)},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send lockout alert via SES",
			slog.String("email", logger.SanitizedEmail(user.Email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("lockout alert sent",
		slog.String("user_id", user.ID),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}
