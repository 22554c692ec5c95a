package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetyworks/sitecore/internal/models"
)

func TestSESLockoutNotifier_SendLockoutAlert(t *testing.T) {
	client := &mockSES{SendEmailFunc: func(context.Context, *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
		return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
	}}
	n := NewSESLockoutNotifierWithClient(client, "alerts@example.com", discardLogger())

	user := &models.User{ID: "user-1", Username: "<admin>", Email: "admin@example.com"}
	err := n.SendLockoutAlert(context.Background(), user, testIP, testStart.Add(15*time.Minute))
	require.NoError(t, err)

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "alerts@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"admin@example.com"}, in.Destination.ToAddresses)
	assert.Contains(t, aws.ToString(in.Message.Body.Text.Data), testIP)
	assert.Contains(t, aws.ToString(in.Message.Body.Text.Data), "2026-03-02 09:15 UTC")
	assert.Contains(t, aws.ToString(in.Message.Body.Html.Data), "&lt;admin&gt;")
}

func TestSESLockoutNotifier_SkipsUserWithoutEmail(t *testing.T) {
	client := &mockSES{}
	n := NewSESLockoutNotifierWithClient(client, "alerts@example.com", discardLogger())

	err := n.SendLockoutAlert(context.Background(), &models.User{ID: "user-1"}, testIP, testStart)
	assert.NoError(t, err)
	assert.Empty(t, client.inputs)
}

func TestSESLockoutNotifier_SendError(t *testing.T) {
	client := &mockSES{SendEmailFunc: func(context.Context, *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
		return nil, errors.New("MessageRejected")
	}}
	n := NewSESLockoutNotifierWithClient(client, "alerts@example.com", discardLogger())

	err := n.SendLockoutAlert(context.Background(), &models.User{ID: "u", Email: "a@example.com"}, testIP, testStart)
	assert.Error(t, err)
}
