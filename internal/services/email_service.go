package services

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"text/template"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// SESClient is the part of the SES API the notifier uses
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type emailTemplate struct {
	subject string
	text    *template.Template
	html    *htmltemplate.Template
}

const emailLayout = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        {{template "content" .}}
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>`

var emailTemplates = map[models.NoticeKind]struct {
	subject, text, html string
}{
	models.NoticeExistingAccount: {
		subject: "Someone tried to register with your address",
		text: `Someone tried to create a new account using details that already belong to your account.

If this was you, you already have an account{{if .Security.Recoverable}} and can reset your password if you have forgotten it{{end}}.

If this was not you, no action is needed. Your account has not been changed.
`,
		html: `{{define "content"}}
        <h1>Registration attempt</h1>
        <p>Someone tried to create a new account using details that already belong to your account.</p>
        <p>If this was you, you already have an account{{if .Security.Recoverable}} and can reset your password if you have forgotten it{{end}}.</p>
        <p>If this was not you, no action is needed. Your account has not been changed.</p>
{{end}}`,
	},
	models.NoticeResetInstructions: {
		subject: "Reset your password",
		text: `A password reset was requested for your account. Use the link below to choose a new password:

{{.ResetLink}}

If you did not request this, you can ignore this email.
`,
		html: `{{define "content"}}
        <h1>Reset your password</h1>
        <p>A password reset was requested for your account.</p>
        <p><a href="{{.ResetLink}}" class="button">Choose a new password</a></p>
        <p>If you did not request this, you can ignore this email.</p>
{{end}}`,
	},
	models.NoticeConfirmationInstructions: {
		subject: "Confirm your email address",
		text: `Please confirm your email address by opening the link below:

{{.ConfirmationLink}}

If you did not create this account, you can ignore this email.
`,
		html: `{{define "content"}}
        <h1>Confirm your email address</h1>
        <p><a href="{{.ConfirmationLink}}" class="button">Confirm email address</a></p>
        <p>If you did not create this account, you can ignore this email.</p>
{{end}}`,
	},
}

// SESNotifier renders notices and sends them through AWS SES
type SESNotifier struct {
	client      SESClient
	fromAddress string
	templates   map[models.NoticeKind]emailTemplate
	logger      *slog.Logger
}

// NewSESNotifier creates a notifier using the default AWS credential chain
func NewSESNotifier(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, logger)
}

// NewSESNotifierWithClient creates a notifier around an existing client
func NewSESNotifierWithClient(client SESClient, fromAddress string, logger *slog.Logger) (*SESNotifier, error) {
	templates := make(map[models.NoticeKind]emailTemplate, len(emailTemplates))
	for kind, src := range emailTemplates {
		text, err := template.New(string(kind)).Parse(src.text)
		if err != nil {
			return nil, fmt.Errorf("parse %s text template: %w", kind, err)
		}
		html, err := htmltemplate.New(string(kind)).Parse(emailLayout)
		if err == nil {
			html, err = html.Parse(src.html)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s html template: %w", kind, err)
		}
		templates[kind] = emailTemplate{subject: src.subject, text: text, html: html}
	}

	return &SESNotifier{
		client:      client,
		fromAddress: fromAddress,
		templates:   templates,
		logger:      logger,
	}, nil
}

// Render returns the subject and bodies for a notice
func (n *SESNotifier) Render(nc models.NotificationContext) (subject, text, html string, err error) {
	tmpl, ok := n.templates[nc.Kind]
	if !ok {
		return "", "", "", fmt.Errorf("no template for notice %q", nc.Kind)
	}

	var textBuf, htmlBuf bytes.Buffer
	if err := tmpl.text.Execute(&textBuf, nc); err != nil {
		return "", "", "", fmt.Errorf("render %s text: %w", nc.Kind, err)
	}
	if err := tmpl.html.Execute(&htmlBuf, nc); err != nil {
		return "", "", "", fmt.Errorf("render %s html: %w", nc.Kind, err)
	}
	return tmpl.subject, textBuf.String(), htmlBuf.String(), nil
}

// Notify implements Notifier
func (n *SESNotifier) Notify(ctx context.Context, nc models.NotificationContext) error {
	subject, textBody, htmlBody, err := n.Render(nc)
	if err != nil {
		return err
	}

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{nc.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(htmlBody)},
				Text: &types.Content{Data: aws.String(textBody)},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("failed to send notice via SES",
			slog.String("kind", string(nc.Kind)),
			logger.EmailAttr(nc.Recipient),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("notice sent",
		slog.String("kind", string(nc.Kind)),
		logger.EmailAttr(nc.Recipient),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}
