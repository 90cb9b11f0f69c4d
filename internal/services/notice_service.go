package services

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// Notifier delivers a rendered notice. Implementations own the transport.
type Notifier interface {
	Notify(ctx context.Context, nc models.NotificationContext) error
}

// LogNotifier writes notices to the log instead of sending them
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, nc models.NotificationContext) error {
	n.Logger.InfoContext(ctx, "notice",
		slog.String("kind", string(nc.Kind)),
		logger.EmailAttr(nc.Recipient),
	)
	return nil
}

// NoticeService fills in notification contexts and hands them to a Notifier
type NoticeService struct {
	notifier Notifier
	tokens   *TokenPolicy
	flags    models.SecurityFlags
	baseURL  string
	logger   *slog.Logger
}

func NewNoticeService(notifier Notifier, tokens *TokenPolicy, cfg config.SecurityConfig, baseURL string, logger *slog.Logger) *NoticeService {
	return &NoticeService{
		notifier: notifier,
		tokens:   tokens,
		flags:    cfg.Flags(),
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

func (s *NoticeService) link(path, token string) string {
	return s.baseURL + path + "?token=" + url.QueryEscape(token)
}

// ExistingAccount tells the owner that someone tried to register with their
// details. The message is the same whichever field collided.
func (s *NoticeService) ExistingAccount(ctx context.Context, user *models.User) error {
	return s.notifier.Notify(ctx, models.NotificationContext{
		Kind:      models.NoticeExistingAccount,
		Recipient: user.Email,
		User:      user,
		Security:  s.flags,
	})
}

// SendResetInstructions issues a reset token and mails the link
func (s *NoticeService) SendResetInstructions(ctx context.Context, user *models.User) error {
	token, err := s.tokens.IssueResetToken(user)
	if err != nil {
		return err
	}

	return s.notifier.Notify(ctx, models.NotificationContext{
		Kind:       models.NoticeResetInstructions,
		Recipient:  user.Email,
		User:       user,
		Security:   s.flags,
		ResetLink:  s.link("/reset", token),
		ResetToken: token,
	})
}

// SendConfirmationInstructions issues a confirm token and mails the link
func (s *NoticeService) SendConfirmationInstructions(ctx context.Context, user *models.User) error {
	token, err := s.tokens.IssueConfirmToken(user)
	if err != nil {
		return err
	}

	return s.notifier.Notify(ctx, models.NotificationContext{
		Kind:              models.NoticeConfirmationInstructions,
		Recipient:         user.Email,
		User:              user,
		Security:          s.flags,
		ConfirmationLink:  s.link("/confirm", token),
		ConfirmationToken: token,
	})
}
