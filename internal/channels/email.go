package channels

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/models"
	"github.com/mrz1836/postmark"
	"go.uber.org/zap"
	gomail "gopkg.in/mail.v2"
)

const defaultSubject = "Notification"

// Email is a fully rendered message ready for a Mailer.
type Email struct {
	From     string
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

type Mailer interface {
	SendMail(ctx context.Context, msg Email) error
}

type SMTPMailer struct {
	dialer *gomail.Dialer
}

func NewSMTPMailer(host string, port int, username, password string) *SMTPMailer {
	return &SMTPMailer{dialer: gomail.NewDialer(host, port, username, password)}
}

func (m *SMTPMailer) SendMail(ctx context.Context, msg Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	message := gomail.NewMessage()
	message.SetHeader("From", msg.From)
	message.SetHeader("To", msg.To)
	message.SetHeader("Subject", msg.Subject)

	if msg.HTMLBody != "" {
		message.SetBody("text/html", msg.HTMLBody)
		if msg.TextBody != "" {
			message.AddAlternative("text/plain", msg.TextBody)
		}
	} else {
		message.SetBody("text/plain", msg.TextBody)
	}

	return m.dialer.DialAndSend(message)
}

type PostmarkMailer struct {
	client *postmark.Client
}

func NewPostmarkMailer(serverToken, accountToken string) (*PostmarkMailer, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: postmark server token", config.ErrMissingConfig)
	}
	return &PostmarkMailer{client: postmark.NewClient(serverToken, accountToken)}, nil
}

func (m *PostmarkMailer) SendMail(ctx context.Context, msg Email) error {
	resp, err := m.client.SendEmail(ctx, postmark.Email{
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		TextBody:   msg.TextBody,
		HTMLBody:   msg.HTMLBody,
		TrackOpens: msg.HTMLBody != "",
	})
	if err != nil {
		return fmt.Errorf("postmark send failed: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	return nil
}

type EmailChannel struct {
	mailer Mailer
	from   string
	log    *zap.Logger
}

func NewEmailChannel(mailer Mailer, from string, log *zap.Logger) *EmailChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmailChannel{mailer: mailer, from: from, log: log.Named("email")}
}

// NewEmailChannelFromConfig picks the SMTP or Postmark mailer based on cfg.Driver.
func NewEmailChannelFromConfig(cfg config.EmailConfig, log *zap.Logger) (*EmailChannel, error) {
	var mailer Mailer
	switch cfg.Driver {
	case "", "smtp":
		mailer = NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	case "postmark":
		pm, err := NewPostmarkMailer(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
		if err != nil {
			return nil, err
		}
		mailer = pm
	default:
		return nil, fmt.Errorf("unknown email driver %q", cfg.Driver)
	}
	return NewEmailChannel(mailer, cfg.From, log), nil
}

func (c *EmailChannel) Type() models.ChannelType { return models.ChannelEmail }

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, payload models.NotificationPayload) error {
	if _, err := mail.ParseAddress(payload.To); err != nil {
		return fmt.Errorf("%w: %q is not an email address", ErrInvalidRecipient, payload.To)
	}
	if payload.Message == "" && payload.HTML == "" {
		return errors.New("email has no body")
	}
	subject := payload.Subject
	if subject == "" {
		subject = defaultSubject
	}

	err := c.mailer.SendMail(ctx, Email{
		From:     c.from,
		To:       payload.To,
		Subject:  subject,
		TextBody: payload.Message,
		HTMLBody: payload.HTML,
	})
	if err != nil {
		c.log.Error("failed to send email", zap.String("to", payload.To), zap.Error(err))
		return err
	}
	c.log.Info("email sent", zap.String("to", payload.To))
	return nil
}
