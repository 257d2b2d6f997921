package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MessageCreator is the part of the Twilio REST API the SMS channel uses.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type SMSChannel struct {
	api     MessageCreator
	from    string
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewSMSChannel(api MessageCreator, from string, ratePerSecond float64, log *zap.Logger) *SMSChannel {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		if ratePerSecond > 1 {
			burst = int(ratePerSecond)
		}
	}
	return &SMSChannel{
		api:     api,
		from:    from,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.Named("sms"),
	}
}

func NewSMSChannelFromConfig(cfg config.SMSConfig, log *zap.Logger) (*SMSChannel, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("%w: channels.sms account_sid, auth_token and from_number", config.ErrMissingConfig)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewSMSChannel(client.Api, cfg.FromNumber, cfg.RatePerSecond, log), nil
}

func (c *SMSChannel) Type() models.ChannelType { return models.ChannelSMS }

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Send(ctx context.Context, payload models.NotificationPayload) error {
	to := payload.To
	if !strings.HasPrefix(to, "+") || len(to) < 8 {
		return fmt.Errorf("%w: invalid phone number %q", ErrInvalidRecipient, to)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limiter: %w", err)
	}

	body := payload.Message
	if payload.Subject != "" {
		body = payload.Subject + "\n" + body
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		c.log.Error("failed to send sms", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		c.log.Info("sms sent", zap.String("to", to), zap.String("sid", *resp.Sid))
	}
	return nil
}
