package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type pushNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type pushRequest struct {
	To           string                 `json:"to"`
	Notification pushNotification       `json:"notification"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// PushChannel posts device notifications to an FCM-style gateway.
type PushChannel struct {
	gatewayURL string
	serverKey  string
	client     *http.Client
	cb         *gobreaker.CircuitBreaker
	log        *zap.Logger
}

func NewPushChannel(cfg config.PushConfig, log *zap.Logger) (*PushChannel, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("%w: channels.push.gateway_url", config.ErrMissingConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PushChannel{
		gatewayURL: cfg.GatewayURL,
		serverKey:  cfg.ServerKey,
		client:     &http.Client{Timeout: timeout},
		cb:         circuitbreaker.NewCircuitBreaker("push-gateway", log),
		log:        log.Named("push"),
	}, nil
}

func (c *PushChannel) Type() models.ChannelType { return models.ChannelPush }

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) Send(ctx context.Context, payload models.NotificationPayload) error {
	if payload.To == "" {
		return fmt.Errorf("%w: missing device token", ErrInvalidRecipient)
	}
	body, err := json.Marshal(pushRequest{
		To:           payload.To,
		Notification: pushNotification{Title: payload.Subject, Body: payload.Message},
		Data:         payload.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	err = circuitbreaker.Do(c.cb, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.serverKey != "" {
			req.Header.Set("Authorization", "key="+c.serverKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("push gateway returned status %d", resp.StatusCode)
		}
		return nil
	})
	if circuitbreaker.IsOpen(err) {
		c.log.Warn("push gateway circuit open, skipping send", zap.Error(err))
		return fmt.Errorf("%w: push gateway: %v", ErrChannelUnavailable, err)
	}
	if err != nil {
		c.log.Error("failed to send push notification", zap.Error(err))
		return err
	}
	return nil
}
