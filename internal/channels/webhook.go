package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/pkg/circuitbreaker"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

type webhookBody struct {
	ID        string                 `json:"id"`
	Subject   string                 `json:"subject,omitempty"`
	Message   string                 `json:"message"`
	HTML      string                 `json:"html,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// WebhookChannel POSTs the payload as JSON to the recipient URL. Each target host gets
// its own breaker so one dead endpoint does not block the others.
type WebhookChannel struct {
	secret string
	client *http.Client
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhookChannel(cfg config.WebhookConfig, log *zap.Logger) *WebhookChannel {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		secret:   cfg.Secret,
		client:   &http.Client{Timeout: timeout},
		log:      log.Named("webhook"),
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *WebhookChannel) Type() models.ChannelType { return models.ChannelWebhook }

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = circuitbreaker.NewCircuitBreaker("webhook:"+host, c.log)
		c.breakers[host] = cb
	}
	return cb
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *WebhookChannel) Send(ctx context.Context, payload models.NotificationPayload) error {
	target, err := url.Parse(payload.To)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return fmt.Errorf("%w: invalid webhook url %q", ErrInvalidRecipient, payload.To)
	}

	now := c.now().UTC()
	id := uuid.New().String()
	body, err := json.Marshal(webhookBody{
		ID:        id,
		Subject:   payload.Subject,
		Message:   payload.Message,
		HTML:      payload.HTML,
		Data:      payload.Data,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook body: %w", err)
	}
	ts := strconv.FormatInt(now.Unix(), 10)

	err = circuitbreaker.Do(c.breaker(target.Host), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderID, id)
		req.Header.Set(HeaderTimestamp, ts)
		if c.secret != "" {
			req.Header.Set(HeaderSignature, "sha256="+Sign(c.secret, ts, body))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	if circuitbreaker.IsOpen(err) {
		c.log.Warn("webhook circuit open, skipping send", zap.String("host", target.Host), zap.String("webhook_id", id))
		return fmt.Errorf("%w: webhook %s: %v", ErrChannelUnavailable, target.Host, err)
	}
	if err != nil {
		c.log.Error("webhook delivery failed", zap.String("host", target.Host), zap.String("webhook_id", id), zap.Error(err))
		return err
	}
	c.log.Info("webhook delivered", zap.String("host", target.Host), zap.String("webhook_id", id))
	return nil
}
