package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/franzego/dispatch/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Router is the channel registry as seen by the managers.
type Router interface {
	IsSupported(t models.ChannelType) bool
	SendToChannel(ctx context.Context, t models.ChannelType, payload models.NotificationPayload) error
}

// UserFinder returns (nil, nil) when the user does not exist.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type ChannelResult struct {
	Channel models.ChannelType `json:"channel"`
	To      string             `json:"to"`
	Err     error              `json:"-"`
}

func (r ChannelResult) OK() bool { return r.Err == nil }

// DeliveryReport holds one result per attempted channel.
type DeliveryReport struct {
	Results []ChannelResult `json:"results"`
}

// Err joins the per-channel failures, or returns nil if every channel succeeded.
func (r DeliveryReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Channel, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r DeliveryReport) Result(ch models.ChannelType) (ChannelResult, bool) {
	for _, res := range r.Results {
		if res.Channel == ch {
			return res, true
		}
	}
	return ChannelResult{}, false
}

// DirectManager sends synchronously through the registry.
type DirectManager struct {
	router    Router
	users     UserFinder
	templates TemplateSource
	log       *zap.Logger
}

func NewDirectManager(router Router, users UserFinder, templates TemplateSource, log *zap.Logger) *DirectManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &DirectManager{router: router, users: users, templates: templates, log: log.Named("direct")}
}

func (m *DirectManager) Notify(ctx context.Context, payload models.NotificationPayload) error {
	if !m.router.IsSupported(payload.Channel) {
		return fmt.Errorf("%w: %s", ErrChannelNotSupported, payload.Channel)
	}
	return m.router.SendToChannel(ctx, payload.Channel, payload)
}

// SupportedChannels drops unsupported and duplicate channels, logging a warning for each skip.
func SupportedChannels(router Router, chs []models.ChannelType, log *zap.Logger) []models.ChannelType {
	seen := make(map[models.ChannelType]bool, len(chs))
	out := make([]models.ChannelType, 0, len(chs))
	for _, ch := range chs {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		if !router.IsSupported(ch) {
			log.Warn("skipping unsupported channel", zap.String("channel", string(ch)))
			continue
		}
		out = append(out, ch)
	}
	return out
}

// NotifyToMultipleChannels sends to every supported channel concurrently and waits for all
// of them. Any channel failure fails the call; the report says which.
func (m *DirectManager) NotifyToMultipleChannels(ctx context.Context, payload models.MultiChannelNotificationPayload) (DeliveryReport, error) {
	targets := SupportedChannels(m.router, payload.Channels, m.log)
	if len(targets) == 0 {
		return DeliveryReport{}, ErrNoSupportedChannels
	}

	report := DeliveryReport{Results: make([]ChannelResult, len(targets))}
	// a failed channel must not cancel its siblings, so the group has no derived context
	var g errgroup.Group
	for i, ch := range targets {
		p := payload.ForChannel(ch)
		report.Results[i] = ChannelResult{Channel: ch, To: p.To}
		g.Go(func() error {
			err := m.router.SendToChannel(ctx, ch, p)
			report.Results[i].Err = err
			return err
		})
	}
	_ = g.Wait()

	if err := report.Err(); err != nil {
		m.log.Error("multi-channel delivery failed", zap.Error(err))
		return report, err
	}
	return report, nil
}

func (m *DirectManager) NotifyUser(ctx context.Context, userID string, payload models.MultiChannelNotificationPayload) (DeliveryReport, error) {
	user, err := FindUser(ctx, m.users, userID)
	if err != nil {
		return DeliveryReport{}, err
	}
	resolved, err := PayloadForUser(user, payload)
	if err != nil {
		return DeliveryReport{}, err
	}
	return m.NotifyToMultipleChannels(ctx, resolved)
}

func (m *DirectManager) NotifyUserWithTemplate(ctx context.Context, userID, templateName, locale string, vars map[string]string) (DeliveryReport, error) {
	tpl, err := LoadTemplate(ctx, m.templates, templateName)
	if err != nil {
		return DeliveryReport{}, err
	}
	user, err := FindUser(ctx, m.users, userID)
	if err != nil {
		return DeliveryReport{}, err
	}
	if locale == "" {
		locale = user.Language
	}
	resolved, err := PayloadForUser(user, TemplatePayload(tpl, RenderContent(tpl, locale, vars)))
	if err != nil {
		return DeliveryReport{}, err
	}
	return m.NotifyToMultipleChannels(ctx, resolved)
}

func FindUser(ctx context.Context, users UserFinder, userID string) (*models.User, error) {
	if users == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	user, err := users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return user, nil
}

// ActiveChannels intersects the opt-in flags with the contact points that are present.
func ActiveChannels(p models.UserNotificationPreferences) []models.ChannelType {
	var chs []models.ChannelType
	if p.EmailEnabled() && p.EmailAddress != "" {
		chs = append(chs, models.ChannelEmail)
	}
	if p.SMS && p.PhoneNumber != "" {
		chs = append(chs, models.ChannelSMS)
	}
	if p.Push && p.DeviceToken != "" {
		chs = append(chs, models.ChannelPush)
	}
	if p.Webhook && p.WebhookURL != "" {
		chs = append(chs, models.ChannelWebhook)
	}
	return chs
}

// PayloadForUser sets the channels and per-channel recipients from the user's
// preferences and stamps data.userLanguage.
func PayloadForUser(user *models.User, payload models.MultiChannelNotificationPayload) (models.MultiChannelNotificationPayload, error) {
	prefs := user.Preferences()
	chs := ActiveChannels(prefs)
	if len(chs) == 0 {
		return payload, fmt.Errorf("%w: %s", ErrNoActiveChannels, user.ID)
	}

	payload.Channels = chs
	payload.Recipients = make(map[models.ChannelType]string, len(chs))
	for _, ch := range chs {
		switch ch {
		case models.ChannelEmail:
			payload.Recipients[ch] = prefs.EmailAddress
		case models.ChannelSMS:
			payload.Recipients[ch] = prefs.PhoneNumber
		case models.ChannelPush:
			payload.Recipients[ch] = prefs.DeviceToken
		case models.ChannelWebhook:
			payload.Recipients[ch] = prefs.WebhookURL
		}
	}

	payload.Data = models.CopyData(payload.Data)
	if payload.Data == nil {
		payload.Data = map[string]interface{}{}
	}
	lang := user.Language
	if lang == "" {
		lang = models.DefaultLocale
	}
	payload.Data["userLanguage"] = lang
	if payload.Priority != "" {
		if _, ok := payload.Data["priority"]; !ok {
			payload.Data["priority"] = string(payload.Priority)
		}
	}
	return payload, nil
}
