package models

type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSMS     ChannelType = "sms"
	ChannelPush    ChannelType = "push"
	ChannelWebhook ChannelType = "webhook"
)

func (c ChannelType) String() string {
	return string(c)
}

// NotificationPayload is a single outbound message attempt on one channel.
type NotificationPayload struct {
	Channel ChannelType            `json:"channel"`
	To      string                 `json:"to"`
	Subject string                 `json:"subject,omitempty"`
	Message string                 `json:"message"`
	HTML    string                 `json:"html,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// MultiChannelNotificationPayload fans the same content out over several channels.
// Recipients holds per-channel destinations; To is used for any channel missing from it.
type MultiChannelNotificationPayload struct {
	Channels   []ChannelType          `json:"channels"`
	To         string                 `json:"to,omitempty"`
	Recipients map[ChannelType]string `json:"recipients,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Message    string                 `json:"message"`
	HTML       string                 `json:"html,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Priority   Priority               `json:"priority,omitempty"`
}

func (p MultiChannelNotificationPayload) AddressFor(ch ChannelType) string {
	if addr, ok := p.Recipients[ch]; ok && addr != "" {
		return addr
	}
	return p.To
}

// ForChannel builds the single-channel payload sent on ch.
func (p MultiChannelNotificationPayload) ForChannel(ch ChannelType) NotificationPayload {
	return NotificationPayload{
		Channel: ch,
		To:      p.AddressFor(ch),
		Subject: p.Subject,
		Message: p.Message,
		HTML:    p.HTML,
		Data:    CopyData(p.Data),
	}
}

func CopyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// UserNotificationPreferences are per-user opt-in flags plus the resolved contact points.
// Email is a pointer because an unset preference means enabled.
type UserNotificationPreferences struct {
	Email        *bool  `json:"email,omitempty"`
	Push         bool   `json:"push"`
	SMS          bool   `json:"sms"`
	Webhook      bool   `json:"webhook"`
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	DeviceToken  string `json:"device_token,omitempty"`
}

func (p UserNotificationPreferences) EmailEnabled() bool {
	return p.Email == nil || *p.Email
}

type User struct {
	ID                      string                      `json:"id"`
	Email                   string                      `json:"email"`
	PhoneNumber             string                      `json:"phone_number,omitempty"`
	WebhookURL              string                      `json:"webhook_url,omitempty"`
	DeviceToken             string                      `json:"device_token,omitempty"`
	Language                string                      `json:"language,omitempty"`
	Tier                    UserType                    `json:"tier,omitempty"`
	NotificationPreferences UserNotificationPreferences `json:"notification_preferences"`
}

// Preferences fills the contact points missing from the stored preferences with the
// ones on the user record.
func (u User) Preferences() UserNotificationPreferences {
	p := u.NotificationPreferences
	if p.EmailAddress == "" {
		p.EmailAddress = u.Email
	}
	if p.PhoneNumber == "" {
		p.PhoneNumber = u.PhoneNumber
	}
	if p.WebhookURL == "" {
		p.WebhookURL = u.WebhookURL
	}
	if p.DeviceToken == "" {
		p.DeviceToken = u.DeviceToken
	}
	return p
}
