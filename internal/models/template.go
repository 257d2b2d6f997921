package models

import "time"

const DefaultLocale = "en"

type NotificationTemplate struct {
	Name      string            `json:"name"`
	Type      ChannelType       `json:"type"`
	Category  string            `json:"category,omitempty"`
	Subject   map[string]string `json:"subject"`
	Message   map[string]string `json:"message"`
	HTML      map[string]string `json:"html,omitempty"`
	Variables []string          `json:"variables,omitempty"`
	IsActive  bool              `json:"is_active"`
	Priority  Priority          `json:"priority,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type LocalizedContent struct {
	Subject string
	Message string
	HTML    string
}

// Localized picks each field in locale, falling back to English per field.
func (t NotificationTemplate) Localized(locale string) LocalizedContent {
	return LocalizedContent{
		Subject: pickLocale(t.Subject, locale),
		Message: pickLocale(t.Message, locale),
		HTML:    pickLocale(t.HTML, locale),
	}
}

func pickLocale(values map[string]string, locale string) string {
	if v, ok := values[locale]; ok && v != "" {
		return v
	}
	return values[DefaultLocale]
}
