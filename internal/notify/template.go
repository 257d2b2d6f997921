package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/repository"
)

type TemplateSource interface {
	GetTemplateByName(ctx context.Context, name string) (models.NotificationTemplate, error)
}

// RenderTemplate replaces every {{key}} for the keys in vars in a single pass, so
// substituted values are never expanded again. Placeholders without a value are left
// as they are.
func RenderTemplate(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// LoadTemplate fetches an active template.
func LoadTemplate(ctx context.Context, src TemplateSource, name string) (models.NotificationTemplate, error) {
	if src == nil {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	tpl, err := src.GetTemplateByName(ctx, name)
	if errors.Is(err, repository.ErrTemplateNotFound) {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return models.NotificationTemplate{}, fmt.Errorf("failed to load template %s: %w", name, err)
	}
	if !tpl.IsActive {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", ErrTemplateInactive, name)
	}
	return tpl, nil
}

// RenderContent localizes tpl and substitutes vars into every field.
func RenderContent(tpl models.NotificationTemplate, locale string, vars map[string]string) models.LocalizedContent {
	if locale == "" {
		locale = models.DefaultLocale
	}
	c := tpl.Localized(locale)
	return models.LocalizedContent{
		Subject: RenderTemplate(c.Subject, vars),
		Message: RenderTemplate(c.Message, vars),
		HTML:    RenderTemplate(c.HTML, vars),
	}
}

// TemplatePayload builds the multi-channel payload for a rendered template.
func TemplatePayload(tpl models.NotificationTemplate, content models.LocalizedContent) models.MultiChannelNotificationPayload {
	return models.MultiChannelNotificationPayload{
		Subject:  content.Subject,
		Message:  content.Message,
		HTML:     content.HTML,
		Priority: tpl.Priority,
		Data: map[string]interface{}{
			"template": tpl.Name,
			"category": tpl.Category,
		},
	}
}
