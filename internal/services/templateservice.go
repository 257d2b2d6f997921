package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/franzego/dispatch/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// TemplateServiceClient fetches templates from the template service. It satisfies
// notify.TemplateSource.
type TemplateServiceClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	log        *zap.Logger
}

func NewTemplateClient(baseURL string, mockMode bool, log *zap.Logger) *TemplateServiceClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &TemplateServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cb:       circuitbreaker.NewCircuitBreaker("template-service", log),
		mockMode: mockMode,
		log:      log.Named("template-service"),
	}
}

func (t *TemplateServiceClient) GetTemplateByName(ctx context.Context, name string) (models.NotificationTemplate, error) {
	if t.mockMode {
		t.log.Debug("mock mode enabled: simulating template lookup", zap.String("template", name))
		return models.NotificationTemplate{
			Name:     name,
			IsActive: true,
			Subject:  map[string]string{models.DefaultLocale: "{{subject}}"},
			Message:  map[string]string{models.DefaultLocale: "{{message}}"},
		}, nil
	}

	var missing bool
	result, err := t.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/templates/%s", t.baseURL, url.PathEscape(name)), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		// a missing template is an answer, not a service failure
		if resp.StatusCode == http.StatusNotFound {
			missing = true
			return models.NotificationTemplate{}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("template service returned %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return decodeTemplate(body)
	})
	if err != nil {
		return models.NotificationTemplate{}, fmt.Errorf("template service lookup of %s: %w", name, breakerError(t.log, "template-service", err))
	}
	if missing {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", repository.ErrTemplateNotFound, name)
	}
	return result.(models.NotificationTemplate), nil
}

func (t *TemplateServiceClient) Available() bool {
	return t.mockMode || t.cb.State() != gobreaker.StateOpen
}

type templateEnvelope struct {
	Success bool                         `json:"success"`
	Data    *models.NotificationTemplate `json:"data"`
}

func decodeTemplate(body []byte) (models.NotificationTemplate, error) {
	var env templateEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Data != nil {
		return *env.Data, nil
	}
	var tpl models.NotificationTemplate
	if err := json.Unmarshal(body, &tpl); err != nil {
		return models.NotificationTemplate{}, fmt.Errorf("failed to decode template: %w", err)
	}
	if tpl.Name == "" {
		return models.NotificationTemplate{}, fmt.Errorf("template payload has no name")
	}
	return tpl, nil
}
