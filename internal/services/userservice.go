package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrServiceUnavailable is returned while a collaborator's circuit breaker is open.
var ErrServiceUnavailable = errors.New("service unavailable")

// breakerError marks breaker rejections with ErrServiceUnavailable so callers can tell
// them apart from failed calls.
func breakerError(log *zap.Logger, service string, err error) error {
	if !circuitbreaker.IsOpen(err) {
		return err
	}
	log.Warn("circuit open, skipping call", zap.String("service", service))
	return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, service, err)
}

// UserServiceClient looks users up in the user service. It satisfies notify.UserFinder.
type UserServiceClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	log        *zap.Logger
}

func NewUserServiceClient(baseURL string, mockMode bool, log *zap.Logger) *UserServiceClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cb:       circuitbreaker.NewCircuitBreaker("user-service", log),
		mockMode: mockMode,
		log:      log.Named("user-service"),
	}
}

// FindByID returns (nil, nil) when the service answers 404.
func (u *UserServiceClient) FindByID(ctx context.Context, userID string) (*models.User, error) {
	if u.mockMode {
		u.log.Debug("mock mode enabled: simulating user lookup", zap.String("user_id", userID))
		return mockUser(userID), nil
	}

	result, err := u.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/users/%s", u.baseURL, url.PathEscape(userID)), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return (*models.User)(nil), nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("user service returned %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return decodeUser(body)
	})
	if err != nil {
		return nil, fmt.Errorf("user service lookup of %s: %w", userID, breakerError(u.log, "user-service", err))
	}
	return result.(*models.User), nil
}

// UpdateByID patches the given fields on the user record.
func (u *UserServiceClient) UpdateByID(ctx context.Context, userID string, fields map[string]interface{}) error {
	if u.mockMode {
		u.log.Debug("mock mode enabled: simulating user update", zap.String("user_id", userID))
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal user update: %w", err)
	}

	err = circuitbreaker.Do(u.cb, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
			fmt.Sprintf("%s/users/%s", u.baseURL, url.PathEscape(userID)), bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("user service returned %d", resp.StatusCode)
		}
		return nil
	})
	return breakerError(u.log, "user-service", err)
}

// Available reports false while the breaker is open.
func (u *UserServiceClient) Available() bool {
	return u.mockMode || u.cb.State() != gobreaker.StateOpen
}

type userEnvelope struct {
	Success bool         `json:"success"`
	Data    *models.User `json:"data"`
}

// decodeUser accepts both the {success, data} envelope and a bare user object.
func decodeUser(body []byte) (*models.User, error) {
	var env userEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Data != nil {
		return env.Data, nil
	}
	var user models.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("user payload has no id")
	}
	return &user, nil
}

func mockUser(userID string) *models.User {
	return &models.User{
		ID:       userID,
		Email:    userID + "@example.com",
		Language: models.DefaultLocale,
		Tier:     models.UserStandard,
	}
}
