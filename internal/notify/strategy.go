package notify

import (
	"time"

	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/models"
)

type Thresholds struct {
	QueueSize         int
	ResponseTime      float64 // ms
	ErrorRate         float64 // percent
	ActiveConnections int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueSize:         1000,
		ResponseTime:      5000,
		ErrorRate:         5,
		ActiveConnections: 100,
	}
}

// ThresholdsFromConfig falls back to the defaults for unset values.
func ThresholdsFromConfig(cfg config.DispatchConfig) Thresholds {
	t := DefaultThresholds()
	if cfg.QueueSizeThreshold > 0 {
		t.QueueSize = cfg.QueueSizeThreshold
	}
	if cfg.ResponseTimeThreshold > 0 {
		t.ResponseTime = cfg.ResponseTimeThreshold
	}
	if cfg.ErrorRateThreshold > 0 {
		t.ErrorRate = cfg.ErrorRateThreshold
	}
	if cfg.ActiveConnectionThreshold > 0 {
		t.ActiveConnections = cfg.ActiveConnectionThreshold
	}
	return t
}

// Strategy decides between direct and queued delivery. It holds no mutable state.
type Strategy struct {
	thresholds Thresholds
}

func NewStrategy(t Thresholds) *Strategy {
	return &Strategy{thresholds: t}
}

// GetStrategy applies the rules in order; the first match wins.
func (s *Strategy) GetStrategy(nctx models.NotificationContext, m models.SystemMetrics) models.DeliveryMode {
	switch {
	case nctx.NotificationType == models.NotificationCritical:
		return models.ModeDirect
	case nctx.UserType == models.UserPremium && nctx.Priority == models.PriorityUrgent:
		return models.ModeDirect
	case m.QueueSize > s.thresholds.QueueSize || m.ResponseTime > s.thresholds.ResponseTime:
		return models.ModeQueue
	case m.ErrorRate > s.thresholds.ErrorRate:
		return models.ModeQueue
	case nctx.TimeOfDay == models.TimePeak && m.ActiveConnections > s.thresholds.ActiveConnections:
		return models.ModeQueue
	default:
		return models.ModeQueue
	}
}

// GetRetryAttempts is advisory.
func (s *Strategy) GetRetryAttempts(nctx models.NotificationContext) int {
	switch nctx.NotificationType {
	case models.NotificationCritical:
		return 5
	case models.NotificationHigh:
		return 3
	case models.NotificationNormal:
		return 2
	default:
		return 1
	}
}

// GetTimeout is advisory.
func (s *Strategy) GetTimeout(nctx models.NotificationContext) time.Duration {
	switch nctx.Priority {
	case models.PriorityUrgent:
		return 5 * time.Second
	case models.PriorityHigh:
		return 10 * time.Second
	case models.PriorityNormal:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// BuildContext derives the strategy input. A nil user counts as standard tier.
func BuildContext(userID string, user *models.User, nt models.NotificationType, p models.Priority, now time.Time) models.NotificationContext {
	if nt == "" {
		nt = models.NotificationNormal
	}
	if p == "" {
		p = models.PriorityNormal
	}
	tier := models.UserStandard
	if user != nil {
		if user.ID != "" {
			userID = user.ID
		}
		if user.Tier != "" {
			tier = user.Tier
		}
	}
	return models.NotificationContext{
		UserID:           userID,
		UserType:         tier,
		NotificationType: nt,
		Priority:         p,
		TimeOfDay:        models.TimeOfDayAt(now),
	}
}
