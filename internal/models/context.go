package models

import "time"

type UserType string

const (
	UserPremium  UserType = "premium"
	UserStandard UserType = "standard"
	UserAdmin    UserType = "admin"
)

type NotificationType string

const (
	NotificationCritical NotificationType = "CRITICAL"
	NotificationHigh     NotificationType = "HIGH"
	NotificationNormal   NotificationType = "NORMAL"
	NotificationLow      NotificationType = "LOW"
)

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

type TimeOfDay string

const (
	TimePeak    TimeOfDay = "peak"
	TimeNormal  TimeOfDay = "normal"
	TimeOffPeak TimeOfDay = "off-peak"
)

// TimeOfDayAt buckets the wall-clock hour: 09-17 peak, 18-22 normal, otherwise off-peak.
func TimeOfDayAt(t time.Time) TimeOfDay {
	h := t.Hour()
	switch {
	case h >= 9 && h <= 17:
		return TimePeak
	case h >= 18 && h <= 22:
		return TimeNormal
	default:
		return TimeOffPeak
	}
}

type NotificationContext struct {
	UserID           string           `json:"user_id"`
	UserType         UserType         `json:"user_type"`
	NotificationType NotificationType `json:"notification_type"`
	Priority         Priority         `json:"priority"`
	TimeOfDay        TimeOfDay        `json:"time_of_day"`
}

// SystemMetrics is a point-in-time load snapshot. ResponseTime is in milliseconds,
// ErrorRate and MemoryUsage are percentages.
type SystemMetrics struct {
	QueueSize         int     `json:"queue_size"`
	ResponseTime      float64 `json:"response_time"`
	ErrorRate         float64 `json:"error_rate"`
	ActiveConnections int     `json:"active_connections"`
	MemoryUsage       float64 `json:"memory_usage"`
}

type DeliveryMode string

const (
	ModeDirect DeliveryMode = "direct"
	ModeQueue  DeliveryMode = "queue"
)
