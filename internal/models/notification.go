package models

import "time"

type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusFailed    NotificationStatus = "failed"
	StatusDelivered NotificationStatus = "delivered"
	StatusRead      NotificationStatus = "read"
)

const (
	ErrorCodeSendFailed = "SEND_FAILED"
	DefaultMaxRetries   = 3
)

var transitions = map[NotificationStatus][]NotificationStatus{
	StatusPending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusFailed},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusPending},
}

func (s NotificationStatus) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusRead
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s NotificationStatus) CanTransition(next NotificationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type NotificationRecord struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id,omitempty"`
	Channel      ChannelType            `json:"channel"`
	Type         NotificationType       `json:"type"`
	Status       NotificationStatus     `json:"status"`
	Subject      string                 `json:"subject,omitempty"`
	Message      string                 `json:"message"`
	HTML         string                 `json:"html,omitempty"`
	From         string                 `json:"from,omitempty"`
	To           string                 `json:"to"`
	Strategy     DeliveryMode           `json:"strategy"`
	Priority     Priority               `json:"priority"`
	MessageID    string                 `json:"message_id,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	SentAt       *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time             `json:"delivered_at,omitempty"`
	ReadAt       *time.Time             `json:"read_at,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// StatusUpdate carries the optional fields written alongside a status change.
type StatusUpdate struct {
	MessageID      string
	ErrorMessage   string
	ErrorCode      string
	IncrementRetry bool
}

// Apply moves rec to status and stamps the matching timestamp.
func (rec *NotificationRecord) Apply(status NotificationStatus, upd StatusUpdate, now time.Time) {
	rec.Status = status
	rec.UpdatedAt = now
	if upd.MessageID != "" {
		rec.MessageID = upd.MessageID
	}
	if upd.ErrorMessage != "" {
		rec.ErrorMessage = upd.ErrorMessage
	}
	if upd.ErrorCode != "" {
		rec.ErrorCode = upd.ErrorCode
	}
	if upd.IncrementRetry {
		rec.RetryCount++
	}
	switch status {
	case StatusSent:
		rec.SentAt = &now
	case StatusDelivered:
		rec.DeliveredAt = &now
	case StatusRead:
		rec.ReadAt = &now
	}
}

type NotificationStats struct {
	Total    int                        `json:"total"`
	ByStatus map[NotificationStatus]int `json:"by_status"`
}
