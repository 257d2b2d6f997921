package models

import (
	"fmt"
	"time"
)

const QueueMessageType = "notification"

// QueueMessage is the broker envelope. Exactly one of Data.Single or Data.Multi is set.
type QueueMessage struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Data       QueueMessageData `json:"data"`
	Timestamp  time.Time        `json:"timestamp"`
	Priority   uint8            `json:"priority"`
	RetryCount int              `json:"retry_count"`
}

type QueueMessageData struct {
	Single          *NotificationPayload             `json:"single,omitempty"`
	Multi           *MultiChannelNotificationPayload `json:"multi,omitempty"`
	UserID          string                           `json:"user_id,omitempty"`
	UserLanguage    string                           `json:"user_language,omitempty"`
	NotificationIDs map[ChannelType]string           `json:"notification_ids,omitempty"`
}

func (m QueueMessage) Validate() error {
	if m.Type != QueueMessageType {
		return fmt.Errorf("unexpected message type %q", m.Type)
	}
	if (m.Data.Single == nil) == (m.Data.Multi == nil) {
		return fmt.Errorf("message %s must carry exactly one payload", m.ID)
	}
	return nil
}

// PriorityFromData maps data["priority"] to the broker priority: urgent=10, high=8,
// normal=5, anything else 1.
func PriorityFromData(data map[string]interface{}) uint8 {
	p, _ := data["priority"].(string)
	return PriorityValue(Priority(p))
}

func PriorityValue(p Priority) uint8 {
	switch p {
	case PriorityUrgent:
		return 10
	case PriorityHigh:
		return 8
	case PriorityNormal:
		return 5
	default:
		return 1
	}
}
