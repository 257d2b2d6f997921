package models

import "time"

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

type PageResponse struct {
	Items  interface{} `json:"items"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// StatusUpdateRequest is posted by transports that confirm delivery or a read receipt.
type StatusUpdateRequest struct {
	Status       NotificationStatus `json:"status" binding:"required"`
	MessageID    string             `json:"message_id"`
	ErrorMessage string             `json:"error_message"`
	ErrorCode    string             `json:"error_code"`
}

type QueueStatus struct {
	MessageCount    int       `json:"message_count"`
	ConsumerCount   int       `json:"consumer_count"`
	DeadLetterCount int       `json:"dead_letter_count"`
	CheckedAt       time.Time `json:"checked_at"`
}
