package notify

import "errors"

var (
	ErrChannelNotSupported = errors.New("channel not supported")
	ErrNoSupportedChannels = errors.New("no supported channels")
	ErrNoActiveChannels    = errors.New("no active notification channels for user")
	ErrUserNotFound        = errors.New("user not found")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrTemplateInactive    = errors.New("template is inactive")
	ErrBrokerUnavailable   = errors.New("message broker unavailable")
	ErrInvalidMessage      = errors.New("invalid queue message")
)
