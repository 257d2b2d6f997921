package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/franzego/dispatch/internal/models"
)

var (
	ErrChannelNotRegistered = errors.New("channel not registered")
	ErrInvalidRecipient     = errors.New("invalid recipient")
	// ErrChannelUnavailable means the transport's circuit breaker rejected the send.
	ErrChannelUnavailable = errors.New("channel unavailable")
)

// Channel delivers one payload over one transport.
type Channel interface {
	Type() models.ChannelType
	Name() string
	Send(ctx context.Context, payload models.NotificationPayload) error
}

// Registry maps channel types to their implementation. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[models.ChannelType]Channel
}

func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{channels: make(map[models.ChannelType]Channel)}
	for _, ch := range chs {
		r.Register(ch)
	}
	return r
}

// Register adds ch, replacing any channel already registered for the same type.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Type()] = ch
}

func (r *Registry) Unregister(t models.ChannelType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, t)
}

func (r *Registry) Get(t models.ChannelType) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[t]
	return ch, ok
}

func (r *Registry) ListTypes() []models.ChannelType {
	r.mu.RLock()
	types := make([]models.ChannelType, 0, len(r.channels))
	for t := range r.channels {
		types = append(types, t)
	}
	r.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) IsSupported(t models.ChannelType) bool {
	_, ok := r.Get(t)
	return ok
}

// SendToChannel routes payload to the channel registered for t.
func (r *Registry) SendToChannel(ctx context.Context, t models.ChannelType, payload models.NotificationPayload) error {
	ch, ok := r.Get(t)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotRegistered, t)
	}
	if payload.Channel == "" {
		payload.Channel = t
	}
	if err := ch.Send(ctx, payload); err != nil {
		return fmt.Errorf("%s channel: %w", ch.Name(), err)
	}
	return nil
}
