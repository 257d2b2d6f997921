package channels

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/franzego/dispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockChannel struct {
	mock.Mock
	kind models.ChannelType
}

func (m *MockChannel) Type() models.ChannelType { return m.kind }

func (m *MockChannel) Name() string { return string(m.kind) }

func (m *MockChannel) Send(ctx context.Context, payload models.NotificationPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.ListTypes())

	r.Register(&MockChannel{kind: models.ChannelWebhook})
	r.Register(&MockChannel{kind: models.ChannelEmail})
	r.Register(&MockChannel{kind: models.ChannelSMS})

	assert.Equal(t, []models.ChannelType{models.ChannelEmail, models.ChannelSMS, models.ChannelWebhook}, r.ListTypes())
	assert.True(t, r.IsSupported(models.ChannelEmail))
	assert.False(t, r.IsSupported(models.ChannelPush))

	r.Unregister(models.ChannelSMS)
	assert.False(t, r.IsSupported(models.ChannelSMS))
	_, ok := r.Get(models.ChannelSMS)
	assert.False(t, ok)

	// unregistering an unknown type is a no-op
	r.Unregister(models.ChannelPush)
	assert.Len(t, r.ListTypes(), 2)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	first := &MockChannel{kind: models.ChannelEmail}
	second := &MockChannel{kind: models.ChannelEmail}
	r := NewRegistry(first)
	r.Register(second)

	got, ok := r.Get(models.ChannelEmail)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Len(t, r.ListTypes(), 1)
}

func TestRegistry_SendToChannel(t *testing.T) {
	email := new(MockChannel)
	email.kind = models.ChannelEmail
	email.On("Send", mock.Anything, mock.MatchedBy(func(p models.NotificationPayload) bool {
		return p.Channel == models.ChannelEmail && p.To == "a@example.com"
	})).Return(nil)

	r := NewRegistry(email)
	err := r.SendToChannel(context.Background(), models.ChannelEmail, models.NotificationPayload{To: "a@example.com", Message: "hi"})

	assert.NoError(t, err)
	email.AssertExpectations(t)
}

func TestRegistry_SendToChannelNotRegistered(t *testing.T) {
	email := new(MockChannel)
	email.kind = models.ChannelEmail
	r := NewRegistry(email)

	err := r.SendToChannel(context.Background(), models.ChannelSMS, models.NotificationPayload{To: "+15550001111"})

	assert.ErrorIs(t, err, ErrChannelNotRegistered)
	email.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestRegistry_SendErrorWrapped(t *testing.T) {
	boom := errors.New("smtp down")
	email := new(MockChannel)
	email.kind = models.ChannelEmail
	email.On("Send", mock.Anything, mock.Anything).Return(boom)
	sms := new(MockChannel)
	sms.kind = models.ChannelSMS
	sms.On("Send", mock.Anything, mock.Anything).Return(nil)

	r := NewRegistry(email, sms)

	err := r.SendToChannel(context.Background(), models.ChannelEmail, models.NotificationPayload{})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, r.SendToChannel(context.Background(), models.ChannelSMS, models.NotificationPayload{}))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(&MockChannel{kind: models.ChannelPush})
		}()
		go func() {
			defer wg.Done()
			_ = r.ListTypes()
			_ = r.IsSupported(models.ChannelPush)
		}()
	}
	wg.Wait()
	assert.True(t, r.IsSupported(models.ChannelPush))
}
