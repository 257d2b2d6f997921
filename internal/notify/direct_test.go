package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/franzego/dispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestDirectNotify_Success(t *testing.T) {
	router := newMockRouter(models.ChannelEmail)
	payload := models.NotificationPayload{Channel: models.ChannelEmail, To: "a@b.com", Subject: "S", Message: "M"}
	router.On("SendToChannel", mock.Anything, models.ChannelEmail, payload).Return(nil).Once()

	m := NewDirectManager(router, nil, nil, nil)
	require.NoError(t, m.Notify(context.Background(), payload))
	router.AssertExpectations(t)
}

func TestDirectNotify_UnsupportedChannel(t *testing.T) {
	router := newMockRouter(models.ChannelEmail)
	m := NewDirectManager(router, nil, nil, nil)

	err := m.Notify(context.Background(), models.NotificationPayload{Channel: "fax", To: "a@b.com", Message: "M"})
	assert.ErrorIs(t, err, ErrChannelNotSupported)
	router.AssertNotCalled(t, "SendToChannel", mock.Anything, mock.Anything, mock.Anything)
}

func TestDirectNotifyToMultipleChannels_AllSucceed(t *testing.T) {
	router := newMockRouter(models.ChannelEmail, models.ChannelSMS)
	router.On("SendToChannel", mock.Anything, models.ChannelEmail, mock.MatchedBy(func(p models.NotificationPayload) bool {
		return p.To == "x" && p.Message == "M" && p.Channel == models.ChannelEmail
	})).Return(nil).Once()
	router.On("SendToChannel", mock.Anything, models.ChannelSMS, mock.MatchedBy(func(p models.NotificationPayload) bool {
		return p.To == "x" && p.Message == "M" && p.Channel == models.ChannelSMS
	})).Return(nil).Once()

	m := NewDirectManager(router, nil, nil, nil)
	report, err := m.NotifyToMultipleChannels(context.Background(), models.MultiChannelNotificationPayload{
		Channels: []models.ChannelType{models.ChannelEmail, models.ChannelSMS},
		To:       "x",
		Message:  "M",
	})

	require.NoError(t, err)
	assert.Len(t, report.Results, 2)
	router.AssertExpectations(t)
}

func TestDirectNotifyToMultipleChannels_Empty(t *testing.T) {
	router := newMockRouter(models.ChannelEmail)
	m := NewDirectManager(router, nil, nil, nil)

	_, err := m.NotifyToMultipleChannels(context.Background(), models.MultiChannelNotificationPayload{Message: "M"})
	assert.ErrorIs(t, err, ErrNoSupportedChannels)

	_, err = m.NotifyToMultipleChannels(context.Background(), models.MultiChannelNotificationPayload{
		Channels: []models.ChannelType{"fax", "pager"},
		Message:  "M",
	})
	assert.ErrorIs(t, err, ErrNoSupportedChannels)
	router.AssertNotCalled(t, "SendToChannel", mock.Anything, mock.Anything, mock.Anything)
}

func TestDirectNotifyToMultipleChannels_PartialFailure(t *testing.T) {
	boom := errors.New("twilio 500")
	router := newMockRouter(models.ChannelEmail, models.ChannelSMS)
	router.On("SendToChannel", mock.Anything, models.ChannelEmail, mock.Anything).Return(nil).Once()
	router.On("SendToChannel", mock.Anything, models.ChannelSMS, mock.Anything).Return(boom).Once()

	m := NewDirectManager(router, nil, nil, nil)
	report, err := m.NotifyToMultipleChannels(context.Background(), models.MultiChannelNotificationPayload{
		Channels: []models.ChannelType{models.ChannelEmail, "fax", models.ChannelSMS},
		To:       "x",
		Message:  "M",
	})

	assert.ErrorIs(t, err, boom)
	router.AssertExpectations(t)

	email, ok := report.Result(models.ChannelEmail)
	require.True(t, ok)
	assert.True(t, email.OK())
	sms, ok := report.Result(models.ChannelSMS)
	require.True(t, ok)
	assert.ErrorIs(t, sms.Err, boom)
	_, ok = report.Result("fax")
	assert.False(t, ok)
}

func TestDirectNotifyUser_ResolvesRecipients(t *testing.T) {
	users := new(MockUserFinder)
	users.On("FindByID", mock.Anything, "u1").Return(&models.User{
		ID:          "u1",
		Email:       "u1@example.com",
		PhoneNumber: "+15550001111",
		Language:    "fr",
		NotificationPreferences: models.UserNotificationPreferences{
			SMS:     true,
			Webhook: true, // no URL, so skipped
		},
	}, nil)

	router := newMockRouter(models.ChannelEmail, models.ChannelSMS, models.ChannelWebhook)
	router.On("SendToChannel", mock.Anything, models.ChannelEmail, mock.MatchedBy(func(p models.NotificationPayload) bool {
		return p.To == "u1@example.com" && p.Data["userLanguage"] == "fr"
	})).Return(nil).Once()
	router.On("SendToChannel", mock.Anything, models.ChannelSMS, mock.MatchedBy(func(p models.NotificationPayload) bool {
		return p.To == "+15550001111"
	})).Return(nil).Once()

	m := NewDirectManager(router, users, nil, nil)
	report, err := m.NotifyUser(context.Background(), "u1", models.MultiChannelNotificationPayload{Message: "hi"})

	require.NoError(t, err)
	assert.Len(t, report.Results, 2)
	router.AssertExpectations(t)
}

func TestDirectNotifyUser_NoActiveChannels(t *testing.T) {
	users := new(MockUserFinder)
	users.On("FindByID", mock.Anything, "u1").Return(&models.User{
		ID:          "u1",
		Email:       "u1@example.com",
		PhoneNumber: "+15550001111",
		WebhookURL:  "https://hooks.example.com",
		DeviceToken: "tok",
		NotificationPreferences: models.UserNotificationPreferences{
			Email: boolPtr(false),
		},
	}, nil)
	router := newMockRouter(models.ChannelEmail, models.ChannelSMS, models.ChannelPush, models.ChannelWebhook)

	m := NewDirectManager(router, users, nil, nil)
	_, err := m.NotifyUser(context.Background(), "u1", models.MultiChannelNotificationPayload{Message: "hi"})

	assert.ErrorIs(t, err, ErrNoActiveChannels)
	router.AssertNotCalled(t, "SendToChannel", mock.Anything, mock.Anything, mock.Anything)
}

func TestDirectNotifyUser_UserNotFound(t *testing.T) {
	users := new(MockUserFinder)
	users.On("FindByID", mock.Anything, "ghost").Return(nil, nil)

	m := NewDirectManager(newMockRouter(models.ChannelEmail), users, nil, nil)
	_, err := m.NotifyUser(context.Background(), "ghost", models.MultiChannelNotificationPayload{Message: "hi"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDirectNotifyUserWithTemplate(t *testing.T) {
	users := new(MockUserFinder)
	users.On("FindByID", mock.Anything, "u1").Return(&models.User{ID: "u1", Email: "u1@example.com", Language: "fr"}, nil)

	templates := new(MockTemplateSource)
	templates.On("GetTemplateByName", mock.Anything, "order").Return(models.NotificationTemplate{
		Name:     "order",
		IsActive: true,
		Subject:  map[string]string{"en": "Order {{id}}", "fr": "Commande {{id}}"},
		Message:  map[string]string{"en": "Order {{id}} shipped, {{id}} is on its way"},
	}, nil)

	router := newMockRouter(models.ChannelEmail)
	router.On("SendToChannel", mock.Anything, models.ChannelEmail, mock.MatchedBy(func(p models.NotificationPayload) bool {
		return p.Subject == "Commande 7" && p.Message == "Order 7 shipped, 7 is on its way"
	})).Return(nil).Once()

	m := NewDirectManager(router, users, templates, nil)
	_, err := m.NotifyUserWithTemplate(context.Background(), "u1", "order", "", map[string]string{"id": "7"})

	require.NoError(t, err)
	router.AssertExpectations(t)
}

func TestActiveChannels(t *testing.T) {
	prefs := models.UserNotificationPreferences{
		Push:         true,
		SMS:          true,
		Webhook:      true,
		EmailAddress: "a@b.com",
		PhoneNumber:  "",
		DeviceToken:  "tok",
		WebhookURL:   "https://example.com/hook",
	}
	assert.Equal(t, []models.ChannelType{models.ChannelEmail, models.ChannelPush, models.ChannelWebhook}, ActiveChannels(prefs))

	prefs.Email = boolPtr(false)
	assert.Equal(t, []models.ChannelType{models.ChannelPush, models.ChannelWebhook}, ActiveChannels(prefs))
}
