package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/notify"
	"github.com/franzego/dispatch/internal/repository/redisstore"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockQueueStatus struct {
	mock.Mock
}

func (m *MockQueueStatus) GetQueueStatus(ctx context.Context) (models.QueueStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.QueueStatus), args.Error(1)
}

func setupMockRedis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func setupRouter(t *testing.T, queue QueueStatusProvider) (*gin.Engine, *redisstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := redisstore.New(setupMockRedis(t))

	router := gin.New()
	api := router.Group("/api/v1")
	NewNotificationHandler(store, queue, nil).Register(api)
	NewTemplateHandler(store, nil).Register(api)
	return router, store
}

func do(router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, models.APIResponse) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response models.APIResponse
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	return w, response
}

func TestGetNotification(t *testing.T) {
	router, store := setupRouter(t, new(MockQueueStatus))
	rec, err := store.CreateNotification(context.Background(), models.NotificationRecord{
		UserID:  "u1",
		Channel: models.ChannelEmail,
		To:      "a@b.com",
		Message: "M",
	})
	require.NoError(t, err)

	w, response := do(router, http.MethodGet, "/api/v1/notifications/"+rec.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, response.Success)
	data := response.Data.(map[string]interface{})
	assert.Equal(t, rec.ID, data["id"])
	assert.Equal(t, "pending", data["status"])

	w, response = do(router, http.MethodGet, "/api/v1/notifications/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, response.Success)
}

func TestGetNotification_OtherKeysAreNotRecords(t *testing.T) {
	router, store := setupRouter(t, new(MockQueueStatus))
	ctx := context.Background()
	_, err := store.CreateTemplate(ctx, models.NotificationTemplate{Name: "welcome", Message: map[string]string{"en": "Hi"}})
	require.NoError(t, err)
	_, err = store.CreateNotification(ctx, models.NotificationRecord{UserID: "u1", Channel: models.ChannelEmail, Message: "M"})
	require.NoError(t, err)

	for _, id := range []string{"template:welcome", "user:u1"} {
		w, _ := do(router, http.MethodGet, "/api/v1/notifications/"+id, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, id)
	}
}

func TestListUserNotifications(t *testing.T) {
	router, store := setupRouter(t, new(MockQueueStatus))
	for i := 0; i < 3; i++ {
		_, err := store.CreateNotification(context.Background(), models.NotificationRecord{
			UserID:  "u1",
			Channel: models.ChannelEmail,
			Message: fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	w, response := do(router, http.MethodGet, "/api/v1/users/u1/notifications?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := response.Data.(map[string]interface{})
	assert.Len(t, page["items"], 2)
	assert.EqualValues(t, 2, page["limit"])

	w, response = do(router, http.MethodGet, "/api/v1/users/nobody/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, response.Data.(map[string]interface{})["items"], 0)

	w, _ = do(router, http.MethodGet, "/api/v1/users/u1/notifications?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateStatus_DeliveryReceipt(t *testing.T) {
	ctx := context.Background()
	router, store := setupRouter(t, new(MockQueueStatus))
	rec, err := store.CreateNotification(ctx, models.NotificationRecord{Channel: models.ChannelEmail, Message: "M"})
	require.NoError(t, err)
	_, err = store.UpdateNotificationStatus(ctx, rec.ID, models.StatusSent, models.StatusUpdate{MessageID: "m1"})
	require.NoError(t, err)

	path := "/api/v1/notifications/" + rec.ID + "/status"

	w, response := do(router, http.MethodPost, path, models.StatusUpdateRequest{Status: models.StatusDelivered})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, response.Success)

	got, err := store.GetNotification(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)

	// delivered cannot go back to sent
	w, _ = do(router, http.MethodPost, path, models.StatusUpdateRequest{Status: models.StatusSent})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(router, http.MethodPost, path, map[string]string{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(router, http.MethodPost, "/api/v1/notifications/missing/status", models.StatusUpdateRequest{Status: models.StatusRead})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	router, store := setupRouter(t, new(MockQueueStatus))
	_, err := store.CreateNotification(context.Background(), models.NotificationRecord{UserID: "u1", Channel: models.ChannelSMS, Message: "M"})
	require.NoError(t, err)

	w, response := do(router, http.MethodGet, "/api/v1/notifications/stats?user_id=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := response.Data.(map[string]interface{})
	assert.EqualValues(t, 1, stats["total"])
	assert.EqualValues(t, 1, stats["by_status"].(map[string]interface{})["pending"])
}

func TestGetQueueStatus(t *testing.T) {
	queue := new(MockQueueStatus)
	queue.On("GetQueueStatus", mock.Anything).Return(models.QueueStatus{MessageCount: 4, DeadLetterCount: 1}, nil).Once()
	queue.On("GetQueueStatus", mock.Anything).Return(models.QueueStatus{}, fmt.Errorf("%w: dial tcp", notify.ErrBrokerUnavailable)).Once()
	queue.On("GetQueueStatus", mock.Anything).Return(models.QueueStatus{}, errors.New("channel closed")).Once()
	router, _ := setupRouter(t, queue)

	w, response := do(router, http.MethodGet, "/api/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, response.Data.(map[string]interface{})["message_count"])

	w, _ = do(router, http.MethodGet, "/api/v1/queue/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = do(router, http.MethodGet, "/api/v1/queue/status", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	queue.AssertExpectations(t)
}
