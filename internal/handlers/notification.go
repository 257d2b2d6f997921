package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/franzego/dispatch/internal/middleware"
	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/notify"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type QueueStatusProvider interface {
	GetQueueStatus(ctx context.Context) (models.QueueStatus, error)
}

// NotificationHandler exposes notification records, delivery receipts and the queue
// state. Sending is done in-process through the dispatcher.
type NotificationHandler struct {
	store repository.NotificationStore
	queue QueueStatusProvider
	log   *zap.Logger
}

func NewNotificationHandler(store repository.NotificationStore, queue QueueStatusProvider, log *zap.Logger) *NotificationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationHandler{store: store, queue: queue, log: log.Named("handlers")}
}

func (n *NotificationHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/notifications/stats", n.GetStats)
	rg.GET("/notifications/:id", n.GetNotification)
	rg.POST("/notifications/:id/status", n.UpdateStatus)
	rg.GET("/users/:id/notifications", n.ListUserNotifications)
	rg.GET("/queue/status", n.GetQueueStatus)
}

func (n *NotificationHandler) logger(c *gin.Context) *zap.Logger {
	return n.log.With(zap.String(middleware.CorrelationIDKey, c.GetString(middleware.CorrelationIDKey)))
}

func fail(c *gin.Context, status int, err string, message string) {
	c.JSON(status, models.APIResponse{
		Success: false,
		Error:   err,
		Message: message,
	})
}

func (n *NotificationHandler) GetNotification(c *gin.Context) {
	rec, err := n.store.GetNotification(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotificationNotFound) {
		fail(c, http.StatusNotFound, err.Error(), "Not Found")
		return
	}
	if err != nil {
		n.logger(c).Error("failed to load notification", zap.String("notification_id", c.Param("id")), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to load notification", "Internal Server Error")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Notification retrieved",
		Data:    rec,
	})
}

func (n *NotificationHandler) ListUserNotifications(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		fail(c, http.StatusBadRequest, "limit must be an integer", "Invalid Request")
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		fail(c, http.StatusBadRequest, "offset must be an integer", "Invalid Request")
		return
	}
	limit, offset = repository.ClampPage(limit, offset)

	recs, err := n.store.GetNotificationsByUserID(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		n.logger(c).Error("failed to list notifications", zap.String("user_id", c.Param("id")), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list notifications", "Internal Server Error")
		return
	}
	if recs == nil {
		recs = []models.NotificationRecord{}
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Notifications retrieved",
		Data:    models.PageResponse{Items: recs, Limit: limit, Offset: offset},
	})
}

func (n *NotificationHandler) GetStats(c *gin.Context) {
	stats, err := n.store.GetNotificationStats(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		n.logger(c).Error("failed to load stats", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to load stats", "Internal Server Error")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Stats retrieved",
		Data:    stats,
	})
}

// UpdateStatus records a delivery or read receipt reported by a transport.
func (n *NotificationHandler) UpdateStatus(c *gin.Context) {
	var req models.StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error(), "Invalid Request Body")
		return
	}
	if !req.Status.Valid() {
		fail(c, http.StatusBadRequest, repository.ErrInvalidStatus.Error(), "Invalid Request Body")
		return
	}

	id := c.Param("id")
	found, err := n.store.UpdateNotificationStatus(c.Request.Context(), id, req.Status, models.StatusUpdate{
		MessageID:    req.MessageID,
		ErrorMessage: req.ErrorMessage,
		ErrorCode:    req.ErrorCode,
	})
	switch {
	case errors.Is(err, repository.ErrInvalidTransition):
		fail(c, http.StatusConflict, err.Error(), "Conflict")
		return
	case err != nil:
		n.logger(c).Error("failed to update notification status", zap.String("notification_id", id), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to update status", "Internal Server Error")
		return
	case !found:
		fail(c, http.StatusNotFound, repository.ErrNotificationNotFound.Error(), "Not Found")
		return
	}

	n.logger(c).Info("notification status updated", zap.String("notification_id", id), zap.String("status", string(req.Status)))
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Notification status updated",
	})
}

func (n *NotificationHandler) GetQueueStatus(c *gin.Context) {
	status, err := n.queue.GetQueueStatus(c.Request.Context())
	if errors.Is(err, notify.ErrBrokerUnavailable) {
		fail(c, http.StatusServiceUnavailable, err.Error(), "Queue Unavailable")
		return
	}
	if err != nil {
		n.logger(c).Error("failed to inspect queue", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to inspect queue", "Internal Server Error")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Queue status retrieved",
		Data:    status,
	})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
