package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/queue"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Broker is the subset of the RabbitMQ client the queue manager drives.
type Broker interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	CreateExchange(name, kind string, opts queue.ExchangeOptions) error
	CreateQueue(name string, opts queue.QueueOptions) error
	BindQueue(queueName, routingKey, exchange string) error
	PublishToQueue(ctx context.Context, queueName string, body []byte, opts queue.PublishOptions) error
	Consume(ctx context.Context, queueName string, handler queue.Handler, opts queue.ConsumeOptions) (string, error)
	Cancel(consumerTag string) error
	GetQueueInfo(queueName string) (queue.QueueInfo, error)
}

// ProcessedTracker deduplicates redelivered messages. MarkProcessed is called only
// once a message has been handled.
type ProcessedTracker interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
}

// RecordUpdater is the slice of the notification store the consumer writes to.
type RecordUpdater interface {
	UpdateNotificationStatus(ctx context.Context, id string, status models.NotificationStatus, upd models.StatusUpdate) (bool, error)
}

type QueueManagerDeps struct {
	Broker    Broker
	Router    Router
	Users     UserFinder
	Processed ProcessedTracker
	Records   RecordUpdater
	Config    config.RabbitMQConfig
	Log       *zap.Logger
}

// QueueManager publishes notifications to RabbitMQ and consumes them back into the
// channel registry.
type QueueManager struct {
	broker    Broker
	router    Router
	users     UserFinder
	processed ProcessedTracker
	records   RecordUpdater
	cfg       config.RabbitMQConfig
	log       *zap.Logger
	now       func() time.Time

	setupMu sync.Mutex
	ready   bool

	consumerMu  sync.Mutex
	consumerTag string
}

func NewQueueManager(deps QueueManagerDeps) *QueueManager {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueManager{
		broker:    deps.Broker,
		router:    deps.Router,
		users:     deps.Users,
		processed: deps.Processed,
		records:   deps.Records,
		cfg:       deps.Config,
		log:       log.Named("queue"),
		now:       time.Now,
	}
}

func (m *QueueManager) dlqRoutingKey() string {
	return m.cfg.DeadLetterQueue
}

// Setup connects and declares the topology. It runs once; a failed attempt is retried
// on the next call.
func (m *QueueManager) Setup(ctx context.Context) error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()
	if m.ready && m.broker.IsConnected() {
		return nil
	}

	if err := m.broker.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	if err := m.broker.CreateExchange(m.cfg.DeadLetterExchange, amqp.ExchangeDirect, queue.ExchangeOptions{Durable: true}); err != nil {
		return err
	}
	if err := m.broker.CreateQueue(m.cfg.DeadLetterQueue, queue.QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := m.broker.BindQueue(m.cfg.DeadLetterQueue, m.dlqRoutingKey(), m.cfg.DeadLetterExchange); err != nil {
		return err
	}

	if err := m.broker.CreateExchange(m.cfg.Exchange, amqp.ExchangeTopic, queue.ExchangeOptions{Durable: true}); err != nil {
		return err
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    m.cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": m.dlqRoutingKey(),
	}
	if m.cfg.MaxPriority > 0 {
		args["x-max-priority"] = int32(m.cfg.MaxPriority)
	}
	if m.cfg.MessageTTL > 0 {
		args["x-message-ttl"] = int32(m.cfg.MessageTTL.Milliseconds())
	}
	if err := m.broker.CreateQueue(m.cfg.Queue, queue.QueueOptions{Durable: true, Args: args}); err != nil {
		return err
	}
	if err := m.broker.BindQueue(m.cfg.Queue, m.cfg.RoutingKey, m.cfg.Exchange); err != nil {
		return err
	}

	m.ready = true
	m.log.Info("queue topology ready",
		zap.String("exchange", m.cfg.Exchange),
		zap.String("queue", m.cfg.Queue),
		zap.String("dead_letter_queue", m.cfg.DeadLetterQueue),
	)
	return nil
}

// Enqueue publishes data as a persistent message on the primary queue.
func (m *QueueManager) Enqueue(ctx context.Context, data models.QueueMessageData) (models.QueueMessage, error) {
	msg := models.QueueMessage{
		ID:        uuid.New().String(),
		Type:      models.QueueMessageType,
		Data:      data,
		Timestamp: m.now().UTC(),
		Priority:  messagePriority(data),
	}
	if err := msg.Validate(); err != nil {
		return models.QueueMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := m.Setup(ctx); err != nil {
		return models.QueueMessage{}, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("failed to marshal queue message: %w", err)
	}
	err = m.broker.PublishToQueue(ctx, m.cfg.Queue, body, queue.PublishOptions{
		MessageID:  msg.ID,
		Priority:   msg.Priority,
		Persistent: true,
	})
	if errors.Is(err, queue.ErrNotConnected) || errors.Is(err, queue.ErrClosed) {
		return models.QueueMessage{}, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if err != nil {
		return models.QueueMessage{}, err
	}

	m.log.Debug("notification queued", zap.String("message_id", msg.ID), zap.Uint8("priority", msg.Priority))
	return msg, nil
}

func messagePriority(data models.QueueMessageData) uint8 {
	switch {
	case data.Single != nil:
		return models.PriorityFromData(data.Single.Data)
	case data.Multi != nil && data.Multi.Priority != "":
		return models.PriorityValue(data.Multi.Priority)
	case data.Multi != nil:
		return models.PriorityFromData(data.Multi.Data)
	default:
		return models.PriorityValue("")
	}
}

func (m *QueueManager) Notify(ctx context.Context, payload models.NotificationPayload) (string, error) {
	msg, err := m.Enqueue(ctx, models.QueueMessageData{Single: &payload})
	return msg.ID, err
}

func (m *QueueManager) NotifyToMultipleChannels(ctx context.Context, payload models.MultiChannelNotificationPayload) (string, error) {
	msg, err := m.Enqueue(ctx, models.QueueMessageData{Multi: &payload})
	return msg.ID, err
}

func (m *QueueManager) NotifyUser(ctx context.Context, userID string, payload models.MultiChannelNotificationPayload) (string, error) {
	user, err := FindUser(ctx, m.users, userID)
	if err != nil {
		return "", err
	}
	resolved, err := PayloadForUser(user, payload)
	if err != nil {
		return "", err
	}
	msg, err := m.Enqueue(ctx, models.QueueMessageData{
		Multi:        &resolved,
		UserID:       user.ID,
		UserLanguage: user.Language,
	})
	return msg.ID, err
}

// StartConsumer subscribes to the primary queue. Calling it again while a consumer is
// running is a no-op.
func (m *QueueManager) StartConsumer(ctx context.Context) error {
	m.consumerMu.Lock()
	defer m.consumerMu.Unlock()
	if m.consumerTag != "" {
		return nil
	}
	if err := m.Setup(ctx); err != nil {
		return err
	}

	prefetch := m.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	tag, err := m.broker.Consume(ctx, m.cfg.Queue, m.handle, queue.ConsumeOptions{
		Prefetch:    prefetch,
		ConsumerTag: "dispatch-" + uuid.New().String()[:8],
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	m.consumerTag = tag
	return nil
}

func (m *QueueManager) StopConsumer() error {
	m.consumerMu.Lock()
	defer m.consumerMu.Unlock()
	if m.consumerTag == "" {
		return nil
	}
	err := m.broker.Cancel(m.consumerTag)
	m.consumerTag = ""
	return err
}

// failureAck requeues a first failure and lets the broker dead-letter a repeated one.
func failureAck(d queue.Delivery) queue.Ack {
	if d.Redelivered {
		return queue.NackDiscard
	}
	return queue.NackRequeue
}

func (m *QueueManager) handle(ctx context.Context, d queue.Delivery) (ack queue.Ack) {
	log := m.log.With(zap.String("message_id", d.MessageID), zap.Bool("redelivered", d.Redelivered))

	var msg models.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Error("failed to decode queue message", zap.Error(err))
		return failureAck(d)
	}
	if err := msg.Validate(); err != nil {
		log.Error("rejecting queue message", zap.Error(err))
		return failureAck(d)
	}
	log = log.With(zap.String("notification_message_id", msg.ID))

	if m.processed != nil {
		seen, err := m.processed.Seen(ctx, msg.ID)
		switch {
		case err != nil:
			log.Warn("idempotency check unavailable", zap.Error(err))
		case seen:
			log.Info("message already processed, acknowledging")
			return queue.AckOK
		}
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("queue handler panicked", zap.Any("panic", p))
			ack = failureAck(d)
		}
		if ack == queue.AckOK && m.processed != nil {
			// the consumer context may already be cancelled by shutdown
			if err := m.processed.MarkProcessed(context.WithoutCancel(ctx), msg.ID); err != nil {
				log.Warn("failed to mark message processed", zap.Error(err))
			}
		}
	}()

	if msg.Data.Single != nil {
		p := *msg.Data.Single
		if err := m.router.SendToChannel(ctx, p.Channel, p); err != nil {
			if ctx.Err() != nil {
				log.Warn("queued delivery interrupted, requeueing", zap.String("channel", string(p.Channel)), zap.Error(err))
				return queue.NackRequeue
			}
			log.Error("queued delivery failed", zap.String("channel", string(p.Channel)), zap.Error(err))
			ack = failureAck(d)
			if ack == queue.NackDiscard {
				m.markFailed(ctx, msg, p.Channel, err)
			}
			return ack
		}
		return queue.AckOK
	}

	multi := *msg.Data.Multi
	for _, ch := range multi.Channels {
		if err := m.router.SendToChannel(ctx, ch, multi.ForChannel(ch)); err != nil {
			if ctx.Err() != nil {
				log.Warn("queued delivery interrupted, requeueing", zap.String("channel", string(ch)), zap.Error(err))
				return queue.NackRequeue
			}
			log.Warn("channel delivery failed, continuing with remaining channels", zap.String("channel", string(ch)), zap.Error(err))
			m.markFailed(ctx, msg, ch, err)
		}
	}
	return queue.AckOK
}

func (m *QueueManager) markFailed(ctx context.Context, msg models.QueueMessage, ch models.ChannelType, cause error) {
	id := msg.Data.NotificationIDs[ch]
	if id == "" || m.records == nil {
		return
	}
	_, err := m.records.UpdateNotificationStatus(ctx, id, models.StatusFailed, models.StatusUpdate{
		ErrorMessage:   cause.Error(),
		ErrorCode:      models.ErrorCodeSendFailed,
		IncrementRetry: true,
	})
	if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		m.log.Warn("failed to record delivery failure", zap.String("notification_id", id), zap.Error(err))
	}
}

// GetQueueStatus connects if needed and inspects the primary and dead-letter queues.
func (m *QueueManager) GetQueueStatus(ctx context.Context) (models.QueueStatus, error) {
	if err := m.Setup(ctx); err != nil {
		return models.QueueStatus{}, err
	}
	primary, err := m.broker.GetQueueInfo(m.cfg.Queue)
	if err != nil {
		return models.QueueStatus{}, err
	}
	dlq, err := m.broker.GetQueueInfo(m.cfg.DeadLetterQueue)
	if err != nil {
		return models.QueueStatus{}, err
	}
	return models.QueueStatus{
		MessageCount:    primary.MessageCount,
		ConsumerCount:   primary.ConsumerCount,
		DeadLetterCount: dlq.MessageCount,
		CheckedAt:       m.now().UTC(),
	}, nil
}

// QueueDepth reports 0 while the broker is disconnected instead of dialing it.
func (m *QueueManager) QueueDepth(ctx context.Context) (int, error) {
	if !m.broker.IsConnected() {
		return 0, nil
	}
	info, err := m.broker.GetQueueInfo(m.cfg.Queue)
	if err != nil {
		return 0, err
	}
	return info.MessageCount, nil
}
