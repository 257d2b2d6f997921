package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/dispatch/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	ErrNotConnected    = errors.New("rabbitmq: not connected")
	ErrClosed          = errors.New("rabbitmq: client closed")
	ErrUnknownConsumer = errors.New("rabbitmq: unknown consumer tag")
)

// Ack tells the client how to settle a delivery once the handler returns.
type Ack int

const (
	AckOK Ack = iota
	NackRequeue
	NackDiscard
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "ack"
	case NackRequeue:
		return "nack-requeue"
	case NackDiscard:
		return "nack-discard"
	default:
		return "unknown"
	}
}

type Delivery struct {
	MessageID   string
	Body        []byte
	Redelivered bool
	Priority    uint8
	Timestamp   time.Time
}

type Handler func(ctx context.Context, d Delivery) Ack

type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Args       amqp.Table
}

type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
}

type PublishOptions struct {
	MessageID  string
	Priority   uint8
	Persistent bool
	Headers    amqp.Table
}

type ConsumeOptions struct {
	Prefetch    int
	ConsumerTag string
}

type QueueInfo struct {
	MessageCount  int
	ConsumerCount int
}

type consumer struct {
	tag     string
	queue   string
	handler Handler
	opts    ConsumeOptions
	channel *amqp.Channel
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type RabbitMqClient struct {
	Config config.RabbitMQConfig

	log  *zap.Logger
	dial func(url string) (*amqp.Connection, error)

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	closed    bool
	consumers map[string]*consumer
}

func NewRabbitMqService(cfg config.RabbitMQConfig, log *zap.Logger) *RabbitMqClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RabbitMqClient{
		Config:    cfg,
		log:       log.Named("rabbitmq"),
		dial:      amqp.Dial,
		consumers: make(map[string]*consumer),
	}
}

// Connect dials the broker and opens the shared publishing channel. It is a no-op
// when already connected.
func (r *RabbitMqClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.connected {
		return nil
	}
	if err := r.Config.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.connectLocked()
}

func (r *RabbitMqClient) connectLocked() error {
	conn, err := r.dial(r.Config.URL())
	if err != nil {
		return fmt.Errorf("there was an error connecting to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not create a channel: %w", err)
	}
	r.conn = conn
	r.channel = channel
	r.connected = true

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go r.watch(conn, closeCh)

	r.log.Info("connected to rabbitmq", zap.String("host", r.Config.Host), zap.String("vhost", r.Config.VHost))
	return nil
}

// watch reconnects after an unexpected connection loss and restarts active consumers.
func (r *RabbitMqClient) watch(conn *amqp.Connection, closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || amqpErr == nil {
		return
	}
	r.log.Warn("rabbitmq connection lost", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))

	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.connected = false
	r.mu.Unlock()

	attempts := r.Config.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		time.Sleep(time.Duration(i) * r.Config.ReconnectDelay)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		err := r.connectLocked()
		if err == nil {
			consumers := make([]*consumer, 0, len(r.consumers))
			for _, c := range r.consumers {
				consumers = append(consumers, c)
			}
			for _, c := range consumers {
				if err := r.startConsumerLocked(c); err != nil {
					r.log.Error("failed to restart consumer", zap.String("tag", c.tag), zap.Error(err))
				}
			}
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.log.Warn("rabbitmq reconnect failed", zap.Int("attempt", i), zap.Int("max_attempts", attempts), zap.Error(err))
	}
	r.log.Error("giving up reconnecting to rabbitmq; next operation will retry")
}

func (r *RabbitMqClient) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected && r.conn != nil && !r.conn.IsClosed()
}

// Disconnect cancels all consumers and closes the connection. The client can not be reused.
func (r *RabbitMqClient) Disconnect() error {
	r.mu.Lock()
	r.closed = true
	consumers := r.consumers
	r.consumers = make(map[string]*consumer)
	conn, channel := r.conn, r.channel
	r.conn, r.channel, r.connected = nil, nil, false
	r.mu.Unlock()

	for _, c := range consumers {
		c.cancel()
		if c.channel != nil {
			_ = c.channel.Cancel(c.tag, false)
			_ = c.channel.Close()
		}
		c.wg.Wait()
	}
	var errs []error
	if channel != nil {
		if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseConnection is kept for callers that only need a deferred shutdown.
func (r *RabbitMqClient) CloseConnection() {
	if err := r.Disconnect(); err != nil {
		r.log.Warn("error closing rabbitmq connection", zap.Error(err))
	}
}

func (r *RabbitMqClient) publishChannel() (*amqp.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	if !r.connected || r.channel == nil {
		return nil, ErrNotConnected
	}
	return r.channel, nil
}

func (r *RabbitMqClient) CreateExchange(name, kind string, opts ExchangeOptions) error {
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(
		name,
		kind,
		opts.Durable,
		opts.AutoDelete,
		opts.Internal,
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("error declaring exchange %s: %w", name, err)
	}
	return nil
}

func (r *RabbitMqClient) CreateQueue(name string, opts QueueOptions) error {
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(
		name,
		opts.Durable,
		opts.AutoDelete,
		false, // exclusive
		false, // no-wait
		opts.Args,
	); err != nil {
		return fmt.Errorf("error declaring queue %s: %w", name, err)
	}
	return nil
}

func (r *RabbitMqClient) BindQueue(queueName, routingKey, exchange string) error {
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queueName, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}
	return nil
}

func (r *RabbitMqClient) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) error {
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		MessageId:   opts.MessageID,
		Priority:    opts.Priority,
		Headers:     opts.Headers,
		Timestamp:   time.Now(),
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishToQueue publishes through the default exchange straight to queueName.
func (r *RabbitMqClient) PublishToQueue(ctx context.Context, queueName string, body []byte, opts PublishOptions) error {
	return r.Publish(ctx, "", queueName, body, opts)
}

// Consume registers handler on queueName with at most opts.Prefetch deliveries in flight.
// The consumer survives reconnects until Cancel or Disconnect is called.
func (r *RabbitMqClient) Consume(ctx context.Context, queueName string, handler Handler, opts ConsumeOptions) (string, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = fmt.Sprintf("%s-%d", queueName, time.Now().UnixNano())
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &consumer{
		tag:     opts.ConsumerTag,
		queue:   queueName,
		handler: handler,
		opts:    opts,
		ctx:     cctx,
		cancel:  cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		cancel()
		return "", ErrClosed
	}
	if !r.connected {
		cancel()
		return "", ErrNotConnected
	}
	if err := r.startConsumerLocked(c); err != nil {
		cancel()
		return "", err
	}
	r.consumers[c.tag] = c
	return c.tag, nil
}

func (r *RabbitMqClient) startConsumerLocked(c *consumer) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("could not create consumer channel: %w", err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}
	c.channel = ch

	for i := 0; i < c.opts.Prefetch; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for d := range deliveries {
				r.settle(c.ctx, c.handler, d)
			}
		}()
	}
	r.log.Info("consumer started", zap.String("queue", c.queue), zap.String("tag", c.tag), zap.Int("prefetch", c.opts.Prefetch))
	return nil
}

// settle runs the handler for one delivery and acknowledges it as instructed.
// A panicking handler is treated as NackRequeue.
func (r *RabbitMqClient) settle(ctx context.Context, handler Handler, d amqp.Delivery) {
	ack := NackRequeue
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("consumer handler panicked", zap.String("message_id", d.MessageId), zap.Any("panic", p))
				ack = NackRequeue
			}
		}()
		ack = handler(ctx, Delivery{
			MessageID:   d.MessageId,
			Body:        d.Body,
			Redelivered: d.Redelivered,
			Priority:    d.Priority,
			Timestamp:   d.Timestamp,
		})
	}()

	var err error
	switch ack {
	case AckOK:
		err = d.Ack(false)
	case NackDiscard:
		err = d.Nack(false, false)
	default:
		err = d.Nack(false, true)
	}
	if err != nil {
		r.log.Warn("failed to settle delivery", zap.String("message_id", d.MessageId), zap.Stringer("ack", ack), zap.Error(err))
	}
}

func (r *RabbitMqClient) Cancel(consumerTag string) error {
	r.mu.Lock()
	c, ok := r.consumers[consumerTag]
	delete(r.consumers, consumerTag)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownConsumer
	}

	c.cancel()
	var err error
	if c.channel != nil {
		err = c.channel.Cancel(consumerTag, false)
		_ = c.channel.Close()
	}
	c.wg.Wait()
	return err
}

// GetQueueInfo inspects a queue on a throwaway channel, since a failed passive declare
// closes the channel it runs on.
func (r *RabbitMqClient) GetQueueInfo(queueName string) (QueueInfo, error) {
	r.mu.RLock()
	conn, connected := r.conn, r.connected
	r.mu.RUnlock()
	if !connected || conn == nil {
		return QueueInfo{}, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return QueueInfo{}, fmt.Errorf("could not create a channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %s: %w", queueName, err)
	}
	return QueueInfo{MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

func (r *RabbitMqClient) HealthCheck(ctx context.Context) bool {
	if ctx.Err() != nil || !r.IsConnected() {
		return false
	}
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return false
	}
	_ = ch.Close()
	return true
}
