package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/franzego/dispatch/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func testClient() *RabbitMqClient {
	return NewRabbitMqService(config.RabbitMQConfig{
		Host:     "localhost",
		Port:     5672,
		User:     "guest",
		Password: "guest",
		Queue:    "notifications.queue",
	}, nil)
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name        string
		ack         Ack
		wantAcked   bool
		wantRequeue bool
	}{
		{name: "ack", ack: AckOK, wantAcked: true},
		{name: "requeue", ack: NackRequeue, wantRequeue: true},
		{name: "discard", ack: NackDiscard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testClient()
			acker := &fakeAcknowledger{}
			d := amqp.Delivery{
				Acknowledger: acker,
				DeliveryTag:  7,
				MessageId:    "msg-1",
				Body:         []byte(`{}`),
				Redelivered:  true,
				Priority:     8,
			}

			var got Delivery
			r.settle(context.Background(), func(_ context.Context, d Delivery) Ack {
				got = d
				return tt.ack
			}, d)

			assert.Equal(t, "msg-1", got.MessageID)
			assert.True(t, got.Redelivered)
			assert.Equal(t, uint8(8), got.Priority)

			if tt.wantAcked {
				assert.Equal(t, []uint64{7}, acker.acked)
				assert.Empty(t, acker.nacked)
				return
			}
			assert.Empty(t, acker.acked)
			require.Len(t, acker.requeue, 1)
			assert.Equal(t, tt.wantRequeue, acker.requeue[0])
		})
	}
}

func TestSettle_PanicRequeues(t *testing.T) {
	r := testClient()
	acker := &fakeAcknowledger{}

	r.settle(context.Background(), func(context.Context, Delivery) Ack {
		panic("handler blew up")
	}, amqp.Delivery{Acknowledger: acker, DeliveryTag: 1})

	require.Len(t, acker.requeue, 1)
	assert.True(t, acker.requeue[0])
}

func TestOperationsRequireConnection(t *testing.T) {
	r := testClient()
	ctx := context.Background()

	assert.False(t, r.IsConnected())
	assert.False(t, r.HealthCheck(ctx))
	assert.ErrorIs(t, r.CreateExchange("x", "topic", ExchangeOptions{Durable: true}), ErrNotConnected)
	assert.ErrorIs(t, r.CreateQueue("q", QueueOptions{Durable: true}), ErrNotConnected)
	assert.ErrorIs(t, r.BindQueue("q", "k", "x"), ErrNotConnected)
	assert.ErrorIs(t, r.PublishToQueue(ctx, "q", []byte("{}"), PublishOptions{}), ErrNotConnected)

	_, err := r.GetQueueInfo("q")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = r.Consume(ctx, "q", func(context.Context, Delivery) Ack { return AckOK }, ConsumeOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, r.Cancel("nope"), ErrUnknownConsumer)
}

func TestConnect_DialFailure(t *testing.T) {
	r := testClient()
	dialErr := errors.New("connection refused")
	r.dial = func(string) (*amqp.Connection, error) { return nil, dialErr }

	err := r.Connect(context.Background())
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, r.IsConnected())
}

func TestConnect_AfterDisconnect(t *testing.T) {
	r := testClient()
	require.NoError(t, r.Disconnect())

	assert.ErrorIs(t, r.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, r.PublishToQueue(context.Background(), "q", nil, PublishOptions{}), ErrClosed)
}

func TestAckString(t *testing.T) {
	assert.Equal(t, "ack", AckOK.String())
	assert.Equal(t, "nack-requeue", NackRequeue.String())
	assert.Equal(t, "nack-discard", NackDiscard.String())
}
