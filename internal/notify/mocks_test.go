package notify

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/queue"
	"github.com/franzego/dispatch/internal/repository/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
)

type MockRouter struct {
	mock.Mock
	supported map[models.ChannelType]bool
}

func newMockRouter(chs ...models.ChannelType) *MockRouter {
	r := &MockRouter{supported: make(map[models.ChannelType]bool)}
	for _, ch := range chs {
		r.supported[ch] = true
	}
	return r
}

func (m *MockRouter) IsSupported(t models.ChannelType) bool {
	return m.supported[t]
}

func (m *MockRouter) SendToChannel(ctx context.Context, t models.ChannelType, payload models.NotificationPayload) error {
	args := m.Called(ctx, t, payload)
	return args.Error(0)
}

type MockUserFinder struct {
	mock.Mock
}

func (m *MockUserFinder) FindByID(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

type MockTemplateSource struct {
	mock.Mock
}

func (m *MockTemplateSource) GetTemplateByName(ctx context.Context, name string) (models.NotificationTemplate, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(models.NotificationTemplate), args.Error(1)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockBroker) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockBroker) CreateExchange(name, kind string, opts queue.ExchangeOptions) error {
	args := m.Called(name, kind, opts)
	return args.Error(0)
}

func (m *MockBroker) CreateQueue(name string, opts queue.QueueOptions) error {
	args := m.Called(name, opts)
	return args.Error(0)
}

func (m *MockBroker) BindQueue(queueName, routingKey, exchange string) error {
	args := m.Called(queueName, routingKey, exchange)
	return args.Error(0)
}

func (m *MockBroker) PublishToQueue(ctx context.Context, queueName string, body []byte, opts queue.PublishOptions) error {
	args := m.Called(ctx, queueName, body, opts)
	return args.Error(0)
}

func (m *MockBroker) Consume(ctx context.Context, queueName string, handler queue.Handler, opts queue.ConsumeOptions) (string, error) {
	args := m.Called(ctx, queueName, handler, opts)
	return args.String(0), args.Error(1)
}

func (m *MockBroker) Cancel(consumerTag string) error {
	args := m.Called(consumerTag)
	return args.Error(0)
}

func (m *MockBroker) GetQueueInfo(queueName string) (queue.QueueInfo, error) {
	args := m.Called(queueName)
	return args.Get(0).(queue.QueueInfo), args.Error(1)
}

// expectTopology stubs a successful connect and topology declaration.
func expectTopology(b *MockBroker) {
	b.On("IsConnected").Return(true).Maybe()
	b.On("Connect", mock.Anything).Return(nil)
	b.On("CreateExchange", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	b.On("CreateQueue", mock.Anything, mock.Anything).Return(nil)
	b.On("BindQueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func setupMockRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func setupStore(t *testing.T) *redisstore.Store {
	t.Helper()
	client, _ := setupMockRedis(t)
	return redisstore.New(client)
}
