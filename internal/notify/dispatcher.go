package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Deps struct {
	Router    Router
	Store     repository.NotificationStore
	Users     UserFinder
	Templates TemplateSource
	Strategy  *Strategy
	Metrics   *MetricsCollector
	Broker    Broker
	Processed ProcessedTracker
	RabbitMQ  config.RabbitMQConfig
	From      string
	Log       *zap.Logger

	// AutoConsume starts the queue consumer after the first successful publish.
	AutoConsume bool
}

// Options tune a single dispatch. Zero values mean NORMAL/normal.
type Options struct {
	NotificationType models.NotificationType
	Priority         models.Priority
	UserID           string
	Tags             []string
	Metadata         map[string]interface{}
}

type Result struct {
	Strategy        models.DeliveryMode           `json:"strategy"`
	NotificationIDs map[models.ChannelType]string `json:"notification_ids"`
	MessageID       string                        `json:"message_id"`
	Report          *DeliveryReport               `json:"report,omitempty"`
}

// Dispatcher is the entry point: it picks direct or queued delivery per call and keeps
// the notification records in step with the outcome.
type Dispatcher struct {
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	directOnce sync.Once
	direct     *DirectManager

	queueOnce sync.Once
	queued    *QueueManager
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Strategy == nil {
		deps.Strategy = NewStrategy(DefaultThresholds())
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetricsCollector(0, deps.Log)
	}
	return &Dispatcher{deps: deps, log: deps.Log.Named("dispatcher"), now: time.Now}
}

func (d *Dispatcher) directManager() *DirectManager {
	d.directOnce.Do(func() {
		d.direct = NewDirectManager(d.deps.Router, d.deps.Users, d.deps.Templates, d.deps.Log)
	})
	return d.direct
}

// queueManager builds the queue manager without connecting; the broker is dialed on
// the first publish or consume.
func (d *Dispatcher) queueManager() *QueueManager {
	d.queueOnce.Do(func() {
		d.queued = NewQueueManager(QueueManagerDeps{
			Broker:    d.deps.Broker,
			Router:    d.deps.Router,
			Users:     d.deps.Users,
			Processed: d.deps.Processed,
			Records:   d.deps.Store,
			Config:    d.deps.RabbitMQ,
			Log:       d.deps.Log,
		})
		d.deps.Metrics.SetQueueSource(d.queued)
	})
	return d.queued
}

func (d *Dispatcher) decide(ctx context.Context, userID string, user *models.User, opts Options) models.DeliveryMode {
	nctx := BuildContext(userID, user, opts.NotificationType, opts.Priority, d.now())
	m := d.deps.Metrics.GetMetrics(ctx)
	mode := d.deps.Strategy.GetStrategy(nctx, m)
	d.log.Debug("delivery strategy selected",
		zap.String("mode", string(mode)),
		zap.String("user_type", string(nctx.UserType)),
		zap.String("notification_type", string(nctx.NotificationType)),
		zap.String("priority", string(nctx.Priority)),
		zap.Int("queue_size", m.QueueSize),
		zap.Float64("error_rate", m.ErrorRate),
	)
	return mode
}

// lookupTier fetches the user only to learn the tier; a failed lookup counts as standard.
func (d *Dispatcher) lookupTier(ctx context.Context, userID string) *models.User {
	if userID == "" || d.deps.Users == nil {
		return nil
	}
	user, err := d.deps.Users.FindByID(ctx, userID)
	if err != nil {
		d.log.Warn("user lookup failed, assuming standard tier", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return user
}

func (d *Dispatcher) createRecords(ctx context.Context, payload models.MultiChannelNotificationPayload, mode models.DeliveryMode, userID string, opts Options) (map[models.ChannelType]string, error) {
	priority := opts.Priority
	if priority == "" {
		priority = payload.Priority
	}
	nt := opts.NotificationType
	if nt == "" {
		nt = models.NotificationNormal
	}

	ids := make(map[models.ChannelType]string, len(payload.Channels))
	for _, ch := range payload.Channels {
		rec, err := d.deps.Store.CreateNotification(ctx, models.NotificationRecord{
			UserID:     userID,
			Channel:    ch,
			Type:       nt,
			Status:     models.StatusPending,
			Subject:    payload.Subject,
			Message:    payload.Message,
			HTML:       payload.HTML,
			From:       d.deps.From,
			To:         payload.AddressFor(ch),
			Strategy:   mode,
			Priority:   priority,
			MaxRetries: models.DefaultMaxRetries,
			Tags:       opts.Tags,
			Metadata:   opts.Metadata,
		})
		if err != nil {
			// leave no pending orphans behind
			for _, id := range ids {
				d.setStatus(ctx, id, models.StatusFailed, models.StatusUpdate{
					ErrorMessage:   err.Error(),
					ErrorCode:      models.ErrorCodeSendFailed,
					IncrementRetry: true,
				})
			}
			return nil, fmt.Errorf("failed to create notification record: %w", err)
		}
		ids[ch] = rec.ID
	}
	return ids, nil
}

func (d *Dispatcher) setStatus(ctx context.Context, id string, status models.NotificationStatus, upd models.StatusUpdate) {
	ok, err := d.deps.Store.UpdateNotificationStatus(ctx, id, status, upd)
	if err != nil {
		d.log.Error("failed to update notification status", zap.String("notification_id", id), zap.String("status", string(status)), zap.Error(err))
		return
	}
	if !ok {
		d.log.Warn("notification record vanished before status update", zap.String("notification_id", id))
	}
}

func sentUpdate(messageID string) models.StatusUpdate {
	return models.StatusUpdate{MessageID: messageID}
}

func failedUpdate(err error) models.StatusUpdate {
	return models.StatusUpdate{
		ErrorMessage:   err.Error(),
		ErrorCode:      models.ErrorCodeSendFailed,
		IncrementRetry: true,
	}
}

// dispatch runs one already-resolved payload through the chosen path and settles every
// record it created.
func (d *Dispatcher) dispatch(ctx context.Context, payload models.MultiChannelNotificationPayload, data models.QueueMessageData, mode models.DeliveryMode, userID string, opts Options) (Result, error) {
	ids, err := d.createRecords(ctx, payload, mode, userID, opts)
	if err != nil {
		return Result{}, err
	}
	res := Result{Strategy: mode, NotificationIDs: ids}

	end := d.deps.Metrics.Begin()
	started := d.now()
	defer end()

	if mode == models.ModeDirect {
		res.MessageID = uuid.New().String()
		var report DeliveryReport
		if data.Single != nil {
			err = d.directManager().Notify(ctx, *data.Single)
			report.Results = []ChannelResult{{Channel: data.Single.Channel, To: data.Single.To, Err: err}}
		} else {
			report, err = d.directManager().NotifyToMultipleChannels(ctx, payload)
		}
		d.deps.Metrics.Observe(d.now().Sub(started), err)
		res.Report = &report

		for ch, id := range ids {
			r, ok := report.Result(ch)
			switch {
			case ok && r.Err == nil:
				d.setStatus(ctx, id, models.StatusSent, sentUpdate(res.MessageID))
			case ok:
				d.setStatus(ctx, id, models.StatusFailed, failedUpdate(r.Err))
			default:
				d.setStatus(ctx, id, models.StatusFailed, failedUpdate(fmt.Errorf("%w: %s", ErrChannelNotSupported, ch)))
			}
		}
		return res, err
	}

	data.NotificationIDs = ids
	msg, err := d.queueManager().Enqueue(ctx, data)
	d.deps.Metrics.Observe(d.now().Sub(started), err)
	if err != nil {
		for _, id := range ids {
			d.setStatus(ctx, id, models.StatusFailed, failedUpdate(err))
		}
		return res, err
	}
	res.MessageID = msg.ID
	for _, id := range ids {
		d.setStatus(ctx, id, models.StatusSent, sentUpdate(msg.ID))
	}
	if d.deps.AutoConsume {
		// the consumer outlives the request that triggered it
		if err := d.queueManager().StartConsumer(context.WithoutCancel(ctx)); err != nil {
			d.log.Warn("failed to start queue consumer", zap.Error(err))
		}
	}
	return res, nil
}

// Notify sends a single-channel payload.
func (d *Dispatcher) Notify(ctx context.Context, payload models.NotificationPayload, opts Options) (Result, error) {
	if !d.deps.Router.IsSupported(payload.Channel) {
		return Result{}, fmt.Errorf("%w: %s", ErrChannelNotSupported, payload.Channel)
	}
	if opts.Priority == "" {
		if p, ok := payload.Data["priority"].(string); ok {
			opts.Priority = models.Priority(p)
		}
	}
	mode := d.decide(ctx, opts.UserID, d.lookupTier(ctx, opts.UserID), opts)

	multi := models.MultiChannelNotificationPayload{
		Channels:   []models.ChannelType{payload.Channel},
		Recipients: map[models.ChannelType]string{payload.Channel: payload.To},
		Subject:    payload.Subject,
		Message:    payload.Message,
		HTML:       payload.HTML,
		Data:       payload.Data,
		Priority:   opts.Priority,
	}
	return d.dispatch(ctx, multi, models.QueueMessageData{Single: &payload, UserID: opts.UserID}, mode, opts.UserID, opts)
}

func (d *Dispatcher) NotifyToMultipleChannels(ctx context.Context, payload models.MultiChannelNotificationPayload, opts Options) (Result, error) {
	payload.Channels = SupportedChannels(d.deps.Router, payload.Channels, d.log)
	if len(payload.Channels) == 0 {
		return Result{}, ErrNoSupportedChannels
	}
	if opts.Priority == "" {
		opts.Priority = payload.Priority
	}
	mode := d.decide(ctx, opts.UserID, d.lookupTier(ctx, opts.UserID), opts)
	return d.dispatch(ctx, payload, models.QueueMessageData{Multi: &payload, UserID: opts.UserID}, mode, opts.UserID, opts)
}

func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, payload models.MultiChannelNotificationPayload, opts Options) (Result, error) {
	user, err := FindUser(ctx, d.deps.Users, userID)
	if err != nil {
		return Result{}, err
	}
	return d.notifyResolvedUser(ctx, user, payload, opts)
}

func (d *Dispatcher) notifyResolvedUser(ctx context.Context, user *models.User, payload models.MultiChannelNotificationPayload, opts Options) (Result, error) {
	resolved, err := PayloadForUser(user, payload)
	if err != nil {
		return Result{}, err
	}
	resolved.Channels = SupportedChannels(d.deps.Router, resolved.Channels, d.log)
	if len(resolved.Channels) == 0 {
		return Result{}, ErrNoSupportedChannels
	}
	if opts.Priority == "" {
		opts.Priority = resolved.Priority
	}

	mode := d.decide(ctx, user.ID, user, opts)
	data := models.QueueMessageData{Multi: &resolved, UserID: user.ID, UserLanguage: user.Language}
	return d.dispatch(ctx, resolved, data, mode, user.ID, opts)
}

// NotifyUserWithTemplate renders templateName in locale (the user's language when empty)
// and sends it to the user's active channels.
func (d *Dispatcher) NotifyUserWithTemplate(ctx context.Context, userID, templateName, locale string, vars map[string]string, opts Options) (Result, error) {
	tpl, err := LoadTemplate(ctx, d.deps.Templates, templateName)
	if err != nil {
		return Result{}, err
	}
	user, err := FindUser(ctx, d.deps.Users, userID)
	if err != nil {
		return Result{}, err
	}
	if locale == "" {
		locale = user.Language
	}
	if opts.Tags == nil {
		opts.Tags = []string{"template:" + tpl.Name}
	}
	return d.notifyResolvedUser(ctx, user, TemplatePayload(tpl, RenderContent(tpl, locale, vars)), opts)
}

func (d *Dispatcher) GetQueueStatus(ctx context.Context) (models.QueueStatus, error) {
	return d.queueManager().GetQueueStatus(ctx)
}

// StartConsumer begins draining the queue. It connects to the broker.
func (d *Dispatcher) StartConsumer(ctx context.Context) error {
	return d.queueManager().StartConsumer(ctx)
}

// Close stops the consumer if one was started. The broker itself is owned by the caller.
func (d *Dispatcher) Close() error {
	return d.queueManager().StopConsumer()
}
