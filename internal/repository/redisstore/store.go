package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/redis/go-redis/v9"
)

const (
	notificationPrefix = "notification:record:"
	userIndexPrefix    = "notification:user:"
	statsKey           = "notification:stats"
	userStatsPrefix    = "notification:stats:"
	templatePrefix     = "notification:template:"
	templateIndexKey   = "notification:templates"

	maxTxRetries = 5
)

// Store keeps notification records and templates as JSON documents in Redis.
type Store struct {
	client redis.UniversalClient
	now    func() time.Time
}

func New(client redis.UniversalClient) *Store {
	return &Store{client: client, now: time.Now}
}

var _ repository.Store = (*Store)(nil)

func notificationKey(id string) string { return notificationPrefix + id }

func userIndexKey(userID string) string { return userIndexPrefix + userID }

func userStatsKey(userID string) string { return userStatsPrefix + userID }

func templateKey(name string) string { return templatePrefix + name }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) CreateNotification(ctx context.Context, rec models.NotificationRecord) (models.NotificationRecord, error) {
	rec = repository.PrepareRecord(rec, s.now().UTC())
	if !rec.Status.Valid() {
		return models.NotificationRecord{}, repository.ErrInvalidStatus
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return models.NotificationRecord{}, fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, notificationKey(rec.ID), raw, 0)
		pipe.HIncrBy(ctx, statsKey, string(rec.Status), 1)
		if rec.UserID != "" {
			pipe.ZAdd(ctx, userIndexKey(rec.UserID), redis.Z{
				Score:  float64(rec.CreatedAt.UnixNano()),
				Member: rec.ID,
			})
			pipe.HIncrBy(ctx, userStatsKey(rec.UserID), string(rec.Status), 1)
		}
		return nil
	})
	if err != nil {
		return models.NotificationRecord{}, fmt.Errorf("failed to store notification: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateNotificationStatus(ctx context.Context, id string, status models.NotificationStatus, upd models.StatusUpdate) (bool, error) {
	key := notificationKey(id)
	found := false

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		var rec models.NotificationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("corrupt notification %s: %w", id, err)
		}
		if err := repository.CheckTransition(rec.Status, status); err != nil {
			return err
		}
		from := rec.Status
		rec.Apply(status, upd, s.now().UTC())

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.HIncrBy(ctx, statsKey, string(from), -1)
			pipe.HIncrBy(ctx, statsKey, string(status), 1)
			if rec.UserID != "" {
				pipe.HIncrBy(ctx, userStatsKey(rec.UserID), string(from), -1)
				pipe.HIncrBy(ctx, userStatsKey(rec.UserID), string(status), 1)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return found, nil
	}
	return false, fmt.Errorf("update of notification %s kept conflicting", id)
}

func (s *Store) GetNotification(ctx context.Context, id string) (models.NotificationRecord, error) {
	raw, err := s.client.Get(ctx, notificationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NotificationRecord{}, repository.ErrNotificationNotFound
	}
	if err != nil {
		return models.NotificationRecord{}, err
	}
	var rec models.NotificationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.NotificationRecord{}, fmt.Errorf("corrupt notification %s: %w", id, err)
	}
	return rec, nil
}

// GetNotificationsByUserID returns the user's records newest first.
func (s *Store) GetNotificationsByUserID(ctx context.Context, userID string, limit, offset int) ([]models.NotificationRecord, error) {
	limit, offset = repository.ClampPage(limit, offset)
	ids, err := s.client.ZRevRange(ctx, userIndexKey(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.NotificationRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = notificationKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]models.NotificationRecord, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec models.NotificationRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("corrupt notification %s: %w", ids[i], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) GetNotificationStats(ctx context.Context, userID string) (models.NotificationStats, error) {
	key := statsKey
	if userID != "" {
		key = userStatsKey(userID)
	}
	counts, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return models.NotificationStats{}, err
	}

	stats := repository.NewStats()
	for status, raw := range counts {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return models.NotificationStats{}, fmt.Errorf("corrupt stats counter %s: %w", status, err)
		}
		stats.ByStatus[models.NotificationStatus(status)] = n
		stats.Total += n
	}
	return stats, nil
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (models.NotificationTemplate, error) {
	raw, err := s.client.Get(ctx, templateKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", repository.ErrTemplateNotFound, name)
	}
	if err != nil {
		return models.NotificationTemplate{}, err
	}
	var tpl models.NotificationTemplate
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return models.NotificationTemplate{}, fmt.Errorf("corrupt template %s: %w", name, err)
	}
	return tpl, nil
}

func (s *Store) CreateTemplate(ctx context.Context, tpl models.NotificationTemplate) (models.NotificationTemplate, error) {
	if tpl.Name == "" {
		return models.NotificationTemplate{}, errors.New("template name is required")
	}
	tpl = repository.PrepareTemplate(tpl, s.now().UTC())
	raw, err := json.Marshal(tpl)
	if err != nil {
		return models.NotificationTemplate{}, err
	}

	ok, err := s.client.SetNX(ctx, templateKey(tpl.Name), raw, 0).Result()
	if err != nil {
		return models.NotificationTemplate{}, err
	}
	if !ok {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", repository.ErrTemplateExists, tpl.Name)
	}
	if err := s.client.SAdd(ctx, templateIndexKey, tpl.Name).Err(); err != nil {
		return models.NotificationTemplate{}, err
	}
	return tpl, nil
}

// UpdateTemplate replaces an existing template, keeping its creation time.
func (s *Store) UpdateTemplate(ctx context.Context, tpl models.NotificationTemplate) (models.NotificationTemplate, error) {
	existing, err := s.GetTemplateByName(ctx, tpl.Name)
	if err != nil {
		return models.NotificationTemplate{}, err
	}
	tpl.CreatedAt = existing.CreatedAt
	tpl = repository.PrepareTemplate(tpl, s.now().UTC())

	raw, err := json.Marshal(tpl)
	if err != nil {
		return models.NotificationTemplate{}, err
	}
	if err := s.client.Set(ctx, templateKey(tpl.Name), raw, 0).Err(); err != nil {
		return models.NotificationTemplate{}, err
	}
	return tpl, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, templateKey(name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", repository.ErrTemplateNotFound, name)
	}
	return s.client.SRem(ctx, templateIndexKey, name).Err()
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.NotificationTemplate, error) {
	names, err := s.client.SMembers(ctx, templateIndexKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	templates := make([]models.NotificationTemplate, 0, len(names))
	for _, name := range names {
		tpl, err := s.GetTemplateByName(ctx, name)
		if errors.Is(err, repository.ErrTemplateNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}
