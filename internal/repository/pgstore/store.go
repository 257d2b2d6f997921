package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notificationColumns = `id, user_id, channel, type, status, subject, message, html, sender, recipient,
	strategy, priority, message_id, retry_count, max_retries, error_message, error_code, tags, metadata,
	created_at, updated_at, sent_at, delivered_at, read_at`

const templateColumns = `name, type, category, subject, message, html, variables, is_active, priority,
	created_at, updated_at`

// Store is the relational NotificationStore/TemplateStore backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ repository.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (models.NotificationRecord, error) {
	var rec models.NotificationRecord
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Channel, &rec.Type, &rec.Status, &rec.Subject, &rec.Message, &rec.HTML,
		&rec.From, &rec.To, &rec.Strategy, &rec.Priority, &rec.MessageID, &rec.RetryCount, &rec.MaxRetries,
		&rec.ErrorMessage, &rec.ErrorCode, &rec.Tags, &rec.Metadata,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.SentAt, &rec.DeliveredAt, &rec.ReadAt,
	)
	return rec, err
}

func (s *Store) CreateNotification(ctx context.Context, rec models.NotificationRecord) (models.NotificationRecord, error) {
	rec = repository.PrepareRecord(rec, s.now().UTC())
	if !rec.Status.Valid() {
		return models.NotificationRecord{}, repository.ErrInvalidStatus
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]interface{}{}
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		rec.ID, rec.UserID, rec.Channel, rec.Type, rec.Status, rec.Subject, rec.Message, rec.HTML,
		rec.From, rec.To, rec.Strategy, rec.Priority, rec.MessageID, rec.RetryCount, rec.MaxRetries,
		rec.ErrorMessage, rec.ErrorCode, rec.Tags, rec.Metadata,
		rec.CreatedAt, rec.UpdatedAt, rec.SentAt, rec.DeliveredAt, rec.ReadAt,
	)
	if err != nil {
		return models.NotificationRecord{}, fmt.Errorf("failed to insert notification: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateNotificationStatus(ctx context.Context, id string, status models.NotificationStatus, upd models.StatusUpdate) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanNotification(tx.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := repository.CheckTransition(rec.Status, status); err != nil {
		return false, err
	}
	rec.Apply(status, upd, s.now().UTC())

	_, err = tx.Exec(ctx, `UPDATE notifications SET status = $2, message_id = $3, retry_count = $4,
		error_message = $5, error_code = $6, updated_at = $7, sent_at = $8, delivered_at = $9, read_at = $10
		WHERE id = $1`,
		rec.ID, rec.Status, rec.MessageID, rec.RetryCount, rec.ErrorMessage, rec.ErrorCode,
		rec.UpdatedAt, rec.SentAt, rec.DeliveredAt, rec.ReadAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update notification %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (models.NotificationRecord, error) {
	rec, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NotificationRecord{}, repository.ErrNotificationNotFound
	}
	return rec, err
}

func (s *Store) GetNotificationsByUserID(ctx context.Context, userID string, limit, offset int) ([]models.NotificationRecord, error) {
	limit, offset = repository.ClampPage(limit, offset)
	rows, err := s.pool.Query(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.NotificationRecord{}
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) GetNotificationStats(ctx context.Context, userID string) (models.NotificationStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM notifications
		WHERE $1 = '' OR user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return models.NotificationStats{}, err
	}
	defer rows.Close()

	stats := repository.NewStats()
	for rows.Next() {
		var (
			status models.NotificationStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.NotificationStats{}, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

func scanTemplate(row rowScanner) (models.NotificationTemplate, error) {
	var tpl models.NotificationTemplate
	err := row.Scan(&tpl.Name, &tpl.Type, &tpl.Category, &tpl.Subject, &tpl.Message, &tpl.HTML,
		&tpl.Variables, &tpl.IsActive, &tpl.Priority, &tpl.CreatedAt, &tpl.UpdatedAt)
	return tpl, err
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (models.NotificationTemplate, error) {
	tpl, err := scanTemplate(s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM notification_templates WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", repository.ErrTemplateNotFound, name)
	}
	return tpl, err
}

func templateArgs(tpl models.NotificationTemplate) []any {
	emptyIfNil := func(m map[string]string) map[string]string {
		if m == nil {
			return map[string]string{}
		}
		return m
	}
	vars := tpl.Variables
	if vars == nil {
		vars = []string{}
	}
	return []any{tpl.Name, tpl.Type, tpl.Category, emptyIfNil(tpl.Subject), emptyIfNil(tpl.Message),
		emptyIfNil(tpl.HTML), vars, tpl.IsActive, tpl.Priority, tpl.CreatedAt, tpl.UpdatedAt}
}

func (s *Store) CreateTemplate(ctx context.Context, tpl models.NotificationTemplate) (models.NotificationTemplate, error) {
	if tpl.Name == "" {
		return models.NotificationTemplate{}, errors.New("template name is required")
	}
	tpl = repository.PrepareTemplate(tpl, s.now().UTC())
	_, err := s.pool.Exec(ctx, `INSERT INTO notification_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, templateArgs(tpl)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.NotificationTemplate{}, fmt.Errorf("%w: %s", repository.ErrTemplateExists, tpl.Name)
	}
	if err != nil {
		return models.NotificationTemplate{}, fmt.Errorf("failed to insert template: %w", err)
	}
	return tpl, nil
}

func (s *Store) UpdateTemplate(ctx context.Context, tpl models.NotificationTemplate) (models.NotificationTemplate, error) {
	existing, err := s.GetTemplateByName(ctx, tpl.Name)
	if err != nil {
		return models.NotificationTemplate{}, err
	}
	tpl.CreatedAt = existing.CreatedAt
	tpl = repository.PrepareTemplate(tpl, s.now().UTC())

	_, err = s.pool.Exec(ctx, `UPDATE notification_templates SET type = $2, category = $3, subject = $4,
		message = $5, html = $6, variables = $7, is_active = $8, priority = $9, created_at = $10, updated_at = $11
		WHERE name = $1`, templateArgs(tpl)...)
	if err != nil {
		return models.NotificationTemplate{}, fmt.Errorf("failed to update template: %w", err)
	}
	return tpl, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notification_templates WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", repository.ErrTemplateNotFound, name)
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.NotificationTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateColumns+` FROM notification_templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := []models.NotificationTemplate{}
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}
