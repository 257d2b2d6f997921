package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const processedPrefix = "notification:processed:"

// ProcessedSet remembers queue message ids that were delivered so a redelivered
// message is not sent twice. Ids are only marked after delivery, so a crash mid-send
// leads to a resend rather than a lost message.
type ProcessedSet struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewProcessedSet(client redis.UniversalClient, ttl time.Duration) *ProcessedSet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProcessedSet{client: client, ttl: ttl}
}

// Seen reports whether id was marked processed within the TTL.
func (p *ProcessedSet) Seen(ctx context.Context, id string) (bool, error) {
	n, err := p.client.Exists(ctx, processedPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *ProcessedSet) MarkProcessed(ctx context.Context, id string) error {
	return p.client.Set(ctx, processedPrefix+id, "1", p.ttl).Err()
}
