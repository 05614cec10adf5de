package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func dailyKey(campaignID int64, day string) string {
	return fmt.Sprintf("daily:%d:%s", campaignID, day)
}

func (c *RedisCounter) Get(ctx context.Context, campaignID int64, day string) (int, bool, error) {
	n, err := c.rdb.Get(ctx, dailyKey(campaignID, day)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (c *RedisCounter) Set(ctx context.Context, campaignID int64, day string, count int, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return c.rdb.Set(ctx, dailyKey(campaignID, day), count, ttl).Err()
}

func (c *RedisCounter) Incr(ctx context.Context, campaignID int64, day string) error {
	key := dailyKey(campaignID, day)
	// Only bump an existing counter; a miss is reseeded from the store on
	// the next read.
	ok, err := c.rdb.Exists(ctx, key).Result()
	if err != nil || ok == 0 {
		return err
	}
	return c.rdb.Incr(ctx, key).Err()
}
