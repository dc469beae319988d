package data

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

const streamEvents = "guildchat.events"

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

// PublishEvent mirrors a dispatched event onto the redis stream for
// out-of-process consumers (bots, audit tooling). Best effort; the
// in-process dispatcher is the delivery path connected clients rely on.
func PublishEvent(ctx context.Context, rdb *redis.Client, payload map[string]interface{}) error {
	if rdb == nil {
		return nil
	}
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamEvents,
		MaxLen: 65536,
		Approx: true,
		Values: payload,
	}).Result()
	return err
}
