package tokens

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "impersonate:"

// Redis 让多实例部署共享令牌，GETDEL 保证只能消费一次。
type Redis struct {
	cli *redis.Client
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{cli: cli}, nil
}

func (r *Redis) Issue(ctx context.Context, userID uint) (string, error) {
	token := uuid.NewString()
	if err := r.cli.Set(ctx, keyPrefix+token, userID, TTL).Err(); err != nil {
		return "", fmt.Errorf("redis set: %w", err)
	}
	return token, nil
}

func (r *Redis) Consume(ctx context.Context, token string) (uint, error) {
	val, err := r.cli.GetDel(ctx, keyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrInvalid
	}
	if err != nil {
		return 0, fmt.Errorf("redis getdel: %w", err)
	}
	id, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, ErrInvalid
	}
	return uint(id), nil
}

func (r *Redis) Close() error {
	return r.cli.Close()
}
