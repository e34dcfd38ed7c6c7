package data

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisChannel = "lesocket:data"

type RedisConfig struct {
	URL     string
	Channel string
}

// RedisFeed appends every message published on a Redis pub/sub channel. The
// client only exists while Start runs.
type RedisFeed struct {
	stopper
	cfg  RedisConfig
	opts *redis.Options
	repo *Repository
	log  *zap.Logger
}

func NewRedisFeed(cfg RedisConfig, repo *Repository, log *zap.Logger) (*RedisFeed, error) {
	if cfg.URL == "" {
		cfg.URL = "redis://localhost:6379/0"
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &RedisFeed{
		cfg:  cfg,
		opts: opts,
		repo: repo,
		log:  log.Named("redis"),
	}, nil
}

func (f *RedisFeed) Name() string { return string(KindRedis) }

func (f *RedisFeed) Start(ctx context.Context) error {
	ctx, cancel := f.run(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	client := redis.NewClient(f.opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	sub := client.Subscribe(ctx, f.cfg.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.cfg.Channel, err)
	}

	f.log.Info("Redis feed started", zap.String("channel", f.cfg.Channel))
	n, err := pump(ctx, sub.Channel(), func(m *redis.Message) string { return m.Payload }, f.repo, f.log)
	f.log.Info("Redis feed stopped", zap.Int("received", n))
	return err
}
