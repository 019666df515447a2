package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/dicom-compressor/internal/config"
)

const (
	defaultCacheTTL = time.Minute
	pingTimeout     = 5 * time.Second
	scanBatchSize   = 100
)

// jsonStore keeps JSON documents in redis under a fixed TTL.
type jsonStore struct {
	client *redis.Client
	ttl    time.Duration
}

func dialJSONStore(cfg config.CacheConfig) (*jsonStore, error) {
	opts, err := buildRedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", opts.Addr, err)
	}

	ttl := cacheTTL(cfg)
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Dur("ttl", ttl).Msg("batch cache connected")
	return &jsonStore{client: client, ttl: ttl}, nil
}

func cacheTTL(cfg config.CacheConfig) time.Duration {
	if cfg.BatchTTLSeconds <= 0 {
		return defaultCacheTTL
	}
	return time.Duration(cfg.BatchTTLSeconds) * time.Second
}

// buildRedisOptions prefers REDIS_URL and falls back to host/port/password/db.
func buildRedisOptions(cfg config.CacheConfig) (*redis.Options, error) {
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return opt, nil
	}

	host, port := cfg.RedisHost, cfg.RedisPort
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "6379"
	}
	return &redis.Options{
		Addr:     net.JoinHostPort(host, port),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

// load decodes the document at key into dest. A missing key reports false.
func (s *jsonStore) load(ctx context.Context, key string, dest any) (bool, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (s *jsonStore) store(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *jsonStore) drop(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// dropPrefix deletes every key starting with prefix, scanning in pages of scanBatchSize.
func (s *jsonStore) dropPrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	batch := make([]string, 0, scanBatchSize)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatchSize {
			if err := s.drop(ctx, batch...); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return s.drop(ctx, batch...)
}

func (s *jsonStore) close() error {
	return s.client.Close()
}
