package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/yourusername/linkbio-api/internal/config"
)

const redisPingTimeout = 5 * time.Second

// NewUniversalRedisClient создает клиент Redis (single, sentinel, cluster) и проверяет подключение
func NewUniversalRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	options, mode, err := UniversalOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewUniversalClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis (mode: %s, addrs: %v): %w", mode, options.Addrs, err)
	}

	return client, nil
}

// UniversalOptions переводит конфигурацию в опции go-redis и возвращает режим
func UniversalOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	addresses := cfg.Addrs
	if len(addresses) == 0 {
		if cfg.Addr == "" {
			return nil, "", fmt.Errorf("redis configuration error: Addrs or Addr must be provided")
		}
		addresses = []string{cfg.Addr}
	}

	options := &redis.UniversalOptions{
		Addrs:    addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	// Настраиваем ретраи, если указаны
	if cfg.MaxRetries != 0 {
		options.MaxRetries = cfg.MaxRetries
	}
	if cfg.MinRetryBackoff != 0 {
		options.MinRetryBackoff = time.Duration(cfg.MinRetryBackoff) * time.Millisecond
	}
	if cfg.MaxRetryBackoff != 0 {
		options.MaxRetryBackoff = time.Duration(cfg.MaxRetryBackoff) * time.Millisecond
	}

	mode := cfg.Mode
	if mode == "" {
		mode = "single"
	}

	switch mode {
	case "sentinel":
		if cfg.MasterName == "" {
			return nil, "", fmt.Errorf("redis sentinel mode requires MasterName")
		}
		// NewUniversalClient определяет sentinel по MasterName
		options.MasterName = cfg.MasterName
	case "cluster":
		// Кластер определяется по нескольким адресам
		if len(addresses) < 2 {
			return nil, "", fmt.Errorf("redis cluster mode requires at least two addresses")
		}
	case "single":
		if len(addresses) > 1 {
			// Иначе NewUniversalClient создаст cluster-клиент
			options.Addrs = addresses[:1]
		}
	default:
		return nil, "", fmt.Errorf("unsupported redis mode: %s", mode)
	}

	return options, mode, nil
}
