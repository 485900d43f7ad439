package rules

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errStaleGeneration = errors.New("cache generation changed")

// RedisRulesCache shares the enabled-rule list between service instances.
// Keys are namespaced per tenant: automations:{tenant}:enabled-rules holds
// the list and automations:{tenant}:enabled-rules:gen its generation.
// Redis errors are logged and treated as cache misses.
type RedisRulesCache struct {
	client  *redis.Client
	key     string
	genKey  string
	config  CacheConfig
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisRulesCache(client *redis.Client, tenantID string, config CacheConfig, logger *slog.Logger) *RedisRulesCache {
	if logger == nil {
		logger = slog.Default()
	}
	key := "automations:" + tenantID + ":enabled-rules"
	return &RedisRulesCache{
		client:  client,
		key:     key,
		genKey:  key + ":gen",
		config:  config,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Get reads the list and its generation in one MGET.
func (c *RedisRulesCache) Get() ([]*AutomationRule, uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	vals, err := c.client.MGet(ctx, c.key, c.genKey).Result()
	if err != nil {
		c.logger.Warn("redis cache get failed", "key", c.key, "error", err)
		return nil, 0
	}

	gen, err := parseGeneration(vals[1])
	if err != nil {
		c.logger.Warn("redis cache generation corrupt", "key", c.genKey, "error", err)
		return nil, 0
	}

	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen
	}
	var rules []*AutomationRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		c.logger.Warn("redis cache entry corrupt", "key", c.key, "error", err)
		return nil, gen
	}
	if rules == nil {
		rules = []*AutomationRule{}
	}
	return rules, gen
}

// Set watches the generation key so an Invalidate from any instance between
// Get and Set aborts the write.
func (c *RedisRulesCache) Set(gen uint64, rules []*AutomationRule) bool {
	if rules == nil {
		rules = []*AutomationRule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		c.logger.Warn("redis cache encode failed", "key", c.key, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, c.genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key, data, c.config.TTL)
			return nil
		})
		return err
	}, c.genKey)

	switch {
	case err == nil:
		return true
	case errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("redis cache set skipped, invalidated meanwhile", "key", c.key)
	default:
		c.logger.Warn("redis cache set failed", "key", c.key, "error", err)
	}
	return false
}

func (c *RedisRulesCache) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil {
		c.logger.Warn("redis cache invalidate failed", "key", c.key, "error", err)
	}
}

func (c *RedisRulesCache) IsValid() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.client.Exists(ctx, c.key).Result()
	return err == nil && n > 0
}

func parseGeneration(v any) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected generation value")
	}
	return strconv.ParseUint(s, 10, 64)
}
