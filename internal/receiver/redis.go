package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/szibis/td-shipper/internal/logging"
)

// RedisConfig configures the Redis list source.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL string
	// Key is the list popped with BLPOP.
	Key string
	// PopTimeout bounds one BLPOP call and therefore how quickly Run
	// notices cancellation. Zero means one second.
	PopTimeout time.Duration
}

// RedisSource pops encoded records from a Redis list. Each list element is
// a JSON object or array, or a msgpack map or array of maps.
type RedisSource struct {
	client     *redis.Client
	key        string
	popTimeout time.Duration
	sink       Sink
	retryDelay time.Duration
}

// NewRedis creates a RedisSource from cfg.
func NewRedis(cfg RedisConfig, sink Sink) (*RedisSource, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRedisWithClient(redis.NewClient(opt), cfg.Key, cfg.PopTimeout, sink), nil
}

// NewRedisWithClient creates a RedisSource around an existing client.
func NewRedisWithClient(client *redis.Client, key string, popTimeout time.Duration, sink Sink) *RedisSource {
	if popTimeout <= 0 {
		popTimeout = time.Second
	}
	return &RedisSource{
		client:     client,
		key:        key,
		popTimeout: popTimeout,
		sink:       sink,
		retryDelay: time.Second,
	}
}

// Run pops and forwards records until ctx ends. Malformed payloads and
// invalid records are logged and skipped.
func (s *RedisSource) Run(ctx context.Context) error {
	logging.Info("redis source started", logging.F(
		"component", "receiver",
		"key", s.key,
	))
	for {
		res, err := s.client.BLPop(ctx, s.popTimeout, s.key).Result()
		if ctx.Err() != nil {
			if err == nil && len(res) == 2 {
				s.requeue(res[1])
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			incError(sourceRedis, "read")
			logging.Warn("redis BLPOP failed", logging.F(
				"component", "receiver",
				"key", s.key,
				"error", err.Error(),
			))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.retryDelay):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		receiverRequestsTotal.WithLabelValues(sourceRedis).Inc()
		if stop := s.handle(ctx, res[1]); stop {
			return nil
		}
	}
}

// handle forwards one list element. It reports true when the sink no
// longer accepts records.
func (s *RedisSource) handle(ctx context.Context, payload string) bool {
	records, err := DecodeRecords(payloadFormat([]byte(payload)), []byte(payload))
	if err != nil {
		incError(sourceRedis, "decode")
		logging.Warn("skipping malformed redis payload", logging.F(
			"component", "receiver",
			"key", s.key,
			"bytes", len(payload),
			"error", err.Error(),
		))
		return false
	}

	for i, rec := range records {
		err := s.sink.Receive(ctx, rec, time.Time{})
		if err == nil {
			receiverRecordsTotal.WithLabelValues(sourceRedis).Inc()
			continue
		}
		if isBackpressure(err) {
			incError(sourceRedis, "rejected")
			if i == 0 {
				s.requeue(payload)
			} else {
				logging.Error("redis payload partially accepted before shutdown", logging.F(
					"component", "receiver",
					"accepted", i,
					"dropped", len(records)-i,
				))
			}
			return true
		}
		incError(sourceRedis, "invalid")
		logging.Warn("dropping invalid record", logging.F(
			"component", "receiver",
			"key", s.key,
			"error", err.Error(),
		))
	}
	return false
}

// requeue pushes a popped element back to the head of the list.
func (s *RedisSource) requeue(payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		logging.Error("failed to requeue redis payload", logging.F(
			"component", "receiver",
			"key", s.key,
			"error", err.Error(),
		))
	}
}

// Ping checks the Redis connection.
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

// payloadFormat sniffs JSON by its first non-space byte.
func payloadFormat(p []byte) Format {
	trimmed := bytes.TrimLeft(p, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatMsgpack
}
