package hotstorage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
)

// RedisConfig configures the Redis hot backend.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	MaxIdle     int           `yaml:"max_idle"`
	MaxActive   int           `yaml:"max_active"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisBackend keeps each record in a hash and indexes creation time in a
// sorted set scored by unix milliseconds:
//
//	{prefix}rec:{key}     -> hash{payload, created_at, size, checksum}
//	{prefix}hot:created   -> zset{member=key, score=created_at ms}
//
// Milliseconds keep scores exact in a float64.
type RedisBackend struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisPool builds a connection pool for cfg.
func NewRedisPool(cfg RedisConfig) *redis.Pool {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: 4 * time.Minute,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Addr,
				redis.DialConnectTimeout(dialTimeout),
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.DB),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisBackend uses pool; keyPrefix namespaces every key it writes.
func NewRedisBackend(pool *redis.Pool, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "gt:"
	}
	return &RedisBackend{pool: pool, prefix: keyPrefix}
}

func (r *RedisBackend) Kind() string { return "redis" }

func (r *RedisBackend) recordKey(key string) string { return r.prefix + "rec:" + key }
func (r *RedisBackend) indexKey() string            { return r.prefix + "hot:created" }

func (r *RedisBackend) Get(ctx context.Context, key string) (common.Record, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return common.Record{}, false, fmt.Errorf("redis get conn: %w", err)
	}
	defer conn.Close()

	fields, err := redis.ByteSlices(redis.DoContext(conn, ctx, "HMGET", r.recordKey(key), "payload", "created_at", "checksum"))
	if err != nil {
		return common.Record{}, false, fmt.Errorf("redis HMGET %q: %w", key, err)
	}
	if len(fields) != 3 || fields[1] == nil {
		return common.Record{}, false, nil
	}
	ms, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return common.Record{}, false, fmt.Errorf("%w: %q created_at %q", common.ErrCorruptObject, key, fields[1])
	}
	payload := fields[0]
	if payload == nil {
		payload = []byte{}
	}
	rec := common.NewRecord(key, payload, time.UnixMilli(ms))
	if stored := string(fields[2]); stored != "" && stored != rec.Checksum {
		return common.Record{}, false, fmt.Errorf("%w: %q checksum %s, expected %s", common.ErrCorruptObject, key, rec.Checksum, stored)
	}
	return rec, true, nil
}

func (r *RedisBackend) Put(ctx context.Context, rec common.Record) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis get conn: %w", err)
	}
	defer conn.Close()

	ms := rec.CreatedAt.UnixMilli()
	sum := rec.Checksum
	if sum == "" {
		sum = common.Checksum(rec.Payload)
	}
	if err := conn.Send("MULTI"); err != nil {
		return fmt.Errorf("redis MULTI: %w", err)
	}
	if err := conn.Send("HSET", r.recordKey(rec.Key),
		"payload", rec.Payload,
		"created_at", ms,
		"size", len(rec.Payload),
		"checksum", sum,
	); err != nil {
		return fmt.Errorf("redis HSET %q: %w", rec.Key, err)
	}
	if err := conn.Send("ZADD", r.indexKey(), ms, rec.Key); err != nil {
		return fmt.Errorf("redis ZADD %q: %w", rec.Key, err)
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("redis EXEC put %q: %w", rec.Key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis get conn: %w", err)
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return fmt.Errorf("redis MULTI: %w", err)
	}
	if err := conn.Send("DEL", r.recordKey(key)); err != nil {
		return fmt.Errorf("redis DEL %q: %w", key, err)
	}
	if err := conn.Send("ZREM", r.indexKey(), key); err != nil {
		return fmt.Errorf("redis ZREM %q: %w", key, err)
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("redis EXEC delete %q: %w", key, err)
	}
	return nil
}

// ListOlderThan pages through the age index. The cursor is "score:member" of
// the last key returned; members sharing a score are ordered lexicographically
// by Redis, which makes the position unambiguous.
func (r *RedisBackend) ListOlderThan(ctx context.Context, cutoff time.Time, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		return nil, "", nil
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("redis get conn: %w", err)
	}
	defer conn.Close()

	min := "-inf"
	var (
		afterScore  int64
		afterMember string
		hasCursor   bool
	)
	if cursor != "" {
		afterScore, afterMember, err = parseRedisCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		hasCursor = true
		min = strconv.FormatInt(afterScore, 10)
	}
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	var (
		keys       []string
		lastScore  int64
		lastMember string
		offset     int
		exhausted  bool
	)
	batch := limit + 1
	for len(keys) < limit {
		vals, err := redis.Strings(redis.DoContext(conn, ctx, "ZRANGEBYSCORE", r.indexKey(), min, max,
			"WITHSCORES", "LIMIT", offset, batch))
		if err != nil {
			return nil, "", fmt.Errorf("redis ZRANGEBYSCORE: %w", err)
		}
		for i := 0; i+1 < len(vals); i += 2 {
			member := vals[i]
			score, err := strconv.ParseFloat(vals[i+1], 64)
			if err != nil {
				return nil, "", fmt.Errorf("redis score %q: %w", vals[i+1], err)
			}
			s := int64(score)
			if hasCursor && s == afterScore && member <= afterMember {
				continue
			}
			keys = append(keys, member)
			lastScore, lastMember = s, member
			if len(keys) == limit {
				break
			}
		}
		if len(vals)/2 < batch {
			exhausted = true
			break
		}
		// Offsets are relative to min, so members removed concurrently can
		// shift a key past this page; the next scan picks it up.
		offset += len(vals) / 2
	}
	if exhausted && len(keys) < limit {
		return keys, "", nil
	}
	return keys, fmt.Sprintf("%d:%s", lastScore, lastMember), nil
}

func parseRedisCursor(cursor string) (int64, string, error) {
	scoreStr, member, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed listing cursor %q", cursor)
	}
	score, err := strconv.ParseInt(scoreStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed listing cursor %q: %w", cursor, err)
	}
	return score, member, nil
}

func (r *RedisBackend) Close() error {
	return r.pool.Close()
}
