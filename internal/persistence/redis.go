package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 5 * time.Second

// RedisConfig holds connection settings for the Redis-backed adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Root is the key prefix under which all state lives,
	// e.g. "/shunt/prod-topic".
	Root string
	// MaxWriteAttempts bounds the internal retry on transient write
	// failures. Defaults to 3.
	MaxWriteAttempts int
}

// Redis persists state under hierarchical keys:
//
//	<root>/consumers/<sourceId>/<partition>  → ASCII decimal offset
//	<root>/requests/<identifier>/<partition> → JSON request payload
//
// Redis has no tree nodes, so pruning empty parents on clear is a no-op;
// listings are driven by key scans instead.
type Redis struct {
	cfg    RedisConfig
	client redis.Cmdable
	closer func() error
	opened bool
	logger *slog.Logger
}

// NewRedis returns an unopened Redis adapter.
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = 3
	}
	return &Redis{cfg: cfg, logger: logger}
}

func (r *Redis) Open() error {
	if r.opened {
		return nil
	}
	if r.cfg.Addr == "" {
		return fmt.Errorf("redis adapter: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     r.cfg.Addr,
		Password: r.cfg.Password,
		DB:       r.cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping %s: %w", r.cfg.Addr, err)
	}
	r.client = client
	r.closer = client.Close
	r.opened = true
	return nil
}

func (r *Redis) Close() error {
	if !r.opened {
		return nil
	}
	r.opened = false
	if r.closer != nil {
		return r.closer()
	}
	return nil
}

func (r *Redis) consumerKey(sourceID string, partition int32) string {
	return fmt.Sprintf("%s/consumers/%s/%d", r.cfg.Root, sourceID, partition)
}

func (r *Redis) requestKey(id string, partition int32) string {
	return fmt.Sprintf("%s/requests/%s/%d", r.cfg.Root, id, partition)
}

func (r *Redis) PersistConsumerOffset(sourceID string, partition int32, offset int64) error {
	if !r.opened {
		return ErrNotOpened
	}
	key := r.consumerKey(sourceID, partition)
	return r.write(func(ctx context.Context) error {
		return r.client.Set(ctx, key, strconv.FormatInt(offset, 10), 0).Err()
	})
}

func (r *Redis) RetrieveConsumerOffset(sourceID string, partition int32) (int64, bool, error) {
	if !r.opened {
		return 0, false, ErrNotOpened
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, r.consumerKey(sourceID, partition)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get consumer offset: %w", err)
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse consumer offset %q: %w", val, err)
	}
	return offset, true, nil
}

func (r *Redis) ClearConsumerOffset(sourceID string, partition int32) error {
	if !r.opened {
		return ErrNotOpened
	}
	key := r.consumerKey(sourceID, partition)
	return r.write(func(ctx context.Context) error {
		return r.client.Del(ctx, key).Err()
	})
}

func (r *Redis) ClearConsumerState(sourceID string) error {
	if !r.opened {
		return ErrNotOpened
	}
	pattern := fmt.Sprintf("%s/consumers/%s/*", r.cfg.Root, sourceID)
	keys, err := r.scan(pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.write(func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

func (r *Redis) PersistSidelineRequest(id string, partition int32, req Request) error {
	if !r.opened {
		return ErrNotOpened
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal sideline request: %w", err)
	}
	key := r.requestKey(id, partition)
	return r.write(func(ctx context.Context) error {
		return r.client.Set(ctx, key, raw, 0).Err()
	})
}

func (r *Redis) RetrieveSidelineRequest(id string, partition int32) (*Request, error) {
	if !r.opened {
		return nil, ErrNotOpened
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	raw, err := r.client.Get(ctx, r.requestKey(id, partition)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sideline request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("unmarshal sideline request: %w", err)
	}
	return &req, nil
}

func (r *Redis) ClearSidelineRequest(id string, partition int32) error {
	if !r.opened {
		return ErrNotOpened
	}
	key := r.requestKey(id, partition)
	return r.write(func(ctx context.Context) error {
		return r.client.Del(ctx, key).Err()
	})
}

func (r *Redis) ListSidelineRequests() ([]string, error) {
	if !r.opened {
		return nil, ErrNotOpened
	}
	keys, err := r.scan(r.cfg.Root + "/requests/*")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, key := range keys {
		id, _, ok := splitRequestKey(r.cfg.Root, key)
		if !ok {
			continue
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) ListSidelineRequestPartitions(id string) ([]int32, error) {
	if !r.opened {
		return nil, ErrNotOpened
	}
	keys, err := r.scan(fmt.Sprintf("%s/requests/%s/*", r.cfg.Root, id))
	if err != nil {
		return nil, err
	}
	var parts []int32
	for _, key := range keys {
		_, partition, ok := splitRequestKey(r.cfg.Root, key)
		if !ok {
			continue
		}
		parts = append(parts, partition)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	return parts, nil
}

func (r *Redis) scan(pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// write runs fn with bounded exponential backoff on transient failures.
func (r *Redis) write(fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxWriteAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		lastErr = fn(ctx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt < r.cfg.MaxWriteAttempts-1 {
			backoff := writeBackoff(attempt)
			r.logger.Warn("persistence write failed, retrying",
				"attempt", attempt+1, "backoff", backoff, "error", lastErr)
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("persistence write: %w", lastErr)
}

func writeBackoff(attempt int) time.Duration {
	backoff := float64(50*time.Millisecond) * math.Pow(2, float64(attempt))
	jitter := backoff * 0.2
	return time.Duration(backoff - jitter + rand.Float64()*2*jitter)
}

// splitRequestKey extracts (identifier, partition) from a request key.
func splitRequestKey(root, key string) (string, int32, bool) {
	rest, ok := strings.CutPrefix(key, root+"/requests/")
	if !ok {
		return "", 0, false
	}
	idx := strings.LastIndexByte(rest, '/')
	if idx <= 0 {
		return "", 0, false
	}
	partition, err := strconv.ParseInt(rest[idx+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return rest[:idx], int32(partition), true
}
