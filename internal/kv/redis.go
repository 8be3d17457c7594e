package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// Config holds KV store configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store wraps the Redis client with the coordination primitives used by the
// orchestrator: TTL keys, counters, leases, sliding-window admission and
// the token revocation blacklist.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection
func New(cfg Config, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "invalid Redis URL")
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to Redis")
	}

	logger.Info("Redis store initialized")

	return &Store{client: client, prefix: prefix}, nil
}

// NewWithClient wraps an existing client; used by tests
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(k string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s:%s", s.prefix, k)
	}
	return k
}

// GetString returns the value for key, empty string on miss
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrRedis, "GET failed")
	}
	return val, nil
}

// SetWithTTL stores a value that expires after ttl
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrRedis, "SET failed")
	}
	return nil
}

// Delete removes keys
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = s.key(k)
	}
	if err := s.client.Del(ctx, fullKeys...).Err(); err != nil {
		return errors.Wrap(err, errors.ErrRedis, "DEL failed")
	}
	return nil
}

// Exists reports whether key is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrRedis, "EXISTS failed")
	}
	return n > 0, nil
}

// IncrementWithTTL atomically increments key and refreshes its expiry
func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.key(key))
	pipe.Expire(ctx, s.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrRedis, "INCR failed")
	}
	return incr.Val(), nil
}

// TTL returns the remaining lifetime of key
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrRedis, "TTL failed")
	}
	return d, nil
}

// AddToSortedSet adds a member with the given score
func (s *Store) AddToSortedSet(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, s.key(key), &redis.Z{Score: score, Member: member}).Err(); err != nil {
		return errors.Wrap(err, errors.ErrRedis, "ZADD failed")
	}
	return nil
}

// releaseScript deletes the lease only when the holder token still matches,
// so a slow holder cannot release a successor's lease.
var releaseScript = redis.NewScript(`
    if redis.call("get", KEYS[1]) == ARGV[1] then
        return redis.call("del", KEYS[1])
    else
        return 0
    end
`)

// Lease is a held single-writer lease
type Lease struct {
	key   string
	token string
}

// AcquireLease takes a TTL-guarded mutual exclusion lease. It polls with
// SET NX until blockingTimeout elapses; a crashed holder's lease expires on
// its own.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl, blockingTimeout time.Duration) (*Lease, error) {
	lockKey := s.key(fmt.Sprintf("lock:%s", key))
	token := uuid.NewString()

	deadline := time.Now().Add(blockingTimeout)
	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrRedis, "failed to acquire lease")
		}
		if ok {
			return &Lease{key: lockKey, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, errors.New(errors.ErrLeaseBusy, fmt.Sprintf("lease %s busy after %s", key, blockingTimeout))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ReleaseLease releases the lease if this holder still owns it
func (s *Store) ReleaseLease(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	if err := releaseScript.Run(ctx, s.client, []string{lease.key}, lease.token).Err(); err != nil && err != redis.Nil {
		logger.WithField("key", lease.key).WithField("error", err.Error()).Warn("Lease release failed")
	}
}

// SlidingWindowAdmit performs one sliding-window admission check. The
// decision is taken from the count of timestamps remaining in the window
// before this request is added. The limiter fails open: if the store is
// unreachable the request is admitted.
func (s *Store) SlidingWindowAdmit(ctx context.Context, key string, limit int, window time.Duration) (bool, int) {
	fullKey := s.key(key)
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "0", fmt.Sprintf("%f", float64(windowStart.UnixNano())/1e9))
	card := pipe.ZCard(ctx, fullKey)
	score := float64(now.UnixNano()) / 1e9
	pipe.ZAdd(ctx, fullKey, &redis.Z{Score: score, Member: fmt.Sprintf("%.9f", score)})
	pipe.Expire(ctx, fullKey, window+10*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		logger.WithField("key", key).WithField("error", err.Error()).Error("Rate limit check failed, admitting")
		return true, limit
	}

	count := int(card.Val())
	allowed := count < limit
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// BlacklistToken revokes a token id until its original expiry
func (s *Store) BlacklistToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.SetWithTTL(ctx, fmt.Sprintf("blacklist:jwt:%s", jti), "revoked", ttl)
}

// IsTokenBlacklisted reports whether a token id has been revoked. This
// check fails closed: if the store is unreachable the token is treated as
// revoked.
func (s *Store) IsTokenBlacklisted(ctx context.Context, jti string) bool {
	exists, err := s.Exists(ctx, fmt.Sprintf("blacklist:jwt:%s", jti))
	if err != nil {
		logger.WithField("jti", jti).WithField("error", err.Error()).Error("Blacklist check failed, rejecting token")
		return true
	}
	return exists
}

// TrackFailedLogin increments the failed-login counter for (username, ip)
// and returns the running count within the TTL window
func (s *Store) TrackFailedLogin(ctx context.Context, username, ip string, ttl time.Duration) (int64, error) {
	return s.IncrementWithTTL(ctx, fmt.Sprintf("auth:failed:%s:%s", username, ip), ttl)
}

// ResetFailedLogins clears the counter after a successful login
func (s *Store) ResetFailedLogins(ctx context.Context, username, ip string) error {
	return s.Delete(ctx, fmt.Sprintf("auth:failed:%s:%s", username, ip))
}

// SetLockout writes the per-IP lockout key
func (s *Store) SetLockout(ctx context.Context, ip string, ttl time.Duration) error {
	return s.SetWithTTL(ctx, fmt.Sprintf("auth:lockout:%s", ip), "locked", ttl)
}

// LockoutTTL returns the remaining lockout duration for ip, zero when the
// IP is not locked out
func (s *Store) LockoutTTL(ctx context.Context, ip string) (time.Duration, error) {
	d, err := s.TTL(ctx, fmt.Sprintf("auth:lockout:%s", ip))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
