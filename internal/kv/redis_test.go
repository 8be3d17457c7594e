package kv

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text"})
	m.Run()
}

// unreachableStore returns a store whose client cannot reach any server,
// for exercising the fail-open / fail-closed paths.
func unreachableStore() *Store {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	return NewWithClient(client, "outdial")
}

func TestGetStringMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewWithClient(db, "outdial")

	mock.ExpectGet("outdial:missing").RedisNil()

	val, err := store.GetString(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "", val)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWithTTLAndExists(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewWithClient(db, "outdial")

	mock.ExpectSet("outdial:k", "v", time.Minute).SetVal("OK")
	mock.ExpectExists("outdial:k").SetVal(1)

	require.NoError(t, store.SetWithTTL(context.Background(), "k", "v", time.Minute))

	exists, err := store.Exists(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementWithTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewWithClient(db, "outdial")

	mock.ExpectTxPipeline()
	mock.ExpectIncr("outdial:auth:failed:alice:10.0.0.1").SetVal(3)
	mock.ExpectExpire("outdial:auth:failed:alice:10.0.0.1", time.Hour).SetVal(true)
	mock.ExpectTxPipelineExec()

	count, err := store.TrackFailedLogin(context.Background(), "alice", "10.0.0.1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewWithClient(db, "outdial")

	mock.Regexp().ExpectSetNX("outdial:lock:call:channel:abc", `.+`, 5*time.Second).SetVal(true)

	lease, err := store.AcquireLease(context.Background(), "call:channel:abc", 5*time.Second, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "outdial:lock:call:channel:abc", lease.key)
	assert.NotEmpty(t, lease.token)
}

func TestAcquireLeaseBusyTimesOut(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewWithClient(db, "outdial")

	// The holder never lets go; every probe sees the key taken.
	for i := 0; i < 16; i++ {
		mock.Regexp().ExpectSetNX("outdial:lock:call:channel:busy", `.+`, 5*time.Second).SetVal(false)
	}

	start := time.Now()
	lease, err := store.AcquireLease(context.Background(), "call:channel:busy", 5*time.Second, 300*time.Millisecond)
	assert.Nil(t, lease)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSlidingWindowFailsOpen(t *testing.T) {
	store := unreachableStore()

	allowed, remaining := store.SlidingWindowAdmit(context.Background(), "ratelimit:token:1.2.3.4", 5, time.Minute)
	assert.True(t, allowed)
	assert.Equal(t, 5, remaining)
}

func TestBlacklistFailsClosed(t *testing.T) {
	store := unreachableStore()

	assert.True(t, store.IsTokenBlacklisted(context.Background(), "some-jti"))
}

func TestIsTokenBlacklisted(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewWithClient(db, "outdial")

	mock.ExpectExists("outdial:blacklist:jwt:abc").SetVal(1)
	mock.ExpectExists("outdial:blacklist:jwt:def").SetVal(0)

	assert.True(t, store.IsTokenBlacklisted(context.Background(), "abc"))
	assert.False(t, store.IsTokenBlacklisted(context.Background(), "def"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockoutTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewWithClient(db, "outdial")

	mock.ExpectTTL("outdial:auth:lockout:10.0.0.1").SetVal(900 * time.Second)
	mock.ExpectTTL("outdial:auth:lockout:10.0.0.2").SetVal(-2 * time.Second)

	ttl, err := store.LockoutTTL(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, ttl)

	ttl, err = store.LockoutTTL(context.Background(), "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)
}
