package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestDisabledLimiterAllows(t *testing.T) {
	l := NewSubjectLimiter(Params{Cfg: config.Config{RestoreRate: 1, RestoreBurst: 1}, Log: zaptest.NewLogger(t)})
	assert.False(t, l.Enabled())

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(context.Background(), "restore", "u1")
		assert.True(t, ok)
	}
	release, ok := l.Acquire(context.Background(), "restore", "u1", time.Second)
	assert.True(t, ok)
	release()
}

func TestLimiterFailsOpenWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	l := NewSubjectLimiter(Params{
		Client: client,
		Cfg:    config.Config{RestoreRate: 1, RestoreBurst: 1},
		Log:    zaptest.NewLogger(t),
	})
	assert.True(t, l.Enabled())

	ok, retry := l.Allow(context.Background(), "restore", "u1")
	assert.True(t, ok)
	assert.Zero(t, retry)

	_, ok = l.Acquire(context.Background(), "restore", "u1", time.Second)
	assert.True(t, ok)
}

func TestTokenBucketValidatesInput(t *testing.T) {
	var tb *TokenBucket
	_, err := tb.Take(context.Background(), "k", Limit{Rate: 1, Burst: 1})
	assert.Error(t, err)

	tb = NewTokenBucket(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	_, err = tb.Take(context.Background(), "", Limit{Rate: 1, Burst: 1})
	assert.Error(t, err)
	_, err = tb.Take(context.Background(), "k", Limit{Rate: 0, Burst: 1})
	assert.Error(t, err)
	_, err = tb.Take(context.Background(), "k", Limit{Rate: 1, Burst: 0})
	assert.Error(t, err)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, bucketTTL(Limit{Rate: 1, Burst: 5}))
	assert.Equal(t, time.Second, bucketTTL(Limit{Rate: 100, Burst: 1}))
	assert.Equal(t, time.Second, bucketTTL(Limit{}))
}

func TestParseTokens(t *testing.T) {
	v, err := parseTokens("0.25")
	assert.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-9)

	v, err = parseTokens(int64(2))
	assert.NoError(t, err)
	assert.Equal(t, 2.0, v)

	_, err = parseTokens(nil)
	assert.Error(t, err)
}

func TestLockerRejectsInvalidInput(t *testing.T) {
	var nilLocker *Locker
	_, err := nilLocker.Lock(context.Background(), "k", time.Second)
	assert.Error(t, err)

	l := NewLocker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	_, err = l.Lock(context.Background(), "", time.Second)
	assert.Error(t, err)
	_, err = l.Lock(context.Background(), "k", 0)
	assert.Error(t, err)

	var lease *Lease
	assert.NoError(t, lease.Release(context.Background()))
}
