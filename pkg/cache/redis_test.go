package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "test"), mr
}

func TestRedisCacheGetPut(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v", ok, err)
	}

	if err := c.Put(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get(k) = %q ok=%v err=%v", v, ok, err)
	}

	// Keys are namespaced under the prefix.
	if !mr.Exists("test:k") {
		t.Error("expected key test:k in redis")
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expected key to expire")
	}
}

func TestRedisCachePull(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "once", "payload", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, ok, err := c.Pull(ctx, "once")
	if err != nil || !ok || v != "payload" {
		t.Fatalf("Pull = %q ok=%v err=%v", v, ok, err)
	}
	if _, ok, _ := c.Get(ctx, "once"); ok {
		t.Error("Pull must delete the key")
	}
	if _, ok, _ := c.Pull(ctx, "once"); ok {
		t.Error("second Pull must miss")
	}
}

func TestRedisCacheCompareAndSwap(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "marker", "pending", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	swapped, err := c.CompareAndSwap(ctx, "marker", "pending", "consumed")
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if !swapped {
		t.Fatal("expected first swap to succeed")
	}

	// The swap keeps the remaining TTL.
	if ttl := mr.TTL("test:marker"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl after swap = %v", ttl)
	}

	swapped, err = c.CompareAndSwap(ctx, "marker", "pending", "consumed")
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if swapped {
		t.Error("second swap must fail, value already consumed")
	}

	swapped, err = c.CompareAndSwap(ctx, "absent", "pending", "consumed")
	if err != nil {
		t.Fatalf("CompareAndSwap on missing key failed: %v", err)
	}
	if swapped {
		t.Error("swap on a missing key must fail")
	}
}

func TestRedisCacheDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expected key deleted")
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Errorf("deleting a missing key must not error: %v", err)
	}
}

func TestNewRedisCacheDefaultPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client, "")
	if err := c.Put(context.Background(), "k", "v", 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !mr.Exists("grc:k") {
		t.Error("expected default grc prefix")
	}
}
