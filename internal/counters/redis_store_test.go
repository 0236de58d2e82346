package counters

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTest connects to the Redis named by REDIS_URL, skipping the test
// when it is not set. Keys are namespaced per test and cleaned up after.
func redisTest(t *testing.T) *RedisStore {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("connect to redis: %v", err)
	}

	prefix := "givesafetest:" + t.Name() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		_ = client.Close()
	})

	return NewRedisStore(client, prefix)
}

func TestRedisIncrWindow(t *testing.T) {
	store := redisTest(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.IncrWindow(ctx, "phone1h:9800000001", time.Minute)
		if err != nil {
			t.Fatalf("IncrWindow: %v", err)
		}
		if n != want {
			t.Errorf("count = %d, want %d", n, want)
		}
	}
}

func TestRedisIncrWindowTTLFixedAtFirstWrite(t *testing.T) {
	store := redisTest(t)
	ctx := context.Background()

	if _, err := store.IncrWindow(ctx, "burst:key", 2*time.Second); err != nil {
		t.Fatalf("IncrWindow: %v", err)
	}
	time.Sleep(time.Second)
	// A second increment must not refresh the TTL.
	if _, err := store.IncrWindow(ctx, "burst:key", 2*time.Second); err != nil {
		t.Fatalf("IncrWindow: %v", err)
	}

	ttl, err := store.client.TTL(ctx, store.prefix+"burst:key").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl > 1500*time.Millisecond {
		t.Errorf("TTL = %v after second increment, want <= ~1s (tumbling bucket)", ttl)
	}
}

func TestRedisAddToSetCardinality(t *testing.T) {
	store := redisTest(t)
	ctx := context.Background()

	members := []string{"donor_1", "donor_2", "donor_2", "donor_3"}
	var last int64
	for _, m := range members {
		n, err := store.AddToSet(ctx, "ip24h:10.0.0.1", m, time.Minute)
		if err != nil {
			t.Fatalf("AddToSet: %v", err)
		}
		last = n
	}
	if last != 3 {
		t.Errorf("cardinality = %d, want 3 (duplicates collapse)", last)
	}
}
