package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Enabled when FORGE_REDIS_URL is set. Each store gets a random key prefix so runs never
// observe each other's data.

func TestRedisStore_Contract(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("FORGE_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: FORGE_REDIS_URL is not set")
	}

	runStoreContract(t, func(t *testing.T) MessageStore {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		st, err := NewRedisStore(ctx, raw)
		if err != nil {
			t.Fatalf("connect redis: %v", err)
		}
		st.prefix = "forge_it_" + NewRandomHex(6)
		t.Cleanup(func() { mustFlushRedisPrefix(t, st) })
		return st
	})
}

func mustFlushRedisPrefix(t *testing.T, st *RedisStore) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() { _ = st.Close() }()

	iter := st.client.Scan(ctx, 0, st.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		_ = st.client.Del(ctx, iter.Val()).Err()
	}
	if err := iter.Err(); err != nil {
		t.Logf("redis cleanup: %v", err)
	}
}
