package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter needs a running Redis on localhost:6379 and removes the
// test_* keys of every rule it touches.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, rule := range []Rule{RuleSend, RuleTyping, RuleConnect, testRule} {
			iter := client.Scan(ctx, 0, rule.Key+"test_*", 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client)
}

var testRule = Rule{Key: "rl:unit:", Limit: 3, Window: 500 * time.Millisecond}

func TestAllowUpToLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "test_user", testRule)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, _ := l.Allow(ctx, "test_user", testRule)
	if ok {
		t.Fatal("request over the limit was allowed")
	}

	if n, _ := l.Remaining(ctx, "test_user", testRule); n != 0 {
		t.Fatalf("remaining = %d, want 0", n)
	}
	if d := l.RetryAfter(ctx, "test_user", testRule); d <= 0 || d > testRule.Window {
		t.Fatalf("retry after = %v", d)
	}
}

func TestWindowResets(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i <= testRule.Limit; i++ {
		l.Allow(ctx, "test_reset", testRule)
	}
	time.Sleep(testRule.Window + 200*time.Millisecond)

	ok, err := l.Allow(ctx, "test_reset", testRule)
	if err != nil || !ok {
		t.Fatalf("after window: ok=%v err=%v", ok, err)
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i <= testRule.Limit; i++ {
		l.Allow(ctx, "test_a", testRule)
	}
	if n, _ := l.Remaining(ctx, "test_b", testRule); n != testRule.Limit {
		t.Fatalf("untouched identifier has %d left", n)
	}
}

func TestFailOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "test_down", RuleSend)
	if !ok || err == nil {
		t.Fatalf("redis down: ok=%v err=%v, want allowed with error", ok, err)
	}
}
