package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available: %v", err)
	}
	key := "vaultpilot-test:" + uuid.NewString()
	q := NewRedisQueueWithClient(client, key, 100*time.Millisecond)
	t.Cleanup(func() {
		_ = client.Del(context.Background(), key).Err()
		_ = q.Close()
	})
	return q
}

func TestRedisQueueDeliversInOrder(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	seen := make(chan string, 3)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, id string) error {
			seen <- id
			return nil
		})
	}()
	for _, want := range []string{"exec-1", "exec-2", "exec-3"} {
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRedisQueueRedeliversAfterDelay(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var attempts atomic.Int32
	var firstFailure atomic.Int64
	done := make(chan time.Duration, 1)
	go func() {
		_ = q.Consume(ctx, 1, func(context.Context, string) error {
			if attempts.Add(1) == 1 {
				firstFailure.Store(time.Now().UnixNano())
				return errors.New("transient")
			}
			done <- time.Since(time.Unix(0, firstFailure.Load()))
			return nil
		})
	}()
	if err := q.Publish(ctx, "exec-retry"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case waited := <-done:
		if waited < redeliverDelay {
			t.Fatalf("redelivery must wait at least %v, waited %v", redeliverDelay, waited)
		}
	case <-ctx.Done():
		t.Fatal("message was not redelivered")
	}
}
