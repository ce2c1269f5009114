package redis

import (
	"context"
	"os"
	"testing"
)

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(context.Background(), "not-a-redis-url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewPing(t *testing.T) {
	url := os.Getenv("CLAIMER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CLAIMER_TEST_REDIS_URL not set")
	}
	c, err := New(context.Background(), url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
