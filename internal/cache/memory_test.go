package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderSetNX(t *testing.T) {
	c := NewMemoryProvider()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "dedup:alarm-1", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "dedup:alarm-1", []byte("1"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: %v, %v", ok, err)
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	c := NewMemoryProvider()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || string(got) != "v" {
		t.Fatalf("Get before expiry = %q, %v", got, err)
	}

	c.now = func() time.Time { return base.Add(31 * time.Second) }
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after expiry = %v, want ErrCacheMiss", err)
	}

	// An expired key is free for SetNX again.
	ok, err := c.SetNX(ctx, "k", []byte("v2"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry = %v, %v", ok, err)
	}
}

func TestMemoryProviderDel(t *testing.T) {
	c := NewMemoryProvider()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after Del = %v, want ErrCacheMiss", err)
	}
}
