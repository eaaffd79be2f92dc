package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/costgate/internal/adapter/ristretto"
	"github.com/Strob0t/costgate/internal/port/cache/cachetest"
)

func TestCompliance(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	cachetest.RunComplianceTests(t, c)
}

func TestRejectsNonPositiveSize(t *testing.T) {
	if _, err := ristretto.New(0); err == nil {
		t.Fatal("expected error for zero max cost")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := c.Get(ctx, "short"); !found {
		t.Fatal("expected hit before expiry")
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := c.Get(ctx, "short"); !found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry did not expire")
}
