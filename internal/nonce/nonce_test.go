package nonce

import (
	"context"
	"testing"
	"time"
)

func TestClaimRejectsReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore(ctx, time.Hour)

	first, err := s.Claim(ctx, "n1", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !first {
		t.Fatal("expected first claim of a fresh nonce to succeed")
	}

	second, err := s.Claim(ctx, "n1", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if second {
		t.Fatal("expected replayed nonce claim to be rejected")
	}
}

func TestClaimAllowsReuseAfterExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore(ctx, time.Hour)

	if _, err := s.Claim(ctx, "n1", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	ok, err := s.Claim(ctx, "n1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected claim to succeed again once the previous TTL expired")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore(ctx, 10*time.Millisecond)

	if _, err := s.Claim(ctx, "n1", 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if s.Len() != 0 {
		t.Errorf("expected sweeper to remove expired entries, got len=%d", s.Len())
	}
}
