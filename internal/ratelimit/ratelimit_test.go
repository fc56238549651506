package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("6th request should be denied")
	}
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("3rd should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("after window reset should be allowed")
	}
}

func TestKeyed_IndependentPerKey(t *testing.T) {
	k := NewKeyed(2, time.Minute)
	k.Allow("10.0.0.1")
	k.Allow("10.0.0.1")
	if k.Allow("10.0.0.1") {
		t.Fatal("3rd request from same host should be denied")
	}
	if !k.Allow("10.0.0.2") {
		t.Fatal("fresh host should be allowed")
	}
}

func TestKeyed_SweepsIdleEntries(t *testing.T) {
	k := NewKeyed(1, time.Millisecond)
	k.Allow("a")
	k.Allow("b")
	if k.Len() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", k.Len())
	}
	// Past idleFactor windows both entries are stale; the next Allow
	// triggers the sweep and re-creates only its own key.
	time.Sleep(20 * time.Millisecond)
	k.Allow("c")
	if k.Len() != 1 {
		t.Fatalf("expected stale keys swept, got %d tracked", k.Len())
	}
}
