package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestSixthCallRejectedWithRetryAfter(t *testing.T) {
	l := New(map[string]Config{
		"coingecko": {PerMinute: 5, Burst: 5},
	})

	for i := 0; i < 5; i++ {
		ok, _ := l.CheckAndReserve("coingecko", "")
		if !ok {
			t.Fatalf("call %d rejected, want admitted", i+1)
		}
	}

	ok, retryAfter := l.CheckAndReserve("coingecko", "")
	if ok {
		t.Fatal("6th call admitted, want rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter = %v, want > 0", retryAfter)
	}
	if retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v, want within the window", retryAfter)
	}
}

func TestReadmittedAfterRefill(t *testing.T) {
	// 6000/min = 100/sec so the test does not sleep for a full window.
	l := New(map[string]Config{"fast": {PerMinute: 6000, Burst: 1}})

	if ok, _ := l.CheckAndReserve("fast", ""); !ok {
		t.Fatal("first call rejected")
	}
	ok, retryAfter := l.CheckAndReserve("fast", "")
	if ok {
		t.Fatal("second immediate call admitted")
	}

	time.Sleep(retryAfter + 5*time.Millisecond)
	if ok, _ := l.CheckAndReserve("fast", ""); !ok {
		t.Fatal("call after refill rejected")
	}
}

func TestConcurrentReservationIsAtomic(t *testing.T) {
	l := New(map[string]Config{"tight": {PerMinute: 1, Burst: 1}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.CheckAndReserve("tight", ""); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("admitted = %d, want exactly 1", admitted)
	}
}

func TestCredentialsGetIndependentWindows(t *testing.T) {
	l := New(map[string]Config{"alphavantage": {PerMinute: 1, Burst: 1}})

	if ok, _ := l.CheckAndReserve("alphavantage", "key1"); !ok {
		t.Fatal("key1 rejected")
	}
	if ok, _ := l.CheckAndReserve("alphavantage", "key2"); !ok {
		t.Fatal("key2 should have its own window")
	}
	if ok, _ := l.CheckAndReserve("alphavantage", "key1"); ok {
		t.Fatal("key1 second call should be rejected")
	}
}
