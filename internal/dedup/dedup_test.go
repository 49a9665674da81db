package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketdata/internal/quotes"
)

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	d := New()
	var executions int32
	release := make(chan struct{})

	fn := func() (quotes.Quote, error) {
		atomic.AddInt32(&executions, 1)
		<-release
		return quotes.Quote{Symbol: "BTC", Price: 50000, AssetClass: quotes.AssetCrypto, Provider: "coingecko"}, nil
	}

	const callers = 10
	results := make([]quotes.Quote, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	fp := Fingerprint("quote", quotes.AssetCrypto, "BTC")
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Do(context.Background(), fp, fn)
		}(i)
	}

	// Let every caller attach before the call settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Fatalf("fn executed %d times, want exactly 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different quote", i)
		}
	}
}

func TestErrorSharedByAllWaiters(t *testing.T) {
	d := New()
	boom := errors.New("provider down")
	release := make(chan struct{})

	fn := func() (quotes.Quote, error) {
		<-release
		return quotes.Quote{}, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Do(context.Background(), "quote:crypto:ETH", fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d error = %v, want shared error", i, err)
		}
	}
}

func TestEntryRemovedAfterSettle(t *testing.T) {
	d := New()
	var executions int32
	fn := func() (quotes.Quote, error) {
		atomic.AddInt32(&executions, 1)
		return quotes.Quote{Symbol: "BTC", Price: 1}, nil
	}

	// Sequential calls must each execute: no stale pending entry.
	for i := 0; i < 3; i++ {
		if _, err := d.Do(context.Background(), "quote:crypto:BTC", fn); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&executions); n != 3 {
		t.Fatalf("executions = %d, want 3", n)
	}
}

func TestCancelledWaiterDoesNotAbortSharedCall(t *testing.T) {
	d := New()
	release := make(chan struct{})
	fn := func() (quotes.Quote, error) {
		<-release
		return quotes.Quote{Symbol: "SOL", Price: 100}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var impatientErr error
	done := make(chan struct{})
	go func() {
		_, impatientErr = d.Do(ctx, "quote:crypto:SOL", fn)
		close(done)
	}()

	patient := make(chan quotes.Quote, 1)
	go func() {
		q, err := d.Do(context.Background(), "quote:crypto:SOL", fn)
		if err == nil {
			patient <- q
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	if !errors.Is(impatientErr, context.Canceled) {
		t.Fatalf("impatient caller error = %v, want context.Canceled", impatientErr)
	}

	close(release)
	select {
	case q := <-patient:
		if q.Symbol != "SOL" {
			t.Fatalf("unexpected quote %+v", q)
		}
	case <-time.After(time.Second):
		t.Fatal("patient caller never observed the shared result")
	}
}

func TestFingerprint(t *testing.T) {
	if got := Fingerprint("quote", quotes.AssetCrypto, " btc "); got != "quote:crypto:BTC" {
		t.Fatalf("Fingerprint() = %q", got)
	}
}
