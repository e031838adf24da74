package ledger

import (
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTryAdmitAtLimit(t *testing.T) {
	t.Parallel()
	l := NewWithClock(fixedClock(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)))

	for i := 0; i < 3; i++ {
		ok, err := l.TryAdmit("s@example.com", 3)
		if err != nil {
			t.Fatalf("TryAdmit error: %v", err)
		}
		if !ok {
			t.Fatalf("admission %d denied below limit", i+1)
		}
	}
	ok, err := l.TryAdmit("s@example.com", 3)
	if err != nil {
		t.Fatalf("TryAdmit error: %v", err)
	}
	if ok {
		t.Fatal("admission above limit must be denied")
	}
	if got := l.Usage("s@example.com"); got != 3 {
		t.Fatalf("Usage = %d, want 3", got)
	}
}

func TestTryAdmitUnlimited(t *testing.T) {
	t.Parallel()
	l := New()
	for i := 0; i < 100; i++ {
		if ok, _ := l.TryAdmit("s@example.com", 0); !ok {
			t.Fatal("limit 0 must disable rate limiting")
		}
	}
	if got := l.Usage("s@example.com"); got != 0 {
		t.Fatalf("unlimited admissions must not count, Usage = %d", got)
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	t.Parallel()
	l := NewWithClock(fixedClock(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)))

	if ok, _ := l.TryAdmit("s@example.com", 1); !ok {
		t.Fatal("first admission denied")
	}
	if ok, _ := l.TryAdmit("s@example.com", 1); ok {
		t.Fatal("second admission must be denied at limit 1")
	}
	if err := l.Release("s@example.com"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if ok, _ := l.TryAdmit("s@example.com", 1); !ok {
		t.Fatal("released slot must be admittable again")
	}

	// Release never drives the count negative.
	l2 := New()
	_ = l2.Release("s@example.com")
	if got := l2.Usage("s@example.com"); got != 0 {
		t.Fatalf("Usage after bare Release = %d, want 0", got)
	}
}

func TestBucketRollover(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 59, 0, 0, time.UTC)
	var mu sync.Mutex
	l := NewWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	if ok, _ := l.TryAdmit("s@example.com", 1); !ok {
		t.Fatal("admission denied in empty bucket")
	}
	if ok, _ := l.TryAdmit("s@example.com", 1); ok {
		t.Fatal("bucket full, admission must be denied")
	}

	mu.Lock()
	now = now.Add(2 * time.Minute) // crosses into 13:00 bucket
	mu.Unlock()

	if ok, _ := l.TryAdmit("s@example.com", 1); !ok {
		t.Fatal("new hour bucket must start empty")
	}

	if removed := l.Prune(); removed != 1 {
		t.Fatalf("Prune removed %d buckets, want 1", removed)
	}
	if got := l.Usage("s@example.com"); got != 1 {
		t.Fatalf("Usage after prune = %d, want 1", got)
	}
}

func TestSendersAreIndependent(t *testing.T) {
	t.Parallel()
	l := NewWithClock(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	if ok, _ := l.TryAdmit("a@example.com", 1); !ok {
		t.Fatal("a denied")
	}
	if ok, _ := l.TryAdmit("b@example.com", 1); !ok {
		t.Fatal("b must have its own bucket")
	}
}

func TestTryAdmitConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	const limit = 50
	l := NewWithClock(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.TryAdmit("s@example.com", limit); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("admitted %d, want exactly %d", admitted, limit)
	}
}
