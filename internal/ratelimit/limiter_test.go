package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLimiter(limits map[string]int) (*Limiter, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, time.Minute, limits, 60), store
}

func TestAdmitWithinLimit(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(map[string]int{"sandbox_create": 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Admit(ctx, "sandbox_create")
		if err != nil {
			t.Fatalf("Admit returned error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	d, err := l.Admit(ctx, "sandbox_create")
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("third call should be denied at limit 2")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denied decision should carry retry-after, got %v", d.RetryAfter)
	}
}

func TestAdmitResetsAfterWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	l := New(store, time.Minute, map[string]int{"sandbox_create": 1}, 60)
	ctx := context.Background()

	base := time.Now()
	store.SetNow(func() time.Time { return base })

	if d, _ := l.Admit(ctx, "sandbox_create"); !d.Allowed {
		t.Fatal("first call should be allowed")
	}
	if d, _ := l.Admit(ctx, "sandbox_create"); d.Allowed {
		t.Fatal("second call in same window should be denied")
	}

	// Roll the window over.
	store.SetNow(func() time.Time { return base.Add(61 * time.Second) })
	if d, _ := l.Admit(ctx, "sandbox_create"); !d.Allowed {
		t.Fatal("call after window reset should be allowed")
	}
}

// Admitted calls must never exceed the window limit, no matter how many
// callers race on the same operation type.
func TestAdmitConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	const limit = 25
	const callers = 200

	l, _ := newTestLimiter(map[string]int{"sandbox_command": limit})
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			d, err := l.Admit(ctx, "sandbox_command")
			if err != nil {
				t.Errorf("Admit returned error: %v", err)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("admitted %d calls, want exactly %d", admitted, limit)
	}
}

func TestOperationTypesAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(map[string]int{"sandbox_create": 1, "sandbox_command": 10})
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "sandbox_create"); !d.Allowed {
		t.Fatal("sandbox_create should be allowed")
	}
	if d, _ := l.Admit(ctx, "sandbox_create"); d.Allowed {
		t.Fatal("sandbox_create should be exhausted")
	}
	// A scarce creation budget must not affect command execution.
	if d, _ := l.Admit(ctx, "sandbox_command"); !d.Allowed {
		t.Fatal("sandbox_command should still be allowed")
	}
}

func TestRemainingAndUsage(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(map[string]int{"llm_generate": 5})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Admit(ctx, "llm_generate"); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}

	left, err := l.Remaining(ctx, "llm_generate")
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if left != 2 {
		t.Fatalf("Remaining = %d, want 2", left)
	}

	usage, err := l.UsageByOperation(ctx)
	if err != nil {
		t.Fatalf("UsageByOperation: %v", err)
	}
	if got := usage["llm_generate"]; got.Count != 3 || got.Limit != 5 {
		t.Fatalf("usage = %+v, want count 3 limit 5", got)
	}
}
