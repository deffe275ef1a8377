package replay

import (
	"bytes"
	"context"
	"sync"
	"testing"
)

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	c, err := l.Claim(ctx, "t1", "k1", "sha256:aa")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusNew {
		t.Fatalf("expected new, got %s", c.Status)
	}

	// Second claim while pending.
	c, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	if c.Status != StatusInFlight {
		t.Fatalf("expected in_flight, got %s", c.Status)
	}

	if err := l.Complete(ctx, "t1", "k1", "sha256:aa", []byte(`{"gate_id":"g1"}`)); err != nil {
		t.Fatal(err)
	}

	c, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	if c.Status != StatusReplay {
		t.Fatalf("expected replay, got %s", c.Status)
	}
	if !bytes.Equal(c.CachedResponse, []byte(`{"gate_id":"g1"}`)) {
		t.Fatalf("cached response must be returned verbatim, got %s", c.CachedResponse)
	}
}

func TestClaimConflictOnHashMismatch(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	if _, err := l.Claim(ctx, "t1", "k1", "sha256:aa"); err != nil {
		t.Fatal(err)
	}
	c, err := l.Claim(ctx, "t1", "k1", "sha256:bb")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusConflict {
		t.Fatalf("expected conflict, got %s", c.Status)
	}

	// Conflict persists after completion too.
	_ = l.Complete(ctx, "t1", "k1", "sha256:aa", []byte("done"))
	c, _ = l.Claim(ctx, "t1", "k1", "sha256:bb")
	if c.Status != StatusConflict {
		t.Fatalf("expected conflict after completion, got %s", c.Status)
	}
}

func TestKeysAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	if _, err := l.Claim(ctx, "t1", "k1", "sha256:aa"); err != nil {
		t.Fatal(err)
	}
	c, err := l.Claim(ctx, "t2", "k1", "sha256:bb")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusNew {
		t.Fatalf("same key under another tenant must be independent, got %s", c.Status)
	}
}

func TestReleasePermitsRetry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	_, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	if err := l.Release(ctx, "t1", "k1", "sha256:aa"); err != nil {
		t.Fatal(err)
	}

	c, _ := l.Claim(ctx, "t1", "k1", "sha256:aa")
	if c.Status != StatusNew {
		t.Fatalf("released key must be claimable again, got %s", c.Status)
	}
}

func TestReleaseNeverClearsCompleted(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	_, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	_ = l.Complete(ctx, "t1", "k1", "sha256:aa", []byte("done"))

	if err := l.Release(ctx, "t1", "k1", "sha256:aa"); err != ErrNotClaimed {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
	c, _ := l.Claim(ctx, "t1", "k1", "sha256:aa")
	if c.Status != StatusReplay {
		t.Fatalf("completed record must survive release, got %s", c.Status)
	}
}

func TestCompleteRequiresPendingClaim(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	if err := l.Complete(ctx, "t1", "missing", "sha256:aa", nil); err != ErrNotClaimed {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	_, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	if err := l.Complete(ctx, "t1", "k1", "sha256:other", nil); err != ErrNotClaimed {
		t.Fatalf("expected ErrNotClaimed for hash mismatch, got %v", err)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	const attempts = 32
	var wg sync.WaitGroup
	results := make([]ClaimStatus, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := l.Claim(ctx, "t1", "hot-key", "sha256:aa")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = c.Status
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, s := range results {
		switch s {
		case StatusNew:
			winners++
		case StatusInFlight:
		default:
			t.Fatalf("unexpected status %s", s)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
