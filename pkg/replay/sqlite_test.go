package replay

import (
	"context"
	"database/sql"
	"testing"
)

func newTestSQLiteLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewSQLiteLedger(db)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestSQLiteClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestSQLiteLedger(t)

	c, err := l.Claim(ctx, "t1", "k1", "sha256:aa")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusNew {
		t.Fatalf("expected new, got %s", c.Status)
	}

	c, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	if c.Status != StatusInFlight {
		t.Fatalf("expected in_flight, got %s", c.Status)
	}

	if err := l.Complete(ctx, "t1", "k1", "sha256:aa", []byte("resp")); err != nil {
		t.Fatal(err)
	}

	c, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	if c.Status != StatusReplay || string(c.CachedResponse) != "resp" {
		t.Fatalf("expected replay with cached body, got %s %q", c.Status, c.CachedResponse)
	}
}

func TestSQLiteConflict(t *testing.T) {
	ctx := context.Background()
	l := newTestSQLiteLedger(t)

	_, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	c, err := l.Claim(ctx, "t1", "k1", "sha256:bb")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusConflict {
		t.Fatalf("expected conflict, got %s", c.Status)
	}
}

func TestSQLiteReleaseThenRetry(t *testing.T) {
	ctx := context.Background()
	l := newTestSQLiteLedger(t)

	_, _ = l.Claim(ctx, "t1", "k1", "sha256:aa")
	if err := l.Release(ctx, "t1", "k1", "sha256:aa"); err != nil {
		t.Fatal(err)
	}
	c, _ := l.Claim(ctx, "t1", "k1", "sha256:aa")
	if c.Status != StatusNew {
		t.Fatalf("expected new after release, got %s", c.Status)
	}

	// Completed records cannot be released.
	_ = l.Complete(ctx, "t1", "k1", "sha256:aa", []byte("x"))
	if err := l.Release(ctx, "t1", "k1", "sha256:aa"); err != ErrNotClaimed {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
}
