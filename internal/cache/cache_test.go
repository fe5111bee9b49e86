package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func testCache() *Cache {
	return New(NewMemoryStore(), Config{
		TTL:          time.Minute,
		MaxWait:      300 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("how many patients", "abc123")
	b := Fingerprint("how many patients", "abc123")
	if a != b {
		t.Error("fingerprint not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}

	if Fingerprint("how many patients", "def456") == a {
		t.Error("schema version change must change the fingerprint")
	}
	if Fingerprint("how many conditions", "abc123") == a {
		t.Error("text change must change the fingerprint")
	}
}

func TestCacheGetMissAndHit(t *testing.T) {
	ctx := context.Background()
	c := testCache()
	fp := Fingerprint("q", "v1")

	if _, ok := c.Get(ctx, "v1", fp); ok {
		t.Fatal("expected miss on empty cache")
	}

	payload, _ := json.Marshal(map[string]string{"status": "EXECUTED"})
	c.Complete(ctx, "v1", fp, "SELECT 1", payload)

	entry, ok := c.Get(ctx, "v1", fp)
	if !ok {
		t.Fatal("expected hit after Complete")
	}
	if entry.ChosenSQL != "SELECT 1" {
		t.Errorf("ChosenSQL = %q", entry.ChosenSQL)
	}
	if string(entry.Payload) != string(payload) {
		t.Errorf("payload = %s", entry.Payload)
	}

	if _, ok := c.Get(ctx, "v2", fp); ok {
		t.Error("entry must not be visible under another schema version")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(), Config{
		TTL:          20 * time.Millisecond,
		MaxWait:      100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	fp := Fingerprint("q", "v1")

	c.Complete(ctx, "v1", fp, "SELECT 1", json.RawMessage(`{}`))
	if _, ok := c.Get(ctx, "v1", fp); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get(ctx, "v1", fp); ok {
		t.Error("expected miss after TTL")
	}
}

func TestCacheSingleFlightClaim(t *testing.T) {
	ctx := context.Background()
	c := testCache()
	fp := Fingerprint("q", "v1")

	if !c.BeginFlight(ctx, "v1", fp) {
		t.Fatal("first claim must succeed")
	}
	if c.BeginFlight(ctx, "v1", fp) {
		t.Fatal("second claim must fail while the first is in flight")
	}

	// A different fingerprint is an independent flight.
	if !c.BeginFlight(ctx, "v1", Fingerprint("other", "v1")) {
		t.Error("unrelated fingerprint must claim independently")
	}
}

func TestCacheWaitForEntry(t *testing.T) {
	ctx := context.Background()
	c := testCache()
	fp := Fingerprint("q", "v1")

	if !c.BeginFlight(ctx, "v1", fp) {
		t.Fatal("claim failed")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Complete(ctx, "v1", fp, "SELECT 1", json.RawMessage(`{}`))
	}()

	entry, ok := c.WaitForEntry(ctx, "v1", fp)
	if !ok {
		t.Fatal("waiter must observe the completed entry")
	}
	if entry.ChosenSQL != "SELECT 1" {
		t.Errorf("ChosenSQL = %q", entry.ChosenSQL)
	}
}

func TestCacheWaitGivesUpAfterMaxWait(t *testing.T) {
	ctx := context.Background()
	c := testCache()
	fp := Fingerprint("q", "v1")

	c.BeginFlight(ctx, "v1", fp)

	start := time.Now()
	if _, ok := c.WaitForEntry(ctx, "v1", fp); ok {
		t.Fatal("expected wait to give up")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait took %v, bound is ~300ms", elapsed)
	}
}

func TestCacheWaitHonorsContext(t *testing.T) {
	c := testCache()
	fp := Fingerprint("q", "v1")
	c.BeginFlight(context.Background(), "v1", fp)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if _, ok := c.WaitForEntry(ctx, "v1", fp); ok {
		t.Fatal("expected no entry")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("cancelled wait took %v", elapsed)
	}
}

func TestCacheAbandonReleasesFlight(t *testing.T) {
	ctx := context.Background()
	c := testCache()
	fp := Fingerprint("q", "v1")

	if !c.BeginFlight(ctx, "v1", fp) {
		t.Fatal("claim failed")
	}
	c.Abandon(ctx, "v1", fp)

	if !c.BeginFlight(ctx, "v1", fp) {
		t.Error("abandoned flight must be claimable again")
	}
}

func TestCacheCompleteReleasesFlight(t *testing.T) {
	ctx := context.Background()
	c := testCache()
	fp := Fingerprint("q", "v1")

	c.BeginFlight(ctx, "v1", fp)
	c.Complete(ctx, "v1", fp, "SELECT 1", json.RawMessage(`{}`))

	if !c.BeginFlight(ctx, "v1", fp) {
		t.Error("completed flight must be claimable again")
	}
}

func TestCacheInvalidateVersion(t *testing.T) {
	ctx := context.Background()
	c := testCache()

	c.Complete(ctx, "v1", Fingerprint("a", "v1"), "SELECT 1", json.RawMessage(`{}`))
	c.Complete(ctx, "v1", Fingerprint("b", "v1"), "SELECT 2", json.RawMessage(`{}`))
	c.Complete(ctx, "v2", Fingerprint("a", "v2"), "SELECT 3", json.RawMessage(`{}`))

	deleted, err := c.InvalidateVersion(ctx, "v1")
	if err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	if _, ok := c.Get(ctx, "v1", Fingerprint("a", "v1")); ok {
		t.Error("v1 entry survived invalidation")
	}
	if _, ok := c.Get(ctx, "v2", Fingerprint("a", "v2")); !ok {
		t.Error("v2 entry must survive v1 invalidation")
	}
}

func TestCacheClaimExpires(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(), Config{
		TTL:          time.Minute,
		MaxWait:      20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	fp := Fingerprint("q", "v1")

	// Claim TTL is MaxWait*2; a crashed holder frees the key on expiry.
	if !c.BeginFlight(ctx, "v1", fp) {
		t.Fatal("claim failed")
	}
	time.Sleep(60 * time.Millisecond)
	if !c.BeginFlight(ctx, "v1", fp) {
		t.Error("expired claim must be claimable again")
	}
}
