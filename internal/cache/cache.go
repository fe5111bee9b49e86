package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cliniquery/backend/pkg/logger"
)

// Entry is one cached pipeline result, keyed by fingerprint. Payload is
// the serialized outcome; the cache does not interpret it.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	ChosenSQL   string          `json:"chosen_sql"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store is the persistence backend. Claim must be atomic check-and-set
// so that at most one caller holds the flight for a key at a time.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	InvalidateVersion(ctx context.Context, version string) (int, error)
}

// Fingerprint derives the cache key from normalized text and the pinned
// schema version. Any schema change therefore lands on fresh keys.
func Fingerprint(normalizedText, schemaVersion string) string {
	h := sha256.Sum256([]byte(normalizedText + "\n" + schemaVersion))
	return fmt.Sprintf("%x", h[:])
}

type Config struct {
	TTL          time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
}

// Cache provides single-flight semantics on top of a Store. Store
// failures are logged and reported as misses so the pipeline degrades
// to bypass-cache mode instead of failing requests.
type Cache struct {
	store Store
	cfg   Config
}

func New(store Store, cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 3 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Cache{store: store, cfg: cfg}
}

// Get returns the cached entry for a fingerprint, treating store errors
// and expired entries as misses.
func (c *Cache) Get(ctx context.Context, version, fingerprint string) (*Entry, bool) {
	entry, ok, err := c.store.Get(ctx, entryKey(version, fingerprint))
	if err != nil {
		logger.Warn("Cache lookup failed, bypassing cache", zap.Error(err))
		return nil, false
	}
	if !ok || time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// BeginFlight attempts to claim generation for a fingerprint. The claim
// carries its own TTL so a crashed holder cannot block others forever.
func (c *Cache) BeginFlight(ctx context.Context, version, fingerprint string) bool {
	claimed, err := c.store.Claim(ctx, flightKey(version, fingerprint), c.cfg.MaxWait*2)
	if err != nil {
		logger.Warn("Cache claim failed, generating independently", zap.Error(err))
		return false
	}
	return claimed
}

// WaitForEntry polls for the entry another caller is generating. It
// gives up after MaxWait or when ctx is cancelled, at which point the
// caller falls back to independent generation.
func (c *Cache) WaitForEntry(ctx context.Context, version, fingerprint string) (*Entry, bool) {
	deadline := time.Now().Add(c.cfg.MaxWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(c.cfg.PollInterval):
		}
		if entry, ok := c.Get(ctx, version, fingerprint); ok {
			return entry, true
		}
	}
	logger.Debug("Gave up waiting on in-flight generation",
		zap.String("fingerprint", fingerprint),
	)
	return nil, false
}

// Complete writes the finished entry and releases the flight. It runs
// on a detached context: a cancelled request must still release its
// claim or waiting callers would block until the claim TTL.
func (c *Cache) Complete(_ context.Context, version, fingerprint string, chosenSQL string, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now()
	entry := &Entry{
		Fingerprint: fingerprint,
		ChosenSQL:   chosenSQL,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.TTL),
	}
	if err := c.store.Set(ctx, entryKey(version, fingerprint), entry, c.cfg.TTL); err != nil {
		logger.Warn("Cache write failed", zap.Error(err))
	}
	if err := c.store.Release(ctx, flightKey(version, fingerprint)); err != nil {
		logger.Warn("Cache flight release failed", zap.Error(err))
	}
}

// Abandon releases a claimed flight without writing an entry, so waiting
// callers see a miss and generate independently. Called on every failure
// and cancellation path by the claiming request; detached context for
// the same reason as Complete.
func (c *Cache) Abandon(_ context.Context, version, fingerprint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.store.Release(ctx, flightKey(version, fingerprint)); err != nil {
		logger.Warn("Cache flight release failed", zap.Error(err))
	}
}

// InvalidateVersion drops every entry cached under a schema version.
// Fingerprints already scope entries by version, so this exists for
// operators who want stale entries gone immediately rather than at TTL.
func (c *Cache) InvalidateVersion(ctx context.Context, version string) (int, error) {
	return c.store.InvalidateVersion(ctx, version)
}

func entryKey(version, fingerprint string) string {
	return fmt.Sprintf("query:%s:%s", version, fingerprint)
}

func flightKey(version, fingerprint string) string {
	return fmt.Sprintf("inflight:%s:%s", version, fingerprint)
}
