package catalog

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cliniquery/backend/internal/metrics"
	"github.com/cliniquery/backend/pkg/logger"
)

type Column struct {
	Name     string
	DataType string
	Nullable bool
}

type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
}

func (t Table) Column(name string) (Column, bool) {
	lower := strings.ToLower(name)
	for _, c := range t.Columns {
		if strings.ToLower(c.Name) == lower {
			return c, true
		}
	}
	return Column{}, false
}

// Snapshot is an immutable view of the clinical schema. Version is a
// content hash, so a refresh that finds nothing changed keeps the same
// version and cached fingerprints stay valid.
type Snapshot struct {
	Version  string
	LoadedAt time.Time

	tables map[string]Table
	names  []string
}

func NewSnapshot(tables []Table) *Snapshot {
	byName := make(map[string]Table, len(tables))
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		key := strings.ToLower(t.Name)
		byName[key] = t
		names = append(names, key)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		t := byName[name]
		fmt.Fprintf(h, "%s\n", name)
		for _, c := range t.Columns {
			fmt.Fprintf(h, "  %s %s %v\n", strings.ToLower(c.Name), c.DataType, c.Nullable)
		}
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(h, "  fk %s -> %s.%s\n", fk.Column, fk.RefTable, fk.RefColumn)
		}
	}

	return &Snapshot{
		Version:  fmt.Sprintf("%x", h.Sum(nil))[:12],
		LoadedAt: time.Now(),
		tables:   byName,
		names:    names,
	}
}

func (s *Snapshot) Table(name string) (Table, bool) {
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

func (s *Snapshot) HasColumn(table, column string) bool {
	t, ok := s.Table(table)
	if !ok {
		return false
	}
	_, ok = t.Column(column)
	return ok
}

func (s *Snapshot) TableNames() []string {
	return s.names
}

// Loader produces a fresh snapshot from the authoritative source.
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

type LoaderFunc func(ctx context.Context) (*Snapshot, error)

func (f LoaderFunc) Load(ctx context.Context) (*Snapshot, error) {
	return f(ctx)
}

// Catalog holds the current snapshot behind an atomic pointer. Readers
// pin one snapshot per request; the refresher swaps the whole snapshot
// or nothing.
type Catalog struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
}

func New(loader Loader) *Catalog {
	return &Catalog{loader: loader}
}

// Current returns the pinned snapshot. Nil only before the first
// successful Refresh.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

func (c *Catalog) Refresh(ctx context.Context) error {
	snap, err := c.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schema snapshot: %w", err)
	}

	prev := c.current.Load()
	if prev != nil && prev.Version == snap.Version {
		logger.Debug("Schema snapshot unchanged", zap.String("version", snap.Version))
		return nil
	}

	c.current.Store(snap)
	metrics.SchemaRefreshes.Inc()
	logger.Info("Schema snapshot refreshed",
		zap.String("version", snap.Version),
		zap.Int("tables", len(snap.names)),
	)
	return nil
}

// Run refreshes on the given interval until ctx is cancelled. Refresh
// failures are logged and retried on the next tick; the last good
// snapshot stays in place.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				logger.Warn("Schema refresh failed", zap.Error(err))
			}
		}
	}
}
