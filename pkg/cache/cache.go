// Package cache stores compiled scripts keyed by (engine id, content hash,
// engine version) with an at-most-one-compile-in-flight guarantee per key.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// CompileFunc produces a compiled script for one key. The cache runs it at
// most once per key per flight; concurrent callers for the same key await the
// shared result.
type CompileFunc func(ctx context.Context) (*domain.CompiledScript, error)

// Config bounds the cache. Zero values select the defaults below.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
}

const (
	defaultMaxEntries = 512
	defaultMaxBytes   = 64 << 20
	defaultTTL        = 30 * time.Minute
)

type entry struct {
	script   *domain.CompiledScript
	storedAt time.Time
}

// Cache is a content-addressed store of compiled scripts. Stored entries are
// immutable, so returned scripts may be shared freely between callers.
// Eviction is TTL-based (checked lazily on access) plus LRU once the entry
// count or byte budget is exceeded; eviction never interrupts an in-flight
// compile.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	bytes   int64

	flights singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache with the given bounds.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	c := &Cache{cfg: cfg, logger: logger}
	entries, err := lru.NewWithEvict(cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, &domain.CacheError{Op: "init", Err: err}
	}
	c.entries = entries
	return c, nil
}

// GetOrCompile returns the cached script for key if present and fresh.
// Otherwise it runs compileFn under the at-most-one-compile guarantee and
// stores a successful result. Compile failures are returned to every waiter
// and never cached.
func (c *Cache) GetOrCompile(ctx context.Context, key domain.CacheKey, compileFn CompileFunc) (*domain.CompiledScript, error) {
	if c == nil {
		// Degraded mode: no cache, compile directly.
		return compileFn(ctx)
	}

	if script, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return script, nil
	}
	c.misses.Add(1)

	v, err, shared := c.flights.Do(key.String(), func() (any, error) {
		// A racing flight may have populated the entry between our lookup
		// and acquiring the flight.
		if script, ok := c.lookup(key); ok {
			return script, nil
		}
		script, err := compileFn(ctx)
		if err != nil {
			return nil, err
		}
		script.Key = key
		c.store(key, script)
		return script, nil
	})
	if err != nil {
		return nil, err
	}
	script, ok := v.(*domain.CompiledScript)
	if !ok {
		return nil, &domain.CacheError{Op: "flight", Err: fmt.Errorf("unexpected flight result %T", v)}
	}
	if shared {
		c.logger.Debug("compile deduplicated", "key", key.String())
	}
	return script, nil
}

// Get returns the cached script for key without compiling.
func (c *Cache) Get(key domain.CacheKey) (*domain.CompiledScript, bool) {
	if c == nil {
		return nil, false
	}
	script, ok := c.lookup(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return script, ok
}

// Invalidate drops the entry for key, if any.
func (c *Cache) Invalidate(key domain.CacheKey) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key.String())
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Stats reports cumulative hit/miss/eviction counts.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) lookup(key domain.CacheKey) (*domain.CompiledScript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key.String())
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.cfg.TTL {
		// Lazy TTL expiry.
		c.entries.Remove(key.String())
		return nil, false
	}
	return e.script, true
}

func (c *Cache) store(key domain.CacheKey, script *domain.CompiledScript) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(key.String(), &entry{script: script, storedAt: time.Now()})
	c.bytes += script.SizeBytes
	for c.bytes > c.cfg.MaxBytes && c.entries.Len() > 1 {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
}

// onEvict runs under c.mu for Remove/Add-triggered evictions.
func (c *Cache) onEvict(_ string, e *entry) {
	c.bytes -= e.script.SizeBytes
	c.evictions.Add(1)
}
