// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clientcache memoizes backend proxy clients across operations.
//
// Entries are keyed by a stable digest of (connection type, credentials)
// and evicted whenever an operation against that key fails, because some
// backends leave their connection unusable after a failed call. The cache
// is the only state shared across operations and is safe for concurrent
// use; the cached clients themselves are not, so one client serves one
// in-flight operation at a time.
package clientcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/outpost/internal/log"
	"github.com/tombee/outpost/internal/metrics"
	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

// defaultTTL bounds how long an idle client is trusted to still hold a
// live connection.
const defaultTTL = 24 * time.Hour

// Factory builds a client for a connection type; the default is the
// proxy registry.
type Factory func(ctx context.Context, connectionType string, credentials map[string]any) (proxy.Client, error)

// entry is one cached client with its creation time.
type entry struct {
	createdAt time.Time
	client    proxy.Client
}

// Cache is the process-wide proxy client cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	factory Factory
	enabled bool
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the entry lifetime. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithFactory overrides client construction, used by tests.
func WithFactory(f Factory) Option {
	return func(c *Cache) { c.factory = f }
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics counts cache hits, misses, and evictions on the given
// instrument set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Disabled turns caching off entirely; every lookup constructs a fresh
// client and Dispose becomes a no-op.
func Disabled() Option {
	return func(c *Cache) { c.enabled = false }
}

// New creates a client cache backed by the proxy factory registry.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		factory: proxy.New,
		enabled: true,
		ttl:     defaultTTL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCreate returns a live cached client for the key, or constructs one
// via the registered factory. skipCache bypasses both lookup and storage
// for this call.
func (c *Cache) GetOrCreate(ctx context.Context, connectionType string, credentials map[string]any, skipCache bool) (proxy.Client, error) {
	if !c.enabled || skipCache {
		return c.factory(ctx, connectionType, credentials)
	}

	key, err := Key(connectionType, credentials)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.expired(e) {
		c.mu.Unlock()
		c.event(metrics.CacheHit)
		c.logger.DebugContext(ctx, "proxy client cache hit",
			slog.String(log.ConnectionTypeKey, connectionType))
		return e.client, nil
	}
	// A stale entry is replaced below; close its connection first.
	if e, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.closeEntry(ctx, e)
	}
	c.mu.Unlock()

	c.event(metrics.CacheMiss)
	client, err := c.factory(ctx, connectionType, credentials)
	if err != nil {
		return nil, err
	}

	// The factory ran outside the lock, so another operation that missed
	// on the same key may have stored its client first. That entry wins;
	// the duplicate connection is released rather than leaked by an
	// overwrite.
	c.mu.Lock()
	var displaced *entry
	if e, ok := c.entries[key]; ok {
		if !c.expired(e) {
			c.mu.Unlock()
			if cerr := client.Close(); cerr != nil {
				c.logger.WarnContext(ctx, "closing duplicate proxy client", log.Error(cerr))
			}
			c.logger.DebugContext(ctx, "proxy client construction race lost",
				slog.String(log.ConnectionTypeKey, connectionType))
			return e.client, nil
		}
		delete(c.entries, key)
		displaced = e
	}
	c.entries[key] = &entry{createdAt: c.now(), client: client}
	c.mu.Unlock()

	if displaced != nil {
		c.closeEntry(ctx, displaced)
	}
	c.logger.DebugContext(ctx, "proxy client created",
		slog.String(log.ConnectionTypeKey, connectionType))
	return client, nil
}

// Dispose evicts the entry for the key and closes its client. Called
// after an operation against the key ends in error, unless caching was
// skipped for that operation.
func (c *Cache) Dispose(ctx context.Context, connectionType string, credentials map[string]any, skipCache bool) {
	if !c.enabled || skipCache {
		return
	}

	key, err := Key(connectionType, credentials)
	if err != nil {
		return
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.closeEntry(ctx, e)
		c.event(metrics.CacheEviction)
		c.logger.DebugContext(ctx, "proxy client evicted after failure",
			slog.String(log.ConnectionTypeKey, connectionType))
	}
}

// Close evicts everything, closing each client. Used at shutdown.
func (c *Cache) Close(ctx context.Context) {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		c.closeEntry(ctx, e)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e *entry) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(e.createdAt) > c.ttl
}

func (c *Cache) event(name string) {
	if c.metrics != nil {
		c.metrics.CacheEvents.WithLabelValues(name).Inc()
	}
}

func (c *Cache) closeEntry(ctx context.Context, e *entry) {
	if err := e.client.Close(); err != nil {
		c.logger.WarnContext(ctx, "closing evicted proxy client", log.Error(err))
	}
}

// Key computes the stable cache key: hex sha256 over the connection type
// and the canonical JSON form of the credentials.
func Key(connectionType string, credentials map[string]any) (string, error) {
	// json.Marshal sorts map keys, giving a canonical byte form.
	payload, err := json.Marshal(credentials)
	if err != nil {
		return "", errors.Wrap(err, "hashing credentials")
	}

	h := sha256.New()
	h.Write([]byte(connectionType))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
