package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Synthesis cache defaults.
const (
	// DefaultCacheTTL bounds the lifetime of non-permanent entries.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheMaxEntries bounds the local tier.
	DefaultCacheMaxEntries = 4096
)

// RemoteTier is a shared second-level store for synthesized audio, typically
// Redis. A ttl of zero stores without expiry.
type RemoteTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, pcm []byte, ttl time.Duration) error
}

type cacheEntry struct {
	pcm       []byte
	expires   time.Time
	permanent bool
}

// Cache maps speech text to telephony PCM. It is shared by every call in the
// process. Entries are immutable once stored; expired non-permanent entries
// are never returned.
//
// The local tier is bounded: stores sweep expired entries at most once per
// TTL, and a store into a full cache evicts the non-permanent entry closest
// to expiry. Permanent entries are never evicted.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	remote     RemoteTier
	namespace  string
	group      singleflight.Group

	mu        sync.RWMutex
	entries   map[string]cacheEntry
	nextSweep time.Time
}

// CacheOption configures a [Cache].
type CacheOption func(*Cache)

// WithTTL overrides [DefaultCacheTTL].
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = d }
}

// WithMaxEntries overrides [DefaultCacheMaxEntries]. Zero or less disables
// the bound.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) { c.maxEntries = n }
}

// WithRemoteTier adds a shared tier consulted on local misses.
func WithRemoteTier(r RemoteTier) CacheOption {
	return func(c *Cache) { c.remote = r }
}

// WithNamespace prefixes remote keys, typically with the TTS provider and
// voice, so replicas with different voices never share audio.
func WithNamespace(ns string) CacheOption {
	return func(c *Cache) { c.namespace = ns }
}

// NewCache returns an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:        DefaultCacheTTL,
		maxEntries: DefaultCacheMaxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the PCM cached for text from the local tier.
func (c *Cache) Get(text string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[text]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.permanent && !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.entries[text]; ok && !cur.permanent && !c.now().Before(cur.expires) {
			delete(c.entries, text)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.pcm, true
}

// Put stores pcm for text with the cache TTL. A permanent entry for the same
// text is never downgraded.
func (c *Cache) Put(text string, pcm []byte) {
	c.store(text, pcm, false)
}

// PutPermanent stores pcm for text without expiry.
func (c *Cache) PutPermanent(text string, pcm []byte) {
	c.store(text, pcm, true)
}

func (c *Cache) store(text string, pcm []byte, permanent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, exists := c.entries[text]
	if exists && cur.permanent && !permanent {
		return
	}
	now := c.now()
	if !now.Before(c.nextSweep) {
		c.sweepLocked(now)
		c.nextSweep = now.Add(c.ttl)
	}
	if !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.entries) >= c.maxEntries && !c.evictLocked() && !permanent {
			return
		}
	}
	c.entries[text] = cacheEntry{pcm: pcm, expires: now.Add(c.ttl), permanent: permanent}
}

// evictLocked drops the non-permanent entry closest to expiry. It reports
// false when every entry is permanent.
func (c *Cache) evictLocked() bool {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for k, e := range c.entries {
		if e.permanent {
			continue
		}
		if !found || e.expires.Before(oldest) {
			victim, oldest, found = k, e.expires, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
	return found
}

// Len returns the number of local entries, expired ones included until they
// are swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *Cache) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if !e.permanent && !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// GetOrSynthesize returns the cached PCM for text or calls synth and caches
// its result. Concurrent misses for the same text share one synth call.
// hit reports whether the audio came from a cache tier.
//
// The shared call does not inherit ctx cancellation, so one caller giving up
// never fails the others; a cancelled caller returns ctx.Err() at once and the
// result is still cached. synth must bound its own duration.
func (c *Cache) GetOrSynthesize(ctx context.Context, text string, permanent bool, synth func(context.Context) ([]byte, error)) (pcm []byte, hit bool, err error) {
	if pcm, ok := c.Get(text); ok {
		return pcm, true, nil
	}

	type result struct {
		pcm []byte
		hit bool
	}
	ch := c.group.DoChan(text, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		if pcm, ok := c.Get(text); ok {
			return result{pcm, true}, nil
		}
		if pcm, ok := c.remoteGet(ctx, text); ok {
			c.store(text, pcm, permanent)
			return result{pcm, true}, nil
		}
		pcm, err := synth(ctx)
		if err != nil {
			return nil, err
		}
		c.store(text, pcm, permanent)
		c.remoteSet(ctx, text, pcm, permanent)
		return result{pcm: pcm}, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(result)
		return r.pcm, r.hit, nil
	}
}

// Preload synthesizes each text and stores it permanently. Failures are
// logged and skipped.
func (c *Cache) Preload(ctx context.Context, texts []string, synth func(context.Context, string) ([]byte, error)) {
	for _, text := range texts {
		if text == "" {
			continue
		}
		pcm, _, err := c.GetOrSynthesize(ctx, text, true, func(ctx context.Context) ([]byte, error) {
			return synth(ctx, text)
		})
		if err != nil {
			slog.Warn("synthesis cache: preload failed", "text", text, "error", err)
			continue
		}
		c.PutPermanent(text, pcm)
	}
}

func (c *Cache) remoteGet(ctx context.Context, text string) ([]byte, bool) {
	if c.remote == nil {
		return nil, false
	}
	pcm, ok, err := c.remote.Get(ctx, c.key(text))
	if err != nil {
		slog.Warn("synthesis cache: remote get failed", "error", err)
		return nil, false
	}
	return pcm, ok
}

func (c *Cache) remoteSet(ctx context.Context, text string, pcm []byte, permanent bool) {
	if c.remote == nil {
		return
	}
	ttl := c.ttl
	if permanent {
		ttl = 0
	}
	if err := c.remote.Set(ctx, c.key(text), pcm, ttl); err != nil {
		slog.Warn("synthesis cache: remote set failed", "error", err)
	}
}

// key hashes text so remote keys stay short and free of spaces.
func (c *Cache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	prefix := "callbot:tts:"
	if c.namespace != "" {
		prefix += c.namespace + ":"
	}
	return prefix + hex.EncodeToString(sum[:])
}
