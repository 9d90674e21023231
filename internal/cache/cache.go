// Package cache implements the single-flight, LRU+TTL cache of synthesized
// TTS audio keyed by fingerprint: at most one concurrent synthesis per
// (model, voice, text), instant hits for repeated text, and bounded memory.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/nova-labs/ttsrelay/internal/apperr"
	"github.com/nova-labs/ttsrelay/internal/fingerprint"
)

type status int

const (
	statusPending status = iota
	statusCompleted
	statusFailed
)

// entry is the cache's unit of state. All fields are guarded by Cache.mu.
type entry struct {
	status    status
	audio     []byte
	err       error
	createdAt time.Time
	done      chan struct{} // closed exactly once, when status leaves Pending
}

// Synthesizer is the dependency the cache drives on a cache miss. It is
// satisfied by *dispatcher.Dispatcher without importing it directly, so the
// cache stays agnostic of the HTTP/backend machinery.
type Synthesizer interface {
	Synthesize(ctx context.Context, model, voice, text string, deadline time.Time) ([]byte, error)
}

// Stats is the snapshot returned by Cache.Stats.
type Stats struct {
	Size         int
	Hits         int64
	Misses       int64
	Pending      int
	EvictionsLRU int64
	EvictionsTTL int64
}

// Cache is safe for concurrent use. Its mutex is never held across I/O,
// sleeps, or waits on an entry's completion channel.
type Cache struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]*entry
	lru     *lru.LRU[fingerprint.Fingerprint, struct{}]

	maxSize int
	ttl     time.Duration

	hits         int64
	misses       int64
	evictionsLRU int64
	evictionsTTL int64

	synth  Synthesizer
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Cache and starts its background TTL sweeper.
func New(parent context.Context, maxSize int, ttl time.Duration, synth Synthesizer, log *slog.Logger) *Cache {
	ctx, cancel := context.WithCancel(parent)
	c := &Cache{
		entries: make(map[fingerprint.Fingerprint]*entry),
		maxSize: maxSize,
		ttl:     ttl,
		synth:   synth,
		log:     log.With(slog.String("component", "tts-cache")),
		ctx:     ctx,
		cancel:  cancel,
	}

	// LRU tracks Completed entries only. Every key leaving the LRU (its own
	// capacity eviction, Remove, or Purge) runs this callback under c.mu, so
	// a Completed entry whose key is dropped also leaves the map.
	l, err := lru.NewLRU[fingerprint.Fingerprint, struct{}](maxSizeOrOne(maxSize), func(fp fingerprint.Fingerprint, _ struct{}) {
		if e, exists := c.entries[fp]; exists && e.status == statusCompleted {
			delete(c.entries, fp)
			c.evictionsLRU++
		}
	})
	if err != nil {
		// simplelru.NewLRU only errors on size <= 0, which maxSizeOrOne prevents.
		panic(err)
	}
	c.lru = l

	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

func maxSizeOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Close stops the background sweeper. It does not drop cached entries.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// Submit is fire-and-forget and idempotent: a fingerprint that is already
// Pending or Completed is a no-op; Absent or Failed launches a new
// synthesis.
func (c *Cache) Submit(model, voice, text string) {
	fp := fingerprint.Compute(model, voice, text)
	c.mu.Lock()
	e, exists := c.entries[fp]
	if exists && (e.status == statusPending || e.status == statusCompleted) {
		c.mu.Unlock()
		return
	}
	e = c.startLocked(fp)
	c.mu.Unlock()

	c.launch(fp, e, model, voice, text)
}

// Get returns the audio for (model, voice, text), blocking on a Pending
// entry up to deadline. An absent fingerprint behaves like Submit followed
// by a wait on the new entry.
func (c *Cache) Get(ctx context.Context, model, voice, text string, deadline time.Time) ([]byte, error) {
	fp := fingerprint.Compute(model, voice, text)

	c.mu.Lock()
	e, exists := c.entries[fp]
	if exists && e.status == statusCompleted {
		c.hits++
		c.lru.Add(fp, struct{}{})
		audio := e.audio
		c.mu.Unlock()
		return audio, nil
	}
	if !exists {
		c.misses++
		e = c.startLocked(fp)
		c.mu.Unlock()
		c.launch(fp, e, model, voice, text)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.Timeout, "cache: wait for synthesis exceeded deadline", ctx.Err())
	case <-time.After(time.Until(deadline)):
		return nil, apperr.New(apperr.Timeout, "cache: wait for synthesis exceeded deadline")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.status {
	case statusCompleted:
		c.lru.Add(fp, struct{}{})
		return e.audio, nil
	default:
		if e.err != nil {
			return nil, e.err
		}
		return nil, apperr.New(apperr.Upstream, "cache: synthesis failed")
	}
}

// startLocked creates a Pending entry under the caller's held lock. Must
// only be called while c.mu is held.
func (c *Cache) startLocked(fp fingerprint.Fingerprint) *entry {
	e := &entry{
		status:    statusPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.entries[fp] = e
	return e
}

// launch runs synthesis in the background and resolves e on completion.
func (c *Cache) launch(fp fingerprint.Fingerprint, e *entry, model, voice, text string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		deadline := time.Now().Add(5 * time.Minute)
		audio, err := c.synth.Synthesize(c.ctx, model, voice, text, deadline)

		c.mu.Lock()
		defer c.mu.Unlock()

		// The entry may have been dropped by Clear while synthesis was in
		// flight; discard the result rather than resurrecting a map entry.
		if c.entries[fp] != e {
			return
		}

		if err != nil {
			e.status = statusFailed
			e.err = err
			delete(c.entries, fp)
			close(e.done)
			return
		}

		e.status = statusCompleted
		e.audio = audio
		close(e.done)
		c.lru.Add(fp, struct{}{})
		c.evictLocked()
	}()
}

// evictLocked drops Completed entries from the LRU head until the map is
// within max_size. Pending entries are never tracked in the LRU and so are
// never evicted here.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxSize {
		oldestFP, _, ok := c.lru.GetOldest()
		if !ok {
			return
		}
		c.lru.Remove(oldestFP)
		if e, exists := c.entries[oldestFP]; exists && e.status == statusCompleted {
			delete(c.entries, oldestFP)
			c.evictionsLRU++
		}
	}
}

// sweepLoop removes Completed entries whose TTL has elapsed. Runs every
// ttl/10, floored at 30s so a tiny TTL can't busy-loop the sweeper.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	interval := c.ttl / 10
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for fp, e := range c.entries {
		if e.status != statusCompleted {
			continue
		}
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, fp)
			c.lru.Remove(fp)
			c.evictionsTTL++
		}
	}
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for _, e := range c.entries {
		if e.status == statusPending {
			pending++
		}
	}
	return Stats{
		Size:         len(c.entries),
		Hits:         c.hits,
		Misses:       c.misses,
		Pending:      pending,
		EvictionsLRU: c.evictionsLRU,
		EvictionsTTL: c.evictionsTTL,
	}
}

// Clear drops every entry. Pending synthesizers already running are allowed
// to finish in the background; launch's identity check discards their
// result since the map entry they'd write into is gone.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[fingerprint.Fingerprint]*entry)
	c.lru.Purge()
}
