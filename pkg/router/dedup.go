package router

import (
	"sync"
	"time"

	"github.com/continuum-dev/jtag/pkg/message"
)

// DefaultDedupWindow is how long two messages with the same content hash are
// considered the same message.
const DefaultDedupWindow = 2 * time.Second

// gcInterval is how often expired dedup entries are swept.
const gcInterval = 1 * time.Second

// dedupEntry tracks one content hash inside the window. For requests, done
// closes once the first execution produced a response; joiners wait on it
// and read resp, receiving the exact same response envelope.
type dedupEntry struct {
	seen time.Time
	done chan struct{}
	resp *message.Envelope
}

// dedupCache is the router's at-most-once gate. Writer-exclusive; a
// background sweep removes entries older than the window every second.
type dedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*dedupEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &dedupCache{
		window:  window,
		entries: make(map[string]*dedupEntry),
		stopCh:  make(chan struct{}),
	}
}

// start launches the GC sweep goroutine.
func (c *dedupCache) start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep(time.Now())
			}
		}
	}()
}

func (c *dedupCache) stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *dedupCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, entry := range c.entries {
		if now.Sub(entry.seen) > c.window {
			delete(c.entries, hash)
		}
	}
}

// admitRequest returns the entry for a request hash and whether the caller
// is the first arrival (and thus responsible for executing the handler and
// completing the entry). Later arrivals within the window join the first
// execution.
func (c *dedupCache) admitRequest(hash string) (entry *dedupEntry, first bool) {
	if hash == "" {
		// Unhashed messages never dedupe; give the caller a private entry.
		return &dedupEntry{seen: time.Now(), done: make(chan struct{})}, true
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[hash]; ok && now.Sub(existing.seen) <= c.window {
		return existing, false
	}
	entry = &dedupEntry{seen: now, done: make(chan struct{})}
	c.entries[hash] = entry
	return entry, true
}

// admitEvent reports whether an event hash is new within the window.
// Duplicates are dropped outright.
func (c *dedupCache) admitEvent(hash string) bool {
	if hash == "" {
		return true
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[hash]; ok && now.Sub(existing.seen) <= c.window {
		return false
	}
	c.entries[hash] = &dedupEntry{seen: now}
	return true
}

// complete records the response for a request entry and releases joiners.
func (e *dedupEntry) complete(resp *message.Envelope) {
	e.resp = resp
	close(e.done)
}
