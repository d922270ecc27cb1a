package crash

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"packsmith/internal/metrics"
	"packsmith/internal/types"
)

// Dedupe cache bounds. Entries expire after defaultDedupeTTL unless the
// constructor is given another lifetime; the LRU keeps at most dedupeCapacity
// sessions in memory.
const (
	defaultDedupeTTL = time.Hour
	dedupeCapacity   = 256
)

// DedupeCache short-circuits repeat submissions of the same crash log by the
// same user. Only successful analyses are cached; a failed run must be
// retryable immediately.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[string]*list.Element
	order   *list.List // front = most recent
	now     func() time.Time
}

type dedupeEntry struct {
	key     string
	session *types.CrashSession
	expires time.Time
}

// NewDedupeCache builds the cache. A non-positive ttl uses the default
// one-hour lifetime.
func NewDedupeCache(ttl time.Duration) *DedupeCache {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &DedupeCache{
		ttl:     ttl,
		cap:     dedupeCapacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Key derives the cache key for one submission. The log is normalized first,
// so resubmissions that differ only in casing or whitespace hit the cache.
func (c *DedupeCache) Key(userID, sanitizedLog string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(sanitizedLog)), " ")
	sum := md5.Sum([]byte(userID + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached session for key, or nil.
func (c *DedupeCache) Get(key string) *types.CrashSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		metrics.DedupCacheHits.WithLabelValues("miss").Inc()
		return nil
	}
	entry := el.Value.(*dedupeEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		metrics.DedupCacheHits.WithLabelValues("miss").Inc()
		return nil
	}
	c.order.MoveToFront(el)
	metrics.DedupCacheHits.WithLabelValues("hit").Inc()
	return entry.session
}

// Put caches a completed session under key.
func (c *DedupeCache) Put(key string, session *types.CrashSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*dedupeEntry).session = session
		el.Value.(*dedupeEntry).expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&dedupeEntry{key: key, session: session, expires: c.now().Add(c.ttl)})
	c.entries[key] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupeEntry).key)
	}
}
