package runner

import (
	"container/list"
	"sync"
	"time"
)

// retrievalCache is a TTL'd LRU over retrieval results, keyed by
// (chatID, topicID, prompt head). An empty string value is a valid
// cached result: it suppresses re-querying for prompts that retrieved
// nothing.
type retrievalCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	cap   int
	order *list.List // front = most recent
	items map[string]*list.Element
	now   func() time.Time
}

type cacheEntry struct {
	key     string
	value   string
	savedAt time.Time
}

func newRetrievalCache(ttl time.Duration, capacity int) *retrievalCache {
	return &retrievalCache{
		ttl:   ttl,
		cap:   capacity,
		order: list.New(),
		items: map[string]*list.Element{},
		now:   time.Now,
	}
}

// get returns the cached value and whether it was present and fresh.
func (c *retrievalCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.savedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *retrievalCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.savedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, value: value, savedAt: c.now()})
	c.items[key] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
