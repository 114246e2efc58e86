package certcache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is the in-process bounded backend. A linked list keeps the freshest
// entries at the front; when the map outgrows the bound the back of the list
// is evicted first.
type Memory struct {
	mu           sync.RWMutex
	entries      map[string]*list.Element
	order        *list.List
	maxEntries   int
	safetyMargin time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

type memoryEntry struct {
	host string
	leaf *Leaf
}

const DefaultMaxEntries = 1000

func NewMemory(maxEntries int, safetyMargin time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if safetyMargin <= 0 {
		safetyMargin = DefaultSafetyMargin
	}
	return &Memory{
		entries:      make(map[string]*list.Element),
		order:        list.New(),
		maxEntries:   maxEntries,
		safetyMargin: safetyMargin,
	}
}

func (m *Memory) Get(host string) *Leaf {
	host = NormalizeHost(host)

	m.mu.RLock()
	element, ok := m.entries[host]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil
	}

	leaf := element.Value.(*memoryEntry).leaf
	if !leaf.ValidAt(time.Now(), m.safetyMargin) {
		// Near-expiry entries count as absent; the caller re-mints and the
		// Put replaces this element.
		m.misses.Add(1)
		return nil
	}

	m.mu.Lock()
	m.order.MoveToFront(element)
	m.mu.Unlock()

	m.hits.Add(1)
	return leaf
}

func (m *Memory) Put(host string, leaf *Leaf) {
	host = NormalizeHost(host)

	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.entries[host]; ok {
		element.Value.(*memoryEntry).leaf = leaf
		m.order.MoveToFront(element)
		return
	}

	m.entries[host] = m.order.PushFront(&memoryEntry{host: host, leaf: leaf})

	for len(m.entries) > m.maxEntries {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).host)
	}
}

func (m *Memory) Invalidate(host string) {
	host = NormalizeHost(host)

	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.entries[host]; ok {
		m.order.Remove(element)
		delete(m.entries, host)
	}
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*list.Element)
	m.order.Init()
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	size := len(m.entries)
	m.mu.RUnlock()

	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Size:    size,
		Backend: "memory",
	}
}
