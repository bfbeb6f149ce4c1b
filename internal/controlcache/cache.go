// Package controlcache keeps the latest known state of recently-seen bot
// messages: text plus the inline controls of the most recent edit. The
// target bot rewrites its menus in place several times per second, so the
// cache only ever holds whole snapshots: an entry is replaced wholesale on
// update, never patched.
package controlcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/SnapLoad/SnapLoad/internal/match"
)

// Message is one cached snapshot. Controls reflect the most recent update
// only, never a merge of old and new.
type Message struct {
	ID          int64
	ChatID      int64
	Text        string
	Controls    []match.Control
	LastUpdate  time.Time
	UpdateCount int
}

// Stats is a point-in-time view of cache bookkeeping.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Updates   int64   `json:"updates"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is a bounded store of message snapshots with least-recently-used
// eviction. Both Update and Get refresh an entry's recency. Safe for
// concurrent use: the dispatch loop writes while step goroutines and the
// timeout sweep read.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[int64]*list.Element
	order    *list.List // front = most recently used

	hits      int64
	misses    int64
	updates   int64
	evictions int64
}

// New creates a cache holding at most capacity entries. Capacity below 1 is
// clamped to 1.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[int64]*list.Element, capacity),
		order:    list.New(),
	}
}

// Update inserts or replaces the snapshot for id and marks it most recently
// used, evicting the least-recently-used entry when over capacity.
func (c *Cache) Update(id, chatID int64, text string, controls []match.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updates++
	now := time.Now()

	if el, ok := c.entries[id]; ok {
		msg := el.Value.(*Message)
		count := msg.UpdateCount + 1
		el.Value = &Message{
			ID:          id,
			ChatID:      chatID,
			Text:        text,
			Controls:    controls,
			LastUpdate:  now,
			UpdateCount: count,
		}
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&Message{
		ID:          id,
		ChatID:      chatID,
		Text:        text,
		Controls:    controls,
		LastUpdate:  now,
		UpdateCount: 1,
	})
	c.entries[id] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*Message).ID)
		c.evictions++
	}
}

// Get returns the snapshot for id. A hit refreshes the entry's recency.
// Missing ids are a normal miss, never an error.
func (c *Cache) Get(id int64) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		c.misses++
		return Message{}, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return *el.Value.(*Message), true
}

// Latest returns the most-recently-used snapshot, or ok=false when empty.
// Does not refresh recency and does not count as a hit.
func (c *Cache) Latest() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	front := c.order.Front()
	if front == nil {
		return Message{}, false
	}
	return *front.Value.(*Message), true
}

// Recent returns up to n snapshots in most-recently-used order. Used by the
// engine to scan recent history for a menu when the trigger and the menu
// arrive out of order.
func (c *Cache) Recent(n int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || c.order.Len() == 0 {
		return nil
	}
	out := make([]Message, 0, min(n, c.order.Len()))
	for el := c.order.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, *el.Value.(*Message))
	}
	return out
}

// Remove drops the entry for id if present.
func (c *Cache) Remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

// Clear drops all entries. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[int64]*list.Element, c.capacity)
	c.order.Init()
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns current bookkeeping counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Updates:   c.updates,
		Evictions: c.evictions,
		HitRate:   rate,
	}
}
