// Package thread rebuilds linear reply chains from a window of comments.
//
// Comments are held in a Cache, a flat arena keyed by comment id where
// parent and child links are plain ids rather than pointers. Reconcile picks
// a single best reply for every parent in one forward pass; Chains then
// walks the chosen links from each root to produce alternating dialogue
// turns.
package thread

import "github.com/kalambet/threadcorpus/internal/archive"

// Line is a qualifying comment inside the cache. An empty ParentID or
// ChildID means the link is unset.
type Line struct {
	ID       string
	Body     string
	Score    int64
	Author   string
	ParentID string
	ChildID  string
}

// NewLine converts a qualified record into a cache line.
func NewLine(rec archive.Record) Line {
	l := Line{
		ID:     rec.ID,
		Body:   rec.Body,
		Score:  rec.Ups - rec.Downs,
		Author: rec.Author,
	}
	if rec.ParentID != nil {
		l.ParentID = *rec.ParentID
	}
	return l
}

// IsRoot reports whether the line has no parent link.
func (l *Line) IsRoot() bool { return l.ParentID == "" }

// Cache is an insertion-ordered, id-keyed arena of lines.
type Cache struct {
	capacity int
	lines    []Line
	index    map[string]int
}

// NewCache creates an empty cache that reports OverCapacity once it holds
// more than capacity lines.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		index:    make(map[string]int),
	}
}

// Put inserts l. Re-inserting an id replaces the stored line but keeps its
// original arrival position.
func (c *Cache) Put(l Line) {
	if i, ok := c.index[l.ID]; ok {
		c.lines[i] = l
		return
	}
	c.index[l.ID] = len(c.lines)
	c.lines = append(c.lines, l)
}

// Get returns the line stored under id. The pointer is valid until the next
// Put or Reset.
func (c *Cache) Get(id string) (*Line, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return &c.lines[i], true
}

// Len returns the number of cached lines.
func (c *Cache) Len() int { return len(c.lines) }

// Capacity returns the configured capacity.
func (c *Cache) Capacity() int { return c.capacity }

// OverCapacity reports whether the cache holds more lines than its capacity.
func (c *Cache) OverCapacity() bool { return len(c.lines) > c.capacity }

// At returns the i-th line in arrival order.
func (c *Cache) At(i int) *Line { return &c.lines[i] }

// Reset drops every line. The backing storage is kept for the next cycle.
func (c *Cache) Reset() {
	clear(c.lines)
	c.lines = c.lines[:0]
	clear(c.index)
}
