// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a least recently used cache of complete sequences keyed by
// source identity. A nil *Cache is valid and caches nothing.
type Cache struct {
	seqs *lru.Cache[string, *Sequence]
}

// NewCache returns a Cache holding up to size sequences. If size is not
// positive, NewCache returns a nil *Cache. Sequences leaving the cache are
// passed to release if it is not nil.
func NewCache(size int, release func(*Sequence)) (*Cache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.NewWithEvict(size, func(_ string, s *Sequence) {
		if release != nil {
			release(s)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Cache{seqs: c}, nil
}

// Get returns the sequence cached for key.
func (c *Cache) Get(key string) (*Sequence, bool) {
	if c == nil {
		return nil, false
	}
	return c.seqs.Get(key)
}

// Add caches s for key and reports whether the cache took ownership of
// s. Only complete, untruncated sequences are cached. If key already
// holds s, Add returns true without changes.
func (c *Cache) Add(key string, s *Sequence) bool {
	if c == nil || s == nil || !s.Complete || s.Truncated {
		return false
	}
	if old, ok := c.seqs.Peek(key); ok {
		if old == s {
			return true
		}
		// Replacing a value does not invoke the
		// eviction callback, so remove it first.
		c.seqs.Remove(key)
	}
	c.seqs.Add(key, s)
	return true
}

// Contains returns whether s is the sequence cached for key.
func (c *Cache) Contains(key string, s *Sequence) bool {
	if c == nil {
		return false
	}
	old, ok := c.seqs.Peek(key)
	return ok && old == s
}

// Len returns the number of cached sequences.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.seqs.Len()
}

// Resize changes the cache size, evicting the least recently used
// sequences if necessary, and returns the number evicted. size must be
// positive.
func (c *Cache) Resize(size int) int {
	if c == nil {
		return 0
	}
	return c.seqs.Resize(size)
}

// Purge removes all cached sequences.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.seqs.Purge()
}
