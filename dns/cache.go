// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dns

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type cacheEntry[V any] struct {
	value  V
	expire time.Time
}

// Cache is a bounded key-value store where entries expire after their TTL. When full, storing a new key
// evicts the least recently used entry, where both [Cache.Get] and [Cache.Set] count as a use.
//
// Cache is safe for concurrent use by multiple goroutines.
type Cache[V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, cacheEntry[V]]
	// now is replaced in tests.
	now func() time.Time
}

// NewCache creates a [Cache] holding at most capacity entries. The capacity must be positive.
func NewCache[V any](capacity int) (*Cache[V], error) {
	lru, err := simplelru.NewLRU[string, cacheEntry[V]](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: lru, now: time.Now}, nil
}

// Get returns the value stored under key. Expired entries are removed and reported as missing.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(entry.expire) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key for the given ttl, replacing any previous value.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, cacheEntry[V]{value: value, expire: c.now().Add(ttl)})
}

// Len returns the number of entries in the cache, including expired entries not yet removed.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
