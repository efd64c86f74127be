// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package geoip

import (
	"container/list"
	"sync"
)

// lruCache remembers country codes per IPv4 address (network-order uint32).
type lruCache struct {
	mu   sync.Mutex
	cap  int
	list *list.List
	m    map[uint32]*list.Element
}

type entry struct {
	addr uint32
	cc   string
}

func newLRUCache(cap int) *lruCache {
	return &lruCache{
		cap:  cap,
		list: list.New(),
		m:    make(map[uint32]*list.Element, cap),
	}
}

func (c *lruCache) get(addr uint32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[addr]; ok {
		c.list.MoveToFront(e)
		return e.Value.(*entry).cc, true
	}
	return "", false
}

func (c *lruCache) put(addr uint32, cc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[addr]; ok {
		e.Value.(*entry).cc = cc
		c.list.MoveToFront(e)
		return
	}
	if c.list.Len() >= c.cap {
		if old := c.list.Back(); old != nil {
			c.list.Remove(old)
			delete(c.m, old.Value.(*entry).addr)
		}
	}
	c.m[addr] = c.list.PushFront(&entry{addr: addr, cc: cc})
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
