// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"errors"
	"strings"
)

// DefaultCacheSize is the number of cache slots when none is configured.
const DefaultCacheSize = 5

// ErrCacheFull is returned by Cache.Add when every slot is occupied.
// The address stays usable by its holder; it is just not found by later lookups.
var ErrCacheFull = errors.New("address cache full")

type entry struct {
	uri  string
	addr *Address
}

// Entry is a snapshot of one occupied cache slot.
type Entry struct {
	Slot     int
	URI      string
	Address  AddressType
	UseCount int
	Passive  bool
}

// Cache is a fixed-capacity arena of address slots, looked up either by
// the URI an address was resolved from or by address equality.
// Cache is not safe for concurrent use; Registry serializes access.
type Cache struct {
	slots       []entry
	used        int
	prefixMatch bool
}

// NewCache creates a cache with size slots. With prefixMatch set, ByURI
// uses the legacy comparison where a query matches any stored URI that
// starts with it.
func NewCache(size int, prefixMatch bool) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		slots:       make([]entry, size),
		prefixMatch: prefixMatch,
	}
}

// Add stores a in the first empty slot together with an optional URI
// and returns the slot index. An address that is already cached keeps
// its slot.
func (c *Cache) Add(a *Address, uri string) (int, error) {
	if slot := c.Slot(a); slot >= 0 {
		return slot, nil
	}
	for i := range c.slots {
		if c.slots[i].addr == nil {
			c.slots[i] = entry{uri: uri, addr: a}
			c.used++
			return i, nil
		}
	}
	return -1, ErrCacheFull
}

// ByURI returns the address of the first entry whose URI matches uri.
func (c *Cache) ByURI(uri string) *Address {
	if uri == "" {
		return nil
	}
	for i := range c.slots {
		e := &c.slots[i]
		if e.addr == nil || e.uri == "" {
			continue
		}
		if c.matchURI(e.uri, uri) {
			return e.addr
		}
	}
	return nil
}

func (c *Cache) matchURI(stored, query string) bool {
	if c.prefixMatch {
		return strings.HasPrefix(stored, query)
	}
	return stored == query
}

// ByAddress returns the cached address equal to candidate. If the matching
// entry has no URI yet and uri is not empty, uri is attached to it.
func (c *Cache) ByAddress(candidate *Address, uri string) *Address {
	for i := range c.slots {
		e := &c.slots[i]
		if e.addr == nil || Compare(e.addr, candidate) != 0 {
			continue
		}
		if e.uri == "" && uri != "" {
			e.uri = uri
		}
		return e.addr
	}
	return nil
}

// URI returns the URI stored alongside a, if any.
func (c *Cache) URI(a *Address) string {
	if slot := c.Slot(a); slot >= 0 {
		return c.slots[slot].uri
	}
	return ""
}

// Slot returns the slot index holding a, or -1.
func (c *Cache) Slot(a *Address) int {
	if a == nil {
		return -1
	}
	for i := range c.slots {
		if c.slots[i].addr == a {
			return i
		}
	}
	return -1
}

// Remove clears the slot holding a and drops its URI.
func (c *Cache) Remove(a *Address) bool {
	slot := c.Slot(a)
	if slot < 0 {
		return false
	}
	c.slots[slot] = entry{}
	c.used--
	return true
}

// Len returns the number of occupied slots.
func (c *Cache) Len() int { return c.used }

// Cap returns the number of slots.
func (c *Cache) Cap() int { return len(c.slots) }

// Entries returns a snapshot of the occupied slots in slot order.
func (c *Cache) Entries() []Entry {
	entries := make([]Entry, 0, c.used)
	for i := range c.slots {
		e := c.slots[i]
		if e.addr == nil {
			continue
		}
		entries = append(entries, Entry{
			Slot:     i,
			URI:      e.uri,
			Address:  e.addr.AddressType(),
			UseCount: e.addr.UseCount(),
			Passive:  e.addr.passive,
		})
	}
	return entries
}

// addresses returns the cached addresses in slot order.
func (c *Cache) addresses() []*Address {
	out := make([]*Address, 0, c.used)
	for i := range c.slots {
		if a := c.slots[i].addr; a != nil {
			out = append(out, a)
		}
	}
	return out
}
