package consent

import (
	"sync"
	"time"
)

// Key identifies a cached consent set. Using a struct key instead of a
// joined string means patient and server invalidation match on fields
// rather than substrings, so a patient id can never collide with part of
// a server name.
type Key struct {
	ServerName string
	PatientID  string
	ClientID   string
}

type cacheEntry struct {
	consents  []Consent
	fetchedAt time.Time
	expiresAt time.Time
}

// Cache is a TTL cache of fetched Consent resources keyed per
// (server, patient, client). Entries are immutable once stored; expiry is
// checked lazily on read and swept explicitly via Cleanup.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache returns a cache whose entries live for ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[Key]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached consents for key, or (nil, false) on miss or
// expiry. Expired entries are deleted on read.
func (c *Cache) Get(key Key) ([]Consent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.consents, true
}

// Set stores consents under key with the cache's default TTL.
func (c *Cache) Set(key Key, consents []Consent) {
	c.SetTTL(key, consents, c.ttl)
}

// SetTTL stores consents under key with an explicit TTL.
func (c *Cache) SetTTL(key Key, consents []Consent, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = cacheEntry{
		consents:  consents,
		fetchedAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Invalidate removes the entry for key if present.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePatient removes all entries for the patient, optionally
// restricted to one server. Returns the number of entries removed.
func (c *Cache) InvalidatePatient(patientID, serverName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if k.PatientID != patientID {
			continue
		}
		if serverName != "" && k.ServerName != serverName {
			continue
		}
		delete(c.entries, k)
		n++
	}
	return n
}

// InvalidateServer removes all entries for the server. Returns the number
// of entries removed.
func (c *Cache) InvalidateServer(serverName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if k.ServerName == serverName {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Cleanup sweeps all expired entries and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]cacheEntry)
}

// Len reports the number of entries currently stored, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
