package controlpoint

import (
	"sync"
	"time"

	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/ssdp"
)

// CacheEntry is one discovered root device. Root stays nil until the
// description has been fetched and parsed.
type CacheEntry struct {
	UDN        model.UDN
	Locations  []string // LOCATION URLs seen for this device, in order
	Server     string
	MaxAge     int
	ReceivedAt time.Time
	ExpiresAt  time.Time
	BootID     int
	NextBootID int
	ConfigID   int

	Root *model.RootDevice
}

// refreshResult tells the composer what a cache update implies. The entry
// is a copy; the cache never hands out live pointers.
type refreshResult struct {
	entry          CacheEntry
	isNew          bool
	needRedescribe bool
}

// DiscoveryCache tracks advertised root devices and their expiry. The
// composer owns it; callers only ever see copied snapshots.
type DiscoveryCache struct {
	mu      sync.Mutex
	entries map[model.UDN]*CacheEntry

	now func() time.Time
}

// NewDiscoveryCache creates an empty cache.
func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{
		entries: make(map[model.UDN]*CacheEntry),
		now:     time.Now,
	}
}

// Refresh applies an ALIVE, UPDATE or search-response message. Duplicate
// ALIVEs refresh expiry; an UPDATE whose BOOTID matches the previously
// announced NEXTBOOTID is not a reboot, while an unrelated BOOTID forces
// re-description.
func (c *DiscoveryCache) Refresh(msg ssdp.Message) (refreshResult, error) {
	usn, err := model.ParseUSN(msg.USN, model.ValidationLoose)
	if err != nil {
		return refreshResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[usn.UDN]
	if !ok {
		entry = &CacheEntry{
			UDN:        usn.UDN,
			BootID:     ssdp.Absent,
			NextBootID: ssdp.Absent,
			ConfigID:   ssdp.Absent,
		}
		c.entries[usn.UDN] = entry
	}

	res := refreshResult{isNew: !ok}

	if msg.Location != "" {
		known := false
		for _, loc := range entry.Locations {
			if loc == msg.Location {
				known = true
				break
			}
		}
		if !known {
			entry.Locations = append(entry.Locations, msg.Location)
		}
	}
	if msg.Server != "" {
		entry.Server = msg.Server
	}
	if msg.MaxAge != ssdp.Absent {
		entry.MaxAge = msg.MaxAge
		entry.ReceivedAt = now
		entry.ExpiresAt = now.Add(time.Duration(msg.MaxAge) * time.Second)
	}
	if msg.ConfigID != ssdp.Absent {
		entry.ConfigID = msg.ConfigID
	}

	if msg.BootID != ssdp.Absent {
		prevBoot := entry.BootID
		prevNext := entry.NextBootID
		if prevBoot != ssdp.Absent && msg.BootID != prevBoot {
			// A boot-id change announced via NEXTBOOTID is an address
			// change, not a reboot; anything else means the device
			// restarted and must be re-described.
			if prevNext == ssdp.Absent || msg.BootID != prevNext {
				res.needRedescribe = true
			}
		}
		entry.BootID = msg.BootID
	}
	if msg.NextBootID != ssdp.Absent {
		entry.NextBootID = msg.NextBootID
	}

	res.entry = copyEntry(entry)
	return res, nil
}

// SetRoot attaches the described device tree to its entry.
func (c *DiscoveryCache) SetRoot(udn model.UDN, root *model.RootDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[udn]; ok {
		entry.Root = root
	}
}

// Get returns a copy of one entry.
func (c *DiscoveryCache) Get(udn model.UDN) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[udn]
	if !ok {
		return CacheEntry{}, false
	}
	return copyEntry(entry), true
}

// Remove drops an entry, returning whether it existed.
func (c *DiscoveryCache) Remove(udn model.UDN) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[udn]
	if !ok {
		return CacheEntry{}, false
	}
	delete(c.entries, udn)
	return copyEntry(entry), true
}

// SweepExpired removes every entry past its expiry and returns them.
func (c *DiscoveryCache) SweepExpired() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var removed []CacheEntry
	for udn, entry := range c.entries {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			removed = append(removed, copyEntry(entry))
			delete(c.entries, udn)
		}
	}
	return removed
}

// Snapshot returns a copy of every entry.
func (c *DiscoveryCache) Snapshot() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, copyEntry(entry))
	}
	return out
}

// Len reports the number of cached devices.
func (c *DiscoveryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func copyEntry(e *CacheEntry) CacheEntry {
	cp := *e
	cp.Locations = append([]string(nil), e.Locations...)
	return cp
}
