// Package capability implements the per-volume capability cache consulted by
// CopyPrimitives before attempting a reflink, sparse-file, or extended
// attribute operation.
package capability

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/blit-sync/blit/pkg/encoding"
	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/logging"
	lru "github.com/golang/groupcache/lru"
)

// VolumePair identifies a (source volume, destination volume) combination
// that a capability probe result applies to.
type VolumePair struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Capability is the probed flag set for a volume pair.
type Capability struct {
	ReflinkSameVolume bool `json:"reflink_same_volume"`
	SparseSupported   bool `json:"sparse_supported"`
	XattrSupported    bool `json:"xattr_supported"`
	FastCopySupported bool `json:"fast_copy_supported"`
}

// maxCachedVolumePairs bounds the in-memory LRU so a long-lived process
// embedding the core doesn't grow the cache unboundedly across many distinct
// volume pairs.
const maxCachedVolumePairs = 256

// Cache is a lazy, per-volume-pair capability table. A pair is probed on its
// first access and cached; a pair evicted from the bounded LRU is probed
// again on its next access. Every access, read or write, is serialized by a
// mutex.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	probe ProbeFunc
	// shadow mirrors the LRU's contents for enumeration purposes (used only
	// by Save), since groupcache's lru.Cache doesn't expose iteration and
	// eviction should still be driven by the LRU itself.
	shadow map[VolumePair]Capability
}

// ProbeFunc performs the actual (destructive-safe) trial operations needed
// to populate a Capability for a volume pair. It's injected so that tests
// can substitute a fake prober.
type ProbeFunc func(pair VolumePair) Capability

// New creates a Cache that uses probe to populate entries on first access.
func New(probe ProbeFunc) *Cache {
	cache := &Cache{
		lru:    lru.New(maxCachedVolumePairs),
		probe:  probe,
		shadow: make(map[VolumePair]Capability),
	}
	cache.lru.OnEvicted = func(key lru.Key, value interface{}) {
		delete(cache.shadow, key.(VolumePair))
	}
	return cache
}

// Get returns the capability flags for the given volume pair, probing and
// caching them on first access.
func (c *Cache) Get(pair VolumePair) Capability {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.lru.Get(pair); ok {
		return cached.(Capability)
	}

	result := c.probe(pair)
	c.lru.Add(pair, result)
	c.shadow[pair] = result
	return result
}

// Demote clears a single flag for a volume pair, used when a privileged or
// unsupported-operation error is encountered mid-transfer (e.g. a reflink
// attempt fails with ERROR_NOT_SUPPORTED after the cache reported it was
// available). The next CopyPrimitives invocation for that pair will fall
// through to the next rung of the selection ladder.
func (c *Cache) Demote(pair VolumePair, clear func(*Capability)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.lru.Get(pair)
	if !ok {
		return
	}
	updated := cached.(Capability)
	clear(&updated)
	c.lru.Add(pair, updated)
	c.shadow[pair] = updated
}

// persistedFile is the on-disk shape of capability_cache.json.
type persistedFile struct {
	Entries []persistedEntry `json:"entries"`
}

type persistedEntry struct {
	Pair       VolumePair `json:"pair"`
	Capability Capability `json:"capability"`
}

// Load populates the cache from capability_cache.json under stateDirectory,
// if present. Persistence is optional: an
// empty stateDirectory or missing file is not an error.
func (c *Cache) Load(stateDirectory string) {
	if stateDirectory == "" {
		return
	}
	var file persistedFile
	err := encoding.LoadAndUnmarshal(
		filepath.Join(stateDirectory, filesystem.CapabilityCacheFileName),
		func(data []byte) error { return json.Unmarshal(data, &file) },
	)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range file.Entries {
		c.lru.Add(entry.Pair, entry.Capability)
		c.shadow[entry.Pair] = entry.Capability
	}
}

// Save persists the current cache contents to capability_cache.json under
// stateDirectory. It's a no-op if stateDirectory is empty.
func (c *Cache) Save(stateDirectory string, logger *logging.Logger) error {
	if stateDirectory == "" {
		return nil
	}

	c.mu.Lock()
	var file persistedFile
	file.Entries = c.snapshotLocked()
	c.mu.Unlock()

	path, err := filesystem.StateDirectory(stateDirectory, true, filesystem.CapabilityCacheFileName)
	if err != nil {
		return err
	}
	return encoding.MarshalAndSave(path, func() ([]byte, error) { return json.Marshal(file) }, logger)
}

// snapshotLocked returns the cache's current contents for persistence. The
// caller must hold mu.
func (c *Cache) snapshotLocked() []persistedEntry {
	entries := make([]persistedEntry, 0, len(c.shadow))
	for pair, capability := range c.shadow {
		entries = append(entries, persistedEntry{Pair: pair, Capability: capability})
	}
	return entries
}
