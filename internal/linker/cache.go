// Package linker turns filtered candidates into finished catalog records:
// it resolves publication→dataset cross-references, flattens runinfo rows,
// and enriches datasets with BioProject and BioSample detail fetched through
// persistent caches so re-runs never refetch known accessions.
package linker

import (
	"encoding/json"
	"fmt"
	"os"
)

// Cache is a JSON-file-backed accession→value map. Lookups are in-memory;
// Save persists via temp-file-and-rename so a crash never leaves a torn
// cache on disk. A missing file is an empty cache.
type Cache[T any] struct {
	path    string
	entries map[string]T
	dirty   bool
}

// OpenCache loads the cache at path.
func OpenCache[T any](path string) (*Cache[T], error) {
	c := &Cache[T]{path: path, entries: make(map[string]T)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.entries); err != nil {
			return nil, fmt.Errorf("decoding cache %s: %w", path, err)
		}
	}
	return c, nil
}

// Get returns the cached value for key.
func (c *Cache[T]) Get(key string) (T, bool) {
	v, ok := c.entries[key]
	return v, ok
}

// Put stores the value for key in memory; Save makes it durable.
func (c *Cache[T]) Put(key string, v T) {
	c.entries[key] = v
	c.dirty = true
}

// Len returns the number of cached entries.
func (c *Cache[T]) Len() int {
	return len(c.entries)
}

// Save writes the cache to disk if anything changed since load.
func (c *Cache[T]) Save() error {
	if !c.dirty {
		return nil
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache %s: %w", c.path, err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing cache %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replacing cache %s: %w", c.path, err)
	}
	c.dirty = false
	return nil
}
