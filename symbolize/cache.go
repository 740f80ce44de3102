package symbolize

import (
	"sync"
	"sync/atomic"

	"github.com/module/symbolize/dwarf"
	"github.com/module/symbolize/elf"
)

// onceCell holds a lazily-built value that is retried on every call
// until a build finally succeeds - unlike sync.OnceValue, which freezes
// on its first outcome forever, a failed build here is never memoized.
// Concurrent callers on the same cell block on each other rather than
// racing redundant builds, since the lock is held for the duration of
// build(). Once a value is published, get reads it with a single atomic
// load and never takes the lock.
type onceCell[T any] struct {
	mu    sync.Mutex
	ready atomic.Bool
	value T
}

func (c *onceCell[T]) get(build func() (T, error)) (T, error) {
	if c.ready.Load() {
		return c.value, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready.Load() {
		return c.value, nil
	}

	value, err := build()
	if err != nil {
		var zero T
		return zero, err
	}

	c.value = value
	c.ready.Store(true)
	return c.value, nil
}

// cacheEntry is the per-path pair of once-cells from spec §4.3/§9: two
// distinct Resolvers (elf-only, elf+dwarf) that share one underlying
// *elf.File once either has opened it.
type cacheEntry struct {
	elf   onceCell[*Resolver]
	dwarf onceCell[*Resolver]

	mu      sync.Mutex
	elfFile *elf.File
}

// openElf returns this entry's shared *elf.File, opening it on first
// call from either cell and handing the same instance to whichever cell
// asks second.
func (entry *cacheEntry) openElf(path string) (*elf.File, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.elfFile != nil {
		return entry.elfFile, nil
	}

	file, err := elf.Open(path)
	if err != nil {
		return nil, err
	}

	entry.elfFile = file
	return file, nil
}

// Cache is a path-keyed store of Resolvers: one process-wide Cache lets
// every caller share a binary's parsed ELF/DWARF structures instead of
// each reparsing it from scratch.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: map[string]*cacheEntry{}}
}

// entry finds or creates path's cacheEntry. The mutex here only guards
// the map lookup/insert, never a cell's build - that's onceCell's job.
func (c *Cache) entry(path string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok {
		entry = &cacheEntry{}
		c.entries[path] = entry
	}
	return entry
}

// resolver returns path's Resolver, building (and caching) the elf-only
// or elf+dwarf variant depending on debugSyms.
func (c *Cache) resolver(path string, debugSyms bool) (*Resolver, error) {
	entry := c.entry(path)

	if !debugSyms {
		return entry.elf.get(func() (*Resolver, error) {
			file, err := entry.openElf(path)
			if err != nil {
				return nil, err
			}
			return newElfResolver(file), nil
		})
	}

	return entry.dwarf.get(func() (*Resolver, error) {
		elfFile, err := entry.openElf(path)
		if err != nil {
			return nil, err
		}

		dwarfFile, err := dwarf.NewFile(elfFile)
		if err != nil {
			return nil, err
		}

		return newElfAndDwarfResolver(elfFile, dwarfFile), nil
	})
}

// Symbolize returns path's Resolver as a Symbolize, opening and parsing
// the binary (and, if debugSyms, its DWARF data) on first request for
// that (path, debugSyms) pair. A failed build is not cached: the next
// call for the same pair retries from scratch.
func (c *Cache) Symbolize(path string, debugSyms bool) (Symbolize, error) {
	return c.resolver(path, debugSyms)
}

// Inspect is Symbolize's Inspect-side counterpart.
func (c *Cache) Inspect(path string, debugSyms bool) (Inspect, error) {
	return c.resolver(path, debugSyms)
}

// TranslateFileOffset never needs debug info; it always uses the
// elf-only variant (building it if needed, on the *elf.File the entry
// already shares) rather than forcing a DWARF parse just to walk program
// headers.
func (c *Cache) TranslateFileOffset(path string) (TranslateFileOffset, error) {
	return c.resolver(path, false)
}
